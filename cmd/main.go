package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bibin-skaria/ocirootfs/config"
	"github.com/bibin-skaria/ocirootfs/logging"
	"github.com/bibin-skaria/ocirootfs/platform"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		stop()
		os.Exit(exitCode(err))
	}
}

// globals are the settings shared by every subcommand, resolved once the
// command line is parsed.
type globals struct {
	configPath string
	logLevel   string
	logFormat  string
	transport  string
	platform   string
	insecure   []string

	cfg *config.Config
	log *logging.Logger
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "ocirootfs",
		Short: "Unpack OCI and Docker images into a root filesystem",
		Long: `ocirootfs pulls an image from a registry, selects the manifest for the
target platform and applies its layers in order to a plain directory,
honoring whiteouts and refusing any entry that would escape the root.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&g.configPath, "config", "", "Config file (default: "+config.DefaultPath+")")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&g.logFormat, "log-format", "", "Log format (text, json)")
	flags.StringVar(&g.transport, "transport", "", "Registry transport (ggcr, http)")
	flags.StringVar(&g.platform, "platform", "", "Target platform as os/arch[/variant] (default: host)")
	flags.StringArrayVar(&g.insecure, "insecure-registry", nil, "Registry to reach over plain HTTP (repeatable)")

	cmd.AddCommand(newUnpackCommand(g))
	cmd.AddCommand(newApplyCommand(g))
	cmd.AddCommand(newInspectCommand(g))
	cmd.AddCommand(newStateCommand(g))

	return cmd
}

// load reads the config file and environment, then lets explicitly set
// flags win.
func (g *globals) load(cmd *cobra.Command) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	if flags.Changed("transport") {
		cfg.Transport = g.transport
	}
	if flags.Changed("platform") {
		cfg.Platform = g.platform
	}
	if flags.Changed("insecure-registry") {
		cfg.Registry.Insecure = append(cfg.Registry.Insecure, g.insecure...)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	g.cfg = cfg
	g.log = cfg.Logger()
	return nil
}

// selector returns the platform selector for the configured target.
func (g *globals) selector() (platform.Selector, error) {
	if g.cfg.Platform == "" {
		return platform.DefaultSelector(), nil
	}
	p, err := platform.Parse(g.cfg.Platform)
	if err != nil {
		return nil, fmt.Errorf("invalid platform %q: %w", g.cfg.Platform, err)
	}
	return platform.FirstMatch{Matcher: platform.Matcher{Target: p}}, nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
