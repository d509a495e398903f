// Package config loads ocirootfs settings from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/ocirootfs/internal/errors"
	"github.com/bibin-skaria/ocirootfs/logging"
	"github.com/bibin-skaria/ocirootfs/registry"
)

// DefaultPath is read when no file is named explicitly.
const DefaultPath = "~/.ocirootfs/config.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OCIROOTFS_"

// Registry transports
const (
	TransportGGCR = "ggcr"
	TransportHTTP = "http"
)

// Config holds every setting the CLI consumes
type Config struct {
	// Transport selects the registry client: "ggcr" or "http"
	Transport string `yaml:"transport"`
	// Platform overrides the host platform, as os/arch[/variant]
	Platform string `yaml:"platform,omitempty"`
	// StateDir holds snapshots and applied-layer state; empty disables them
	StateDir string `yaml:"state_dir,omitempty"`
	// LayerTimeout bounds the time spent applying one layer
	LayerTimeout time.Duration `yaml:"layer_timeout,omitempty"`

	Log      LogConfig      `yaml:"log"`
	Registry RegistryConfig `yaml:"registry"`
}

// LogConfig configures the structured logger
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format"`
}

// RegistryConfig configures registry access
type RegistryConfig struct {
	UserAgent  string        `yaml:"user_agent,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	MaxRetries int           `yaml:"max_retries"`
	Insecure   []string      `yaml:"insecure,omitempty"`
	Username   string        `yaml:"username,omitempty"`
	Password   string        `yaml:"password,omitempty"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Transport: TransportGGCR,
		Log: LogConfig{
			Format: string(logging.FormatText),
		},
		Registry: RegistryConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path means DefaultPath, which may be absent.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s: %v", path, err)
	}

	data, err := os.ReadFile(expanded)
	switch {
	case os.IsNotExist(err) && !explicit:
	case err != nil:
		return nil, errors.NewErrorBuilder().
			Category(errors.ErrorCategoryConfiguration).
			Operation("load_config").
			Messagef("failed to read %s: %v", expanded, err).
			Cause(err).
			Suggestion("Check the --config path").
			Build()
	default:
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, errors.NewErrorBuilder().
				Category(errors.ErrorCategoryConfiguration).
				Operation("load_config").
				Messagef("failed to parse %s: %v", expanded, err).
				Cause(err).
				Suggestion("Fix the YAML syntax or remove unknown keys").
				Build()
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from OCIROOTFS_* variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return invalidEnv(name, v, err)
		}
		*dst = d
		return nil
	}

	str("TRANSPORT", &c.Transport)
	str("PLATFORM", &c.Platform)
	str("STATE_DIR", &c.StateDir)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("REGISTRY_USER_AGENT", &c.Registry.UserAgent)
	str("REGISTRY_USERNAME", &c.Registry.Username)
	str("REGISTRY_PASSWORD", &c.Registry.Password)

	if err := dur("LAYER_TIMEOUT", &c.LayerTimeout); err != nil {
		return err
	}
	if err := dur("REGISTRY_TIMEOUT", &c.Registry.Timeout); err != nil {
		return err
	}

	if v, ok := lookup(EnvPrefix + "REGISTRY_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalidEnv("REGISTRY_MAX_RETRIES", v, err)
		}
		c.Registry.MaxRetries = n
	}
	if v, ok := lookup(EnvPrefix + "INSECURE_REGISTRIES"); ok {
		c.Registry.Insecure = nil
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				c.Registry.Insecure = append(c.Registry.Insecure, r)
			}
		}
	}
	return nil
}

func invalidEnv(name, value string, err error) error {
	return errors.NewErrorBuilder().
		Category(errors.ErrorCategoryConfiguration).
		Operation("load_config").
		Messagef("invalid %s%s=%q: %v", EnvPrefix, name, value, err).
		Cause(err).
		Build()
}

// Validate checks enumerated fields and expands StateDir
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportGGCR, TransportHTTP:
	default:
		return errors.NewValidationError("load_config",
			fmt.Sprintf("unknown transport %q, expected %s or %s", c.Transport, TransportGGCR, TransportHTTP), nil)
	}

	switch logging.Format(c.Log.Format) {
	case logging.FormatJSON, logging.FormatText:
	default:
		return errors.NewValidationError("load_config",
			fmt.Sprintf("unknown log format %q", c.Log.Format), nil)
	}

	if c.Registry.MaxRetries < 0 {
		return errors.NewValidationError("load_config", "registry.max_retries must not be negative", nil)
	}

	if c.StateDir != "" {
		dir, err := homedir.Expand(c.StateDir)
		if err != nil {
			return errors.NewValidationError("load_config", fmt.Sprintf("invalid state_dir: %v", err), err)
		}
		c.StateDir = dir
	}
	return nil
}

// RegistryOptions converts the registry section into client options
func (c *Config) RegistryOptions(log *logging.Logger) *registry.Options {
	retry := errors.NoRetry()
	if c.Registry.MaxRetries > 0 {
		retry = errors.DefaultRetryConfig()
		retry.MaxRetries = c.Registry.MaxRetries
	}

	return &registry.Options{
		UserAgent: c.Registry.UserAgent,
		Timeout:   c.Registry.Timeout,
		Retry:     retry,
		Insecure:  c.Registry.Insecure,
		Username:  c.Registry.Username,
		Password:  c.Registry.Password,
		Logger:    log,
	}
}

// Fetcher builds the registry client selected by Transport
func (c *Config) Fetcher(log *logging.Logger) registry.Fetcher {
	opts := c.RegistryOptions(log)
	if c.Transport == TransportHTTP {
		return registry.NewHTTPClient(opts)
	}
	return registry.NewClient(opts)
}

// Logger builds the logger described by the log section
func (c *Config) Logger() *logging.Logger {
	return logging.New(logging.Options{
		Level:  c.Log.Level,
		Format: logging.Format(c.Log.Format),
	})
}
