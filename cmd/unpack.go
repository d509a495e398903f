package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bibin-skaria/ocirootfs/image"
	"github.com/bibin-skaria/ocirootfs/progress"
	"github.com/bibin-skaria/ocirootfs/rootfs"
	"github.com/bibin-skaria/ocirootfs/unpack"
)

// target describes where and how layers are applied.
type target struct {
	dir          string
	stateDir     string
	layerTimeout time.Duration
	chown        bool
	chownSet     bool
	progress     bool
	verbose      bool
}

func (t *target) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.stateDir, "state-dir", "", "Directory for per-layer snapshots; enables rollback on failure")
	cmd.Flags().DurationVar(&t.layerTimeout, "layer-timeout", 0, "Maximum time to spend applying one layer (0 disables)")
	cmd.Flags().BoolVar(&t.chown, "chown", false, "Restore file ownership (default: only when running as root)")
	cmd.Flags().BoolVar(&t.progress, "progress", true, "Show progress")
	cmd.Flags().BoolVarP(&t.verbose, "verbose", "v", false, "Print one progress line per layer event")
}

func (t *target) resolve(cmd *cobra.Command, g *globals) {
	if !cmd.Flags().Changed("state-dir") {
		t.stateDir = g.cfg.StateDir
	}
	if !cmd.Flags().Changed("layer-timeout") {
		t.layerTimeout = g.cfg.LayerTimeout
	}
	t.chownSet = cmd.Flags().Changed("chown")
}

func newUnpackCommand(g *globals) *cobra.Command {
	t := &target{}

	cmd := &cobra.Command{
		Use:   "unpack IMAGE DIR",
		Short: "Unpack an image into a directory",
		Long: `Pull IMAGE, select the manifest for the target platform and apply its
layers to DIR. With --state-dir the root is snapshotted before every layer
and restored if that layer fails.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t.resolve(cmd, g)
			t.dir = args[1]
			ctx := cmd.Context()

			selector, err := g.selector()
			if err != nil {
				return err
			}

			img, err := image.Pull(ctx, g.cfg.Fetcher(g.log), args[0], selector)
			if err != nil {
				return err
			}

			platformStr := "single-manifest"
			if img.Platform != nil {
				platformStr = img.Platform.String()
			}
			g.log.LogUnpackStart(ctx, img.Reference, platformStr, t.dir)

			start := time.Now()
			stats, err := t.apply(ctx, cmd, g, img)
			g.log.LogUnpackComplete(ctx, img.Reference, stats.Layers, time.Since(start), err)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Unpacked %s into %s\n", img.Reference, t.dir)
			if img.Platform != nil {
				fmt.Fprintf(out, "Platform: %s\n", img.Platform)
			}
			printStats(cmd, stats, time.Since(start))
			return nil
		},
	}
	t.addFlags(cmd)

	return cmd
}

func newApplyCommand(g *globals) *cobra.Command {
	t := &target{}

	cmd := &cobra.Command{
		Use:   "apply DIR LAYER...",
		Short: "Apply local layer archives to a directory",
		Long: `Apply each LAYER, a tar archive that is optionally gzip or zstd
compressed, to DIR in the order given.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t.resolve(cmd, g)
			t.dir = args[0]
			ctx := cmd.Context()

			img, err := image.FromArchives(args[1:]...)
			if err != nil {
				return err
			}

			start := time.Now()
			stats, err := t.apply(ctx, cmd, g, img)
			g.log.LogUnpackComplete(ctx, "local", stats.Layers, time.Since(start), err)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d layers to %s\n", len(args)-1, t.dir)
			printStats(cmd, stats, time.Since(start))
			return nil
		},
	}
	t.addFlags(cmd)

	return cmd
}

// apply unpacks img into the target directory. With a state directory a
// failed layer is rolled back and a layer left pending by an interrupted
// run is undone first. Committed layers are not applied again.
func (t *target) apply(ctx context.Context, cmd *cobra.Command, g *globals, img unpack.Image) (stats unpack.Stats, err error) {
	opts := []rootfs.FolderOption{rootfs.WithFolderLogger(g.log.Component("rootfs"))}
	if t.chownSet {
		opts = append(opts, rootfs.WithChown(t.chown))
	}

	folder, err := rootfs.NewFolder(t.dir, opts...)
	if err != nil {
		return unpack.Stats{}, err
	}

	engineOpts := []unpack.Option{
		unpack.WithLogger(g.log.Component("unpack")),
		unpack.WithLayerTimeout(t.layerTimeout),
	}
	if t.progress {
		tracker := progress.NewTracker(cmd.ErrOrStderr(), t.verbose)
		engineOpts = append(engineOpts, unpack.WithObserver(tracker))
		defer func() {
			tracker.Finish(ctx, err == nil)
		}()
	}

	if t.stateDir == "" {
		return unpack.New(folder, engineOpts...).Unpack(ctx, img)
	}

	snap, err := rootfs.NewSnapshotter(folder, t.stateDir)
	if err != nil {
		return unpack.Stats{}, err
	}
	if pending, ok := snap.Pending(); ok {
		g.log.Component("rootfs").WithField("layer", pending.String()).Warn("Rolling back layer left by an interrupted run")
		if err := snap.Rollback(); err != nil {
			return unpack.Stats{}, fmt.Errorf("failed to roll back pending layer %s: %w", pending, err)
		}
	}

	engineOpts = append(engineOpts, unpack.WithApplied(snap.Committed()))
	stats, err = unpack.New(snap, engineOpts...).Unpack(ctx, img)
	if err != nil {
		if rbErr := snap.Rollback(); rbErr != nil && !errors.Is(rbErr, rootfs.ErrNoSnapshot) {
			return stats, fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
	}
	return stats, err
}

func printStats(cmd *cobra.Command, stats unpack.Stats, duration time.Duration) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Layers: %d\n", stats.Layers)
	if stats.Skipped > 0 {
		fmt.Fprintf(out, "Skipped: %d (already applied)\n", stats.Skipped)
	}
	fmt.Fprintf(out, "Additions: %d\n", stats.Additions)
	fmt.Fprintf(out, "Whiteouts: %d files, %d directories\n", stats.FileWhiteouts, stats.DirectoryWhiteouts)
	fmt.Fprintf(out, "Duration: %s\n", formatDuration(duration))
}
