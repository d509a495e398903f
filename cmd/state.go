package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bibin-skaria/ocirootfs/rootfs"
)

func newStateCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Manage unpack state",
		Long:  "Commands for inspecting and restoring the per-layer state kept in --state-dir.",
	}

	cmd.AddCommand(newStateShowCommand(g))
	cmd.AddCommand(newStateRollbackCommand(g))

	return cmd
}

func openSnapshotter(g *globals, dir, stateDir string) (*rootfs.Snapshotter, error) {
	if stateDir == "" {
		stateDir = g.cfg.StateDir
	}
	if stateDir == "" {
		return nil, fmt.Errorf("no state directory: pass --state-dir or set state_dir in the config")
	}

	folder, err := rootfs.NewFolder(dir)
	if err != nil {
		return nil, err
	}
	return rootfs.NewSnapshotter(folder, stateDir)
}

func newStateShowCommand(g *globals) *cobra.Command {
	var stateDir string

	cmd := &cobra.Command{
		Use:   "show DIR",
		Short: "List the layers applied to DIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := openSnapshotter(g, args[0], stateDir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Root: %s\n", snap.Root())

			committed := snap.Committed()
			fmt.Fprintf(out, "Committed layers: %d\n", len(committed))
			for i, d := range committed {
				fmt.Fprintf(out, "  %2d  %s\n", i, d)
			}
			if pending, ok := snap.Pending(); ok {
				fmt.Fprintf(out, "Pending: %s\n", pending)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stateDir, "state-dir", "", "State directory used by unpack")

	return cmd
}

func newStateRollbackCommand(g *globals) *cobra.Command {
	var stateDir string

	cmd := &cobra.Command{
		Use:   "rollback DIR",
		Short: "Restore DIR to the snapshot taken before the pending layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := openSnapshotter(g, args[0], stateDir)
			if err != nil {
				return err
			}

			pending, _ := snap.Pending()
			if err := snap.Rollback(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back layer %s\n", pending)
			return nil
		},
	}

	cmd.Flags().StringVar(&stateDir, "state-dir", "", "State directory used by unpack")

	return cmd
}
