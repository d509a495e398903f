package main

import (
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/spf13/cobra"

	"github.com/bibin-skaria/ocirootfs/image"
	"github.com/bibin-skaria/ocirootfs/manifest"
)

func newInspectCommand(g *globals) *cobra.Command {
	var allPlatforms bool

	cmd := &cobra.Command{
		Use:   "inspect IMAGE",
		Short: "Show the manifest an image resolves to",
		Long: `Resolve IMAGE for the target platform and list its layers. With
--all-platforms every entry of a manifest list is resolved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fetcher := g.cfg.Fetcher(g.log)
			out := cmd.OutOrStdout()

			if !allPlatforms {
				selector, err := g.selector()
				if err != nil {
					return err
				}
				img, err := image.Pull(ctx, fetcher, args[0], selector)
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "Image: %s\n", img.Reference)
				if img.Platform != nil {
					fmt.Fprintf(out, "Platform: %s\n", img.Platform)
				}
				return printManifest(out, img.Manifest(), "")
			}

			ref, err := name.ParseReference(args[0])
			if err != nil {
				return fmt.Errorf("invalid image reference %q: %w", args[0], err)
			}
			repo := ref.Context().Name()

			data, err := fetcher.FetchManifest(ctx, repo, ref.Identifier())
			if err != nil {
				return err
			}
			m, err := manifest.Parse(data)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Image: %s\n", ref.Name())
			list, ok := m.(*manifest.List)
			if !ok {
				return printManifest(out, m, "")
			}

			resolved, err := image.ResolveAll(ctx, fetcher, repo, list)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Platforms: %d\n", len(resolved))
			for _, r := range resolved {
				fmt.Fprintf(out, "\n%s (%s)\n", r.Entry.Platform, r.Entry.Digest)
				if err := printManifest(out, r.Manifest, "  "); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&allPlatforms, "all-platforms", false, "Resolve every entry of a manifest list")

	return cmd
}

func printManifest(out io.Writer, m manifest.Manifest, indent string) error {
	layers, err := m.Layers()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%sSchema: %s\n", indent, m.Schema())
	fmt.Fprintf(out, "%sLayers: %d\n", indent, len(layers))

	var total int64
	for i, l := range layers {
		mediaType := "unknown"
		if mt, ok := l.MediaType(); ok {
			mediaType = mt.Kind().String()
		}

		size := "?"
		if d, ok := l.(manifest.Descriptor); ok {
			size = formatBytes(d.Size)
			total += d.Size
		}
		fmt.Fprintf(out, "%s  %2d  %s  %s  %s\n", indent, i, l.Digest(), mediaType, size)
	}
	if total > 0 {
		fmt.Fprintf(out, "%sTotal: %s\n", indent, formatBytes(total))
	}
	return nil
}
