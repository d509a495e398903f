package image

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/bibin-skaria/ocirootfs/manifest"
	"github.com/bibin-skaria/ocirootfs/platform"
	"github.com/bibin-skaria/ocirootfs/registry"
)

// maxConcurrentFetches bounds ResolveAll's parallel manifest requests.
const maxConcurrentFetches = 4

// Resolved is one platform manifest of a list.
type Resolved struct {
	Entry    manifest.ListEntry
	Manifest manifest.Manifest
}

// ResolveAll fetches the manifest of every entry in list concurrently.
// Results keep the list's order. The first failure cancels the rest.
func ResolveAll(ctx context.Context, fetcher registry.Fetcher, repo string, list *manifest.List) ([]Resolved, error) {
	results := make([]Resolved, len(list.Manifests))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	for i := range list.Manifests {
		i := i
		entry := list.Manifests[i]
		g.Go(func() error {
			m, err := platform.Fetch(ctx, fetcher, repo, &entry)
			if err != nil {
				return err
			}
			results[i] = Resolved{Entry: entry, Manifest: m}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
