package platform

import (
	"context"
	"fmt"

	"github.com/bibin-skaria/ocirootfs/manifest"
)

// ManifestFetcher retrieves raw manifest bytes by name and reference.
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, name, reference string) ([]byte, error)
}

// Resolve selects an entry of list and fetches the manifest it points at.
func Resolve(ctx context.Context, fetcher ManifestFetcher, name string, list *manifest.List, selector Selector) (manifest.Manifest, error) {
	if selector == nil {
		selector = DefaultSelector()
	}

	entry, err := selector.Select(list)
	if err != nil {
		return nil, err
	}

	return Fetch(ctx, fetcher, name, entry)
}

// Fetch retrieves and parses the manifest referenced by entry.
func Fetch(ctx context.Context, fetcher ManifestFetcher, name string, entry *manifest.ListEntry) (manifest.Manifest, error) {
	data, err := fetcher.FetchManifest(ctx, name, entry.Digest.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest for %s: %w", entry.Platform, err)
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest for %s: %w", entry.Platform, err)
	}

	if m.Schema() == manifest.Schema2ListKind {
		return nil, ErrNestedList
	}

	return m, nil
}
