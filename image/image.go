// Package image resolves image references to platform-specific manifests
// and opens their layers as verified, decompressed tar streams.
package image

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/bibin-skaria/ocirootfs/archive"
	"github.com/bibin-skaria/ocirootfs/digest"
	"github.com/bibin-skaria/ocirootfs/manifest"
	"github.com/bibin-skaria/ocirootfs/platform"
	"github.com/bibin-skaria/ocirootfs/registry"
)

// Image is a resolved, non-list manifest together with the repository its
// blobs are fetched from. It implements unpack.Image.
type Image struct {
	// Reference is the fully qualified reference that was pulled.
	Reference string
	// Repository is the repository blobs are fetched from.
	Repository string
	// Platform is the selected list entry's platform, or nil when the
	// reference named a single manifest.
	Platform *manifest.Platform

	manifest manifest.Manifest
	fetcher  registry.Fetcher
}

// Pull fetches the manifest named by ref and, for a manifest list, resolves
// it with selector. A nil selector picks the host platform.
func Pull(ctx context.Context, fetcher registry.Fetcher, ref string, selector platform.Selector) (*Image, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	repo := r.Context().Name()

	data, err := fetcher.FetchManifest(ctx, repo, r.Identifier())
	if err != nil {
		return nil, err
	}
	if d, ok := r.(name.Digest); ok {
		if err := checkManifestDigest(d.DigestStr(), data); err != nil {
			return nil, err
		}
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return nil, err
	}

	img := &Image{
		Reference:  r.Name(),
		Repository: repo,
		manifest:   m,
		fetcher:    fetcher,
	}

	if list, ok := m.(*manifest.List); ok {
		if selector == nil {
			selector = platform.DefaultSelector()
		}
		entry, err := selector.Select(list)
		if err != nil {
			return nil, err
		}
		resolved, err := platform.Fetch(ctx, fetcher, repo, entry)
		if err != nil {
			return nil, err
		}
		p := entry.Platform
		img.Platform = &p
		img.manifest = resolved
	}

	return img, nil
}

// New wraps an already resolved manifest.
func New(fetcher registry.Fetcher, repo string, m manifest.Manifest) *Image {
	return &Image{
		Reference:  repo,
		Repository: repo,
		manifest:   m,
		fetcher:    fetcher,
	}
}

func checkManifestDigest(expected string, data []byte) error {
	want, err := digest.Parse(expected)
	if err != nil {
		return err
	}
	if got := digest.FromBytes(data); got != want {
		return &VerificationError{Digest: want, Reason: fmt.Sprintf("manifest hashes to %s", got)}
	}
	return nil
}

// Manifest returns the resolved manifest.
func (i *Image) Manifest() manifest.Manifest {
	return i.manifest
}

// OpenLayer fetches a layer blob and returns its uncompressed tar stream.
// Content is checked against the layer digest as it is read; a mismatch
// surfaces as a *VerificationError once the blob is exhausted.
func (i *Image) OpenLayer(ctx context.Context, layer manifest.Layer) (io.ReadCloser, error) {
	rc, err := i.fetcher.FetchBlob(ctx, i.Repository, layer.Digest())
	if err != nil {
		return nil, err
	}
	return openVerified(rc, layer)
}

func openVerified(rc io.ReadCloser, layer manifest.Layer) (io.ReadCloser, error) {
	size := int64(-1)
	if d, ok := layer.(manifest.Descriptor); ok && d.Size > 0 {
		size = d.Size
	}

	mediaType, ok := layer.MediaType()
	if !ok {
		mediaType = manifest.ParseLayerMediaType("")
	}

	verified := newVerifiedReader(rc, layer.Digest(), size)
	tarStream, err := archive.Decompress(verified, mediaType)
	if err != nil {
		verified.Close()
		return nil, err
	}

	return &layerReader{ReadCloser: tarStream, blob: verified}, nil
}

// layerReader closes both the decompressor and the blob stream.
type layerReader struct {
	io.ReadCloser
	blob io.Closer
}

func (l *layerReader) Close() error {
	err := l.ReadCloser.Close()
	if blobErr := l.blob.Close(); err == nil {
		err = blobErr
	}
	return err
}
