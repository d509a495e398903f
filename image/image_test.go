package image_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bibin-skaria/ocirootfs/archive"
	"github.com/bibin-skaria/ocirootfs/digest"
	"github.com/bibin-skaria/ocirootfs/image"
	"github.com/bibin-skaria/ocirootfs/internal/testutil"
	"github.com/bibin-skaria/ocirootfs/manifest"
	"github.com/bibin-skaria/ocirootfs/platform"
	"github.com/bibin-skaria/ocirootfs/rootfs"
	"github.com/bibin-skaria/ocirootfs/unpack"
)

const repo = "example.com/team/app"

type memRegistry struct {
	mu        sync.Mutex
	manifests map[string][]byte
	blobs     map[digest.Digest][]byte
	fetches   []string
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		manifests: make(map[string][]byte),
		blobs:     make(map[digest.Digest][]byte),
	}
}

func (r *memRegistry) FetchManifest(ctx context.Context, name, reference string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches = append(r.fetches, reference)

	data, ok := r.manifests[name+"/"+reference]
	if !ok {
		return nil, fmt.Errorf("manifest %s:%s not found", name, reference)
	}
	return data, nil
}

func (r *memRegistry) FetchBlob(ctx context.Context, name string, d digest.Digest) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, ok := r.blobs[d]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", d)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// putImage stores a schema 2 manifest over layers and returns its digest.
func (r *memRegistry) putImage(t *testing.T, tag string, layers ...testutil.Blob) digest.Digest {
	t.Helper()

	config := []byte(`{"architecture":"amd64","os":"linux"}`)
	m := manifest.Schema2{
		SchemaVersion: 2,
		MediaType:     "application/vnd.docker.distribution.manifest.v2+json",
		Config: manifest.Config{
			MediaType: "application/vnd.docker.container.image.v1+json",
			Size:      int64(len(config)),
			Digest:    digest.FromBytes(config),
		},
	}
	for _, l := range layers {
		m.LayerList = append(m.LayerList, manifest.Descriptor{
			MediaTypeValue: manifest.ParseLayerMediaType(l.MediaType),
			Size:           int64(len(l.Data)),
			DigestValue:    l.Digest,
		})
		r.blobs[l.Digest] = l.Data
	}

	return r.put(t, tag, &m)
}

func (r *memRegistry) put(t *testing.T, tag string, v interface{}) digest.Digest {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal manifest: %v", err)
	}
	d := digest.FromBytes(data)
	r.manifests[repo+"/"+d.String()] = data
	if tag != "" {
		r.manifests[repo+"/"+tag] = data
	}
	return d
}

func (r *memRegistry) putList(t *testing.T, tag string, entries map[string]digest.Digest, order ...string) digest.Digest {
	t.Helper()

	list := manifest.List{
		SchemaVersion: 2,
		MediaType:     "application/vnd.docker.distribution.manifest.list.v2+json",
	}
	for _, p := range order {
		target, err := platform.Parse(p)
		if err != nil {
			t.Fatalf("Failed to parse platform %s: %v", p, err)
		}
		d := entries[p]
		list.Manifests = append(list.Manifests, manifest.ListEntry{
			MediaType: "application/vnd.docker.distribution.manifest.v2+json",
			Size:      int64(len(r.manifests[repo+"/"+d.String()])),
			Digest:    d,
			Platform:  target,
		})
	}
	return r.put(t, tag, &list)
}

func selectorFor(t *testing.T, p string) platform.Selector {
	target, err := platform.Parse(p)
	if err != nil {
		t.Fatalf("Failed to parse platform %s: %v", p, err)
	}
	return platform.FirstMatch{Matcher: platform.Matcher{Target: target}}
}

func layer(t *testing.T, c archive.Compression, entries ...testutil.Entry) testutil.Blob {
	return testutil.NewBlob(c, testutil.Layer(t, c, entries...))
}

func TestPullAndUnpack(t *testing.T) {
	reg := newMemRegistry()
	reg.putImage(t, "1.0",
		layer(t, archive.CompressionGzip,
			testutil.Dir("etc"),
			testutil.File("etc/os-release", "base"),
			testutil.File("etc/motd", "hello"),
		),
		layer(t, archive.CompressionZstd,
			testutil.File("etc/os-release", "app"),
			testutil.Whiteout("etc", "motd"),
		),
	)

	img, err := image.Pull(context.Background(), reg, repo+":1.0", nil)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if img.Platform != nil {
		t.Errorf("Expected no platform for a single manifest, got %v", img.Platform)
	}
	if img.Repository != repo {
		t.Errorf("Expected repository %s, got %s", repo, img.Repository)
	}

	root := t.TempDir()
	folder, err := rootfs.NewFolder(root)
	if err != nil {
		t.Fatalf("NewFolder failed: %v", err)
	}

	stats, err := unpack.New(folder).Unpack(context.Background(), img)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if stats.Layers != 2 {
		t.Errorf("Expected 2 layers, got %d", stats.Layers)
	}

	data, err := os.ReadFile(filepath.Join(root, "etc", "os-release"))
	if err != nil {
		t.Fatalf("Expected etc/os-release: %v", err)
	}
	if string(data) != "app" {
		t.Errorf("Expected the upper layer to win, got %q", data)
	}
	if _, err := os.Lstat(filepath.Join(root, "etc", "motd")); !os.IsNotExist(err) {
		t.Errorf("Expected etc/motd to be whited out, got %v", err)
	}
}

func TestPullResolvesList(t *testing.T) {
	reg := newMemRegistry()
	amd64 := reg.putImage(t, "", layer(t, archive.CompressionGzip, testutil.File("arch", "amd64")))
	arm64 := reg.putImage(t, "", layer(t, archive.CompressionGzip, testutil.File("arch", "arm64")))
	reg.putList(t, "multi",
		map[string]digest.Digest{"linux/amd64": amd64, "linux/arm64/v8": arm64},
		"linux/amd64", "linux/arm64/v8")

	img, err := image.Pull(context.Background(), reg, repo+":multi", selectorFor(t, "linux/arm64"))
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if img.Platform == nil || img.Platform.Architecture != "arm64" {
		t.Fatalf("Expected arm64 entry, got %v", img.Platform)
	}

	layers, err := img.Manifest().Layers()
	if err != nil {
		t.Fatalf("Layers failed: %v", err)
	}
	if len(layers) != 1 {
		t.Fatalf("Expected 1 layer, got %d", len(layers))
	}
	if got := reg.fetches[len(reg.fetches)-1]; got != arm64.String() {
		t.Errorf("Expected the arm64 manifest to be fetched by digest, got %s", got)
	}
}

func TestPullNoMatchingPlatform(t *testing.T) {
	reg := newMemRegistry()
	amd64 := reg.putImage(t, "", layer(t, archive.CompressionGzip, testutil.File("a", "a")))
	reg.putList(t, "multi", map[string]digest.Digest{"linux/amd64": amd64}, "linux/amd64")

	_, err := image.Pull(context.Background(), reg, repo+":multi", selectorFor(t, "linux/s390x"))
	if !errors.Is(err, platform.ErrNoMatchingPlatform) {
		t.Errorf("Expected ErrNoMatchingPlatform, got %v", err)
	}
}

func TestPullByDigest(t *testing.T) {
	reg := newMemRegistry()
	d := reg.putImage(t, "", layer(t, archive.CompressionGzip, testutil.File("a", "a")))

	if _, err := image.Pull(context.Background(), reg, repo+"@"+d.String(), nil); err != nil {
		t.Fatalf("Pull by digest failed: %v", err)
	}

	// Serve different bytes under the requested digest.
	other := reg.putImage(t, "", layer(t, archive.CompressionGzip, testutil.File("b", "b")))
	reg.manifests[repo+"/"+d.String()] = reg.manifests[repo+"/"+other.String()]

	_, err := image.Pull(context.Background(), reg, repo+"@"+d.String(), nil)
	var verr *image.VerificationError
	if !errors.As(err, &verr) {
		t.Errorf("Expected *VerificationError, got %v", err)
	}
}

func TestPullInvalidReference(t *testing.T) {
	_, err := image.Pull(context.Background(), newMemRegistry(), "UPPER/Case:!!", nil)
	if err == nil {
		t.Error("Expected an error for an invalid reference")
	}
}

func TestOpenLayerVerifiesDigest(t *testing.T) {
	reg := newMemRegistry()
	good := layer(t, archive.CompressionGzip, testutil.File("a", "a"))
	reg.putImage(t, "tampered", good)

	tampered := layer(t, archive.CompressionGzip, testutil.File("a", "evil"))
	reg.blobs[good.Digest] = tampered.Data

	img, err := image.Pull(context.Background(), reg, repo+":tampered", nil)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	folder, err := rootfs.NewFolder(t.TempDir())
	if err != nil {
		t.Fatalf("NewFolder failed: %v", err)
	}

	_, err = unpack.New(folder).Unpack(context.Background(), img)
	var verr *image.VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected *VerificationError, got %v", err)
	}
	if verr.Digest != good.Digest {
		t.Errorf("Expected digest %s, got %s", good.Digest, verr.Digest)
	}

	var unpackErr *unpack.Error
	if !errors.As(err, &unpackErr) {
		t.Fatalf("Expected *unpack.Error, got %T", err)
	}
	if unpackErr.Phase != unpack.PhaseEntries {
		t.Errorf("Expected the mismatch before the layer is committed, got phase %s", unpackErr.Phase)
	}
}

func TestResolveAll(t *testing.T) {
	reg := newMemRegistry()
	entries := map[string]digest.Digest{}
	order := []string{"linux/amd64", "linux/arm64/v8", "linux/ppc64le", "linux/s390x", "windows/amd64"}
	for _, p := range order {
		entries[p] = reg.putImage(t, "", layer(t, archive.CompressionGzip, testutil.File("p", p)))
	}
	listDigest := reg.putList(t, "", entries, order...)

	m, err := manifest.Parse(reg.manifests[repo+"/"+listDigest.String()])
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	resolved, err := image.ResolveAll(context.Background(), reg, repo, m.(*manifest.List))
	if err != nil {
		t.Fatalf("ResolveAll failed: %v", err)
	}
	if len(resolved) != len(order) {
		t.Fatalf("Expected %d results, got %d", len(order), len(resolved))
	}
	for i, r := range resolved {
		if r.Entry.Digest != entries[order[i]] {
			t.Errorf("Expected result %d to be %s, got %s", i, order[i], r.Entry.Platform)
		}
		if r.Manifest.Schema() != manifest.Schema2Kind {
			t.Errorf("Expected schema 2 manifest, got %s", r.Manifest.Schema())
		}
	}
}

func TestResolveAllFailure(t *testing.T) {
	reg := newMemRegistry()
	amd64 := reg.putImage(t, "", layer(t, archive.CompressionGzip, testutil.File("a", "a")))
	missing := digest.FromBytes([]byte("missing"))
	listDigest := reg.putList(t, "",
		map[string]digest.Digest{"linux/amd64": amd64, "linux/arm64": missing},
		"linux/amd64", "linux/arm64")

	m, err := manifest.Parse(reg.manifests[repo+"/"+listDigest.String()])
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if _, err := image.ResolveAll(context.Background(), reg, repo, m.(*manifest.List)); err == nil {
		t.Error("Expected an error for a missing platform manifest")
	}
}

func TestFromArchives(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", p, err)
		}
		return p
	}

	base := write("base.tar.gz", testutil.Layer(t, archive.CompressionGzip,
		testutil.Dir("data"),
		testutil.File("data/old", "old"),
	))
	upper := write("upper.tar", testutil.Layer(t, archive.CompressionNone,
		testutil.Opaque("data"),
		testutil.File("data/new", "new"),
	))

	img, err := image.FromArchives(base, upper)
	if err != nil {
		t.Fatalf("FromArchives failed: %v", err)
	}

	root := t.TempDir()
	folder, err := rootfs.NewFolder(root)
	if err != nil {
		t.Fatalf("NewFolder failed: %v", err)
	}
	if _, err := unpack.New(folder).Unpack(context.Background(), img); err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "data", "old")); !os.IsNotExist(err) {
		t.Errorf("Expected data/old to be removed by the opaque whiteout, got %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(root, "data", "new")); err != nil || string(data) != "new" {
		t.Errorf("Expected data/new with content new, got %q, %v", data, err)
	}
}

func TestFromArchivesMissingFile(t *testing.T) {
	if _, err := image.FromArchives(filepath.Join(t.TempDir(), "nope.tar")); err == nil {
		t.Error("Expected an error for a missing archive")
	}
}
