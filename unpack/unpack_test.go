package unpack

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/bibin-skaria/ocirootfs/archive"
	"github.com/bibin-skaria/ocirootfs/digest"
	"github.com/bibin-skaria/ocirootfs/internal/testutil"
	"github.com/bibin-skaria/ocirootfs/manifest"
)

// memFS is an in-memory Unpacker recording every call.
type memFS struct {
	files map[string]string
	calls []string

	failOn string
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string]string)}
}

func (m *memFS) Add(ctx context.Context, entry *archive.Entry) error {
	p, _ := entry.Path()
	if p == m.failOn {
		return errors.New("disk full")
	}
	if strings.HasPrefix(p, "..") {
		return &TraversalError{Path: p}
	}
	content, err := io.ReadAll(entry)
	if err != nil {
		return err
	}
	m.files[p] = string(content)
	m.calls = append(m.calls, "add "+p)
	return nil
}

func (m *memFS) WhiteoutFile(ctx context.Context, p string) error {
	delete(m.files, p)
	m.calls = append(m.calls, "whiteout "+p)
	return nil
}

func (m *memFS) WhiteoutFolder(ctx context.Context, p string) error {
	for name := range m.files {
		if p == "." || strings.HasPrefix(name, p+"/") {
			delete(m.files, name)
		}
	}
	m.calls = append(m.calls, "opaque "+p)
	return nil
}

type hookedFS struct {
	*memFS
	pre, post []digest.Digest
	preErr    error
	delay     time.Duration
}

func (h *hookedFS) PreApply(ctx context.Context, layer digest.Digest) error {
	h.pre = append(h.pre, layer)
	time.Sleep(h.delay)
	return h.preErr
}

func (h *hookedFS) PostApply(ctx context.Context, layer digest.Digest) error {
	h.post = append(h.post, layer)
	return nil
}

// memImage serves layers from memory.
type memImage struct {
	manifest manifest.Manifest
	blobs    map[digest.Digest][]byte

	// eofErr replaces io.EOF at the end of every blob; closeErr is
	// returned by Close.
	eofErr   error
	closeErr error
}

type blobReader struct {
	io.Reader
	eofErr   error
	closeErr error
}

func (b *blobReader) Read(p []byte) (int, error) {
	n, err := b.Reader.Read(p)
	if err == io.EOF && b.eofErr != nil {
		err = b.eofErr
	}
	return n, err
}

func (b *blobReader) Close() error {
	return b.closeErr
}

func newMemImage(layers ...[]byte) *memImage {
	img := &memImage{blobs: make(map[digest.Digest][]byte)}
	m := &manifest.Schema2{SchemaVersion: 2, MediaType: manifest.MediaTypeOCIManifest}
	for _, data := range layers {
		d := digest.FromBytes(data)
		img.blobs[d] = data
		m.LayerList = append(m.LayerList, manifest.Descriptor{
			MediaTypeValue: manifest.LayerMediaTypeTar,
			Size:           int64(len(data)),
			DigestValue:    d,
		})
	}
	img.manifest = m
	return img
}

func (i *memImage) Manifest() manifest.Manifest { return i.manifest }

func (i *memImage) OpenLayer(ctx context.Context, layer manifest.Layer) (io.ReadCloser, error) {
	data, ok := i.blobs[layer.Digest()]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", layer.Digest())
	}
	return &blobReader{Reader: bytes.NewReader(data), eofErr: i.eofErr, closeErr: i.closeErr}, nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path     string
		kind     Kind
		expected string
	}{
		{"a/b/c", KindAddition, "a/b/c"},
		{"a/b/.wh.c", KindFileWhiteout, "a/b/c"},
		{".wh.c", KindFileWhiteout, "c"},
		{"a/b/.wh..wh..opq", KindDirectoryWhiteout, "a/b"},
		{".wh..wh..opq", KindDirectoryWhiteout, "."},
		{"a/b/.wh.", KindAddition, "a/b/.wh."},
		{".wh.", KindAddition, ".wh."},
		{"a/.wh.b/c", KindAddition, "a/.wh.b/c"},
		{"a/b/.wh..wh.foo", KindFileWhiteout, "a/b/.wh.foo"},
		{"a/b/x.wh.c", KindAddition, "a/b/x.wh.c"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			change := Classify(tt.path)
			if change.Kind != tt.kind {
				t.Errorf("Expected %s, got %s", tt.kind, change.Kind)
			}
			if change.Path != tt.expected {
				t.Errorf("Expected path %s, got %s", tt.expected, change.Path)
			}
		})
	}
}

func TestClassifyIsExhaustive(t *testing.T) {
	names := []string{"", "x", ".wh", ".wh.", ".wh.x", ".wh..wh..opq", ".wh..wh..opqx", "..wh.x"}
	for _, name := range names {
		p := path.Join("dir", name)
		change := Classify(p)

		var expected Kind
		base := path.Base(p)
		switch {
		case base == OpaqueWhiteout:
			expected = KindDirectoryWhiteout
		case strings.HasPrefix(base, WhiteoutPrefix) && base != WhiteoutPrefix:
			expected = KindFileWhiteout
		default:
			expected = KindAddition
		}

		if change.Kind != expected {
			t.Errorf("%s: expected %s, got %s", p, expected, change.Kind)
		}
	}
}

func TestUnpackLayerOrdering(t *testing.T) {
	add := testutil.Tar(t, testutil.Dir("etc"), testutil.File("etc/f", "from layer 1"))
	remove := testutil.Tar(t, testutil.Whiteout("etc", "f"))

	t.Run("add then whiteout", func(t *testing.T) {
		fs := newMemFS()
		if _, err := New(fs).Unpack(context.Background(), newMemImage(add, remove)); err != nil {
			t.Fatalf("Unpack failed: %v", err)
		}
		if _, ok := fs.files["etc/f"]; ok {
			t.Error("etc/f should have been removed")
		}
	})

	t.Run("whiteout then add", func(t *testing.T) {
		readd := testutil.Tar(t, testutil.File("etc/f", "from layer 2"))

		fs := newMemFS()
		if _, err := New(fs).Unpack(context.Background(), newMemImage(remove, readd)); err != nil {
			t.Fatalf("Unpack failed: %v", err)
		}
		if fs.files["etc/f"] != "from layer 2" {
			t.Errorf("Expected layer 2 content, got %q", fs.files["etc/f"])
		}
	})
}

func TestUnpackStatsAndDispatch(t *testing.T) {
	layer := testutil.Tar(t,
		testutil.Dir("a"),
		testutil.File("a/b", "1"),
		testutil.Opaque("a"),
		testutil.Whiteout("a", "c"),
		testutil.File("a/.wh.", "boundary"),
	)

	fs := newMemFS()
	stats, err := New(fs).Unpack(context.Background(), newMemImage(layer))
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}

	expected := Stats{Layers: 1, Additions: 3, FileWhiteouts: 1, DirectoryWhiteouts: 1}
	if stats != expected {
		t.Errorf("Expected %+v, got %+v", expected, stats)
	}

	expectedCalls := []string{"add a", "add a/b", "opaque a", "whiteout a/c", "add a/.wh."}
	if strings.Join(fs.calls, ",") != strings.Join(expectedCalls, ",") {
		t.Errorf("Expected calls %v, got %v", expectedCalls, fs.calls)
	}
}

func TestUnpackSkipsAppliedLayers(t *testing.T) {
	l1 := testutil.Tar(t, testutil.File("one", "1"))
	l2 := testutil.Tar(t, testutil.File("two", "2"))
	img := newMemImage(l1, l2)

	tests := []struct {
		name     string
		applied  []digest.Digest
		expected []string
		skipped  int
	}{
		{
			name:     "nothing applied",
			expected: []string{"add one", "add two"},
		},
		{
			name:     "prefix applied",
			applied:  []digest.Digest{digest.FromBytes(l1)},
			expected: []string{"add two"},
			skipped:  1,
		},
		{
			name:     "all applied",
			applied:  []digest.Digest{digest.FromBytes(l1), digest.FromBytes(l2)},
			expected: nil,
			skipped:  2,
		},
		{
			name:     "different history",
			applied:  []digest.Digest{digest.FromBytes(l2)},
			expected: []string{"add one", "add two"},
		},
		{
			name:     "longer history",
			applied:  []digest.Digest{digest.FromBytes(l1), digest.FromBytes(l2), digest.FromBytes(l1)},
			expected: []string{"add one", "add two"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &hookedFS{memFS: newMemFS()}
			rec := &recorder{}
			stats, err := New(fs, WithApplied(tt.applied), WithObserver(rec)).Unpack(context.Background(), img)
			if err != nil {
				t.Fatalf("Unpack failed: %v", err)
			}

			if strings.Join(fs.calls, ",") != strings.Join(tt.expected, ",") {
				t.Errorf("Expected calls %v, got %v", tt.expected, fs.calls)
			}
			if stats.Skipped != tt.skipped {
				t.Errorf("Expected %d skipped, got %d", tt.skipped, stats.Skipped)
			}
			if stats.Layers != 2-tt.skipped {
				t.Errorf("Expected %d layers, got %d", 2-tt.skipped, stats.Layers)
			}
			if len(fs.post) != 2-tt.skipped {
				t.Errorf("Expected %d commits, got %d", 2-tt.skipped, len(fs.post))
			}
			if len(rec.events) != 4 {
				t.Errorf("Expected observer events for every layer, got %v", rec.events)
			}
		})
	}
}

func TestUnpackHooks(t *testing.T) {
	l1 := testutil.Tar(t, testutil.File("one", "1"))
	l2 := testutil.Tar(t, testutil.File("two", "2"))
	img := newMemImage(l1, l2)

	fs := &hookedFS{memFS: newMemFS()}
	if _, err := New(fs).Unpack(context.Background(), img); err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}

	layers, _ := img.Manifest().Layers()
	for i, l := range layers {
		if fs.pre[i] != l.Digest() || fs.post[i] != l.Digest() {
			t.Errorf("Hooks for layer %d called out of order", i)
		}
	}
}

// recorder is an Observer keeping every event.
type recorder struct {
	events []string
}

func (r *recorder) LayerStarted(ctx context.Context, index, total int, layer digest.Digest) {
	r.events = append(r.events, fmt.Sprintf("start %d/%d", index, total))
}

func (r *recorder) LayerCompleted(ctx context.Context, index int, layer digest.Digest, stats Stats, err error) {
	r.events = append(r.events, fmt.Sprintf("done %d adds=%d err=%t", index, stats.Additions, err != nil))
}

func TestUnpackObserver(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		img := newMemImage(
			testutil.Tar(t, testutil.File("one", "1")),
			testutil.Tar(t, testutil.File("two", "2"), testutil.File("three", "3")),
		)

		rec := &recorder{}
		if _, err := New(newMemFS(), WithObserver(rec)).Unpack(context.Background(), img); err != nil {
			t.Fatalf("Unpack failed: %v", err)
		}

		expected := []string{"start 0/2", "done 0 adds=1 err=false", "start 1/2", "done 1 adds=2 err=false"}
		if strings.Join(rec.events, ",") != strings.Join(expected, ",") {
			t.Errorf("Expected events %v, got %v", expected, rec.events)
		}
	})

	t.Run("fetch failure", func(t *testing.T) {
		img := newMemImage(testutil.Tar(t, testutil.File("a", "1")))
		img.blobs = map[digest.Digest][]byte{}

		rec := &recorder{}
		if _, err := New(newMemFS(), WithObserver(rec)).Unpack(context.Background(), img); err == nil {
			t.Fatal("Expected fetch failure")
		}

		expected := []string{"start 0/1", "done 0 adds=0 err=true"}
		if strings.Join(rec.events, ",") != strings.Join(expected, ",") {
			t.Errorf("Expected events %v, got %v", expected, rec.events)
		}
	})
}

func TestUnpackErrors(t *testing.T) {
	t.Run("fetch", func(t *testing.T) {
		img := newMemImage(testutil.Tar(t, testutil.File("a", "1")))
		img.blobs = map[digest.Digest][]byte{}

		_, err := New(newMemFS()).Unpack(context.Background(), img)
		assertPhase(t, err, PhaseFetch)
	})

	t.Run("entries", func(t *testing.T) {
		data := testutil.Tar(t, testutil.File("a", "1"), testutil.File("b", "2"))
		img := newMemImage(data[:700])

		_, err := New(newMemFS()).Unpack(context.Background(), img)
		assertPhase(t, err, PhaseEntries)
	})

	t.Run("entries at end of blob", func(t *testing.T) {
		img := newMemImage(testutil.Tar(t, testutil.File("a", "1")))
		img.eofErr = errors.New("digest mismatch")

		fs := newMemFS()
		_, err := New(fs).Unpack(context.Background(), img)
		assertPhase(t, err, PhaseEntries)
		if fs.files["a"] != "1" {
			t.Errorf("Expected a to be applied before the failure, got %q", fs.files["a"])
		}
	})

	t.Run("close", func(t *testing.T) {
		img := newMemImage(testutil.Tar(t, testutil.File("a", "1")))
		img.closeErr = errors.New("zstd: corrupt frame")

		_, err := New(newMemFS()).Unpack(context.Background(), img)
		assertPhase(t, err, PhaseFetch)
	})

	t.Run("entry", func(t *testing.T) {
		data := testutil.Tar(t, testutil.File("big", strings.Repeat("x", 2000)))
		img := newMemImage(data[:800])

		_, err := New(newMemFS()).Unpack(context.Background(), img)
		unpackErr := assertPhase(t, err, PhaseEntry)
		if unpackErr.Path != "big" {
			t.Errorf("Expected path big, got %s", unpackErr.Path)
		}
	})

	t.Run("entry path", func(t *testing.T) {
		fs := newMemFS()
		e := New(fs)

		_, err := e.ApplyChange(context.Background(), archive.NewEntry(&tar.Header{Name: "a\x00b"}, nil))
		assertPhase(t, err, PhaseEntryPath)
	})

	t.Run("extract", func(t *testing.T) {
		fs := newMemFS()
		fs.failOn = "b"
		img := newMemImage(testutil.Tar(t, testutil.File("a", "1"), testutil.File("b", "2"), testutil.File("c", "3")))

		_, err := New(fs).Unpack(context.Background(), img)
		unpackErr := assertPhase(t, err, PhaseExtract)
		if unpackErr.Path != "b" {
			t.Errorf("Expected path b, got %s", unpackErr.Path)
		}
		if unpackErr.Layer.IsZero() {
			t.Error("Expected layer digest on error")
		}
		if _, ok := fs.files["c"]; ok {
			t.Error("Entries after the failure should not be applied")
		}
	})

	t.Run("traversal", func(t *testing.T) {
		img := newMemImage(testutil.Tar(t, testutil.File("../../etc/passwd", "root")))

		_, err := New(newMemFS()).Unpack(context.Background(), img)
		assertPhase(t, err, PhaseExtract)

		var traversal *TraversalError
		if !errors.As(err, &traversal) {
			t.Fatalf("Expected TraversalError, got %v", err)
		}
		if traversal.Path != "../../etc/passwd" {
			t.Errorf("Unexpected traversal path %s", traversal.Path)
		}
	})

	t.Run("hook", func(t *testing.T) {
		fs := &hookedFS{memFS: newMemFS(), preErr: errors.New("snapshot failed")}
		img := newMemImage(testutil.Tar(t, testutil.File("a", "1")))

		_, err := New(fs).Unpack(context.Background(), img)
		assertPhase(t, err, PhaseHook)
		if len(fs.files) != 0 {
			t.Error("No entries should be applied when PreApply fails")
		}
	})

	t.Run("list", func(t *testing.T) {
		img := &memImage{manifest: &manifest.List{}}
		_, err := New(newMemFS()).Unpack(context.Background(), img)
		if !errors.Is(err, manifest.ErrUnresolvedList) {
			t.Errorf("Expected ErrUnresolvedList, got %v", err)
		}
	})
}

func TestLayerTimeout(t *testing.T) {
	img := newMemImage(testutil.Tar(t, testutil.File("a", "1")))

	fs := &hookedFS{memFS: newMemFS(), delay: 50 * time.Millisecond}

	_, err := New(fs, WithLayerTimeout(time.Millisecond)).Unpack(context.Background(), img)
	unpackErr := assertPhase(t, err, PhaseEntries)
	if !errors.Is(unpackErr, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", unpackErr.Err)
	}
	if len(fs.files) != 0 {
		t.Error("No entries should be applied after the deadline")
	}
}

func TestUnpackCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fs := newMemFS()
	_, err := New(fs).Unpack(ctx, newMemImage(testutil.Tar(t, testutil.File("a", "1"))))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if len(fs.calls) != 0 {
		t.Errorf("Expected no calls, got %v", fs.calls)
	}
}

func assertPhase(t *testing.T, err error, phase Phase) *Error {
	t.Helper()

	var unpackErr *Error
	if !errors.As(err, &unpackErr) {
		t.Fatalf("Expected *Error, got %T: %v", err, err)
	}
	if unpackErr.Phase != phase {
		t.Fatalf("Expected phase %s, got %s (%v)", phase, unpackErr.Phase, err)
	}
	return unpackErr
}
