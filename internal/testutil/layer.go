// Package testutil builds layer changesets for tests.
package testutil

import (
	"archive/tar"
	"bytes"
	"testing"
	"time"

	"github.com/bibin-skaria/ocirootfs/archive"
	"github.com/bibin-skaria/ocirootfs/digest"
)

// ModTime is the timestamp stamped on every generated entry.
var ModTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Entry describes one tar entry of a generated layer.
type Entry struct {
	Name     string
	Type     byte
	Content  string
	Linkname string
	Mode     int64
}

// File returns a regular file entry.
func File(name, content string) Entry {
	return Entry{Name: name, Type: tar.TypeReg, Content: content, Mode: 0644}
}

// Dir returns a directory entry.
func Dir(name string) Entry {
	return Entry{Name: name, Type: tar.TypeDir, Mode: 0755}
}

// Symlink returns a symbolic link entry.
func Symlink(name, target string) Entry {
	return Entry{Name: name, Type: tar.TypeSymlink, Linkname: target, Mode: 0777}
}

// Hardlink returns a hard link entry.
func Hardlink(name, target string) Entry {
	return Entry{Name: name, Type: tar.TypeLink, Linkname: target, Mode: 0644}
}

// Whiteout returns the marker entry that deletes name.
func Whiteout(dir, name string) Entry {
	return File(join(dir, ".wh."+name), "")
}

// Opaque returns the opaque marker entry for dir.
func Opaque(dir string) Entry {
	return File(join(dir, ".wh..wh..opq"), "")
}

func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// Tar encodes entries as an uncompressed tarball.
func Tar(t testing.TB, entries ...Entry) []byte {
	t.Helper()
	return Layer(t, archive.CompressionNone, entries...)
}

// Layer encodes entries as a tarball compressed with c.
func Layer(t testing.TB, c archive.Compression, entries ...Entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	cw, err := archive.Compress(&buf, c)
	if err != nil {
		t.Fatalf("Failed to create compressor: %v", err)
	}

	tw := tar.NewWriter(cw)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.Name,
			Typeflag: e.Type,
			Mode:     e.Mode,
			Linkname: e.Linkname,
			ModTime:  ModTime,
		}
		if e.Type == tar.TypeReg {
			hdr.Size = int64(len(e.Content))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("Failed to write header for %s: %v", e.Name, err)
		}
		if hdr.Size > 0 {
			if _, err := tw.Write([]byte(e.Content)); err != nil {
				t.Fatalf("Failed to write content for %s: %v", e.Name, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close tar writer: %v", err)
	}
	if err := cw.Close(); err != nil {
		t.Fatalf("Failed to close compressor: %v", err)
	}

	return buf.Bytes()
}

// Blob pairs layer content with its digest.
type Blob struct {
	Digest    digest.Digest
	MediaType string
	Data      []byte
}

// NewBlob computes the digest of data.
func NewBlob(c archive.Compression, data []byte) Blob {
	return Blob{
		Digest:    digest.FromBytes(data),
		MediaType: c.MediaType().String(),
		Data:      data,
	}
}
