// Package archive decodes layer changesets: compressed tar streams whose
// entries each carry a logical path and a payload.
package archive

import (
	"archive/tar"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrInvalidPath is returned by Entry.Path for names that cannot denote a
// file.
var ErrInvalidPath = errors.New("invalid entry path")

// Reader streams the entries of a tar changeset.
type Reader struct {
	src *countingReader
	tr  *tar.Reader

	// end is the stream offset where the current entry's padded payload
	// ends, or -1 when it cannot be derived from the header.
	end int64
}

// NewReader returns a Reader over an uncompressed tar stream.
func NewReader(r io.Reader) *Reader {
	src := &countingReader{r: r}
	return &Reader{src: src, tr: tar.NewReader(src)}
}

// Next advances to the next entry. It returns io.EOF at the end of the
// stream. The previous entry's payload becomes unreadable.
//
// A stream that stops before the end-of-archive marker, including one cut
// inside an entry's padding, yields io.ErrUnexpectedEOF. After the marker
// the rest of the underlying stream is consumed; an error the source raises
// at its end is returned instead of io.EOF.
func (r *Reader) Next() (*Entry, error) {
	hdr, err := r.tr.Next()
	if err == io.EOF {
		if r.end >= 0 && r.src.n <= r.end {
			return nil, io.ErrUnexpectedEOF
		}
		if _, err := io.Copy(io.Discard, r.src); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}

	r.end = -1
	if size, ok := physicalSize(hdr); ok {
		r.end = r.src.n + (size+blockSize-1)/blockSize*blockSize
	}
	return &Entry{Header: hdr, r: r.tr}, nil
}

const blockSize = 512

// physicalSize is the number of payload bytes stored after hdr. Sparse
// files store less than their logical size and are not accounted.
func physicalSize(hdr *tar.Header) (int64, bool) {
	switch hdr.Typeflag {
	case tar.TypeLink, tar.TypeSymlink, tar.TypeChar, tar.TypeBlock, tar.TypeDir, tar.TypeFifo:
		return 0, true
	case tar.TypeGNUSparse:
		return 0, false
	}
	if _, ok := hdr.PAXRecords["GNU.sparse.major"]; ok {
		return 0, false
	}
	if _, ok := hdr.PAXRecords["GNU.sparse.size"]; ok {
		return 0, false
	}
	return hdr.Size, true
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Entry is a single changeset entry. Reading from it yields the payload.
type Entry struct {
	Header *tar.Header

	r   io.Reader
	err error
}

// NewEntry builds an entry from a header and payload. Used by callers that
// synthesize entries outside a tar stream.
func NewEntry(hdr *tar.Header, payload io.Reader) *Entry {
	if payload == nil {
		payload = strings.NewReader("")
	}
	return &Entry{Header: hdr, r: payload}
}

func (e *Entry) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF && e.err == nil {
		e.err = err
	}
	return n, err
}

// Err returns the first error, other than io.EOF, met while reading the
// payload. It separates corrupt input from failures of the consumer.
func (e *Entry) Err() error {
	return e.err
}

// Path returns the logical, slash-separated path of the entry. Leading
// slashes are dropped and the result is cleaned. ".." segments that climb
// above the root survive cleaning so callers can reject them.
func (e *Entry) Path() (string, error) {
	return CleanPath(e.Header.Name)
}

// CleanPath normalizes an entry name the way Entry.Path does.
func CleanPath(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", &PathError{Name: name, Err: ErrInvalidPath}
	}

	return path.Clean(strings.TrimLeft(name, "/")), nil
}

// PathError reports an entry whose name is unusable.
type PathError struct {
	Name string
	Err  error
}

func (e *PathError) Error() string {
	return e.Err.Error() + ": " + strings.ToValidUTF8(e.Name, "?")
}

func (e *PathError) Unwrap() error {
	return e.Err
}
