package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/bibin-skaria/ocirootfs/manifest"
)

// Compression is the compression applied to a layer tarball.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// MediaType returns the OCI layer media type for the compression.
func (c Compression) MediaType() manifest.LayerMediaType {
	switch c {
	case CompressionGzip:
		return manifest.LayerMediaTypeTarGz
	case CompressionZstd:
		return manifest.LayerMediaType(manifest.LayerMediaTypeTar + "+zstd")
	default:
		return manifest.LayerMediaTypeTar
	}
}

// Detect sniffs the compression of the stream behind br without consuming it.
func Detect(br *bufio.Reader) (Compression, error) {
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return "", err
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return CompressionGzip, nil
	case bytes.HasPrefix(head, zstdMagic):
		return CompressionZstd, nil
	default:
		return CompressionNone, nil
	}
}

// Decompress returns the uncompressed tar stream of a layer blob. Plain tar
// media types pass through untouched; every other media type is sniffed, so
// gzip, zstd and mislabeled uncompressed blobs are all accepted. Closing the
// result does not close r.
func Decompress(r io.Reader, mediaType manifest.LayerMediaType) (io.ReadCloser, error) {
	if !mediaType.IsGzipped() {
		return io.NopCloser(r), nil
	}

	br := bufio.NewReader(r)
	c, err := Detect(br)
	if err != nil {
		return nil, fmt.Errorf("failed to detect compression: %v", err)
	}

	switch c {
	case CompressionGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		return gz, nil

	case CompressionZstd:
		decoder, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil

	default:
		return io.NopCloser(br), nil
	}
}

// Compress wraps w so that written data is compressed with c. The returned
// writer must be closed to flush the compressed stream.
func Compress(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone, "":
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionZstd:
		encoder, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return encoder, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %v", c)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
