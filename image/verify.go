package image

import (
	"fmt"
	"io"

	godigest "github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/ocirootfs/digest"
)

// VerificationError reports blob content that does not match its
// descriptor.
type VerificationError struct {
	Digest digest.Digest
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("content verification failed for %s: %s", e.Digest, e.Reason)
}

// verifiedReader hashes everything read through it. At EOF it fails with a
// *VerificationError if the content does not match the expected digest or
// size. size < 0 disables the size check.
type verifiedReader struct {
	rc       io.ReadCloser
	expected digest.Digest
	verifier godigest.Verifier
	size     int64
	n        int64
	err      error
}

func newVerifiedReader(rc io.ReadCloser, expected digest.Digest, size int64) *verifiedReader {
	return &verifiedReader{
		rc:       rc,
		expected: expected,
		verifier: expected.Verifier(),
		size:     size,
	}
}

func (v *verifiedReader) Read(p []byte) (int, error) {
	if v.err != nil {
		return 0, v.err
	}

	n, err := v.rc.Read(p)
	v.n += int64(n)
	v.verifier.Write(p[:n])

	if v.size >= 0 && v.n > v.size {
		v.err = &VerificationError{Digest: v.expected, Reason: fmt.Sprintf("more than %d bytes", v.size)}
		return n, v.err
	}

	if err == io.EOF {
		switch {
		case v.size >= 0 && v.n != v.size:
			v.err = &VerificationError{Digest: v.expected, Reason: fmt.Sprintf("got %d bytes, expected %d", v.n, v.size)}
		case !v.verifier.Verified():
			v.err = &VerificationError{Digest: v.expected, Reason: "digest mismatch"}
		default:
			v.err = io.EOF
		}
		return n, v.err
	}
	return n, err
}

func (v *verifiedReader) Close() error {
	return v.rc.Close()
}
