// Package digest implements content addresses of the form "algorithm:hex".
//
// Parsing follows a small grammar:
//
//	digest    := algorithm ":" hex
//	algorithm := component (separator component)*
//	component := [a-z0-9]+
//	separator := [+._-]
//	hex       := [a-f0-9]+
//
// A string that does not match the grammar fails with a *SyntaxError. A
// well-formed string naming an algorithm other than sha256 fails with an
// *UnsupportedAlgorithmError so callers can tell the two apart.
package digest

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	godigest "github.com/opencontainers/go-digest"
)

// Algorithm identifies the hash function a digest was computed with.
type Algorithm string

const (
	// SHA256 is the only algorithm currently recognized.
	SHA256 Algorithm = "sha256"
)

// Canonical is the algorithm used when computing new digests.
const Canonical = SHA256

// encodedSize is the hex length each supported algorithm produces.
var encodedSize = map[Algorithm]int{
	SHA256: 64,
}

// ParseAlgorithm validates an algorithm token against the supported set.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(s)
	if _, ok := encodedSize[a]; !ok {
		return "", &UnsupportedAlgorithmError{Algorithm: s}
	}
	return a, nil
}

// String returns the textual algorithm token
func (a Algorithm) String() string {
	return string(a)
}

// Digest is an immutable content address.
type Digest struct {
	Algorithm Algorithm
	Hex       string
}

// Parse parses s into a Digest.
func Parse(s string) (Digest, error) {
	algorithm, hex, err := scan(s)
	if err != nil {
		return Digest{}, err
	}

	a, err := ParseAlgorithm(algorithm)
	if err != nil {
		return Digest{}, err
	}

	if len(hex) != encodedSize[a] {
		return Digest{}, &SyntaxError{
			Input:  s,
			Reason: fmt.Sprintf("%s digest must have %d hex characters, got %d", a, encodedSize[a], len(hex)),
		}
	}

	return Digest{Algorithm: a, Hex: hex}, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Digest {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the canonical "algorithm:hex" form.
func (d Digest) String() string {
	return string(d.Algorithm) + ":" + d.Hex
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && d.Hex == ""
}

// Compare orders digests by algorithm, then by hex.
func (d Digest) Compare(other Digest) int {
	if c := strings.Compare(string(d.Algorithm), string(other.Algorithm)); c != 0 {
		return c
	}
	return strings.Compare(d.Hex, other.Hex)
}

// MarshalJSON encodes the digest as its canonical string.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a digest string, applying the same rules as Parse.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := Parse(s)
	if err != nil {
		return err
	}

	*d = parsed
	return nil
}

// OCI converts d to the opencontainers representation.
func (d Digest) OCI() godigest.Digest {
	return godigest.NewDigestFromEncoded(godigest.Algorithm(d.Algorithm), d.Hex)
}

// Verifier returns a writer that checks written content against d.
func (d Digest) Verifier() godigest.Verifier {
	return d.OCI().Verifier()
}

// FromBytes computes the canonical digest of p.
func FromBytes(p []byte) Digest {
	return fromOCI(godigest.Canonical.FromBytes(p))
}

// FromReader computes the canonical digest of everything read from r.
func FromReader(r io.Reader) (Digest, error) {
	d, err := godigest.Canonical.FromReader(r)
	if err != nil {
		return Digest{}, err
	}
	return fromOCI(d), nil
}

func fromOCI(d godigest.Digest) Digest {
	return Digest{Algorithm: Algorithm(d.Algorithm()), Hex: d.Encoded()}
}
