package manifest

import (
	"strings"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest media types recognized by the schema probe. Comparison happens
// after the "+suffix" has been stripped, so only the prefixes are listed.
const (
	MediaTypeOCIManifest     = "application/vnd.oci.distribution.manifest.v2"
	MediaTypeOCIManifestList = "application/vnd.oci.distribution.manifest.list.v2"
)

var (
	// MediaTypeDockerManifest is the Docker schema 2 manifest type without its suffix.
	MediaTypeDockerManifest = stripSuffix(schema2.MediaTypeManifest)
	// MediaTypeDockerManifestList is the Docker manifest list type without its suffix.
	MediaTypeDockerManifestList = stripSuffix(manifestlist.MediaTypeManifestList)
)

// stripSuffix drops a structured syntax suffix such as "+json".
func stripSuffix(mediaType string) string {
	return strings.SplitN(mediaType, "+", 2)[0]
}

// LayerKind is the closed classification of a layer media type.
type LayerKind int

const (
	LayerOther LayerKind = iota
	LayerTar
	LayerTarGz
	LayerNondistributableTar
	LayerNondistributableTarGz
)

func (k LayerKind) String() string {
	switch k {
	case LayerTar:
		return "tar"
	case LayerTarGz:
		return "tar+gzip"
	case LayerNondistributableTar:
		return "nondistributable tar"
	case LayerNondistributableTarGz:
		return "nondistributable tar+gzip"
	default:
		return "other"
	}
}

// Canonical layer media types. Docker spellings are folded into these by
// ParseLayerMediaType.
const (
	LayerMediaTypeTar                   LayerMediaType = specs.MediaTypeImageLayer
	LayerMediaTypeTarGz                 LayerMediaType = specs.MediaTypeImageLayerGzip
	LayerMediaTypeNondistributableTar   LayerMediaType = specs.MediaTypeImageLayerNonDistributable
	LayerMediaTypeNondistributableTarGz LayerMediaType = specs.MediaTypeImageLayerNonDistributableGzip
)

// LayerMediaType is the media type of a layer blob. Values outside the four
// canonical constants are kept verbatim and classify as LayerOther.
type LayerMediaType string

// ParseLayerMediaType never fails: unrecognized strings are preserved as-is.
func ParseLayerMediaType(s string) LayerMediaType {
	switch s {
	case schema2.MediaTypeLayer:
		return LayerMediaTypeTarGz
	case schema2.MediaTypeForeignLayer:
		return LayerMediaTypeNondistributableTarGz
	default:
		return LayerMediaType(s)
	}
}

// Kind classifies the media type.
func (m LayerMediaType) Kind() LayerKind {
	switch m {
	case LayerMediaTypeTar:
		return LayerTar
	case LayerMediaTypeTarGz:
		return LayerTarGz
	case LayerMediaTypeNondistributableTar:
		return LayerNondistributableTar
	case LayerMediaTypeNondistributableTarGz:
		return LayerNondistributableTarGz
	default:
		return LayerOther
	}
}

// IsDistributable is false only for the nondistributable variants.
func (m LayerMediaType) IsDistributable() bool {
	switch m.Kind() {
	case LayerNondistributableTar, LayerNondistributableTarGz:
		return false
	default:
		return true
	}
}

// IsGzipped reports whether the blob is expected to be compressed. Unknown
// media types are assumed to be compressed.
func (m LayerMediaType) IsGzipped() bool {
	switch m.Kind() {
	case LayerTar, LayerNondistributableTar:
		return false
	default:
		return true
	}
}

func (m LayerMediaType) String() string {
	return string(m)
}

// UnmarshalText folds Docker spellings into the canonical form.
func (m *LayerMediaType) UnmarshalText(text []byte) error {
	*m = ParseLayerMediaType(string(text))
	return nil
}
