package manifest

import "github.com/bibin-skaria/ocirootfs/digest"

// Layer is the schema-independent view of a filesystem layer.
type Layer interface {
	// Digest returns the content address of the layer blob.
	Digest() digest.Digest

	// MediaType returns the layer media type, if the schema carries one.
	MediaType() (LayerMediaType, bool)
}

// FSLayer is a schema 1 layer reference. Schema 1 has no layer media type.
type FSLayer struct {
	BlobSum digest.Digest `json:"blobSum"`
}

// Digest implements Layer.
func (l FSLayer) Digest() digest.Digest {
	return l.BlobSum
}

// MediaType implements Layer. Always reports false.
func (l FSLayer) MediaType() (LayerMediaType, bool) {
	return "", false
}

// Descriptor is a schema 2 layer reference.
type Descriptor struct {
	MediaTypeValue LayerMediaType `json:"mediaType"`
	Size           int64          `json:"size"`
	DigestValue    digest.Digest  `json:"digest"`

	// URLs lists alternate locations for nondistributable content.
	URLs []string `json:"urls,omitempty"`
}

// Digest implements Layer.
func (d Descriptor) Digest() digest.Digest {
	return d.DigestValue
}

// MediaType implements Layer.
func (d Descriptor) MediaType() (LayerMediaType, bool) {
	return d.MediaTypeValue, true
}

// Config references the image configuration blob of a schema 2 manifest.
type Config struct {
	MediaType string        `json:"mediaType"`
	Size      int64         `json:"size"`
	Digest    digest.Digest `json:"digest"`
}
