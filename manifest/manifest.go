// Package manifest models image manifests of the registry V2 API.
//
// Three schemas are supported: the legacy schema 1 manifest, the schema 2
// image manifest and the schema 2 manifest list. Raw JSON is classified by
// ProbeSchema before it is decoded, so Parse always decodes into exactly one
// target type:
//
//	m, err := manifest.Parse(data)
//	if err != nil {
//		return err
//	}
//	layers, err := m.Layers()
//
// A manifest list has no layers of its own; it must be resolved to a
// platform-specific manifest first (see package platform).
package manifest

import (
	"github.com/bibin-skaria/ocirootfs/digest"
)

// SchemaKind discriminates the supported manifest schemas.
type SchemaKind int

const (
	SchemaUnknown SchemaKind = iota
	Schema1Kind
	Schema2Kind
	Schema2ListKind
)

func (k SchemaKind) String() string {
	switch k {
	case Schema1Kind:
		return "schema1"
	case Schema2Kind:
		return "schema2"
	case Schema2ListKind:
		return "schema2-list"
	default:
		return "unknown"
	}
}

// Manifest is one of *Schema1, *Schema2 or *List.
type Manifest interface {
	// Schema returns the discriminant of the concrete manifest.
	Schema() SchemaKind

	// Layers returns the layers in the order they appear in the manifest.
	// A *List returns ErrUnresolvedList.
	Layers() ([]Layer, error)

	isManifest()
}

// Schema1 is an Image Manifest Version 2, Schema 1.
type Schema1 struct {
	SchemaVersion int       `json:"schemaVersion"`
	Name          string    `json:"name"`
	Tag           string    `json:"tag"`
	Architecture  string    `json:"architecture"`
	FSLayers      []FSLayer `json:"fsLayers"`
	History       []History `json:"history,omitempty"`
}

// History carries the legacy v1 image JSON for a schema 1 layer.
type History struct {
	V1Compatibility string `json:"v1Compatibility"`
}

// Schema implements Manifest.
func (m *Schema1) Schema() SchemaKind { return Schema1Kind }

// Layers returns the fsLayers as encoded. Schema 1 lists the newest layer
// first; reordering is left to the caller.
func (m *Schema1) Layers() ([]Layer, error) {
	layers := make([]Layer, len(m.FSLayers))
	for i, l := range m.FSLayers {
		layers[i] = l
	}
	return layers, nil
}

func (m *Schema1) isManifest() {}

// Schema2 is an Image Manifest Version 2, Schema 2. Layers are ordered
// starting from the base image.
type Schema2 struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        Config       `json:"config"`
	LayerList     []Descriptor `json:"layers"`
}

// Schema implements Manifest.
func (m *Schema2) Schema() SchemaKind { return Schema2Kind }

// Layers implements Manifest.
func (m *Schema2) Layers() ([]Layer, error) {
	layers := make([]Layer, len(m.LayerList))
	for i, l := range m.LayerList {
		layers[i] = l
	}
	return layers, nil
}

func (m *Schema2) isManifest() {}

// List is a manifest list ("fat manifest") pointing at platform-specific
// manifests.
type List struct {
	SchemaVersion int         `json:"schemaVersion"`
	MediaType     string      `json:"mediaType"`
	Manifests     []ListEntry `json:"manifests"`
}

// ListEntry references one platform-specific manifest.
type ListEntry struct {
	MediaType string        `json:"mediaType"`
	Size      int64         `json:"size"`
	Digest    digest.Digest `json:"digest"`
	Platform  Platform      `json:"platform"`
}

// Schema implements Manifest.
func (m *List) Schema() SchemaKind { return Schema2ListKind }

// Layers always fails: a list must be resolved before its layers are known.
func (m *List) Layers() ([]Layer, error) {
	return nil, ErrUnresolvedList
}

func (m *List) isManifest() {}
