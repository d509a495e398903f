package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/bibin-skaria/ocirootfs/digest"
)

// Parse probes data and decodes it into the matching schema type.
func Parse(data []byte) (Manifest, error) {
	kind, err := ProbeSchema(data)
	if err != nil {
		return nil, err
	}

	var m Manifest
	switch kind {
	case Schema1Kind:
		m, err = decodeSchema1(data)
	case Schema2Kind:
		m, err = decodeSchema2(data)
	case Schema2ListKind:
		m, err = decodeList(data)
	}
	if err != nil {
		return nil, &DecodeError{Schema: kind, Err: err}
	}
	return m, nil
}

// The wire types below use pointers so that absent fields can be told apart
// from zero values.

type wireSchema1 struct {
	SchemaVersion *int      `json:"schemaVersion"`
	Name          *string   `json:"name"`
	Tag           *string   `json:"tag"`
	Architecture  *string   `json:"architecture"`
	FSLayers      []wireFS  `json:"fsLayers"`
	History       []History `json:"history"`
}

type wireFS struct {
	BlobSum *digest.Digest `json:"blobSum"`
}

type wireDescriptor struct {
	MediaType *string        `json:"mediaType"`
	Size      *int64         `json:"size"`
	Digest    *digest.Digest `json:"digest"`
	URLs      []string       `json:"urls"`
}

type wireSchema2 struct {
	SchemaVersion *int             `json:"schemaVersion"`
	MediaType     *string          `json:"mediaType"`
	Config        *wireDescriptor  `json:"config"`
	Layers        []wireDescriptor `json:"layers"`
}

type wireList struct {
	SchemaVersion *int            `json:"schemaVersion"`
	MediaType     *string         `json:"mediaType"`
	Manifests     []wireListEntry `json:"manifests"`
}

type wireListEntry struct {
	wireDescriptor
	Platform *Platform `json:"platform"`
}

func decodeSchema1(data []byte) (*Schema1, error) {
	var w wireSchema1
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	switch {
	case w.Name == nil:
		return nil, missingField("name")
	case w.Tag == nil:
		return nil, missingField("tag")
	case w.Architecture == nil:
		return nil, missingField("architecture")
	case w.FSLayers == nil:
		return nil, missingField("fsLayers")
	}

	m := &Schema1{
		SchemaVersion: *w.SchemaVersion,
		Name:          *w.Name,
		Tag:           *w.Tag,
		Architecture:  *w.Architecture,
		FSLayers:      make([]FSLayer, len(w.FSLayers)),
		History:       w.History,
	}
	for i, l := range w.FSLayers {
		if l.BlobSum == nil {
			return nil, missingField(fmt.Sprintf("fsLayers[%d].blobSum", i))
		}
		m.FSLayers[i] = FSLayer{BlobSum: *l.BlobSum}
	}

	return m, nil
}

func decodeSchema2(data []byte) (*Schema2, error) {
	var w wireSchema2
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	switch {
	case w.Config == nil:
		return nil, missingField("config")
	case w.Layers == nil:
		return nil, missingField("layers")
	}

	if err := w.Config.validate("config"); err != nil {
		return nil, err
	}

	m := &Schema2{
		SchemaVersion: *w.SchemaVersion,
		MediaType:     *w.MediaType,
		Config: Config{
			MediaType: *w.Config.MediaType,
			Size:      *w.Config.Size,
			Digest:    *w.Config.Digest,
		},
		LayerList: make([]Descriptor, len(w.Layers)),
	}

	for i, l := range w.Layers {
		if err := l.validate(fmt.Sprintf("layers[%d]", i)); err != nil {
			return nil, err
		}
		m.LayerList[i] = Descriptor{
			MediaTypeValue: ParseLayerMediaType(*l.MediaType),
			Size:           *l.Size,
			DigestValue:    *l.Digest,
			URLs:           l.URLs,
		}
	}

	return m, nil
}

func decodeList(data []byte) (*List, error) {
	var w wireList
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	if w.Manifests == nil {
		return nil, missingField("manifests")
	}

	m := &List{
		SchemaVersion: *w.SchemaVersion,
		MediaType:     *w.MediaType,
		Manifests:     make([]ListEntry, len(w.Manifests)),
	}

	for i, e := range w.Manifests {
		field := fmt.Sprintf("manifests[%d]", i)
		if err := e.validate(field); err != nil {
			return nil, err
		}

		switch {
		case e.Platform == nil:
			return nil, missingField(field + ".platform")
		case e.Platform.Architecture == "":
			return nil, missingField(field + ".platform.architecture")
		case e.Platform.OS == "":
			return nil, missingField(field + ".platform.os")
		}

		m.Manifests[i] = ListEntry{
			MediaType: *e.MediaType,
			Size:      *e.Size,
			Digest:    *e.Digest,
			Platform:  *e.Platform,
		}
	}

	return m, nil
}

func (d *wireDescriptor) validate(field string) error {
	switch {
	case d.MediaType == nil:
		return missingField(field + ".mediaType")
	case d.Size == nil:
		return missingField(field + ".size")
	case d.Digest == nil:
		return missingField(field + ".digest")
	}
	return nil
}
