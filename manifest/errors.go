package manifest

import (
	"errors"
	"fmt"
)

// ErrUnresolvedList is returned when layers are requested from a manifest list.
var ErrUnresolvedList = errors.New("layers requested on unresolved manifest list; resolve it to a platform manifest first")

// SchemaVersionError reports a schemaVersion other than 1 or 2.
type SchemaVersionError struct {
	Version uint64
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("invalid schema version: %d", e.Version)
}

// MediaTypeError reports a schema 2 document with an unrecognized media type.
type MediaTypeError struct {
	MediaType string
}

func (e *MediaTypeError) Error() string {
	return fmt.Sprintf("invalid (unknown) media type: %s", e.MediaType)
}

// DecodeError reports malformed JSON or a structurally invalid manifest.
type DecodeError struct {
	Schema SchemaKind
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Schema == SchemaUnknown {
		return fmt.Sprintf("malformed manifest: %v", e.Err)
	}
	return fmt.Sprintf("failed to decode %s manifest: %v", e.Schema, e.Err)
}

// Unwrap returns the underlying decode diagnostic.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// missingField builds the diagnostic used for absent required fields.
func missingField(field string) error {
	return fmt.Errorf("missing required field %q", field)
}
