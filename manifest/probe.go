package manifest

import "encoding/json"

// schemaOnly is decoded first to learn the schema version.
type schemaOnly struct {
	SchemaVersion *uint64 `json:"schemaVersion"`
}

// mediaTypeOnly is decoded second, for schema 2 documents only.
type mediaTypeOnly struct {
	MediaType *string `json:"mediaType"`
}

// ProbeSchema classifies raw manifest JSON without decoding it fully.
//
// Schema 1 documents are classified by their version alone. Schema 2
// documents are told apart by media type, compared after stripping any
// "+suffix"; OCI and Docker spellings are equivalent.
func ProbeSchema(data []byte) (SchemaKind, error) {
	var version schemaOnly
	if err := json.Unmarshal(data, &version); err != nil {
		return SchemaUnknown, &DecodeError{Err: err}
	}
	if version.SchemaVersion == nil {
		return SchemaUnknown, &DecodeError{Err: missingField("schemaVersion")}
	}

	switch *version.SchemaVersion {
	case 1:
		return Schema1Kind, nil
	case 2:
	default:
		return SchemaUnknown, &SchemaVersionError{Version: *version.SchemaVersion}
	}

	var mt mediaTypeOnly
	if err := json.Unmarshal(data, &mt); err != nil {
		return SchemaUnknown, &DecodeError{Err: err}
	}
	if mt.MediaType == nil {
		return SchemaUnknown, &DecodeError{Err: missingField("mediaType")}
	}

	switch stripSuffix(*mt.MediaType) {
	case MediaTypeOCIManifest, MediaTypeDockerManifest:
		return Schema2Kind, nil
	case MediaTypeOCIManifestList, MediaTypeDockerManifestList:
		return Schema2ListKind, nil
	default:
		return SchemaUnknown, &MediaTypeError{MediaType: *mt.MediaType}
	}
}
