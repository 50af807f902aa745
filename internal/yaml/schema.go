package yaml

import (
	"errors"
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

// SchemaVersion is stamped into every document the engine persists.
const SchemaVersion = 1

// ErrSchema marks a document whose header is missing or names another
// version or file type. Such documents are quarantined, not parsed.
var ErrSchema = errors.New("bad schema header")

type header struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// CheckHeader verifies that content carries the current schema version and
// the wanted file_type.
func CheckHeader(content []byte, fileType string) error {
	var h header
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if h.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema_version %d, want %d", ErrSchema, h.SchemaVersion, SchemaVersion)
	}
	if h.FileType != fileType {
		return fmt.Errorf("%w: file_type %q, want %q", ErrSchema, h.FileType, fileType)
	}
	return nil
}
