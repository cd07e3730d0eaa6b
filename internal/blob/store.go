package blob

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Store is the object store consumed by the pipeline. Keys are opaque
// slash-separated strings; the raw blob is read-only after upload.
type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	// Path returns a local filesystem path for large-file re-parse. Backends
	// without real paths return an error.
	Path(key string) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// RawKey is the deterministic key for an uploaded raw file.
func RawKey(ingestionID uuid.UUID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".csv"
	}
	return fmt.Sprintf("raw/%s%s", ingestionID, ext)
}

// OutputCSVKey is the key for the canonical CSV artifact.
func OutputCSVKey(ingestionID uuid.UUID) string {
	return fmt.Sprintf("output/%s.csv", ingestionID)
}

// OutputJSONKey is the key for the canonical JSON artifact.
func OutputJSONKey(ingestionID uuid.UUID) string {
	return fmt.Sprintf("output/%s.json", ingestionID)
}

// ErrorsKey is the key for the full validation result artifact.
func ErrorsKey(ingestionID uuid.UUID) string {
	return fmt.Sprintf("output/%s/errors.json", ingestionID)
}

// DecisionsKey is the key for the journal snapshot artifact.
func DecisionsKey(ingestionID uuid.UUID) string {
	return fmt.Sprintf("output/%s/decisions.json", ingestionID)
}

// SchemaKey is the key for the schema + mapping artifact.
func SchemaKey(ingestionID uuid.UUID) string {
	return fmt.Sprintf("output/%s/schema.json", ingestionID)
}
