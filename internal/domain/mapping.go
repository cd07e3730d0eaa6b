package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MappingMethod records which strategy produced a column mapping.
type MappingMethod string

const (
	MappingMethodExact           MappingMethod = "exact"
	MappingMethodCaseInsensitive MappingMethod = "case_insensitive"
	MappingMethodAlias           MappingMethod = "alias"
	MappingMethodFuzzy           MappingMethod = "fuzzy"
	MappingMethodManual          MappingMethod = "manual"
	MappingMethodUnmapped        MappingMethod = "unmapped"
)

// AlternativeMapping is a runner-up candidate offered during review.
type AlternativeMapping struct {
	TargetColumn string  `json:"targetColumn"`
	Confidence   float64 `json:"confidence"`
}

// ColumnMapping assigns one source column to a canonical column (or to
// nothing when TargetColumn is nil).
type ColumnMapping struct {
	SourceColumn        string               `json:"sourceColumn"`
	TargetColumn        *string              `json:"targetColumn"`
	Method              MappingMethod        `json:"method"`
	Confidence          float64              `json:"confidence"`
	AlternativeMappings []AlternativeMapping `json:"alternativeMappings,omitempty"`
}

// MappingResult is the output of the map stage.
type MappingResult struct {
	Mappings          []ColumnMapping `json:"mappings"`
	RequiresReview    bool            `json:"requiresReview"`
	AmbiguousMappings []string        `json:"ambiguousMappings,omitempty"`
}

// TargetFor returns the source column mapped to the given target, if any.
func (mr MappingResult) TargetFor(target string) (string, bool) {
	for _, m := range mr.Mappings {
		if m.TargetColumn != nil && *m.TargetColumn == target {
			return m.SourceColumn, true
		}
	}
	return "", false
}

// ReviewDecision is one human mapping choice supplied on resume. A nil
// TargetColumn drops the source column.
type ReviewDecision struct {
	SourceColumn string  `json:"sourceColumn"`
	TargetColumn *string `json:"targetColumn"`
}

// MappingTemplate records resolved mappings for a recurring (schema, source
// header set) pair so review can be skipped on repeat uploads.
type MappingTemplate struct {
	ID                uuid.UUID       `json:"id"`
	SchemaID          uuid.UUID       `json:"schema_id"`
	SourceFingerprint string          `json:"source_fingerprint"`
	Mappings          []ColumnMapping `json:"mappings"`
	UsageCount        int             `json:"usage_count"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SourceFingerprint hashes the sorted source column names. Column order and
// case do not affect the fingerprint.
func SourceFingerprint(columns []string) string {
	sorted := make([]string, len(columns))
	for i, c := range columns {
		sorted[i] = strings.ToLower(strings.TrimSpace(c))
	}
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:])
}

// GetMappingsAsJSONB returns the template mappings for database storage.
func (mt MappingTemplate) GetMappingsAsJSONB() (json.RawMessage, error) {
	return json.Marshal(mt.Mappings)
}
