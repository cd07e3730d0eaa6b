package domain

import (
	"time"

	"github.com/google/uuid"
)

// IngestionStatus tracks an ingestion through the pipeline. Statuses only
// advance, with the single branch into awaiting_review from mapping and back.
type IngestionStatus string

const (
	IngestionStatusPending        IngestionStatus = "pending"
	IngestionStatusParsing        IngestionStatus = "parsing"
	IngestionStatusInferring      IngestionStatus = "inferring"
	IngestionStatusMapping        IngestionStatus = "mapping"
	IngestionStatusAwaitingReview IngestionStatus = "awaiting_review"
	IngestionStatusValidating     IngestionStatus = "validating"
	IngestionStatusOutputting     IngestionStatus = "outputting"
	IngestionStatusComplete       IngestionStatus = "complete"
	IngestionStatusFailed         IngestionStatus = "failed"
)

var statusRank = map[IngestionStatus]int{
	IngestionStatusPending:        0,
	IngestionStatusParsing:        1,
	IngestionStatusInferring:      2,
	IngestionStatusMapping:        3,
	IngestionStatusAwaitingReview: 3,
	IngestionStatusValidating:     4,
	IngestionStatusOutputting:     5,
	IngestionStatusComplete:       6,
	IngestionStatusFailed:         7,
}

// Rank orders statuses along the pipeline. awaiting_review shares the mapping
// rank so a resumed map stage re-executes instead of skipping.
func (s IngestionStatus) Rank() int {
	return statusRank[s]
}

// Terminal reports whether the status admits no further transitions.
func (s IngestionStatus) Terminal() bool {
	return s == IngestionStatusComplete || s == IngestionStatusFailed
}

// ParseError records a single unparseable input line.
type ParseError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// ParseResult is the persisted output of the parse stage. Sample rows are
// retained so the infer stage avoids a second pass over the raw blob.
type ParseResult struct {
	Columns           []string            `json:"columns"`
	SampleRows        []map[string]string `json:"sampleRows"`
	TotalRowCount     int                 `json:"totalRowCount"`
	ParseErrors       []ParseError        `json:"parseErrors"`
	DetectedDelimiter string              `json:"detectedDelimiter"`
}

// Ingestion is one pipeline process instance.
type Ingestion struct {
	ID               uuid.UUID         `json:"id"`
	SchemaID         *uuid.UUID        `json:"schema_id,omitempty"`
	Status           IngestionStatus   `json:"status"`
	RawFileKey       string            `json:"raw_file_key"`
	OriginalFilename string            `json:"original_filename,omitempty"`
	OutputFileKey    *string           `json:"output_file_key,omitempty"`
	ParseResult      *ParseResult      `json:"parse_result,omitempty"`
	InferredSchema   *InferredSchema   `json:"inferred_schema,omitempty"`
	MappingResult    *MappingResult    `json:"mapping_result,omitempty"`
	ValidationResult *ValidationResult `json:"validation_result,omitempty"`
	RowCount         *int              `json:"row_count,omitempty"`
	ValidRowCount    *int              `json:"valid_row_count,omitempty"`
	Error            *string           `json:"error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// NewIngestion creates a pending ingestion for an uploaded raw file.
func NewIngestion(rawFileKey, originalFilename string, schemaID *uuid.UUID) Ingestion {
	now := time.Now()
	return Ingestion{
		ID:               uuid.New(),
		SchemaID:         schemaID,
		Status:           IngestionStatusPending,
		RawFileKey:       rawFileKey,
		OriginalFilename: originalFilename,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
