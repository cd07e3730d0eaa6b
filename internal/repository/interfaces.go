package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/canontab/canontab/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SchemaRepository defines the interface for canonical schema operations.
type SchemaRepository interface {
	Create(ctx context.Context, schema domain.CanonicalSchema) (domain.CanonicalSchema, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.CanonicalSchema, error)
	List(ctx context.Context) ([]domain.CanonicalSchema, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// IngestionRepository defines the interface for ingestion record operations.
// The pipeline serializes writers, so Update replaces the full record.
type IngestionRepository interface {
	Create(ctx context.Context, ingestion domain.Ingestion) (domain.Ingestion, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Ingestion, error)
	Update(ctx context.Context, ingestion domain.Ingestion) (domain.Ingestion, error)
	List(ctx context.Context, limit, offset int) ([]domain.Ingestion, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// DecisionLogRepository stores the append-only decision journal.
type DecisionLogRepository interface {
	Append(ctx context.Context, entry domain.DecisionLogEntry) error
	ListByIngestion(ctx context.Context, ingestionID uuid.UUID, stage *domain.Stage) ([]domain.DecisionLogEntry, error)
	DeleteByStage(ctx context.Context, ingestionID uuid.UUID, stage domain.Stage) error
}

// MappingTemplateRepository stores recorded mappings for recurring inputs.
type MappingTemplateRepository interface {
	GetByFingerprint(ctx context.Context, schemaID uuid.UUID, fingerprint string) (domain.MappingTemplate, error)
	Upsert(ctx context.Context, template domain.MappingTemplate) (domain.MappingTemplate, error)
	IncrementUsage(ctx context.Context, id uuid.UUID) error
}
