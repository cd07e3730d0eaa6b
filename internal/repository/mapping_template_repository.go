package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canontab/canontab/internal/domain"
)

type mappingTemplateRepository struct {
	pool *pgxpool.Pool
}

// NewMappingTemplateRepository wires a repository backed by pgxpool.
func NewMappingTemplateRepository(pool *pgxpool.Pool) MappingTemplateRepository {
	return &mappingTemplateRepository{pool: pool}
}

func (r *mappingTemplateRepository) GetByFingerprint(ctx context.Context, schemaID uuid.UUID, fingerprint string) (domain.MappingTemplate, error) {
	if r.pool == nil {
		return domain.MappingTemplate{}, fmt.Errorf("mapping template repository not initialized")
	}

	row := r.pool.QueryRow(
		ctx,
		`SELECT id, schema_id, source_fingerprint, mappings, usage_count, created_at, updated_at
		 FROM mapping_templates WHERE schema_id = $1 AND source_fingerprint = $2`,
		schemaID,
		fingerprint,
	)

	var (
		template  domain.MappingTemplate
		mappings  []byte
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&template.ID,
		&template.SchemaID,
		&template.SourceFingerprint,
		&mappings,
		&template.UsageCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MappingTemplate{}, ErrNotFound
		}
		return domain.MappingTemplate{}, fmt.Errorf("failed to get mapping template: %w", err)
	}

	if err := json.Unmarshal(mappings, &template.Mappings); err != nil {
		return domain.MappingTemplate{}, fmt.Errorf("failed to decode template mappings: %w", err)
	}
	if createdAt.Valid {
		template.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		template.UpdatedAt = updatedAt.Time
	}
	return template, nil
}

func (r *mappingTemplateRepository) Upsert(ctx context.Context, template domain.MappingTemplate) (domain.MappingTemplate, error) {
	if r.pool == nil {
		return domain.MappingTemplate{}, fmt.Errorf("mapping template repository not initialized")
	}

	mappings, err := template.GetMappingsAsJSONB()
	if err != nil {
		return domain.MappingTemplate{}, fmt.Errorf("failed to encode template mappings: %w", err)
	}

	_, err = r.pool.Exec(
		ctx,
		`INSERT INTO mapping_templates (id, schema_id, source_fingerprint, mappings, usage_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (schema_id, source_fingerprint)
		 DO UPDATE SET mappings = EXCLUDED.mappings, updated_at = EXCLUDED.updated_at`,
		template.ID,
		template.SchemaID,
		template.SourceFingerprint,
		mappings,
		template.UsageCount,
		template.CreatedAt,
		template.UpdatedAt,
	)
	if err != nil {
		return domain.MappingTemplate{}, fmt.Errorf("failed to upsert mapping template: %w", err)
	}
	return template, nil
}

func (r *mappingTemplateRepository) IncrementUsage(ctx context.Context, id uuid.UUID) error {
	if r.pool == nil {
		return fmt.Errorf("mapping template repository not initialized")
	}

	_, err := r.pool.Exec(
		ctx,
		`UPDATE mapping_templates SET usage_count = usage_count + 1, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment template usage: %w", err)
	}
	return nil
}
