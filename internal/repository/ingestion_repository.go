package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canontab/canontab/internal/domain"
)

type ingestionRepository struct {
	pool *pgxpool.Pool
}

// NewIngestionRepository wires a repository backed by pgxpool.
func NewIngestionRepository(pool *pgxpool.Pool) IngestionRepository {
	return &ingestionRepository{pool: pool}
}

func (r *ingestionRepository) Create(ctx context.Context, ingestion domain.Ingestion) (domain.Ingestion, error) {
	if r.pool == nil {
		return domain.Ingestion{}, fmt.Errorf("ingestion repository not initialized")
	}

	parseResult, inferred, mapping, validation, err := encodeIngestionDocs(ingestion)
	if err != nil {
		return domain.Ingestion{}, err
	}

	_, err = r.pool.Exec(
		ctx,
		`INSERT INTO ingestions (id, schema_id, status, raw_file_key, original_filename, output_file_key,
		                         parse_result, inferred_schema, mapping_result, validation_result,
		                         row_count, valid_row_count, error, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		ingestion.ID,
		ingestion.SchemaID,
		string(ingestion.Status),
		ingestion.RawFileKey,
		ingestion.OriginalFilename,
		ingestion.OutputFileKey,
		parseResult,
		inferred,
		mapping,
		validation,
		ingestion.RowCount,
		ingestion.ValidRowCount,
		ingestion.Error,
		ingestion.CreatedAt,
		ingestion.UpdatedAt,
		ingestion.CompletedAt,
	)
	if err != nil {
		return domain.Ingestion{}, fmt.Errorf("failed to create ingestion: %w", err)
	}
	return ingestion, nil
}

func (r *ingestionRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Ingestion, error) {
	if r.pool == nil {
		return domain.Ingestion{}, fmt.Errorf("ingestion repository not initialized")
	}

	row := r.pool.QueryRow(ctx, `SELECT `+ingestionColumns+` FROM ingestions WHERE id = $1`, id)
	ingestion, err := scanIngestion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Ingestion{}, ErrNotFound
		}
		return domain.Ingestion{}, fmt.Errorf("failed to get ingestion: %w", err)
	}
	return ingestion, nil
}

func (r *ingestionRepository) Update(ctx context.Context, ingestion domain.Ingestion) (domain.Ingestion, error) {
	if r.pool == nil {
		return domain.Ingestion{}, fmt.Errorf("ingestion repository not initialized")
	}

	parseResult, inferred, mapping, validation, err := encodeIngestionDocs(ingestion)
	if err != nil {
		return domain.Ingestion{}, err
	}

	ingestion.UpdatedAt = time.Now()
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE ingestions
		 SET schema_id = $2, status = $3, raw_file_key = $4, original_filename = $5, output_file_key = $6,
		     parse_result = $7, inferred_schema = $8, mapping_result = $9, validation_result = $10,
		     row_count = $11, valid_row_count = $12, error = $13, updated_at = $14, completed_at = $15
		 WHERE id = $1`,
		ingestion.ID,
		ingestion.SchemaID,
		string(ingestion.Status),
		ingestion.RawFileKey,
		ingestion.OriginalFilename,
		ingestion.OutputFileKey,
		parseResult,
		inferred,
		mapping,
		validation,
		ingestion.RowCount,
		ingestion.ValidRowCount,
		ingestion.Error,
		ingestion.UpdatedAt,
		ingestion.CompletedAt,
	)
	if err != nil {
		return domain.Ingestion{}, fmt.Errorf("failed to update ingestion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Ingestion{}, ErrNotFound
	}
	return ingestion, nil
}

func (r *ingestionRepository) List(ctx context.Context, limit, offset int) ([]domain.Ingestion, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("ingestion repository not initialized")
	}

	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+ingestionColumns+` FROM ingestions ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestions: %w", err)
	}
	defer rows.Close()

	ingestions := []domain.Ingestion{}
	for rows.Next() {
		ingestion, scanErr := scanIngestion(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan ingestion: %w", scanErr)
		}
		ingestions = append(ingestions, ingestion)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate ingestions: %w", rowsErr)
	}
	return ingestions, nil
}

func (r *ingestionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if r.pool == nil {
		return fmt.Errorf("ingestion repository not initialized")
	}

	tag, err := r.pool.Exec(ctx, `DELETE FROM ingestions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ingestion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const ingestionColumns = `id, schema_id, status, raw_file_key, original_filename, output_file_key,
	parse_result, inferred_schema, mapping_result, validation_result,
	row_count, valid_row_count, error, created_at, updated_at, completed_at`

func encodeIngestionDocs(ingestion domain.Ingestion) (parseResult, inferred, mapping, validation []byte, err error) {
	if ingestion.ParseResult != nil {
		if parseResult, err = json.Marshal(ingestion.ParseResult); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to encode parse result: %w", err)
		}
	}
	if ingestion.InferredSchema != nil {
		if inferred, err = json.Marshal(ingestion.InferredSchema); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to encode inferred schema: %w", err)
		}
	}
	if ingestion.MappingResult != nil {
		if mapping, err = json.Marshal(ingestion.MappingResult); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to encode mapping result: %w", err)
		}
	}
	if ingestion.ValidationResult != nil {
		if validation, err = json.Marshal(ingestion.ValidationResult); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to encode validation result: %w", err)
		}
	}
	return parseResult, inferred, mapping, validation, nil
}

func scanIngestion(row pgx.Row) (domain.Ingestion, error) {
	var (
		ingestion        domain.Ingestion
		status           string
		originalFilename pgtype.Text
		outputFileKey    pgtype.Text
		parseResult      []byte
		inferred         []byte
		mapping          []byte
		validation       []byte
		rowCount         pgtype.Int4
		validRowCount    pgtype.Int4
		errMsg           pgtype.Text
		createdAt        pgtype.Timestamptz
		updatedAt        pgtype.Timestamptz
		completedAt      pgtype.Timestamptz
	)
	if err := row.Scan(
		&ingestion.ID,
		&ingestion.SchemaID,
		&status,
		&ingestion.RawFileKey,
		&originalFilename,
		&outputFileKey,
		&parseResult,
		&inferred,
		&mapping,
		&validation,
		&rowCount,
		&validRowCount,
		&errMsg,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return domain.Ingestion{}, err
	}

	ingestion.Status = domain.IngestionStatus(status)
	if originalFilename.Valid {
		ingestion.OriginalFilename = originalFilename.String
	}
	if outputFileKey.Valid {
		value := outputFileKey.String
		ingestion.OutputFileKey = &value
	}
	if len(parseResult) > 0 {
		var doc domain.ParseResult
		if err := json.Unmarshal(parseResult, &doc); err != nil {
			return domain.Ingestion{}, fmt.Errorf("failed to decode parse result: %w", err)
		}
		ingestion.ParseResult = &doc
	}
	if len(inferred) > 0 {
		var doc domain.InferredSchema
		if err := json.Unmarshal(inferred, &doc); err != nil {
			return domain.Ingestion{}, fmt.Errorf("failed to decode inferred schema: %w", err)
		}
		ingestion.InferredSchema = &doc
	}
	if len(mapping) > 0 {
		var doc domain.MappingResult
		if err := json.Unmarshal(mapping, &doc); err != nil {
			return domain.Ingestion{}, fmt.Errorf("failed to decode mapping result: %w", err)
		}
		ingestion.MappingResult = &doc
	}
	if len(validation) > 0 {
		var doc domain.ValidationResult
		if err := json.Unmarshal(validation, &doc); err != nil {
			return domain.Ingestion{}, fmt.Errorf("failed to decode validation result: %w", err)
		}
		ingestion.ValidationResult = &doc
	}
	if rowCount.Valid {
		value := int(rowCount.Int32)
		ingestion.RowCount = &value
	}
	if validRowCount.Valid {
		value := int(validRowCount.Int32)
		ingestion.ValidRowCount = &value
	}
	if errMsg.Valid {
		value := errMsg.String
		ingestion.Error = &value
	}
	if createdAt.Valid {
		ingestion.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		ingestion.UpdatedAt = updatedAt.Time
	}
	if completedAt.Valid {
		value := completedAt.Time
		ingestion.CompletedAt = &value
	}
	return ingestion, nil
}
