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

type schemaRepository struct {
	pool *pgxpool.Pool
}

// NewSchemaRepository wires a repository backed by pgxpool.
func NewSchemaRepository(pool *pgxpool.Pool) SchemaRepository {
	return &schemaRepository{pool: pool}
}

func (r *schemaRepository) Create(ctx context.Context, schema domain.CanonicalSchema) (domain.CanonicalSchema, error) {
	if r.pool == nil {
		return domain.CanonicalSchema{}, fmt.Errorf("schema repository not initialized")
	}

	columns, err := schema.GetColumnsAsJSONB()
	if err != nil {
		return domain.CanonicalSchema{}, fmt.Errorf("failed to encode schema columns: %w", err)
	}

	_, err = r.pool.Exec(
		ctx,
		`INSERT INTO schemas (id, name, version, description, columns, error_policy, strict, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		schema.ID,
		schema.Name,
		schema.Version,
		schema.Description,
		columns,
		string(schema.ErrorPolicy),
		schema.Strict,
		schema.CreatedAt,
		schema.UpdatedAt,
	)
	if err != nil {
		return domain.CanonicalSchema{}, fmt.Errorf("failed to create schema: %w", err)
	}

	return schema, nil
}

func (r *schemaRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.CanonicalSchema, error) {
	if r.pool == nil {
		return domain.CanonicalSchema{}, fmt.Errorf("schema repository not initialized")
	}

	row := r.pool.QueryRow(
		ctx,
		`SELECT id, name, version, description, columns, error_policy, strict, created_at, updated_at
		 FROM schemas WHERE id = $1`,
		id,
	)

	schema, err := scanSchema(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CanonicalSchema{}, ErrNotFound
		}
		return domain.CanonicalSchema{}, fmt.Errorf("failed to get schema: %w", err)
	}
	return schema, nil
}

func (r *schemaRepository) List(ctx context.Context) ([]domain.CanonicalSchema, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("schema repository not initialized")
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, name, version, description, columns, error_policy, strict, created_at, updated_at
		 FROM schemas ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	defer rows.Close()

	schemas := []domain.CanonicalSchema{}
	for rows.Next() {
		schema, scanErr := scanSchema(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan schema: %w", scanErr)
		}
		schemas = append(schemas, schema)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate schemas: %w", rowsErr)
	}
	return schemas, nil
}

func (r *schemaRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if r.pool == nil {
		return fmt.Errorf("schema repository not initialized")
	}

	tag, err := r.pool.Exec(ctx, `DELETE FROM schemas WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schema: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSchema(row pgx.Row) (domain.CanonicalSchema, error) {
	var (
		schema    domain.CanonicalSchema
		columns   []byte
		policy    string
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&schema.ID,
		&schema.Name,
		&schema.Version,
		&schema.Description,
		&columns,
		&policy,
		&schema.Strict,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.CanonicalSchema{}, err
	}

	parsed, err := domain.ColumnsFromJSONB(json.RawMessage(columns))
	if err != nil {
		return domain.CanonicalSchema{}, fmt.Errorf("failed to decode schema columns: %w", err)
	}
	schema.Columns = parsed
	schema.ErrorPolicy = domain.ErrorPolicy(policy)
	if createdAt.Valid {
		schema.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		schema.UpdatedAt = updatedAt.Time
	}
	return schema, nil
}
