package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canontab/canontab/internal/domain"
)

type decisionLogRepository struct {
	pool *pgxpool.Pool
}

// NewDecisionLogRepository wires a repository backed by pgxpool.
func NewDecisionLogRepository(pool *pgxpool.Pool) DecisionLogRepository {
	return &decisionLogRepository{pool: pool}
}

func (r *decisionLogRepository) Append(ctx context.Context, entry domain.DecisionLogEntry) error {
	if r.pool == nil {
		return fmt.Errorf("decision log repository not initialized")
	}

	var details []byte
	if entry.Details != nil {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to encode decision details: %w", err)
		}
		details = encoded
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO decision_logs (id, ingestion_id, stage, decision_type, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID,
		entry.IngestionID,
		string(entry.Stage),
		entry.DecisionType,
		details,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append decision log: %w", err)
	}
	return nil
}

func (r *decisionLogRepository) ListByIngestion(ctx context.Context, ingestionID uuid.UUID, stage *domain.Stage) ([]domain.DecisionLogEntry, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("decision log repository not initialized")
	}

	query := `SELECT id, ingestion_id, stage, decision_type, details, created_at
	          FROM decision_logs WHERE ingestion_id = $1`
	args := []any{ingestionID}
	if stage != nil {
		query += ` AND stage = $2`
		args = append(args, string(*stage))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decision logs: %w", err)
	}
	defer rows.Close()

	entries := []domain.DecisionLogEntry{}
	for rows.Next() {
		var (
			entry     domain.DecisionLogEntry
			stageRaw  string
			details   []byte
			createdAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.IngestionID,
			&stageRaw,
			&entry.DecisionType,
			&details,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan decision log: %w", scanErr)
		}
		entry.Stage = domain.Stage(stageRaw)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to decode decision details: %w", err)
			}
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate decision logs: %w", rowsErr)
	}
	return entries, nil
}

func (r *decisionLogRepository) DeleteByStage(ctx context.Context, ingestionID uuid.UUID, stage domain.Stage) error {
	if r.pool == nil {
		return fmt.Errorf("decision log repository not initialized")
	}

	_, err := r.pool.Exec(
		ctx,
		`DELETE FROM decision_logs WHERE ingestion_id = $1 AND stage = $2`,
		ingestionID,
		string(stage),
	)
	if err != nil {
		return fmt.Errorf("failed to delete decision logs: %w", err)
	}
	return nil
}
