// Package queue decouples pipeline stages from their transport. Each stage
// is a handler keyed by stage name; jobs carry an idempotency ID so
// at-least-once delivery stays safe.
package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/canontab/canontab/internal/domain"
)

// Job is the unit of work delivered to a stage handler.
type Job struct {
	ID          string                  `json:"id"`
	IngestionID uuid.UUID               `json:"ingestionId"`
	Decisions   []domain.ReviewDecision `json:"decisions,omitempty"`
}

// JobID builds the idempotency key for a stage job.
func JobID(stage domain.Stage, ingestionID uuid.UUID) string {
	return fmt.Sprintf("%s-%s", stage, ingestionID)
}

// ResumeJobID builds the idempotency key for a post-review map job.
func ResumeJobID(stage domain.Stage, ingestionID uuid.UUID) string {
	return fmt.Sprintf("%s-resume-%s", stage, ingestionID)
}

// Handler processes one job. A returned error triggers a retry until the
// attempt budget is exhausted.
type Handler func(ctx context.Context, job Job) error

// FailureHandler runs once a job's retries are exhausted.
type FailureHandler func(ctx context.Context, stage domain.Stage, job Job, err error)

// Queue is the transport the orchestrator enqueues stage jobs onto.
type Queue interface {
	Enqueue(ctx context.Context, stage domain.Stage, job Job) error
	Register(stage domain.Stage, handler Handler)
	OnFailure(handler FailureHandler)
	Start(ctx context.Context) error
	Close() error
}
