// Package journal is the single sink for pipeline explainability. Every
// automated and human decision lands here; no other log is authoritative.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/canontab/canontab/internal/domain"
	"github.com/canontab/canontab/internal/repository"
)

// Journal records and reads decisions for an ingestion.
type Journal interface {
	Append(ctx context.Context, ingestionID uuid.UUID, stage domain.Stage, decisionType string, details map[string]any) error
	// Purge removes a stage's prior entries so a retried stage does not
	// double-count its decisions.
	Purge(ctx context.Context, ingestionID uuid.UUID, stage domain.Stage) error
	List(ctx context.Context, ingestionID uuid.UUID, stage *domain.Stage) ([]domain.DecisionLogEntry, error)
}

// Recorder implements Journal over the decision log repository.
type Recorder struct {
	repo repository.DecisionLogRepository
	now  func() time.Time
}

// NewRecorder creates a journal recorder.
func NewRecorder(repo repository.DecisionLogRepository) *Recorder {
	return &Recorder{repo: repo, now: time.Now}
}

func (r *Recorder) Append(ctx context.Context, ingestionID uuid.UUID, stage domain.Stage, decisionType string, details map[string]any) error {
	return r.repo.Append(ctx, domain.DecisionLogEntry{
		ID:           uuid.New(),
		IngestionID:  ingestionID,
		Stage:        stage,
		DecisionType: decisionType,
		Details:      details,
		CreatedAt:    r.now(),
	})
}

func (r *Recorder) Purge(ctx context.Context, ingestionID uuid.UUID, stage domain.Stage) error {
	return r.repo.DeleteByStage(ctx, ingestionID, stage)
}

func (r *Recorder) List(ctx context.Context, ingestionID uuid.UUID, stage *domain.Stage) ([]domain.DecisionLogEntry, error) {
	return r.repo.ListByIngestion(ctx, ingestionID, stage)
}
