package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/canontab/canontab/internal/domain"
	"github.com/canontab/canontab/internal/queue"
)

// Stage handlers share one shape: load the ingestion, skip cleanly when the
// status is already beyond the stage, run the stage against persisted state,
// then persist the advanced status and enqueue the successor.

func (s *Service) handleParse(ctx context.Context, job queue.Job) error {
	ing, skip, err := s.claim(ctx, job.IngestionID, domain.IngestionStatusParsing)
	if err != nil || skip {
		return err
	}
	if err := s.pipe.RunParse(ctx, &ing); err != nil {
		return err
	}
	return s.advance(ctx, ing, domain.IngestionStatusInferring, domain.StageInfer)
}

func (s *Service) handleInfer(ctx context.Context, job queue.Job) error {
	ing, skip, err := s.claim(ctx, job.IngestionID, domain.IngestionStatusInferring)
	if err != nil || skip {
		return err
	}
	if err := s.pipe.RunInfer(ctx, &ing); err != nil {
		return err
	}
	return s.advance(ctx, ing, domain.IngestionStatusMapping, domain.StageMap)
}

func (s *Service) handleMap(ctx context.Context, job queue.Job) error {
	ing, skip, err := s.claim(ctx, job.IngestionID, domain.IngestionStatusMapping)
	if err != nil || skip {
		return err
	}
	schema, err := s.loadSchema(ctx, &ing)
	if err != nil {
		return err
	}
	if err := s.pipe.RunMap(ctx, &ing, schema, job.Decisions); err != nil {
		return err
	}

	if ing.MappingResult.RequiresReview {
		if err := s.journal.Append(ctx, ing.ID, domain.StageMap, "review_required", map[string]any{
			"ambiguous": ing.MappingResult.AmbiguousMappings,
		}); err != nil {
			return fmt.Errorf("journal review suspension: %w", err)
		}
		ing.Status = domain.IngestionStatusAwaitingReview
		ing.UpdatedAt = s.now()
		if _, err := s.ingestions.Update(ctx, ing); err != nil {
			return fmt.Errorf("suspend for review: %w", err)
		}
		s.log.Info("ingestion awaiting review", "ingestion", ing.ID,
			"ambiguous", len(ing.MappingResult.AmbiguousMappings))
		return nil
	}
	return s.advance(ctx, ing, domain.IngestionStatusValidating, domain.StageValidate)
}

func (s *Service) handleValidate(ctx context.Context, job queue.Job) error {
	ing, skip, err := s.claim(ctx, job.IngestionID, domain.IngestionStatusValidating)
	if err != nil || skip {
		return err
	}
	schema, err := s.loadSchema(ctx, &ing)
	if err != nil {
		return err
	}
	if err := s.pipe.RunValidate(ctx, &ing, schema); err != nil {
		return err
	}
	return s.advance(ctx, ing, domain.IngestionStatusOutputting, domain.StageOutput)
}

func (s *Service) handleOutput(ctx context.Context, job queue.Job) error {
	ing, skip, err := s.claim(ctx, job.IngestionID, domain.IngestionStatusOutputting)
	if err != nil || skip {
		return err
	}
	schema, err := s.loadSchema(ctx, &ing)
	if err != nil {
		return err
	}
	if err := s.pipe.RunOutput(ctx, &ing, schema); err != nil {
		return err
	}

	ing.Status = domain.IngestionStatusComplete
	now := s.now()
	ing.UpdatedAt = now
	ing.CompletedAt = &now
	if _, err := s.ingestions.Update(ctx, ing); err != nil {
		return fmt.Errorf("mark ingestion complete: %w", err)
	}
	s.log.Info("ingestion complete", "ingestion", ing.ID)
	return nil
}

// claim loads the ingestion and decides whether the stage still owns it. A
// redelivered job whose work is already done exits cleanly.
func (s *Service) claim(ctx context.Context, id uuid.UUID, running domain.IngestionStatus) (domain.Ingestion, bool, error) {
	ing, err := s.ingestions.GetByID(ctx, id)
	if err != nil {
		return domain.Ingestion{}, false, fmt.Errorf("load ingestion: %w", err)
	}
	if ing.Status.Terminal() || ing.Status.Rank() > running.Rank() {
		s.log.Debug("skipping stage, ingestion already past it",
			"ingestion", id, "status", ing.Status, "stage", running)
		return domain.Ingestion{}, true, nil
	}
	if ing.Status != running {
		ing.Status = running
		ing.UpdatedAt = s.now()
		if ing, err = s.ingestions.Update(ctx, ing); err != nil {
			return domain.Ingestion{}, false, fmt.Errorf("claim ingestion: %w", err)
		}
	}
	return ing, false, nil
}

// advance persists the stage's result with the next status and enqueues the
// successor stage.
func (s *Service) advance(ctx context.Context, ing domain.Ingestion, next domain.IngestionStatus, nextStage domain.Stage) error {
	ing.Status = next
	ing.UpdatedAt = s.now()
	if _, err := s.ingestions.Update(ctx, ing); err != nil {
		return fmt.Errorf("advance to %s: %w", next, err)
	}
	job := queue.Job{ID: queue.JobID(nextStage, ing.ID), IngestionID: ing.ID}
	if err := s.queue.Enqueue(ctx, nextStage, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", nextStage, err)
	}
	return nil
}

func (s *Service) loadSchema(ctx context.Context, ing *domain.Ingestion) (*domain.CanonicalSchema, error) {
	if ing.SchemaID == nil {
		return nil, nil
	}
	schema, err := s.schemas.GetByID(ctx, *ing.SchemaID)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return &schema, nil
}

// markFailed is the queue's retry-exhaustion callback.
func (s *Service) markFailed(ctx context.Context, stage domain.Stage, job queue.Job, cause error) {
	ing, err := s.ingestions.GetByID(ctx, job.IngestionID)
	if err != nil {
		s.log.Error("cannot mark ingestion failed", "ingestion", job.IngestionID, "error", err)
		return
	}
	if ing.Status.Terminal() {
		return
	}

	message := cause.Error()
	ing.Status = domain.IngestionStatusFailed
	ing.Error = &message
	ing.UpdatedAt = s.now()
	if _, err := s.ingestions.Update(ctx, ing); err != nil {
		s.log.Error("cannot persist failure", "ingestion", ing.ID, "error", err)
		return
	}
	if err := s.journal.Append(ctx, ing.ID, stage, "stage_failed", map[string]any{
		"error": message,
	}); err != nil {
		s.log.Error("cannot journal failure", "ingestion", ing.ID, "error", err)
	}
	s.log.Error("ingestion failed", "ingestion", ing.ID, "stage", stage, "error", message)
}
