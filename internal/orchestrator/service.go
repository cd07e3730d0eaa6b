// Package orchestrator owns the ingestion state machine. It creates
// ingestions, wires the pipeline stages onto the queue, applies status
// transitions, and serves reads.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/canontab/canontab/internal/blob"
	"github.com/canontab/canontab/internal/domain"
	"github.com/canontab/canontab/internal/journal"
	"github.com/canontab/canontab/internal/logger"
	"github.com/canontab/canontab/internal/pipeline"
	"github.com/canontab/canontab/internal/queue"
	"github.com/canontab/canontab/internal/repository"
)

var (
	ErrNotAwaitingReview = errors.New("ingestion is not awaiting review")
	ErrNotComplete       = errors.New("ingestion is not complete")
	ErrBadDecisions      = errors.New("review decisions are invalid")
	ErrUnknownFormat     = errors.New("unknown output format")
)

// Service coordinates the five pipeline stages for every ingestion.
type Service struct {
	ingestions repository.IngestionRepository
	schemas    repository.SchemaRepository
	blobs      blob.Store
	queue      queue.Queue
	journal    journal.Journal
	pipe       *pipeline.Pipeline
	log        logger.Logger
	now        func() time.Time
}

// NewService creates the orchestrator and registers the stage handlers on
// the queue. Call queue.Start afterwards.
func NewService(
	ingestions repository.IngestionRepository,
	schemas repository.SchemaRepository,
	blobs blob.Store,
	q queue.Queue,
	jrnl journal.Journal,
	pipe *pipeline.Pipeline,
	log logger.Logger,
) *Service {
	s := &Service{
		ingestions: ingestions,
		schemas:    schemas,
		blobs:      blobs,
		queue:      q,
		journal:    jrnl,
		pipe:       pipe,
		log:        log,
		now:        time.Now,
	}
	q.Register(domain.StageParse, s.handleParse)
	q.Register(domain.StageInfer, s.handleInfer)
	q.Register(domain.StageMap, s.handleMap)
	q.Register(domain.StageValidate, s.handleValidate)
	q.Register(domain.StageOutput, s.handleOutput)
	q.OnFailure(s.markFailed)
	return s
}

// StartIngestion stores the upload, persists a pending ingestion, and
// enqueues the parse stage.
func (s *Service) StartIngestion(ctx context.Context, filename string, data []byte, schemaID *uuid.UUID) (domain.Ingestion, error) {
	if schemaID != nil {
		if _, err := s.schemas.GetByID(ctx, *schemaID); err != nil {
			return domain.Ingestion{}, fmt.Errorf("look up schema: %w", err)
		}
	}

	ing := domain.NewIngestion("", filename, schemaID)
	ing.RawFileKey = blob.RawKey(ing.ID, filename)
	if err := s.blobs.Save(ctx, ing.RawFileKey, data); err != nil {
		return domain.Ingestion{}, fmt.Errorf("store raw file: %w", err)
	}
	created, err := s.ingestions.Create(ctx, ing)
	if err != nil {
		return domain.Ingestion{}, fmt.Errorf("create ingestion: %w", err)
	}

	created.Status = domain.IngestionStatusParsing
	created.UpdatedAt = s.now()
	updated, err := s.ingestions.Update(ctx, created)
	if err != nil {
		return domain.Ingestion{}, fmt.Errorf("mark ingestion parsing: %w", err)
	}

	job := queue.Job{ID: queue.JobID(domain.StageParse, updated.ID), IngestionID: updated.ID}
	if err := s.queue.Enqueue(ctx, domain.StageParse, job); err != nil {
		return domain.Ingestion{}, fmt.Errorf("enqueue parse: %w", err)
	}
	s.log.Info("ingestion started", "ingestion", updated.ID, "file", filename)
	return updated, nil
}

// ResumeReview validates the human decisions and re-enqueues the map stage.
// Decisions must cover every ambiguous mapping and must not bind the same
// target twice.
func (s *Service) ResumeReview(ctx context.Context, id uuid.UUID, decisions []domain.ReviewDecision) (domain.Ingestion, error) {
	ing, err := s.ingestions.GetByID(ctx, id)
	if err != nil {
		return domain.Ingestion{}, err
	}
	if ing.Status != domain.IngestionStatusAwaitingReview {
		return domain.Ingestion{}, fmt.Errorf("%w: status is %s", ErrNotAwaitingReview, ing.Status)
	}
	if err := checkDecisions(ing.MappingResult, decisions); err != nil {
		return domain.Ingestion{}, err
	}

	ing.Status = domain.IngestionStatusMapping
	ing.UpdatedAt = s.now()
	updated, err := s.ingestions.Update(ctx, ing)
	if err != nil {
		return domain.Ingestion{}, fmt.Errorf("mark ingestion mapping: %w", err)
	}

	job := queue.Job{
		ID:          queue.ResumeJobID(domain.StageMap, id),
		IngestionID: id,
		Decisions:   decisions,
	}
	if err := s.queue.Enqueue(ctx, domain.StageMap, job); err != nil {
		return domain.Ingestion{}, fmt.Errorf("enqueue map resume: %w", err)
	}
	s.log.Info("review resumed", "ingestion", id, "decisions", len(decisions))
	return updated, nil
}

func checkDecisions(mapping *domain.MappingResult, decisions []domain.ReviewDecision) error {
	if mapping == nil {
		return fmt.Errorf("%w: no mapping result to review", ErrBadDecisions)
	}

	sources := make(map[string]struct{}, len(mapping.Mappings))
	for _, m := range mapping.Mappings {
		sources[m.SourceColumn] = struct{}{}
	}
	decided := make(map[string]struct{}, len(decisions))
	targets := make(map[string]struct{}, len(decisions))
	for _, d := range decisions {
		if _, ok := sources[d.SourceColumn]; !ok {
			return fmt.Errorf("%w: unknown source column %q", ErrBadDecisions, d.SourceColumn)
		}
		if _, dup := decided[d.SourceColumn]; dup {
			return fmt.Errorf("%w: duplicate decision for %q", ErrBadDecisions, d.SourceColumn)
		}
		decided[d.SourceColumn] = struct{}{}
		if d.TargetColumn != nil {
			if _, dup := targets[*d.TargetColumn]; dup {
				return fmt.Errorf("%w: target %q bound twice", ErrBadDecisions, *d.TargetColumn)
			}
			targets[*d.TargetColumn] = struct{}{}
		}
	}
	for _, source := range mapping.AmbiguousMappings {
		if _, ok := decided[source]; !ok {
			return fmt.Errorf("%w: ambiguous column %q has no decision", ErrBadDecisions, source)
		}
	}
	return nil
}

// GetIngestion returns the current state snapshot.
func (s *Service) GetIngestion(ctx context.Context, id uuid.UUID) (domain.Ingestion, error) {
	return s.ingestions.GetByID(ctx, id)
}

// ListIngestions pages over ingestion records, newest first.
func (s *Service) ListIngestions(ctx context.Context, limit, offset int) ([]domain.Ingestion, error) {
	return s.ingestions.List(ctx, limit, offset)
}

// ListDecisions returns the ordered journal, optionally filtered by stage.
func (s *Service) ListDecisions(ctx context.Context, id uuid.UUID, stage *domain.Stage) ([]domain.DecisionLogEntry, error) {
	if _, err := s.ingestions.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.journal.List(ctx, id, stage)
}

// FetchOutput returns the canonical artifact bytes for "csv" or "json".
func (s *Service) FetchOutput(ctx context.Context, id uuid.UUID, format string) ([]byte, string, error) {
	ing, err := s.ingestions.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if ing.Status != domain.IngestionStatusComplete {
		return nil, "", fmt.Errorf("%w: status is %s", ErrNotComplete, ing.Status)
	}

	var key, contentType string
	switch format {
	case "", "csv":
		key, contentType = blob.OutputCSVKey(id), "text/csv"
	case "json":
		key, contentType = blob.OutputJSONKey(id), "application/json"
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	data, err := s.blobs.Load(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("load output: %w", err)
	}
	return data, contentType, nil
}

// DeleteIngestion removes the record and its blobs.
func (s *Service) DeleteIngestion(ctx context.Context, id uuid.UUID) error {
	ing, err := s.ingestions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	keys := []string{
		ing.RawFileKey,
		blob.OutputCSVKey(id),
		blob.OutputJSONKey(id),
		blob.ErrorsKey(id),
		blob.DecisionsKey(id),
		blob.SchemaKey(id),
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if ok, _ := s.blobs.Exists(ctx, key); ok {
			if err := s.blobs.Delete(ctx, key); err != nil {
				s.log.Warn("blob cleanup failed", "ingestion", id, "key", key, "error", err)
			}
		}
	}
	return s.ingestions.Delete(ctx, id)
}

// CreateSchema validates and stores a canonical schema.
func (s *Service) CreateSchema(ctx context.Context, schema domain.CanonicalSchema) (domain.CanonicalSchema, error) {
	if err := schema.Validate(); err != nil {
		return domain.CanonicalSchema{}, err
	}
	return s.schemas.Create(ctx, schema)
}

// GetSchema returns one canonical schema.
func (s *Service) GetSchema(ctx context.Context, id uuid.UUID) (domain.CanonicalSchema, error) {
	return s.schemas.GetByID(ctx, id)
}

// ListSchemas returns every canonical schema.
func (s *Service) ListSchemas(ctx context.Context) ([]domain.CanonicalSchema, error) {
	return s.schemas.List(ctx)
}

// DeleteSchema removes a canonical schema.
func (s *Service) DeleteSchema(ctx context.Context, id uuid.UUID) error {
	return s.schemas.Delete(ctx, id)
}
