package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/canontab/canontab/internal/blob"
	"github.com/canontab/canontab/internal/config"
	"github.com/canontab/canontab/internal/domain"
	"github.com/canontab/canontab/internal/journal"
	"github.com/canontab/canontab/internal/logger"
	"github.com/canontab/canontab/internal/pipeline"
	"github.com/canontab/canontab/internal/queue"
	"github.com/canontab/canontab/internal/repository"
)

type stubIngestionRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]domain.Ingestion
}

func newStubIngestionRepo() *stubIngestionRepo {
	return &stubIngestionRepo{items: map[uuid.UUID]domain.Ingestion{}}
}

func (r *stubIngestionRepo) Create(_ context.Context, ing domain.Ingestion) (domain.Ingestion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[ing.ID] = ing
	return ing, nil
}

func (r *stubIngestionRepo) GetByID(_ context.Context, id uuid.UUID) (domain.Ingestion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ing, ok := r.items[id]
	if !ok {
		return domain.Ingestion{}, repository.ErrNotFound
	}
	return ing, nil
}

func (r *stubIngestionRepo) Update(_ context.Context, ing domain.Ingestion) (domain.Ingestion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[ing.ID]; !ok {
		return domain.Ingestion{}, repository.ErrNotFound
	}
	r.items[ing.ID] = ing
	return ing, nil
}

func (r *stubIngestionRepo) List(_ context.Context, limit, offset int) ([]domain.Ingestion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Ingestion
	for _, ing := range r.items {
		out = append(out, ing)
	}
	return out, nil
}

func (r *stubIngestionRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
	return nil
}

type stubSchemaRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]domain.CanonicalSchema
}

func newStubSchemaRepo() *stubSchemaRepo {
	return &stubSchemaRepo{items: map[uuid.UUID]domain.CanonicalSchema{}}
}

func (r *stubSchemaRepo) Create(_ context.Context, schema domain.CanonicalSchema) (domain.CanonicalSchema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[schema.ID] = schema
	return schema, nil
}

func (r *stubSchemaRepo) GetByID(_ context.Context, id uuid.UUID) (domain.CanonicalSchema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	schema, ok := r.items[id]
	if !ok {
		return domain.CanonicalSchema{}, repository.ErrNotFound
	}
	return schema, nil
}

func (r *stubSchemaRepo) List(_ context.Context) ([]domain.CanonicalSchema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CanonicalSchema
	for _, s := range r.items {
		out = append(out, s)
	}
	return out, nil
}

func (r *stubSchemaRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
	return nil
}

type stubDecisionRepo struct {
	mu      sync.Mutex
	entries []domain.DecisionLogEntry
}

func (r *stubDecisionRepo) Append(_ context.Context, entry domain.DecisionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *stubDecisionRepo) ListByIngestion(_ context.Context, ingestionID uuid.UUID, stage *domain.Stage) ([]domain.DecisionLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DecisionLogEntry
	for _, e := range r.entries {
		if e.IngestionID != ingestionID {
			continue
		}
		if stage != nil && e.Stage != *stage {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *stubDecisionRepo) DeleteByStage(_ context.Context, ingestionID uuid.UUID, stage domain.Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.IngestionID == ingestionID && e.Stage == stage {
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return nil
}

type harness struct {
	service *Service
	queue   *queue.SyncQueue
	blobs   *blob.FilesystemStore
	schemas *stubSchemaRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	blobs := blob.NewMemStore()
	jrnl := journal.NewRecorder(&stubDecisionRepo{})
	pipe := pipeline.New(blobs, jrnl, nil, config.Pipeline{
		InferenceSampleSize: 1000,
		ReviewThreshold:     0.8,
		FuzzyMinSimilarity:  0.5,
		AlternativeMin:      0.4,
	}, logger.Nop())

	q := queue.NewSyncQueue()
	schemas := newStubSchemaRepo()
	service := NewService(newStubIngestionRepo(), schemas, blobs, q, jrnl, pipe, logger.Nop())
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("queue start failed: %v", err)
	}
	return &harness{service: service, queue: q, blobs: blobs, schemas: schemas}
}

func (h *harness) createSchema(t *testing.T, schema domain.CanonicalSchema) domain.CanonicalSchema {
	t.Helper()
	created, err := h.service.CreateSchema(context.Background(), schema)
	if err != nil {
		t.Fatalf("create schema failed: %v", err)
	}
	return created
}

func TestStartIngestionRunsToCompleteWithoutSchema(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ing, err := h.service.StartIngestion(ctx, "data.csv", []byte("a,b\n1,2\n"), nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	final, err := h.service.GetIngestion(ctx, ing.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if final.Status != domain.IngestionStatusComplete {
		t.Fatalf("expected complete, got %s (error: %v)", final.Status, final.Error)
	}
	if final.OutputFileKey == nil {
		t.Fatalf("complete ingestion must set outputFileKey")
	}
	if final.CompletedAt == nil {
		t.Fatalf("complete ingestion must set completedAt")
	}

	data, contentType, err := h.service.FetchOutput(ctx, ing.ID, "csv")
	if err != nil {
		t.Fatalf("fetch output failed: %v", err)
	}
	if contentType != "text/csv" {
		t.Fatalf("unexpected content type %s", contentType)
	}
	if !strings.HasPrefix(string(data), "a,b\n") {
		t.Fatalf("unexpected csv output: %q", data)
	}
}

func TestJournalCoversEveryStageReached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ing, err := h.service.StartIngestion(ctx, "data.csv", []byte("a\n1\n"), nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	entries, err := h.service.ListDecisions(ctx, ing.ID, nil)
	if err != nil {
		t.Fatalf("list decisions failed: %v", err)
	}
	reached := map[domain.Stage]bool{}
	for _, e := range entries {
		reached[e.Stage] = true
	}
	for _, stage := range domain.Stages {
		if !reached[stage] {
			t.Fatalf("no journal entry for stage %s", stage)
		}
	}
}

func reviewSchema() domain.CanonicalSchema {
	schema := domain.NewCanonicalSchema("orders", "", []domain.ColumnDefinition{
		{Name: "order_id", Type: domain.ColumnTypeString},
		{Name: "customer_email", Type: domain.ColumnTypeEmail, Aliases: []string{"mail"}},
		{Name: "amount", Type: domain.ColumnTypeFloat},
	}, domain.ErrorPolicyFlag, true)
	return schema
}

func TestHumanReviewCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	schema := h.createSchema(t, reviewSchema())

	ing, err := h.service.StartIngestion(ctx, "orders.csv", []byte("ID,Mail,Total\n1,a@b.co,9.99\n"), &schema.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	suspended, err := h.service.GetIngestion(ctx, ing.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if suspended.Status != domain.IngestionStatusAwaitingReview {
		t.Fatalf("expected awaiting_review, got %s", suspended.Status)
	}
	if suspended.MappingResult == nil || !suspended.MappingResult.RequiresReview {
		t.Fatalf("suspended ingestion must carry a review-pending mapping result")
	}

	amount := "amount"
	orderID := "order_id"
	if _, err := h.service.ResumeReview(ctx, ing.ID, []domain.ReviewDecision{
		{SourceColumn: "Total", TargetColumn: &amount},
		{SourceColumn: "ID", TargetColumn: &orderID},
	}); err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	final, err := h.service.GetIngestion(ctx, ing.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if final.Status != domain.IngestionStatusComplete {
		t.Fatalf("expected complete after resume, got %s (error: %v)", final.Status, final.Error)
	}

	data, _, err := h.service.FetchOutput(ctx, ing.ID, "csv")
	if err != nil {
		t.Fatalf("fetch output failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "order_id,customer_email,amount" {
		t.Fatalf("expected canonical header order, got %q", lines[0])
	}
	if lines[1] != "1,a@b.co,9.99" {
		t.Fatalf("unexpected output row: %q", lines[1])
	}
}

func TestResumeRejectsWrongStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ing, err := h.service.StartIngestion(ctx, "data.csv", []byte("a\n1\n"), nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_, err = h.service.ResumeReview(ctx, ing.ID, nil)
	if !errors.Is(err, ErrNotAwaitingReview) {
		t.Fatalf("expected ErrNotAwaitingReview, got %v", err)
	}
}

func TestResumeRejectsIncompleteDecisions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	schema := h.createSchema(t, reviewSchema())

	ing, err := h.service.StartIngestion(ctx, "orders.csv", []byte("ID,Mail,Total\n1,a@b.co,9.99\n"), &schema.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	amount := "amount"
	// Covers Total but not the ambiguous ID column.
	_, err = h.service.ResumeReview(ctx, ing.ID, []domain.ReviewDecision{
		{SourceColumn: "Total", TargetColumn: &amount},
	})
	if !errors.Is(err, ErrBadDecisions) {
		t.Fatalf("expected ErrBadDecisions for uncovered ambiguity, got %v", err)
	}

	// Both decisions bind the same target.
	_, err = h.service.ResumeReview(ctx, ing.ID, []domain.ReviewDecision{
		{SourceColumn: "Total", TargetColumn: &amount},
		{SourceColumn: "ID", TargetColumn: &amount},
	})
	if !errors.Is(err, ErrBadDecisions) {
		t.Fatalf("expected ErrBadDecisions for duplicate target, got %v", err)
	}

	// Unknown source column.
	_, err = h.service.ResumeReview(ctx, ing.ID, []domain.ReviewDecision{
		{SourceColumn: "Nope", TargetColumn: &amount},
	})
	if !errors.Is(err, ErrBadDecisions) {
		t.Fatalf("expected ErrBadDecisions for unknown source, got %v", err)
	}
}

func TestRedeliveredJobSkipsCompletedIngestion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ing, err := h.service.StartIngestion(ctx, "data.csv", []byte("a\n1\n"), nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	before, _ := h.service.GetIngestion(ctx, ing.ID)
	if before.Status != domain.IngestionStatusComplete {
		t.Fatalf("expected complete, got %s", before.Status)
	}

	// Simulate an at-least-once redelivery of the parse job.
	err = h.queue.Enqueue(ctx, domain.StageParse, queue.Job{
		ID:          queue.JobID(domain.StageParse, ing.ID),
		IngestionID: ing.ID,
	})
	if err != nil {
		t.Fatalf("redelivery errored: %v", err)
	}

	after, _ := h.service.GetIngestion(ctx, ing.ID)
	if after.Status != domain.IngestionStatusComplete {
		t.Fatalf("redelivery disturbed a complete ingestion: %s", after.Status)
	}
	if after.UpdatedAt != before.UpdatedAt {
		t.Fatalf("redelivery must not touch the record")
	}
}

func TestStageFailureMarksIngestionFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	schema := h.createSchema(t, domain.NewCanonicalSchema("orders", "", []domain.ColumnDefinition{
		{Name: "qty", Type: domain.ColumnTypeInteger},
	}, domain.ErrorPolicyAbort, false))

	ing, err := h.service.StartIngestion(ctx, "bad.csv", []byte("qty\nabc\n"), &schema.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	final, err := h.service.GetIngestion(ctx, ing.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if final.Status != domain.IngestionStatusFailed {
		t.Fatalf("abort policy must fail the ingestion, got %s", final.Status)
	}
	if final.Error == nil || *final.Error == "" {
		t.Fatalf("failed ingestion must record an error message")
	}

	stage := domain.StageValidate
	entries, err := h.service.ListDecisions(ctx, ing.ID, &stage)
	if err != nil {
		t.Fatalf("list decisions failed: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.DecisionType == "stage_failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stage_failed journal entry for validate")
	}
}

func TestFetchOutputGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	schema := h.createSchema(t, reviewSchema())

	ing, err := h.service.StartIngestion(ctx, "orders.csv", []byte("ID,Mail,Total\n1,a@b.co,9.99\n"), &schema.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Suspended, not complete.
	if _, _, err := h.service.FetchOutput(ctx, ing.ID, "csv"); !errors.Is(err, ErrNotComplete) {
		t.Fatalf("expected ErrNotComplete, got %v", err)
	}
	if _, _, err := h.service.FetchOutput(ctx, uuid.New(), "csv"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchOutputUnknownFormat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ing, err := h.service.StartIngestion(ctx, "data.csv", []byte("a\n1\n"), nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, _, err := h.service.FetchOutput(ctx, ing.ID, "xml"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestStartIngestionRejectsUnknownSchema(t *testing.T) {
	h := newHarness(t)
	bogus := uuid.New()
	_, err := h.service.StartIngestion(context.Background(), "data.csv", []byte("a\n1\n"), &bogus)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown schema, got %v", err)
	}
}
