package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/canontab/canontab/internal/blob"
	"github.com/canontab/canontab/internal/config"
	"github.com/canontab/canontab/internal/domain"
	"github.com/canontab/canontab/internal/logger"
)

// memJournal is an in-memory journal used by the stage tests.
type memJournal struct {
	entries []domain.DecisionLogEntry
}

func (j *memJournal) Append(_ context.Context, ingestionID uuid.UUID, stage domain.Stage, decisionType string, details map[string]any) error {
	j.entries = append(j.entries, domain.DecisionLogEntry{
		ID:           uuid.New(),
		IngestionID:  ingestionID,
		Stage:        stage,
		DecisionType: decisionType,
		Details:      details,
		CreatedAt:    time.Now(),
	})
	return nil
}

func (j *memJournal) Purge(_ context.Context, ingestionID uuid.UUID, stage domain.Stage) error {
	kept := j.entries[:0]
	for _, e := range j.entries {
		if e.IngestionID == ingestionID && e.Stage == stage {
			continue
		}
		kept = append(kept, e)
	}
	j.entries = kept
	return nil
}

func (j *memJournal) List(_ context.Context, ingestionID uuid.UUID, stage *domain.Stage) ([]domain.DecisionLogEntry, error) {
	var out []domain.DecisionLogEntry
	for _, e := range j.entries {
		if e.IngestionID != ingestionID {
			continue
		}
		if stage != nil && e.Stage != *stage {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (j *memJournal) byType(decisionType string) []domain.DecisionLogEntry {
	var out []domain.DecisionLogEntry
	for _, e := range j.entries {
		if e.DecisionType == decisionType {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() config.Pipeline {
	return config.Pipeline{
		InferenceSampleSize: 1000,
		ReviewThreshold:     0.8,
		FuzzyMinSimilarity:  0.5,
		AlternativeMin:      0.4,
	}
}

// newTestPipeline returns a pipeline on an in-memory blob store and journal,
// plus a pending ingestion whose raw blob holds the given file content.
func newTestPipeline(content string, filename string) (*Pipeline, *memJournal, *blob.FilesystemStore, domain.Ingestion) {
	blobs := blob.NewMemStore()
	jrnl := &memJournal{}
	pipe := New(blobs, jrnl, nil, testConfig(), logger.Nop())

	ing := domain.NewIngestion("", filename, nil)
	ing.RawFileKey = blob.RawKey(ing.ID, filename)
	if err := blobs.Save(context.Background(), ing.RawFileKey, []byte(content)); err != nil {
		panic(err)
	}
	return pipe, jrnl, blobs, ing
}
