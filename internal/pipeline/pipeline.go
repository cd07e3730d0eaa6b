// Package pipeline implements the five ingestion stages: parse, infer, map,
// validate, output. Stages communicate only through the persisted ingestion
// record and the decision journal; the orchestrator owns status transitions
// and persistence.
package pipeline

import (
	"time"

	"github.com/canontab/canontab/internal/blob"
	"github.com/canontab/canontab/internal/config"
	"github.com/canontab/canontab/internal/journal"
	"github.com/canontab/canontab/internal/logger"
	"github.com/canontab/canontab/internal/repository"
)

// Pipeline bundles the stage implementations and their shared dependencies.
type Pipeline struct {
	blobs     blob.Store
	journal   journal.Journal
	templates repository.MappingTemplateRepository
	cfg       config.Pipeline
	log       logger.Logger
	now       func() time.Time
}

// New creates a pipeline. templates may be nil when template reuse is
// disabled.
func New(blobs blob.Store, jrnl journal.Journal, templates repository.MappingTemplateRepository, cfg config.Pipeline, log logger.Logger) *Pipeline {
	if cfg.InferenceSampleSize <= 0 {
		cfg.InferenceSampleSize = 1000
	}
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = 0.8
	}
	if cfg.FuzzyMinSimilarity <= 0 {
		cfg.FuzzyMinSimilarity = 0.5
	}
	if cfg.AlternativeMin <= 0 {
		cfg.AlternativeMin = 0.4
	}
	return &Pipeline{
		blobs:     blobs,
		journal:   jrnl,
		templates: templates,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}
