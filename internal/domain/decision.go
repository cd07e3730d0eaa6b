package domain

import (
	"time"

	"github.com/google/uuid"
)

// Stage identifies one of the five pipeline stages.
type Stage string

const (
	StageParse    Stage = "parse"
	StageInfer    Stage = "infer"
	StageMap      Stage = "map"
	StageValidate Stage = "validate"
	StageOutput   Stage = "output"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageParse, StageInfer, StageMap, StageValidate, StageOutput}

// DecisionLogEntry is one append-only record of an automated or human
// decision. The journal is the single authoritative source of explainability.
type DecisionLogEntry struct {
	ID           uuid.UUID      `json:"id"`
	IngestionID  uuid.UUID      `json:"ingestion_id"`
	Stage        Stage          `json:"stage"`
	DecisionType string         `json:"decisionType"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
