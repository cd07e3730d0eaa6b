package domain

// InferredColumn is the per-column verdict produced by type voting.
type InferredColumn struct {
	Name         string     `json:"name"`
	InferredType ColumnType `json:"inferredType"`
	Confidence   float64    `json:"confidence"`
	Nullable     bool       `json:"nullable"`
	UniqueRatio  float64    `json:"uniqueRatio"`
	SampleValues []string   `json:"sampleValues,omitempty"`
	NullCount    int        `json:"nullCount"`
	TotalCount   int        `json:"totalCount"`
}

// InferredSchema is the output of the infer stage.
type InferredSchema struct {
	Columns     []InferredColumn `json:"columns"`
	RowCount    int              `json:"rowCount"`
	ParseErrors []ParseError     `json:"parseErrors,omitempty"`
}
