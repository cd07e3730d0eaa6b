package domain

// CellErrorType classifies a single-cell failure.
type CellErrorType string

const (
	CellErrorTypeCoercion   CellErrorType = "type_coercion"
	CellErrorTypeValidation CellErrorType = "validation_failed"
	CellErrorTypeRequired   CellErrorType = "required_missing"
)

// CellError describes one failed cell. Row numbers are 1-indexed for human
// display.
type CellError struct {
	Row           int           `json:"row"`
	Column        string        `json:"column"`
	ErrorType     CellErrorType `json:"errorType"`
	ValidatorType ValidatorType `json:"validatorType,omitempty"`
	Message       string        `json:"message"`
	Value         string        `json:"value,omitempty"`
}

// RowAction is the disposition applied to an invalid row per the error policy.
type RowAction string

const (
	RowActionFlagged  RowAction = "flagged"
	RowActionRejected RowAction = "rejected"
	RowActionCoerced  RowAction = "coerced"
)

// RowError collects the cell errors for one invalid row and the action taken.
type RowError struct {
	Row    int         `json:"row"`
	Action RowAction   `json:"action"`
	Errors []CellError `json:"errors"`
}

// ValidationResult is the output of the validate stage.
type ValidationResult struct {
	ValidRowCount   int            `json:"validRowCount"`
	InvalidRowCount int            `json:"invalidRowCount"`
	RowErrors       []RowError     `json:"rowErrors,omitempty"`
	ErrorsByColumn  map[string]int `json:"errorsByColumn,omitempty"`
}

// ActionFor returns the action recorded for a row, if the row is invalid.
func (vr ValidationResult) ActionFor(row int) (RowAction, bool) {
	for _, re := range vr.RowErrors {
		if re.Row == row {
			return re.Action, true
		}
	}
	return "", false
}
