package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ColumnType represents the declared type of a canonical column.
type ColumnType string

const (
	ColumnTypeString   ColumnType = "string"
	ColumnTypeInteger  ColumnType = "integer"
	ColumnTypeFloat    ColumnType = "float"
	ColumnTypeBoolean  ColumnType = "boolean"
	ColumnTypeDate     ColumnType = "date"
	ColumnTypeDatetime ColumnType = "datetime"
	ColumnTypeEmail    ColumnType = "email"
	ColumnTypeUUID     ColumnType = "uuid"
	ColumnTypeURL      ColumnType = "url"
	ColumnTypeJSON     ColumnType = "json"
)

// KnownColumnTypes lists every accepted column type.
var KnownColumnTypes = []ColumnType{
	ColumnTypeString, ColumnTypeInteger, ColumnTypeFloat, ColumnTypeBoolean,
	ColumnTypeDate, ColumnTypeDatetime, ColumnTypeEmail, ColumnTypeUUID,
	ColumnTypeURL, ColumnTypeJSON,
}

// ErrorPolicy governs what happens to a row containing at least one cell error.
type ErrorPolicy string

const (
	ErrorPolicyRejectRow     ErrorPolicy = "reject_row"
	ErrorPolicyFlag          ErrorPolicy = "flag"
	ErrorPolicyCoerceDefault ErrorPolicy = "coerce_default"
	ErrorPolicyAbort         ErrorPolicy = "abort"
)

// ValidatorType identifies one of the closed set of validator variants.
type ValidatorType string

const (
	ValidatorRegex     ValidatorType = "regex"
	ValidatorMin       ValidatorType = "min"
	ValidatorMax       ValidatorType = "max"
	ValidatorMinLength ValidatorType = "minLength"
	ValidatorMaxLength ValidatorType = "maxLength"
	ValidatorEnum      ValidatorType = "enum"
	ValidatorUnique    ValidatorType = "unique"
)

// Validator is one declared constraint on a column. Pattern is used by regex,
// Value by min/max/minLength/maxLength, Values by enum. unique carries no
// parameters and is stateful over the whole dataset.
type Validator struct {
	Type    ValidatorType `json:"type"`
	Pattern string        `json:"pattern,omitempty"`
	Value   *float64      `json:"value,omitempty"`
	Values  []string      `json:"values,omitempty"`
	Message string        `json:"message,omitempty"`
}

// ColumnDefinition declares one column of the canonical target schema.
type ColumnDefinition struct {
	Name       string      `json:"name"`
	Type       ColumnType  `json:"type"`
	Required   bool        `json:"required"`
	Nullable   bool        `json:"nullable"`
	Aliases    []string    `json:"aliases,omitempty"`
	Default    *string     `json:"default,omitempty"`
	DateFormat string      `json:"dateFormat,omitempty"`
	Validators []Validator `json:"validators,omitempty"`
}

// UnmarshalJSON decodes a column definition with the nullable default
// applied: a column that does not declare nullable is nullable. Marshaling
// always emits the field, so stored schemas round-trip an explicit false.
func (c *ColumnDefinition) UnmarshalJSON(data []byte) error {
	type plain ColumnDefinition
	aux := struct {
		Nullable *bool `json:"nullable"`
		*plain
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Nullable = aux.Nullable == nil || *aux.Nullable
	return nil
}

// CanonicalSchema is the user-declared target a file must conform to.
type CanonicalSchema struct {
	ID          uuid.UUID          `json:"id"`
	Name        string             `json:"name"`
	Version     int                `json:"version"`
	Description string             `json:"description,omitempty"`
	Columns     []ColumnDefinition `json:"columns"`
	ErrorPolicy ErrorPolicy        `json:"errorPolicy"`
	Strict      bool               `json:"strict"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// NewCanonicalSchema creates a schema with defaults applied.
func NewCanonicalSchema(name, description string, columns []ColumnDefinition, policy ErrorPolicy, strict bool) CanonicalSchema {
	if policy == "" {
		policy = ErrorPolicyFlag
	}
	now := time.Now()
	return CanonicalSchema{
		ID:          uuid.New(),
		Name:        name,
		Version:     1,
		Description: description,
		Columns:     copyColumns(columns),
		ErrorPolicy: policy,
		Strict:      strict,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Column returns the definition for the named column.
func (cs CanonicalSchema) Column(name string) (ColumnDefinition, bool) {
	for _, col := range cs.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return ColumnDefinition{}, false
}

// ColumnNames returns the canonical column order.
func (cs CanonicalSchema) ColumnNames() []string {
	names := make([]string, len(cs.Columns))
	for i, col := range cs.Columns {
		names[i] = col.Name
	}
	return names
}

// Validate checks the schema declaration itself for well-formedness.
func (cs CanonicalSchema) Validate() error {
	if strings.TrimSpace(cs.Name) == "" {
		return fmt.Errorf("schema name is required")
	}
	if len(cs.Columns) == 0 {
		return fmt.Errorf("schema must declare at least one column")
	}
	switch cs.ErrorPolicy {
	case ErrorPolicyRejectRow, ErrorPolicyFlag, ErrorPolicyCoerceDefault, ErrorPolicyAbort:
	default:
		return fmt.Errorf("unknown error policy %q", cs.ErrorPolicy)
	}
	seen := make(map[string]struct{}, len(cs.Columns))
	for _, col := range cs.Columns {
		if strings.TrimSpace(col.Name) == "" {
			return fmt.Errorf("column name is required")
		}
		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("duplicate column %q", col.Name)
		}
		seen[col.Name] = struct{}{}
		if !isKnownColumnType(col.Type) {
			return fmt.Errorf("column %q: unknown type %q", col.Name, col.Type)
		}
		for _, v := range col.Validators {
			if err := validateValidator(v); err != nil {
				return fmt.Errorf("column %q: %w", col.Name, err)
			}
		}
	}
	return nil
}

func validateValidator(v Validator) error {
	switch v.Type {
	case ValidatorRegex:
		if v.Pattern == "" {
			return fmt.Errorf("regex validator requires a pattern")
		}
		if _, err := regexp.Compile(v.Pattern); err != nil {
			return fmt.Errorf("regex validator pattern: %w", err)
		}
	case ValidatorMin, ValidatorMax, ValidatorMinLength, ValidatorMaxLength:
		if v.Value == nil {
			return fmt.Errorf("%s validator requires a value", v.Type)
		}
	case ValidatorEnum:
		if len(v.Values) == 0 {
			return fmt.Errorf("enum validator requires values")
		}
	case ValidatorUnique:
	default:
		return fmt.Errorf("unknown validator type %q", v.Type)
	}
	return nil
}

func isKnownColumnType(t ColumnType) bool {
	for _, known := range KnownColumnTypes {
		if t == known {
			return true
		}
	}
	return false
}

// GetColumnsAsJSONB returns the column list as JSONB for database storage.
func (cs CanonicalSchema) GetColumnsAsJSONB() (json.RawMessage, error) {
	return json.Marshal(cs.Columns)
}

// ColumnsFromJSONB decodes a stored column list.
func ColumnsFromJSONB(raw json.RawMessage) ([]ColumnDefinition, error) {
	var columns []ColumnDefinition
	err := json.Unmarshal(raw, &columns)
	return columns, err
}

// copyColumns creates a deep copy of the column slice to ensure immutability.
func copyColumns(columns []ColumnDefinition) []ColumnDefinition {
	if columns == nil {
		return nil
	}
	out := make([]ColumnDefinition, len(columns))
	copy(out, columns)
	return out
}
