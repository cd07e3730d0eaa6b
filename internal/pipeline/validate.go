package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/canontab/canontab/internal/domain"
)

// RunValidate re-parses the full raw file and checks every row against the
// canonical schema: emptiness resolution, type coercion, then declared
// validators. Row disposition follows the schema's error policy. Without a
// schema the stage is a passthrough that counts every row valid.
func (p *Pipeline) RunValidate(ctx context.Context, ing *domain.Ingestion, schema *domain.CanonicalSchema) error {
	mapping := ing.MappingResult
	if mapping == nil {
		return fmt.Errorf("mapping result missing for ingestion %s", ing.ID)
	}

	payload, err := p.blobs.Load(ctx, ing.RawFileKey)
	if err != nil {
		return fmt.Errorf("load raw file: %w", err)
	}
	table, err := readTable(ing.OriginalFilename, payload)
	if err != nil {
		return fmt.Errorf("parse raw file: %w", err)
	}

	if err := p.journal.Purge(ctx, ing.ID, domain.StageValidate); err != nil {
		return fmt.Errorf("purge validate journal: %w", err)
	}

	var result domain.ValidationResult
	if schema == nil {
		result = domain.ValidationResult{ValidRowCount: len(table.Rows)}
	} else {
		result, err = p.validateRows(table, schema, mapping)
		if err != nil {
			return err
		}
	}

	ing.ValidationResult = &result
	valid := result.ValidRowCount
	ing.ValidRowCount = &valid

	policy := ""
	if schema != nil {
		policy = string(schema.ErrorPolicy)
	}
	sample := result.RowErrors
	if len(sample) > 10 {
		sample = sample[:10]
	}
	if err := p.journal.Append(ctx, ing.ID, domain.StageValidate, "validation_complete", map[string]any{
		"policy":          policy,
		"validRowCount":   result.ValidRowCount,
		"invalidRowCount": result.InvalidRowCount,
		"errorsByColumn":  result.ErrorsByColumn,
		"rowErrorSample":  sample,
	}); err != nil {
		return fmt.Errorf("journal validation completion: %w", err)
	}

	p.log.Info("validate complete",
		"ingestion", ing.ID,
		"valid", result.ValidRowCount,
		"invalid", result.InvalidRowCount)
	return nil
}

// columnBinding joins a schema column with its source column index in the
// parsed table, -1 when unmapped.
type columnBinding struct {
	col      domain.ColumnDefinition
	srcIndex int
	regexes  map[int]*regexp.Regexp
}

func bindColumns(table rawTable, schema *domain.CanonicalSchema, mapping *domain.MappingResult) ([]columnBinding, error) {
	headerIndex := make(map[string]int, len(table.Headers))
	for i, h := range table.Headers {
		headerIndex[h] = i
	}

	bindings := make([]columnBinding, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		binding := columnBinding{col: col, srcIndex: -1}
		if source, ok := mapping.TargetFor(col.Name); ok {
			if idx, present := headerIndex[source]; present {
				binding.srcIndex = idx
			}
		}
		binding.regexes = make(map[int]*regexp.Regexp)
		for vi, v := range col.Validators {
			if v.Type == domain.ValidatorRegex {
				re, err := regexp.Compile(v.Pattern)
				if err != nil {
					return nil, fmt.Errorf("column %s: regex validator: %w", col.Name, err)
				}
				binding.regexes[vi] = re
			}
		}
		bindings = append(bindings, binding)
	}
	return bindings, nil
}

func (p *Pipeline) validateRows(table rawTable, schema *domain.CanonicalSchema, mapping *domain.MappingResult) (domain.ValidationResult, error) {
	bindings, err := bindColumns(table, schema, mapping)
	if err != nil {
		return domain.ValidationResult{}, err
	}

	// Per-column seen sets for unique validators, across the whole dataset.
	seen := make(map[string]map[string]struct{})
	for _, b := range bindings {
		for _, v := range b.col.Validators {
			if v.Type == domain.ValidatorUnique {
				seen[b.col.Name] = make(map[string]struct{})
			}
		}
	}

	result := domain.ValidationResult{ErrorsByColumn: make(map[string]int)}
	for rowIdx, row := range table.Rows {
		rowNum := rowIdx + 1
		var cellErrors []domain.CellError

		for bi := range bindings {
			b := &bindings[bi]
			raw := ""
			if b.srcIndex >= 0 {
				raw = row[b.srcIndex]
			}
			value, cellErr := resolveCell(b.col, raw, rowNum)
			if cellErr != nil {
				cellErrors = append(cellErrors, *cellErr)
			}
			if value.IsNull() {
				continue
			}
			cellErrors = append(cellErrors, runValidators(b, value, rowNum, seen[b.col.Name])...)
		}

		if len(cellErrors) == 0 {
			result.ValidRowCount++
			continue
		}
		result.InvalidRowCount++
		for _, ce := range cellErrors {
			result.ErrorsByColumn[ce.Column]++
		}

		var action domain.RowAction
		switch schema.ErrorPolicy {
		case domain.ErrorPolicyRejectRow:
			action = domain.RowActionRejected
		case domain.ErrorPolicyCoerceDefault:
			action = domain.RowActionCoerced
		case domain.ErrorPolicyAbort:
			first := cellErrors[0]
			return domain.ValidationResult{}, fmt.Errorf("row %d column %s: %s", first.Row, first.Column, first.Message)
		default:
			action = domain.RowActionFlagged
		}
		result.RowErrors = append(result.RowErrors, domain.RowError{
			Row:    rowNum,
			Action: action,
			Errors: cellErrors,
		})
	}
	return result, nil
}

// runValidators executes the column's declared validators against a non-null
// value. The unique validator consults the cross-row seen set.
func runValidators(b *columnBinding, value domain.Value, row int, uniqueSeen map[string]struct{}) []domain.CellError {
	var errs []domain.CellError
	fail := func(v domain.Validator, fallback string) {
		message := v.Message
		if message == "" {
			message = fallback
		}
		errs = append(errs, domain.CellError{
			Row:           row,
			Column:        b.col.Name,
			ErrorType:     domain.CellErrorTypeValidation,
			ValidatorType: v.Type,
			Message:       message,
			Value:         value.String(),
		})
	}

	for vi, v := range b.col.Validators {
		switch v.Type {
		case domain.ValidatorRegex:
			if !b.regexes[vi].MatchString(value.String()) {
				fail(v, fmt.Sprintf("value does not match pattern %s", v.Pattern))
			}
		case domain.ValidatorMin:
			if n, ok := numericValue(value); !ok || n < *v.Value {
				fail(v, fmt.Sprintf("value is below minimum %v", *v.Value))
			}
		case domain.ValidatorMax:
			if n, ok := numericValue(value); !ok || n > *v.Value {
				fail(v, fmt.Sprintf("value is above maximum %v", *v.Value))
			}
		case domain.ValidatorMinLength:
			if float64(len(value.String())) < *v.Value {
				fail(v, fmt.Sprintf("value is shorter than %v characters", *v.Value))
			}
		case domain.ValidatorMaxLength:
			if float64(len(value.String())) > *v.Value {
				fail(v, fmt.Sprintf("value is longer than %v characters", *v.Value))
			}
		case domain.ValidatorEnum:
			// Enum membership is case-sensitive, unlike email and uuid
			// coercion which lowercase on accept.
			if !contains(v.Values, value.String()) {
				fail(v, "value is not one of the allowed values")
			}
		case domain.ValidatorUnique:
			key := value.String()
			if _, dup := uniqueSeen[key]; dup {
				fail(v, "value is not unique")
			} else {
				uniqueSeen[key] = struct{}{}
			}
		}
	}
	return errs
}

// numericValue returns a float for numeric kinds, re-parsing strings so
// min/max also apply to string-typed columns holding numbers.
func numericValue(value domain.Value) (float64, bool) {
	if n, ok := value.Numeric(); ok {
		return n, true
	}
	n, err := strconv.ParseFloat(value.String(), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
