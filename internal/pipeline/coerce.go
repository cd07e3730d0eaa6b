package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/canontab/canontab/internal/domain"
)

// Date layouts tried in order. The slash and dash forms assume US month-first
// ordering for ambiguous dates like 04/05/2024.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"01-02-2006",
}

var coerceDatetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"01/02/2006 15:04:05",
	"01-02-2006 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"01-02-2006",
}

// coerceValue converts a raw cell string to the column's declared type.
// Dates normalize to YYYY-MM-DD, datetimes to ISO-8601 UTC, emails and UUIDs
// lowercase on accept.
func coerceValue(colType domain.ColumnType, raw string) (domain.Value, error) {
	trimmed := strings.TrimSpace(raw)
	switch colType {
	case domain.ColumnTypeString:
		return domain.StringValue(trimmed), nil
	case domain.ColumnTypeInteger:
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return domain.Value{}, fmt.Errorf("%q is not an integer", raw)
		}
		return domain.IntValue(n), nil
	case domain.ColumnTypeFloat:
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return domain.Value{}, fmt.Errorf("%q is not a number", raw)
		}
		return domain.FloatValue(f), nil
	case domain.ColumnTypeBoolean:
		switch strings.ToLower(trimmed) {
		case "true", "1", "yes", "y", "on":
			return domain.BoolValue(true), nil
		case "false", "0", "no", "n", "off":
			return domain.BoolValue(false), nil
		}
		return domain.Value{}, fmt.Errorf("%q is not a boolean", raw)
	case domain.ColumnTypeDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return domain.StringValue(t.Format("2006-01-02")), nil
			}
		}
		return domain.Value{}, fmt.Errorf("%q is not a date", raw)
	case domain.ColumnTypeDatetime:
		for _, layout := range coerceDatetimeLayouts {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return domain.StringValue(t.UTC().Format(time.RFC3339)), nil
			}
		}
		return domain.Value{}, fmt.Errorf("%q is not a datetime", raw)
	case domain.ColumnTypeEmail:
		if !emailPattern.MatchString(trimmed) {
			return domain.Value{}, fmt.Errorf("%q is not an email address", raw)
		}
		return domain.StringValue(strings.ToLower(trimmed)), nil
	case domain.ColumnTypeUUID:
		if !uuidPattern.MatchString(trimmed) {
			return domain.Value{}, fmt.Errorf("%q is not a uuid", raw)
		}
		return domain.StringValue(strings.ToLower(trimmed)), nil
	case domain.ColumnTypeURL:
		u, err := url.Parse(trimmed)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return domain.Value{}, fmt.Errorf("%q is not an absolute url", raw)
		}
		return domain.StringValue(trimmed), nil
	case domain.ColumnTypeJSON:
		if !json.Valid([]byte(trimmed)) {
			return domain.Value{}, fmt.Errorf("%q is not valid json", raw)
		}
		return domain.JSONValue([]byte(trimmed)), nil
	default:
		return domain.StringValue(trimmed), nil
	}
}

// resolveCell applies emptiness resolution then type coercion for one cell.
// The returned CellError, if any, is either required_missing or
// type_coercion; the value is always usable for output.
func resolveCell(col domain.ColumnDefinition, raw string, row int) (domain.Value, *domain.CellError) {
	if strings.TrimSpace(raw) == "" {
		switch {
		case col.Nullable:
			return domain.NullValue(), nil
		case col.Default != nil:
			return coerceDefault(col), nil
		case col.Required:
			return domain.NullValue(), &domain.CellError{
				Row:       row,
				Column:    col.Name,
				ErrorType: domain.CellErrorTypeRequired,
				Message:   fmt.Sprintf("column %s is required", col.Name),
			}
		default:
			return domain.NullValue(), nil
		}
	}

	value, err := coerceValue(col.Type, raw)
	if err != nil {
		cellErr := &domain.CellError{
			Row:       row,
			Column:    col.Name,
			ErrorType: domain.CellErrorTypeCoercion,
			Message:   err.Error(),
			Value:     raw,
		}
		if col.Default != nil {
			return coerceDefault(col), cellErr
		}
		// Keep the raw content so flagged rows reflect the original file.
		return domain.StringValue(raw), cellErr
	}
	return value, nil
}

// coerceDefault converts the declared default; a default that fails its own
// column type falls back to the raw default string.
func coerceDefault(col domain.ColumnDefinition) domain.Value {
	if col.Default == nil {
		return domain.NullValue()
	}
	value, err := coerceValue(col.Type, *col.Default)
	if err != nil {
		return domain.StringValue(*col.Default)
	}
	return value
}
