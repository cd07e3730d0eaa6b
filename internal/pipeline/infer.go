package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/canontab/canontab/internal/domain"
)

var (
	uuidPattern  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

const maxSampleValues = 5

// RunInfer runs type voting over the parse stage's sample rows and persists
// the inferred schema.
func (p *Pipeline) RunInfer(ctx context.Context, ing *domain.Ingestion) error {
	parsed := ing.ParseResult
	if parsed == nil {
		return fmt.Errorf("parse result missing for ingestion %s", ing.ID)
	}

	if err := p.journal.Purge(ctx, ing.ID, domain.StageInfer); err != nil {
		return fmt.Errorf("purge infer journal: %w", err)
	}

	columns := make([]domain.InferredColumn, 0, len(parsed.Columns))
	summary := make(map[string]any, len(parsed.Columns))
	for _, name := range parsed.Columns {
		col := inferColumn(name, parsed.SampleRows)
		columns = append(columns, col)
		summary[name] = map[string]any{
			"type":       string(col.InferredType),
			"confidence": col.Confidence,
			"nullable":   col.Nullable,
		}
	}

	ing.InferredSchema = &domain.InferredSchema{
		Columns:     columns,
		RowCount:    parsed.TotalRowCount,
		ParseErrors: parsed.ParseErrors,
	}

	if err := p.journal.Append(ctx, ing.ID, domain.StageInfer, "type_inference", map[string]any{
		"columns": summary,
	}); err != nil {
		return fmt.Errorf("journal type inference: %w", err)
	}

	p.log.Info("infer complete", "ingestion", ing.ID, "columns", len(columns))
	return nil
}

// inferColumn votes a type per non-null sample and picks the winner.
func inferColumn(name string, rows []map[string]string) domain.InferredColumn {
	votes := make(map[domain.ColumnType]int)
	distinct := make(map[string]struct{})
	var samples []string
	nullCount := 0
	total := len(rows)

	for _, row := range rows {
		value := strings.TrimSpace(row[name])
		if value == "" {
			nullCount++
			continue
		}
		if _, seen := distinct[value]; !seen {
			distinct[value] = struct{}{}
			if len(samples) < maxSampleValues {
				samples = append(samples, value)
			}
		}
		votes[detectType(value)]++
	}

	nonNull := total - nullCount
	col := domain.InferredColumn{
		Name:         name,
		InferredType: domain.ColumnTypeString,
		Nullable:     nullCount > 0,
		SampleValues: samples,
		NullCount:    nullCount,
		TotalCount:   total,
	}
	if nonNull == 0 {
		col.Nullable = true
		return col
	}

	winner, winnerVotes := winningType(votes)
	// An integer mode with any float vote means the column is really float;
	// both vote sets count toward the winner.
	if winner == domain.ColumnTypeInteger && votes[domain.ColumnTypeFloat] > 0 {
		winner = domain.ColumnTypeFloat
		winnerVotes = votes[domain.ColumnTypeInteger] + votes[domain.ColumnTypeFloat]
	}

	col.InferredType = winner
	col.Confidence = float64(winnerVotes) / float64(nonNull)
	col.UniqueRatio = float64(len(distinct)) / float64(nonNull)
	return col
}

// detectionOrder is most specific first; it doubles as the tie-break order
// for winningType.
var detectionOrder = []domain.ColumnType{
	domain.ColumnTypeUUID,
	domain.ColumnTypeEmail,
	domain.ColumnTypeURL,
	domain.ColumnTypeDatetime,
	domain.ColumnTypeDate,
	domain.ColumnTypeBoolean,
	domain.ColumnTypeInteger,
	domain.ColumnTypeFloat,
	domain.ColumnTypeJSON,
	domain.ColumnTypeString,
}

func winningType(votes map[domain.ColumnType]int) (domain.ColumnType, int) {
	winner := domain.ColumnTypeString
	winnerVotes := 0
	for _, t := range detectionOrder {
		if votes[t] > winnerVotes {
			winner = t
			winnerVotes = votes[t]
		}
	}
	return winner, winnerVotes
}

func detectType(value string) domain.ColumnType {
	switch {
	case uuidPattern.MatchString(value):
		return domain.ColumnTypeUUID
	case emailPattern.MatchString(value):
		return domain.ColumnTypeEmail
	case looksLikeURL(value):
		return domain.ColumnTypeURL
	case looksLikeDatetime(value):
		return domain.ColumnTypeDatetime
	case looksLikeDate(value):
		return domain.ColumnTypeDate
	case looksLikeBool(value):
		return domain.ColumnTypeBoolean
	case looksLikeInt(value):
		return domain.ColumnTypeInteger
	case looksLikeFloat(value):
		return domain.ColumnTypeFloat
	case json.Valid([]byte(value)):
		return domain.ColumnTypeJSON
	default:
		return domain.ColumnTypeString
	}
}

func looksLikeURL(value string) bool {
	u, err := url.Parse(value)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func looksLikeDatetime(value string) bool {
	for _, layout := range datetimeLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	return false
}

func looksLikeDate(value string) bool {
	_, err := time.Parse("2006-01-02", value)
	return err == nil
}

// looksLikeBool is deliberately narrower than boolean coercion: counting
// bare 0/1 as boolean would shadow integer columns during voting.
func looksLikeBool(value string) bool {
	switch strings.ToLower(value) {
	case "true", "false", "yes", "no":
		return true
	}
	return false
}

func looksLikeInt(value string) bool {
	_, err := strconv.ParseInt(value, 10, 64)
	return err == nil
}

func looksLikeFloat(value string) bool {
	_, err := strconv.ParseFloat(value, 64)
	return err == nil
}
