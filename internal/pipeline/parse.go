package pipeline

import (
	"context"
	"fmt"

	"github.com/canontab/canontab/internal/domain"
)

// RunParse reads the raw blob, detects the delimiter, and persists columns,
// sample rows, and the total row count on the ingestion.
func (p *Pipeline) RunParse(ctx context.Context, ing *domain.Ingestion) error {
	payload, err := p.blobs.Load(ctx, ing.RawFileKey)
	if err != nil {
		return fmt.Errorf("load raw file: %w", err)
	}

	table, err := readTable(ing.OriginalFilename, payload)
	if err != nil {
		return fmt.Errorf("parse raw file: %w", err)
	}

	if err := p.journal.Purge(ctx, ing.ID, domain.StageParse); err != nil {
		return fmt.Errorf("purge parse journal: %w", err)
	}

	sampleSize := p.cfg.InferenceSampleSize
	if sampleSize > len(table.Rows) {
		sampleSize = len(table.Rows)
	}
	samples := make([]map[string]string, 0, sampleSize)
	for _, row := range table.Rows[:sampleSize] {
		sample := make(map[string]string, len(table.Headers))
		for i, header := range table.Headers {
			sample[header] = row[i]
		}
		samples = append(samples, sample)
	}

	result := domain.ParseResult{
		Columns:           table.Headers,
		SampleRows:        samples,
		TotalRowCount:     len(table.Rows),
		ParseErrors:       table.ParseErrors,
		DetectedDelimiter: table.Delimiter,
	}
	ing.ParseResult = &result
	rowCount := result.TotalRowCount
	ing.RowCount = &rowCount

	if err := p.journal.Append(ctx, ing.ID, domain.StageParse, "parse_complete", map[string]any{
		"columnCount":     len(result.Columns),
		"totalRowCount":   result.TotalRowCount,
		"parseErrorCount": len(result.ParseErrors),
		"delimiter":       result.DetectedDelimiter,
	}); err != nil {
		return fmt.Errorf("journal parse completion: %w", err)
	}

	p.log.Info("parse complete",
		"ingestion", ing.ID,
		"columns", len(result.Columns),
		"rows", result.TotalRowCount,
		"parseErrors", len(result.ParseErrors))
	return nil
}
