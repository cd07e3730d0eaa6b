package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"

	"github.com/canontab/canontab/internal/blob"
	"github.com/canontab/canontab/internal/domain"
)

// RunOutput re-parses the raw file one last time and emits the five
// artifacts under deterministic keys, so a retried output stage overwrites
// its own work cleanly.
func (p *Pipeline) RunOutput(ctx context.Context, ing *domain.Ingestion, schema *domain.CanonicalSchema) error {
	mapping := ing.MappingResult
	validation := ing.ValidationResult
	if mapping == nil || validation == nil {
		return fmt.Errorf("predecessor output missing for ingestion %s", ing.ID)
	}

	payload, err := p.blobs.Load(ctx, ing.RawFileKey)
	if err != nil {
		return fmt.Errorf("load raw file: %w", err)
	}
	table, err := readTable(ing.OriginalFilename, payload)
	if err != nil {
		return fmt.Errorf("parse raw file: %w", err)
	}

	if err := p.journal.Purge(ctx, ing.ID, domain.StageOutput); err != nil {
		return fmt.Errorf("purge output journal: %w", err)
	}

	outputColumns := outputColumnOrder(schema, mapping)
	rows, rejected := p.assembleRows(table, schema, mapping, validation, outputColumns)

	csvBytes, err := renderCSV(outputColumns, rows)
	if err != nil {
		return fmt.Errorf("render csv: %w", err)
	}
	jsonBytes, err := p.renderJSON(ing, schema, outputColumns, rows, len(table.Rows), rejected)
	if err != nil {
		return fmt.Errorf("render json: %w", err)
	}
	errorsBytes, err := marshalIndent(validation)
	if err != nil {
		return fmt.Errorf("render errors artifact: %w", err)
	}

	// Snapshot before appending output_complete; the snapshot covers every
	// decision made up to the final write.
	entries, err := p.journal.List(ctx, ing.ID, nil)
	if err != nil {
		return fmt.Errorf("snapshot journal: %w", err)
	}
	decisionsBytes, err := marshalIndent(entries)
	if err != nil {
		return fmt.Errorf("render decisions artifact: %w", err)
	}

	schemaBytes, err := marshalIndent(map[string]any{
		"canonicalSchema": schema,
		"inferredSchema":  ing.InferredSchema,
		"mappings":        mapping.Mappings,
	})
	if err != nil {
		return fmt.Errorf("render schema artifact: %w", err)
	}

	artifacts := map[string][]byte{
		blob.OutputCSVKey(ing.ID):  csvBytes,
		blob.OutputJSONKey(ing.ID): jsonBytes,
		blob.ErrorsKey(ing.ID):     errorsBytes,
		blob.DecisionsKey(ing.ID):  decisionsBytes,
		blob.SchemaKey(ing.ID):     schemaBytes,
	}
	for key, data := range artifacts {
		if err := p.blobs.Save(ctx, key, data); err != nil {
			return fmt.Errorf("save artifact %s: %w", key, err)
		}
	}

	outputKey := blob.OutputCSVKey(ing.ID)
	ing.OutputFileKey = &outputKey

	if err := p.journal.Append(ctx, ing.ID, domain.StageOutput, "output_complete", map[string]any{
		"outputRows":   len(rows),
		"rejectedRows": rejected,
		"csvKey":       blob.OutputCSVKey(ing.ID),
		"jsonKey":      blob.OutputJSONKey(ing.ID),
	}); err != nil {
		return fmt.Errorf("journal output completion: %w", err)
	}

	p.log.Info("output complete", "ingestion", ing.ID, "rows", len(rows), "rejected", rejected)
	return nil
}

// outputColumnOrder is the canonical column order when a schema exists, else
// the ordered set of mapped target names.
func outputColumnOrder(schema *domain.CanonicalSchema, mapping *domain.MappingResult) []string {
	if schema != nil {
		return schema.ColumnNames()
	}
	var columns []string
	for _, m := range mapping.Mappings {
		if m.TargetColumn != nil {
			columns = append(columns, *m.TargetColumn)
		}
	}
	return columns
}

// assembleRows builds the output records, skipping rejected rows and
// substituting defaults into coerced rows.
func (p *Pipeline) assembleRows(table rawTable, schema *domain.CanonicalSchema, mapping *domain.MappingResult, validation *domain.ValidationResult, outputColumns []string) ([][]domain.Value, int) {
	headerIndex := make(map[string]int, len(table.Headers))
	for i, h := range table.Headers {
		headerIndex[h] = i
	}
	sourceIndex := make(map[string]int, len(outputColumns))
	for _, target := range outputColumns {
		sourceIndex[target] = -1
		if source, ok := mapping.TargetFor(target); ok {
			if idx, present := headerIndex[source]; present {
				sourceIndex[target] = idx
			}
		}
	}

	// Per-row error column sets drive coerce_default substitution.
	errorColumns := make(map[int]map[string]struct{})
	for _, re := range validation.RowErrors {
		cols := make(map[string]struct{}, len(re.Errors))
		for _, ce := range re.Errors {
			cols[ce.Column] = struct{}{}
		}
		errorColumns[re.Row] = cols
	}

	var (
		rows     [][]domain.Value
		rejected int
	)
	for rowIdx, row := range table.Rows {
		rowNum := rowIdx + 1
		action, invalid := validation.ActionFor(rowNum)
		if invalid && action == domain.RowActionRejected {
			rejected++
			continue
		}

		record := make([]domain.Value, 0, len(outputColumns))
		for _, target := range outputColumns {
			raw := ""
			if idx := sourceIndex[target]; idx >= 0 {
				raw = row[idx]
			}
			if schema == nil {
				record = append(record, domain.StringValue(raw))
				continue
			}
			col, _ := schema.Column(target)
			if invalid && action == domain.RowActionCoerced && col.Default != nil {
				if _, offending := errorColumns[rowNum][target]; offending {
					record = append(record, coerceDefault(col))
					continue
				}
			}
			value, _ := resolveCell(col, raw, rowNum)
			record = append(record, value)
		}
		rows = append(rows, record)
	}
	return rows, rejected
}

// renderCSV writes the canonical CSV: comma-delimited, RFC 4180 quoting,
// header row always present.
func renderCSV(columns []string, rows [][]domain.Value) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, v := range row {
			record[i] = v.String()
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func (p *Pipeline) renderJSON(ing *domain.Ingestion, schema *domain.CanonicalSchema, columns []string, rows [][]domain.Value, totalRows, rejected int) ([]byte, error) {
	metadata := map[string]any{
		"ingestionId":  ing.ID.String(),
		"processedAt":  p.now().UTC(),
		"totalRows":    totalRows,
		"outputRows":   len(rows),
		"rejectedRows": rejected,
	}
	if schema != nil {
		metadata["schemaId"] = schema.ID.String()
		metadata["schemaName"] = schema.Name
		metadata["schemaVersion"] = schema.Version
	}

	data := make([]map[string]domain.Value, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]domain.Value, len(columns))
		for i, col := range columns {
			obj[col] = row[i]
		}
		data = append(data, obj)
	}

	return marshalIndent(map[string]any{
		"metadata": metadata,
		"columns":  columns,
		"data":     data,
	})
}

func marshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
