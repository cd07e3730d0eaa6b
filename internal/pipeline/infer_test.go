package pipeline

import (
	"context"
	"testing"

	"github.com/canontab/canontab/internal/domain"
)

func runParseInfer(t *testing.T, content string) domain.Ingestion {
	t.Helper()
	pipe, _, _, ing := newTestPipeline(content, "input.csv")
	ctx := context.Background()
	if err := pipe.RunParse(ctx, &ing); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := pipe.RunInfer(ctx, &ing); err != nil {
		t.Fatalf("infer failed: %v", err)
	}
	return ing
}

func inferredColumn(t *testing.T, ing domain.Ingestion, name string) domain.InferredColumn {
	t.Helper()
	for _, col := range ing.InferredSchema.Columns {
		if col.Name == name {
			return col
		}
	}
	t.Fatalf("column %s not inferred", name)
	return domain.InferredColumn{}
}

func TestInferPromotesIntegerToFloat(t *testing.T) {
	ing := runParseInfer(t, "amount\n1\n2\n3.5\n4\n")

	col := inferredColumn(t, ing, "amount")
	if col.InferredType != domain.ColumnTypeFloat {
		t.Fatalf("expected float after promotion, got %s", col.InferredType)
	}
	if col.Confidence != 1.0 {
		t.Fatalf("expected confidence 1.0 post-promotion, got %v", col.Confidence)
	}
}

func TestInferAllNullColumnIsNullableString(t *testing.T) {
	ing := runParseInfer(t, "a,b\n1,\n2,\n")

	col := inferredColumn(t, ing, "b")
	if col.InferredType != domain.ColumnTypeString {
		t.Fatalf("expected string for all-null column, got %s", col.InferredType)
	}
	if col.Confidence != 0 {
		t.Fatalf("expected confidence 0, got %v", col.Confidence)
	}
	if !col.Nullable {
		t.Fatalf("expected all-null column to be nullable")
	}
}

func TestInferDetectsSpecificTypesFirst(t *testing.T) {
	content := "id,email,url,joined,flag\n" +
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8,a@b.co,https://example.com/x,2024-01-02,true\n" +
		"6ba7b811-9dad-11d1-80b4-00c04fd430c8,c@d.io,https://example.com/y,2024-02-03,false\n"
	ing := runParseInfer(t, content)

	checks := map[string]domain.ColumnType{
		"id":     domain.ColumnTypeUUID,
		"email":  domain.ColumnTypeEmail,
		"url":    domain.ColumnTypeURL,
		"joined": domain.ColumnTypeDate,
		"flag":   domain.ColumnTypeBoolean,
	}
	for name, want := range checks {
		if got := inferredColumn(t, ing, name).InferredType; got != want {
			t.Fatalf("column %s: expected %s, got %s", name, want, got)
		}
	}
}

func TestInferNumericLiteralsAreNotBooleans(t *testing.T) {
	ing := runParseInfer(t, "n\n0\n1\n0\n1\n")

	col := inferredColumn(t, ing, "n")
	if col.InferredType != domain.ColumnTypeInteger {
		t.Fatalf("0/1 columns must vote integer, got %s", col.InferredType)
	}
}

func TestInferUniqueRatioAndSamples(t *testing.T) {
	ing := runParseInfer(t, "city\nParis\nParis\nLyon\nNice\n")

	col := inferredColumn(t, ing, "city")
	if col.UniqueRatio != 0.75 {
		t.Fatalf("expected unique ratio 0.75, got %v", col.UniqueRatio)
	}
	if len(col.SampleValues) != 3 {
		t.Fatalf("expected 3 distinct samples, got %v", col.SampleValues)
	}
}

func TestInferJournalEntry(t *testing.T) {
	pipe, jrnl, _, ing := newTestPipeline("a\n1\n", "input.csv")
	ctx := context.Background()
	if err := pipe.RunParse(ctx, &ing); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := pipe.RunInfer(ctx, &ing); err != nil {
		t.Fatalf("infer failed: %v", err)
	}
	if len(jrnl.byType("type_inference")) != 1 {
		t.Fatalf("expected one type_inference entry")
	}
	// Re-running must not double-count journal entries.
	if err := pipe.RunInfer(ctx, &ing); err != nil {
		t.Fatalf("infer rerun failed: %v", err)
	}
	if len(jrnl.byType("type_inference")) != 1 {
		t.Fatalf("rerun duplicated journal entries")
	}
}
