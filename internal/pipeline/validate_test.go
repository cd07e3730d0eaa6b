package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/canontab/canontab/internal/domain"
)

func orderStatusSchema(policy domain.ErrorPolicy) *domain.CanonicalSchema {
	schema := domain.NewCanonicalSchema("orders", "", []domain.ColumnDefinition{
		{Name: "order_id", Type: domain.ColumnTypeString, Required: true, Validators: []domain.Validator{
			{Type: domain.ValidatorUnique},
		}},
		{Name: "status", Type: domain.ColumnTypeString, Validators: []domain.Validator{
			{Type: domain.ValidatorEnum, Values: []string{"pending", "shipped", "delivered"}},
		}},
	}, policy, false)
	return &schema
}

func runThroughValidate(t *testing.T, content string, schema *domain.CanonicalSchema) (*Pipeline, domain.Ingestion, error) {
	t.Helper()
	pipe, _, _, ing := newTestPipeline(content, "input.csv")
	ctx := context.Background()
	if err := pipe.RunParse(ctx, &ing); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := pipe.RunInfer(ctx, &ing); err != nil {
		t.Fatalf("infer failed: %v", err)
	}
	if err := pipe.RunMap(ctx, &ing, schema, nil); err != nil {
		t.Fatalf("map failed: %v", err)
	}
	err := pipe.RunValidate(ctx, &ing, schema)
	return pipe, ing, err
}

const orderStatusInput = "order_id,status\nORD-1,pending\nORD-1,SHIPPED\nORD-2,unknown\n"

func TestValidateUniqueEnumRequiredUnderFlag(t *testing.T) {
	_, ing, err := runThroughValidate(t, orderStatusInput, orderStatusSchema(domain.ErrorPolicyFlag))
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	vr := ing.ValidationResult
	if vr.ValidRowCount != 1 || vr.InvalidRowCount != 2 {
		t.Fatalf("expected 1 valid / 2 invalid, got %d / %d", vr.ValidRowCount, vr.InvalidRowCount)
	}

	// Row 2 carries both the unique violation and the case-sensitive enum
	// mismatch on SHIPPED.
	if action, ok := vr.ActionFor(2); !ok || action != domain.RowActionFlagged {
		t.Fatalf("expected row 2 flagged, got %v %v", action, ok)
	}
	var row2 domain.RowError
	for _, re := range vr.RowErrors {
		if re.Row == 2 {
			row2 = re
		}
	}
	if len(row2.Errors) != 2 {
		t.Fatalf("expected unique + enum errors on row 2, got %+v", row2.Errors)
	}

	if action, ok := vr.ActionFor(3); !ok || action != domain.RowActionFlagged {
		t.Fatalf("expected row 3 flagged, got %v %v", action, ok)
	}
	if vr.ErrorsByColumn["status"] != 2 {
		t.Fatalf("expected 2 status errors in histogram, got %d", vr.ErrorsByColumn["status"])
	}
	if vr.ErrorsByColumn["order_id"] != 1 {
		t.Fatalf("expected 1 order_id error in histogram, got %d", vr.ErrorsByColumn["order_id"])
	}
}

func TestValidateRejectPolicyMarksRowsRejected(t *testing.T) {
	_, ing, err := runThroughValidate(t, orderStatusInput, orderStatusSchema(domain.ErrorPolicyRejectRow))
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	vr := ing.ValidationResult
	for _, row := range []int{2, 3} {
		if action, ok := vr.ActionFor(row); !ok || action != domain.RowActionRejected {
			t.Fatalf("expected row %d rejected, got %v %v", row, action, ok)
		}
	}
}

func TestValidateAbortPolicyFailsStage(t *testing.T) {
	_, _, err := runThroughValidate(t, orderStatusInput, orderStatusSchema(domain.ErrorPolicyAbort))
	if err == nil {
		t.Fatalf("abort policy must fail the stage on the first error")
	}
	if !strings.Contains(err.Error(), "row 2") {
		t.Fatalf("abort error should cite the first failing row: %v", err)
	}
}

func TestValidateRequiredMissing(t *testing.T) {
	schema := domain.NewCanonicalSchema("people", "", []domain.ColumnDefinition{
		{Name: "name", Type: domain.ColumnTypeString, Required: true},
	}, domain.ErrorPolicyFlag, false)

	_, ing, err := runThroughValidate(t, "name\nAlice\n\n,\nBob\n", &schema)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	// Blank lines are skipped at parse time, so only Alice and Bob remain.
	if ing.ValidationResult.ValidRowCount != 2 {
		t.Fatalf("expected 2 valid rows, got %d", ing.ValidationResult.ValidRowCount)
	}
}

func TestValidateEmptyCellOnDefaultNullableColumnStaysNull(t *testing.T) {
	// Declared over JSON without nullable, so the column is nullable and an
	// empty cell stays null instead of taking the declared default.
	var col domain.ColumnDefinition
	if err := json.Unmarshal([]byte(`{"name":"note","type":"string","default":"D"}`), &col); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	value, cellErr := resolveCell(col, "", 1)
	if cellErr != nil {
		t.Fatalf("unexpected cell error: %+v", cellErr)
	}
	if !value.IsNull() {
		t.Fatalf("empty cell on a nullable column must stay null, got %q", value.String())
	}

	// Only an explicit nullable:false routes emptiness to the default.
	if err := json.Unmarshal([]byte(`{"name":"note","type":"string","nullable":false,"default":"D"}`), &col); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	value, cellErr = resolveCell(col, "", 1)
	if cellErr != nil {
		t.Fatalf("unexpected cell error: %+v", cellErr)
	}
	if value.String() != "D" {
		t.Fatalf("non-nullable column must take its default, got %q", value.String())
	}
}

func TestValidateCoercionErrorsKeepRawValue(t *testing.T) {
	schema := domain.NewCanonicalSchema("orders", "", []domain.ColumnDefinition{
		{Name: "qty", Type: domain.ColumnTypeInteger},
	}, domain.ErrorPolicyFlag, false)

	_, ing, err := runThroughValidate(t, "qty\nabc\n", &schema)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	vr := ing.ValidationResult
	if vr.InvalidRowCount != 1 {
		t.Fatalf("expected coercion failure to flag the row")
	}
	ce := vr.RowErrors[0].Errors[0]
	if ce.ErrorType != domain.CellErrorTypeCoercion || ce.Value != "abc" {
		t.Fatalf("unexpected cell error: %+v", ce)
	}
}

func TestValidateDateNormalization(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"2024-03-09", "2024-03-09"},
		{"2024/03/09", "2024-03-09"},
		{"03/09/2024", "2024-03-09"},
		{"03-09-2024", "2024-03-09"},
	}
	col := domain.ColumnDefinition{Name: "d", Type: domain.ColumnTypeDate}
	for _, tc := range tests {
		value, cellErr := resolveCell(col, tc.raw, 1)
		if cellErr != nil {
			t.Fatalf("%q: unexpected error %+v", tc.raw, cellErr)
		}
		if value.String() != tc.want {
			t.Fatalf("%q: expected %q, got %q", tc.raw, tc.want, value.String())
		}
	}
}

func TestValidateEmailAndUUIDLowercaseOnAccept(t *testing.T) {
	email := domain.ColumnDefinition{Name: "e", Type: domain.ColumnTypeEmail}
	value, cellErr := resolveCell(email, "Alice@Example.COM", 1)
	if cellErr != nil || value.String() != "alice@example.com" {
		t.Fatalf("email not lowercased: %v %+v", value.String(), cellErr)
	}

	id := domain.ColumnDefinition{Name: "u", Type: domain.ColumnTypeUUID}
	value, cellErr = resolveCell(id, "6BA7B810-9DAD-11D1-80B4-00C04FD430C8", 1)
	if cellErr != nil || value.String() != "6ba7b810-9dad-11d1-80b4-00c04fd430c8" {
		t.Fatalf("uuid not lowercased: %v %+v", value.String(), cellErr)
	}
}

func TestValidateMinMaxAndLength(t *testing.T) {
	min := 1.0
	max := 100.0
	maxLen := 5.0
	schema := domain.NewCanonicalSchema("orders", "", []domain.ColumnDefinition{
		{Name: "qty", Type: domain.ColumnTypeInteger, Validators: []domain.Validator{
			{Type: domain.ValidatorMin, Value: &min},
			{Type: domain.ValidatorMax, Value: &max},
		}},
		{Name: "code", Type: domain.ColumnTypeString, Validators: []domain.Validator{
			{Type: domain.ValidatorMaxLength, Value: &maxLen},
		}},
	}, domain.ErrorPolicyFlag, false)

	_, ing, err := runThroughValidate(t, "qty,code\n50,ok\n0,ok\n101,toolong\n", &schema)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	vr := ing.ValidationResult
	if vr.ValidRowCount != 1 || vr.InvalidRowCount != 2 {
		t.Fatalf("expected 1 valid / 2 invalid, got %d / %d", vr.ValidRowCount, vr.InvalidRowCount)
	}
	var row3 domain.RowError
	for _, re := range vr.RowErrors {
		if re.Row == 3 {
			row3 = re
		}
	}
	if len(row3.Errors) != 2 {
		t.Fatalf("row 3 should fail max and maxLength, got %+v", row3.Errors)
	}
}

func TestValidatePassthroughWithoutSchema(t *testing.T) {
	_, ing, err := runThroughValidate(t, "a,b\n1,2\nx,y\n", nil)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	vr := ing.ValidationResult
	if vr.ValidRowCount != 2 || vr.InvalidRowCount != 0 {
		t.Fatalf("passthrough must count every row valid, got %+v", vr)
	}
}
