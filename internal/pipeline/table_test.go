package pipeline

import (
	"testing"
)

func TestDetectDelimiterSemicolon(t *testing.T) {
	payload := []byte("a;b;c\n1;2;3\n")
	if d := detectDelimiter(payload); d != ';' {
		t.Fatalf("expected semicolon, got %q", d)
	}
}

func TestDetectDelimiterDefaultsToComma(t *testing.T) {
	if d := detectDelimiter([]byte("single_column\nvalue\n")); d != ',' {
		t.Fatalf("expected comma default, got %q", d)
	}
}

func TestDetectDelimiterTieBreaksByCandidateOrder(t *testing.T) {
	// One comma and one pipe: comma is earlier in the candidate order.
	if d := detectDelimiter([]byte("a,b|c\n")); d != ',' {
		t.Fatalf("expected comma on tie, got %q", d)
	}
}

func TestReadCSVSemicolonFile(t *testing.T) {
	table, err := readCSV([]byte("a;b;c\n1;2;3\n"))
	if err != nil {
		t.Fatalf("readCSV returned error: %v", err)
	}
	if table.Delimiter != ";" {
		t.Fatalf("expected detected delimiter ';', got %q", table.Delimiter)
	}
	if len(table.Headers) != 3 || table.Headers[0] != "a" || table.Headers[2] != "c" {
		t.Fatalf("unexpected headers: %v", table.Headers)
	}
	if len(table.Rows) != 1 || table.Rows[0][1] != "2" {
		t.Fatalf("unexpected rows: %v", table.Rows)
	}
}

func TestReadCSVStripsByteOrderMark(t *testing.T) {
	payload := append([]byte{0xEF, 0xBB, 0xBF}, []byte("name,age\nAlice,30\n")...)
	table, err := readCSV(payload)
	if err != nil {
		t.Fatalf("readCSV returned error: %v", err)
	}
	if table.Headers[0] != "name" {
		t.Fatalf("BOM leaked into first header: %q", table.Headers[0])
	}
}

func TestReadCSVPadsAndTruncatesRows(t *testing.T) {
	table, err := readCSV([]byte("a,b,c\n1,2\n1,2,3,4\n"))
	if err != nil {
		t.Fatalf("readCSV returned error: %v", err)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(table.Rows))
	}
	if len(table.Rows[0]) != 3 || table.Rows[0][2] != "" {
		t.Fatalf("short row not padded: %v", table.Rows[0])
	}
	if len(table.Rows[1]) != 3 {
		t.Fatalf("long row not truncated: %v", table.Rows[1])
	}
}

func TestReadCSVSkipsEmptyLines(t *testing.T) {
	table, err := readCSV([]byte("a,b\n1,2\n\n ,\n3,4\n"))
	if err != nil {
		t.Fatalf("readCSV returned error: %v", err)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("expected blank lines skipped, got %d rows", len(table.Rows))
	}
}

func TestSanitizeHeadersFillsAndDedupes(t *testing.T) {
	headers := sanitizeHeaders([]string{"Order ID", "", "name", "name", "total.amount"})
	want := []string{"Order_ID", "column_2", "name", "name_2", "total_amount"}
	for i, w := range want {
		if headers[i] != w {
			t.Fatalf("header %d: expected %q, got %q", i, w, headers[i])
		}
	}
}

func TestReadTableEmptyPayload(t *testing.T) {
	table, err := readTable("empty.csv", nil)
	if err != nil {
		t.Fatalf("readTable returned error: %v", err)
	}
	if len(table.Headers) != 0 || len(table.Rows) != 0 {
		t.Fatalf("expected empty table, got %+v", table)
	}
}
