package pipeline

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/canontab/canontab/internal/domain"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// delimiterCandidates in tie-break order: the earliest wins on equal counts.
var delimiterCandidates = []rune{',', ';', '\t', '|'}

const delimiterWindow = 4096

// rawTable is the in-memory form of an uploaded file. Headers are sanitized;
// every row has exactly len(Headers) cells.
type rawTable struct {
	Headers     []string
	Rows        [][]string
	Delimiter   string
	ParseErrors []domain.ParseError
}

// readTable parses a raw upload by extension. Anything that is not .xlsx is
// treated as delimited text.
func readTable(filename string, payload []byte) (rawTable, error) {
	if strings.ToLower(filepath.Ext(filename)) == ".xlsx" {
		return readExcel(payload)
	}
	return readCSV(payload)
}

// detectDelimiter counts candidate delimiters on the first line of the file
// (first 4 KiB at most) and picks the most frequent one, defaulting to comma.
func detectDelimiter(payload []byte) rune {
	window := payload
	if len(window) > delimiterWindow {
		window = window[:delimiterWindow]
	}
	window = bytes.TrimPrefix(window, byteOrderMark)
	if idx := bytes.IndexByte(window, '\n'); idx >= 0 {
		window = window[:idx]
	}
	line := string(window)

	best := ','
	bestCount := 0
	for _, cand := range delimiterCandidates {
		if n := strings.Count(line, string(cand)); n > bestCount {
			best = cand
			bestCount = n
		}
	}
	return best
}

func readCSV(payload []byte) (rawTable, error) {
	payload = bytes.TrimPrefix(payload, byteOrderMark)
	delimiter := detectDelimiter(payload)

	reader := csv.NewReader(bytes.NewReader(payload))
	reader.Comma = delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	var (
		records     [][]string
		parseErrors []domain.ParseError
	)
	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				parseErrors = append(parseErrors, domain.ParseError{
					Row:     csvErr.Line,
					Message: csvErr.Err.Error(),
				})
				continue
			}
			return rawTable{}, fmt.Errorf("read csv: %w", err)
		}
		if isEmptyRow(record) {
			continue
		}
		records = append(records, record)
	}

	table := normalizeRecords(records)
	table.Delimiter = string(delimiter)
	table.ParseErrors = parseErrors
	return table, nil
}

func readExcel(payload []byte) (rawTable, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return rawTable{}, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return rawTable{}, errors.New("xlsx file has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return rawTable{}, fmt.Errorf("read xlsx rows: %w", err)
	}

	var records [][]string
	for _, row := range rows {
		if isEmptyRow(row) {
			continue
		}
		records = append(records, row)
	}
	return normalizeRecords(records), nil
}

// normalizeRecords takes the first record as header and squares the rest:
// short rows padded with empty cells, long rows truncated.
func normalizeRecords(records [][]string) rawTable {
	if len(records) == 0 {
		return rawTable{}
	}
	headers := sanitizeHeaders(records[0])
	rows := make([][]string, 0, len(records)-1)
	for _, record := range records[1:] {
		rows = append(rows, padRow(record, len(headers)))
	}
	return rawTable{Headers: headers, Rows: rows}
}

// sanitizeHeaders trims and snake-cases header cells, fills blanks with
// column_<n>, and dedupes repeats with a numeric suffix.
func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}
	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
