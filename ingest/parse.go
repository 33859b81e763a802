package ingest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Record is one parsed source row: sanitized column name to typed value.
// A nil value means the column was present but empty; a missing key means
// the file did not carry the column at all.
type Record map[string]any

var identifierPattern = regexp.MustCompile(`[^a-z0-9_]+`)

// SanitizeColumn normalizes a source column name into a safe SQL identifier.
func SanitizeColumn(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = identifierPattern.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "_unnamed"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
	}
	return s
}

// timestampLayouts are tried in order when parsing transaction_date values.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
}

// convertCSV turns a raw CSV string into the typed value the raw layer
// stores for the column. Unparseable values become NULL rather than failing
// the file; the quality gate decides what to do with the gaps.
func convertCSV(column, raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "null") {
		return nil
	}

	switch column {
	case "quantity":
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
		// Exports sometimes write counts as "3.0"; a genuinely fractional
		// quantity is a gap, not a count to truncate.
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f == math.Trunc(f) {
			return int64(f)
		}
		return nil
	case "price", "discount", "total_amount":
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
		return nil
	case "transaction_date":
		return parseTimestamp(raw)
	default:
		return raw
	}
}

func parseTimestamp(raw string) any {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return nil
}

// convertJSON normalizes a decoded JSON value for the column's storage type.
func convertJSON(column string, v any) any {
	if v == nil {
		return nil
	}
	switch column {
	case "quantity":
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) {
				return nil
			}
			return int64(n)
		case string:
			return convertCSV(column, n)
		}
		return nil
	case "price", "discount", "total_amount":
		switch n := v.(type) {
		case float64:
			return n
		case string:
			return convertCSV(column, n)
		}
		return nil
	case "transaction_date":
		if s, ok := v.(string); ok {
			return parseTimestamp(s)
		}
		return nil
	default:
		switch s := v.(type) {
		case string:
			if strings.TrimSpace(s) == "" {
				return nil
			}
			return s
		default:
			// Extra columns outside the core schema are stored as text.
			return fmt.Sprint(v)
		}
	}
}

// ParseFile reads one source file into records. The format is chosen by
// extension; anything unreadable is a malformed-file error and the caller
// quarantines the whole file.
func ParseFile(fs afero.Fs, path string) ([]Record, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	switch {
	case strings.HasSuffix(strings.ToLower(path), ".csv"):
		return parseCSV(f)
	case strings.HasSuffix(strings.ToLower(path), ".json"):
		return parseJSON(f)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", path)
	}
}

func parseCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = SanitizeColumn(h)
	}

	var records []Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row %d: %w", len(records)+2, err)
		}
		rec := make(Record, len(columns))
		for i, col := range columns {
			if i < len(row) {
				rec[col] = convertCSV(col, row[i])
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// parseJSON accepts either a JSON array of objects or newline-delimited
// objects.
func parseJSON(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)

	// Peek past whitespace to decide between array and NDJSON framing.
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("empty json file: %w", err)
		}
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return nil, err
		}
		if b == '[' {
			return parseJSONArray(br)
		}
		return parseNDJSON(br)
	}
}

func parseJSONArray(r io.Reader) ([]Record, error) {
	var rows []map[string]any
	dec := json.NewDecoder(r)
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode json array: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, jsonRecord(row))
	}
	return records, nil
}

func parseNDJSON(r io.Reader) ([]Record, error) {
	var records []Record
	dec := json.NewDecoder(r)
	for {
		var row map[string]any
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to decode json line %d: %w", len(records)+1, err)
		}
		records = append(records, jsonRecord(row))
	}
	return records, nil
}

func jsonRecord(row map[string]any) Record {
	rec := make(Record, len(row))
	for k, v := range row {
		col := SanitizeColumn(k)
		rec[col] = convertJSON(col, v)
	}
	return rec
}
