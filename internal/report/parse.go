package report

import (
	"encoding/json"
	"fmt"
	"strings"

	"marketsync/internal/gateway"
)

// Row is one parsed report record. JSON reports keep their value types;
// delimited reports carry strings.
type Row map[string]any

// String returns the row's value for key as a trimmed string, "" when absent.
func (r Row) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Float returns the row's numeric value for key, 0 when absent or unparseable.
func (r Row) Float(key string) float64 {
	switch t := r[key].(type) {
	case float64:
		return t
	case string:
		var f float64
		if _, err := fmt.Sscan(strings.TrimSpace(t), &f); err == nil {
			return f
		}
	}
	return 0
}

// Int returns the row's integer value for key, 0 when absent or unparseable.
func (r Row) Int(key string) int64 {
	switch t := r[key].(type) {
	case float64:
		return int64(t)
	case string:
		var n int64
		if _, err := fmt.Sscan(strings.TrimSpace(t), &n); err == nil {
			return n
		}
	}
	return 0
}

// ParseRows decodes a downloaded report body into rows. The format is the
// report's declared output format, never guessed from the bytes: JSON
// formats expect a JSON array of objects, TSV expects tab-delimited text
// with a header row.
func ParseRows(data []byte, format string) ([]Row, error) {
	switch format {
	case gateway.FormatJSON, gateway.FormatGzipJSON:
		var rows []Row
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("decode JSON report rows: %w", err)
		}
		return rows, nil
	case gateway.FormatTSV:
		return parseTSV(data)
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

func parseTSV(data []byte) ([]Row, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty delimited report")
	}
	header := strings.Split(lines[0], "\t")
	if len(header) == 1 && strings.TrimSpace(header[0]) == "" {
		return nil, fmt.Errorf("delimited report missing header row")
	}
	rows := make([]Row, 0, len(lines)-1)
	for i, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("line %d has %d fields, header has %d", i+2, len(fields), len(header))
		}
		row := make(Row, len(header))
		for j, name := range header {
			row[strings.TrimSpace(name)] = fields[j]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
