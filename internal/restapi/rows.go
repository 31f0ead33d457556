package restapi

import (
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
)

// Rows is the row-oriented payload shared by every list endpoint: each row is
// a positional array and Keys maps a field name to its column.
type Rows struct {
	Data [][]json.RawMessage `json:"data"`
	Keys map[string][]int    `json:"keys"`
}

func decodeRows(body []byte) (*Rows, error) {
	var rows Rows
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rows: %w", err)
	}
	return &rows, nil
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	return len(r.Data)
}

// String reads field from row i. Missing keys, short rows and nulls yield "".
func (r *Rows) String(i int, field string) string {
	raw, ok := r.cell(i, field)
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return ""
}

func (r *Rows) cell(i int, field string) (json.RawMessage, bool) {
	if i < 0 || i >= len(r.Data) {
		return nil, false
	}
	idx, ok := r.Keys[field]
	if !ok || len(idx) == 0 {
		return nil, false
	}
	row := r.Data[i]
	col := idx[0]
	if col < 0 || col >= len(row) || row[col] == nil {
		return nil, false
	}
	return row[col], true
}
