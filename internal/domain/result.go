package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResultKind discriminates ResultValue.
type ResultKind string

const (
	ResultText  ResultKind = "text"
	ResultTable ResultKind = "table"
	ResultChart ResultKind = "chart"
	ResultError ResultKind = "error"
)

// Table is a tabular query result.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Chart is a chart specification produced by sandbox code.
type Chart struct {
	Type  string         `json:"type"`
	Title string         `json:"title,omitempty"`
	Spec  map[string]any `json:"spec,omitempty"`
}

// ResultValue is the tagged union returned by a sandbox execution.
// Exactly one of Text, Table, Chart or Error is meaningful, selected by Kind.
type ResultValue struct {
	Kind  ResultKind `json:"kind"`
	Text  string     `json:"text,omitempty"`
	Table *Table     `json:"table,omitempty"`
	Chart *Chart     `json:"chart,omitempty"`
	Error string     `json:"error,omitempty"`
}

// TextResult wraps plain output.
func TextResult(s string) *ResultValue {
	return &ResultValue{Kind: ResultText, Text: s}
}

// TableResult wraps a table.
func TableResult(t *Table) *ResultValue {
	return &ResultValue{Kind: ResultTable, Table: t}
}

// ChartResult wraps a chart spec.
func ChartResult(c *Chart) *ResultValue {
	return &ResultValue{Kind: ResultChart, Chart: c}
}

// ErrorResult wraps an error message.
func ErrorResult(msg string) *ResultValue {
	return &ResultValue{Kind: ResultError, Error: msg}
}

// Summary renders the value as compact plain text for transcripts and prompts.
func (r *ResultValue) Summary() string {
	if r == nil {
		return ""
	}
	switch r.Kind {
	case ResultText:
		return r.Text
	case ResultError:
		return "Error: " + r.Error
	case ResultChart:
		if r.Chart == nil {
			return "[chart]"
		}
		return fmt.Sprintf("[chart: %s %s]", r.Chart.Type, r.Chart.Title)
	case ResultTable:
		if r.Table == nil {
			return "[empty table]"
		}
		var b strings.Builder
		b.WriteString(strings.Join(r.Table.Columns, " | "))
		for _, row := range r.Table.Rows {
			b.WriteByte('\n')
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = FormatCell(v)
			}
			b.WriteString(strings.Join(cells, " | "))
		}
		return b.String()
	default:
		return ""
	}
}

// FormatCell renders a single table cell.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	case float64, float32, int, int64, int32, bool:
		return fmt.Sprint(x)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}
