package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/dataloop/internal/domain"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// maxRenderedRows bounds the rows shown for a table result.
const maxRenderedRows = 50

// FormatOutcome renders an execution outcome as markdown-friendly text.
func FormatOutcome(o domain.ExecutionOutcome) string {
	var body string
	switch {
	case !o.Success:
		body = "Error: " + o.ErrorMessage
		if o.Skipped {
			body = o.ErrorMessage
		}
	case o.Result == nil:
		body = "(no output)"
	default:
		body = FormatResult(o.Result)
	}
	return fmt.Sprintf("%s\n(%d ms)", body, o.ExecutionTimeMs)
}

// FormatResult renders a result value.
func FormatResult(r *domain.ResultValue) string {
	switch r.Kind {
	case domain.ResultTable:
		return formatTable(r.Table)
	case domain.ResultChart:
		return formatChart(r.Chart)
	case domain.ResultError:
		return "Error: " + r.Error
	default:
		if strings.TrimSpace(r.Text) == "" {
			return "(no output)"
		}
		return r.Text
	}
}

func formatTable(t *domain.Table) string {
	if t == nil || len(t.Columns) == 0 {
		return "(empty result)"
	}
	rows := t.Rows
	more := 0
	if len(rows) > maxRenderedRows {
		more = len(rows) - maxRenderedRows
		rows = rows[:maxRenderedRows]
	}

	cells := make([][]string, 0, len(rows))
	for _, row := range rows {
		line := make([]string, len(t.Columns))
		for i := range line {
			if i < len(row) {
				line[i] = strings.ReplaceAll(domain.FormatCell(row[i]), "|", `\|`)
			}
		}
		cells = append(cells, line)
	}

	tbl := table.New().
		Border(lipgloss.MarkdownBorder()).
		BorderTop(false).
		BorderBottom(false).
		Headers(t.Columns...).
		Rows(cells...)

	var b strings.Builder
	b.WriteString(tbl.Render())
	fmt.Fprintf(&b, "\n(%d rows", len(t.Rows))
	if more > 0 {
		fmt.Fprintf(&b, ", %d not shown", more)
	}
	b.WriteString(")")
	return b.String()
}

func formatChart(c *domain.Chart) string {
	if c == nil {
		return "Chart: (empty)"
	}
	head := "Chart: " + c.Type
	if c.Title != "" {
		head += " " + fmt.Sprintf("%q", c.Title)
	}
	if len(c.Spec) == 0 {
		return head
	}
	spec, err := json.Marshal(c.Spec)
	if err != nil {
		return head
	}
	return head + "\n" + string(spec)
}
