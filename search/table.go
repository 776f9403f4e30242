// Package search implements local (entity-neighborhood) and global
// (map-reduce over community reports) graph search: conversation history,
// token-budgeted context builders, and the two engines.
package search

import (
	"strings"

	"github.com/brunobiangulo/graphquery/token"
)

// DefaultColumnDelimiter separates columns in rendered context tables.
const DefaultColumnDelimiter = "|"

// Table is a tabular view of one context section, returned alongside the
// rendered text so verbose callers can inspect what the LLM saw.
type Table struct {
	Columns []string
	Rows    [][]string
}

// ContextResult is the output of a context builder: the prompt-ready text
// and the per-section tables keyed by lowercase section name.
type ContextResult struct {
	Text   string
	Tables map[string]*Table
}

// renderTable renders a banner header, a delimiter-joined column row, and
// one line per data row.
func renderTable(name string, columns []string, rows [][]string, delim string) string {
	var b strings.Builder
	b.WriteString("-----")
	b.WriteString(name)
	b.WriteString("-----\n")
	b.WriteString(strings.Join(columns, delim))
	for _, row := range rows {
		b.WriteString("\n")
		b.WriteString(strings.Join(row, delim))
	}
	return b.String()
}

// packRows renders rows into the table format, adding rows one at a time
// until the next row would push the rendered text over the token budget.
// The last snapshot that fit is returned. When even the header exceeds the
// budget the text is empty; the header-only table is returned either way.
func packRows(name string, columns []string, rows [][]string, delim string, budget int, counter token.Counter) (string, *Table) {
	table := &Table{Columns: columns}

	text := renderTable(name, columns, nil, delim)
	if counter.Count(text) > budget {
		return "", table
	}

	for _, row := range rows {
		next := renderTable(name, columns, append(table.Rows, row), delim)
		if counter.Count(next) > budget {
			break
		}
		table.Rows = append(table.Rows, row)
		text = next
	}
	return text, table
}

// joinSections concatenates non-empty section texts with blank lines.
func joinSections(sections ...string) string {
	var parts []string
	for _, s := range sections {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
