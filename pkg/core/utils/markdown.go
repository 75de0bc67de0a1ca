package utils

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// CleanMarkdown strips surrounding whitespace and an outer code fence
// (```json ... ```, ```markdown ... ```, ``` ... ```).
func CleanMarkdown(input string) string {
	cleaned := strings.TrimSpace(input)
	if !strings.HasPrefix(cleaned, "```") || !strings.HasSuffix(cleaned, "```") || len(cleaned) < 6 {
		return cleaned
	}

	cleaned = strings.TrimSuffix(strings.TrimPrefix(cleaned, "```"), "```")
	// Drop the info string (json, markdown, ...) on the opening fence line.
	if nl := strings.IndexByte(cleaned, '\n'); nl >= 0 && !strings.ContainsAny(cleaned[:nl], "{[") {
		cleaned = cleaned[nl+1:]
	}
	return strings.TrimSpace(cleaned)
}

// TableCell is one cell of a markdown table.
type TableCell struct {
	Text string
	// Offset is the byte offset of the cell content in the source, -1 when
	// the cell is empty.
	Offset int
}

// Table is a GFM table found in a markdown document.
type Table struct {
	Header []TableCell
	Rows   [][]TableCell
}

var tableMarkdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// ParseTables returns every GFM pipe table in source, in document order.
func ParseTables(source string) []Table {
	src := []byte(source)
	doc := tableMarkdown.Parser().Parse(text.NewReader(src))

	var tables []Table
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		tbl, ok := n.(*east.Table)
		if !ok {
			return ast.WalkContinue, nil
		}

		var t Table
		for row := tbl.FirstChild(); row != nil; row = row.NextSibling() {
			cells := collectCells(row, src)
			switch row.(type) {
			case *east.TableHeader:
				t.Header = cells
			case *east.TableRow:
				t.Rows = append(t.Rows, cells)
			}
		}
		tables = append(tables, t)
		return ast.WalkSkipChildren, nil
	})
	return tables
}

func collectCells(row ast.Node, src []byte) []TableCell {
	var cells []TableCell
	for c := row.FirstChild(); c != nil; c = c.NextSibling() {
		if _, ok := c.(*east.TableCell); !ok {
			continue
		}
		var b strings.Builder
		offset := -1
		_ = ast.Walk(c, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
			if !entering {
				return ast.WalkContinue, nil
			}
			if t, ok := n.(*ast.Text); ok {
				if offset < 0 {
					offset = t.Segment.Start
				}
				b.Write(t.Segment.Value(src))
				if t.SoftLineBreak() {
					b.WriteByte(' ')
				}
			}
			return ast.WalkContinue, nil
		})
		cells = append(cells, TableCell{Text: strings.TrimSpace(b.String()), Offset: offset})
	}
	return cells
}
