package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"portfolio_reconciler/pkg/core/candidate"
	"portfolio_reconciler/pkg/core/identifier"
)

// HTMLTableStrategy reads <table> elements of HTML statements.
type HTMLTableStrategy struct {
	Validator *identifier.Validator
}

func NewHTMLTableStrategy() *HTMLTableStrategy {
	return &HTMLTableStrategy{Validator: newValidator()}
}

func (s *HTMLTableStrategy) Name() string { return TagHTMLTable }

// Extract returns no records for text without a table element.
func (s *HTMLTableStrategy) Extract(ctx context.Context, text string) ([]candidate.Record, error) {
	if !strings.Contains(strings.ToLower(text), "<table") {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("html_table: %w", err)
	}

	loc := &locator{text: text}
	var out []candidate.Record
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		if ctx.Err() != nil {
			return false
		}
		var header []cell
		var rows [][]cell
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var row []cell
			allTH := true
			tr.Find("td, th").Each(func(_ int, c *goquery.Selection) {
				if goquery.NodeName(c) != "th" {
					allTH = false
				}
				txt := strings.Join(strings.Fields(c.Text()), " ")
				row = append(row, cell{text: txt, offset: loc.find(txt)})
			})
			if len(row) == 0 {
				return
			}
			if header == nil && (allTH || tr.ParentsFiltered("thead").Length() > 0) {
				header = row
				return
			}
			rows = append(rows, row)
		})
		out = append(out, tableRecords(s.Validator, TagHTMLTable, header, rows)...)
		return true
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// locator maps cell texts back to byte offsets in the raw document by
// searching forward from the previous hit.
type locator struct {
	text   string
	cursor int
}

func (l *locator) find(s string) int {
	if s == "" {
		return -1
	}
	i := strings.Index(l.text[l.cursor:], s)
	if i < 0 {
		return -1
	}
	l.cursor += i + len(s)
	return l.cursor - len(s)
}
