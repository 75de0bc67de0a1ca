package extract

import (
	"context"
	"strings"

	"portfolio_reconciler/pkg/core/candidate"
	"portfolio_reconciler/pkg/core/identifier"
	"portfolio_reconciler/pkg/core/utils"
)

// Header keywords, most specific first.
var (
	valueHeaders    = []string{"market value", "marktwert", "valeur de marché", "kurswert", "value", "wert", "valeur", "amount", "betrag", "montant"}
	nameHeaders     = []string{"name", "security", "description", "bezeichnung", "titre", "instrument"}
	currencyHeaders = []string{"currency", "ccy", "währung", "devise"}
)

// cell is a table cell with its byte offset in the document, -1 if unknown.
type cell struct {
	text   string
	offset int
}

// columns maps table roles to column indexes, -1 when absent.
type columns struct {
	value, name, currency int
}

func headerColumn(header []cell, keywords []string) int {
	for _, kw := range keywords {
		for i, h := range header {
			if strings.Contains(strings.ToLower(h.text), kw) {
				return i
			}
		}
	}
	return -1
}

func detectColumns(header []cell) columns {
	return columns{
		value:    headerColumn(header, valueHeaders),
		name:     headerColumn(header, nameHeaders),
		currency: headerColumn(header, currencyHeaders),
	}
}

// tableRecords turns table rows into candidate records. A row needs a cell
// holding a valid identifier and an amount.
func tableRecords(v *identifier.Validator, tag string, header []cell, rows [][]cell) []candidate.Record {
	cols := detectColumns(header)

	var out []candidate.Record
	for _, row := range rows {
		idIdx := -1
		var id string
		for i, c := range row {
			if res, err := v.Validate(c.text); err == nil {
				idIdx, id = i, res.Token
				break
			}
		}
		if idIdx < 0 {
			continue
		}

		valIdx := cols.value
		if valIdx < 0 || valIdx >= len(row) || valIdx == idIdx {
			valIdx = lastNumeric(row, idIdx)
		}
		if valIdx < 0 {
			continue
		}
		tok, ok := firstAmount(row[valIdx].text)
		if !ok {
			continue
		}

		rec := candidate.NewRecord(id, tag)
		rec.ValueToken = tok.Text
		rec = rec.WithPosition(row[idIdx].offset)
		if rec.HasPosition() && row[valIdx].offset >= 0 {
			rec = rec.WithDistance(row[valIdx].offset + tok.Offset - row[idIdx].offset)
		}

		if cols.currency >= 0 && cols.currency < len(row) {
			rec.Currency = currencyIn(strings.ToUpper(row[cols.currency].text))
		}
		if rec.Currency == "" {
			rec.Currency = currencyIn(row[valIdx].text)
		}

		if cols.name >= 0 && cols.name < len(row) && cols.name != idIdx {
			rec.Name = cleanName(row[cols.name].text)
		} else {
			rec.Name = firstText(row, idIdx, valIdx)
		}

		texts := make([]string, len(row))
		for i, c := range row {
			texts[i] = c.text
		}
		rec.RawContext = strings.Join(texts, " | ")
		out = append(out, rec)
	}
	return out
}

// lastNumeric returns the index of the rightmost cell holding an amount,
// skipping the identifier cell.
func lastNumeric(row []cell, skip int) int {
	for i := len(row) - 1; i >= 0; i-- {
		if i == skip {
			continue
		}
		if _, ok := firstAmount(row[i].text); ok {
			return i
		}
	}
	return -1
}

// firstText returns the first cell that is neither identifier, value nor a
// bare number or currency code.
func firstText(row []cell, skip ...int) string {
next:
	for i, c := range row {
		for _, s := range skip {
			if i == s {
				continue next
			}
		}
		if name := cleanName(c.text); name != "" {
			if tok, ok := firstAmount(name); ok && tok.Text == name {
				continue
			}
			return name
		}
	}
	return ""
}

// TableStrategy reads GFM pipe tables.
type TableStrategy struct {
	Validator *identifier.Validator
}

func NewTableStrategy() *TableStrategy {
	return &TableStrategy{Validator: newValidator()}
}

func (s *TableStrategy) Name() string { return TagTable }

func (s *TableStrategy) Extract(ctx context.Context, text string) ([]candidate.Record, error) {
	var out []candidate.Record
	for _, t := range utils.ParseTables(text) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows := make([][]cell, len(t.Rows))
		for i, r := range t.Rows {
			rows[i] = fromTableCells(r)
		}
		out = append(out, tableRecords(s.Validator, TagTable, fromTableCells(t.Header), rows)...)
	}
	return out, nil
}

func fromTableCells(in []utils.TableCell) []cell {
	out := make([]cell, len(in))
	for i, c := range in {
		out[i] = cell{text: c.Text, offset: c.Offset}
	}
	return out
}
