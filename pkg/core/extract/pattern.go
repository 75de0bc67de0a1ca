package extract

import (
	"context"
	"strings"

	"portfolio_reconciler/pkg/core/candidate"
	"portfolio_reconciler/pkg/core/identifier"
	"portfolio_reconciler/pkg/core/numparse"
)

// PatternStrategy scans the raw text for identifiers and pairs each with the
// nearest following amount.
type PatternStrategy struct {
	Validator *identifier.Validator
	// Window is the maximum byte distance between identifier and amount.
	Window int
	// MinDigits skips short tokens such as quantities or footnote numbers.
	MinDigits int
}

// NewPatternStrategy returns a scanner with a 160 byte window.
func NewPatternStrategy() *PatternStrategy {
	return &PatternStrategy{Validator: newValidator(), Window: 160, MinDigits: 4}
}

func (s *PatternStrategy) Name() string { return TagPattern }

// Extract never fails; a text without identifiers yields no records.
func (s *PatternStrategy) Extract(ctx context.Context, text string) ([]candidate.Record, error) {
	matches := s.Validator.FindAll(text)
	tokens := numparse.FindTokens(text)

	var out []candidate.Record
	for i, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		idEnd := m.Offset + len(m.Token)
		limit := idEnd + s.Window
		if i+1 < len(matches) && matches[i+1].Offset < limit {
			limit = matches[i+1].Offset
		}

		tok, ok := s.nearest(tokens, idEnd, limit)
		if !ok {
			continue
		}

		lineText, lineStart := line(text, m.Offset)
		rec := candidate.NewRecord(m.Token, TagPattern)
		rec.ValueToken = tok.Text
		rec = rec.WithPosition(m.Offset).WithDistance(tok.Offset - m.Offset)
		rec.RawContext = strings.TrimSpace(lineText)

		between := text[idEnd:tok.Offset]
		rec.Currency = currencyIn(between)
		if rec.Currency == "" && tok.End <= lineStart+len(lineText) {
			rec.Currency = currencyIn(text[tok.End : lineStart+len(lineText)])
		}

		rec.Name = cleanName(text[lineStart:m.Offset])
		if rec.Name == "" && !strings.Contains(between, "\n") {
			rec.Name = cleanName(between)
		}
		out = append(out, rec)
	}
	return out, nil
}

// nearest returns the first token starting in [from, limit).
func (s *PatternStrategy) nearest(tokens []numparse.Token, from, limit int) (numparse.Token, bool) {
	for _, t := range tokens {
		if t.Offset < from {
			continue
		}
		if t.Offset >= limit {
			break
		}
		if numparse.DigitCount(t.Text) >= s.MinDigits {
			return t, true
		}
	}
	return numparse.Token{}, false
}
