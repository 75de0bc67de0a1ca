// Package extract holds the reference extraction strategies: a pattern
// scanner, markdown and HTML table readers and an LLM-backed extractor. Each
// implements candidate.Strategy and knows nothing about reconciliation.
package extract

import (
	"regexp"
	"strings"
	"unicode"

	"portfolio_reconciler/pkg/core/candidate"
	"portfolio_reconciler/pkg/core/identifier"
	"portfolio_reconciler/pkg/core/llm"
	"portfolio_reconciler/pkg/core/numparse"
)

// Strategy tags.
const (
	TagPattern   = "pattern"
	TagTable     = "table"
	TagHTMLTable = "html_table"
	TagLLM       = "llm"
)

// DefaultRegistry registers the pattern and table strategies, plus the LLM
// strategy when provider is non-nil.
func DefaultRegistry(provider llm.Provider) *candidate.Registry {
	r := candidate.NewRegistry()
	_ = r.Register(NewPatternStrategy())
	_ = r.Register(NewTableStrategy())
	_ = r.Register(NewHTMLTableStrategy())
	if provider != nil {
		_ = r.Register(NewLLMStrategy(provider))
	}
	return r
}

var codeRegex = regexp.MustCompile(`\b[A-Z]{3}\b`)

// currencyIn returns the first ISO 4217 code in s.
func currencyIn(s string) string {
	for _, c := range codeRegex.FindAllString(s, -1) {
		if numparse.IsCurrencyCode(c) {
			return c
		}
	}
	return ""
}

// cleanName strips currency codes, separators and surrounding punctuation
// from a name fragment.
func cleanName(s string) string {
	s = codeRegex.ReplaceAllStringFunc(s, func(c string) string {
		if numparse.IsCurrencyCode(c) {
			return " "
		}
		return c
	})
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// firstAmount returns the first number-shaped token of a cell.
func firstAmount(s string) (numparse.Token, bool) {
	toks := numparse.FindTokens(s)
	if len(toks) == 0 {
		return numparse.Token{}, false
	}
	return toks[0], true
}

// line returns the line of text containing offset, and the offset where it
// starts.
func line(text string, offset int) (string, int) {
	start := strings.LastIndexByte(text[:offset], '\n') + 1
	end := strings.IndexByte(text[offset:], '\n')
	if end < 0 {
		end = len(text)
	} else {
		end += offset
	}
	return text[start:end], start
}

func newValidator() *identifier.Validator { return identifier.NewValidator() }
