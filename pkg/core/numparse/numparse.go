// Package numparse converts locale-formatted number tokens found in financial
// statements into exact decimal values.
//
// Three grouping conventions are supported:
//   - swiss:         1'234'567.89  (apostrophe groups, point decimal)
//   - european:      1.234.567,89  (point groups, comma decimal)
//   - international: 1,234,567.89  (comma groups, point decimal)
//
// Spaces (regular, NBSP, narrow NBSP, thin space) are accepted as a grouping mark
// under every convention. Parsing never panics: a token that does not fit the
// requested convention yields an error wrapping errs.ErrUnparseableNumber.
package numparse

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"portfolio_reconciler/pkg/core/errs"
)

// Locale is a numeric grouping convention.
type Locale string

const (
	Unknown       Locale = ""
	Swiss         Locale = "swiss"
	European      Locale = "european"
	International Locale = "international"
)

// Locales lists the supported conventions in fallback preference order.
var Locales = []Locale{International, Swiss, European}

// ParseLocale maps a configuration string onto a Locale.
func ParseLocale(s string) Locale {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "swiss", "ch", "de-ch":
		return Swiss
	case "european", "eu", "de", "fr", "it":
		return European
	case "international", "intl", "en", "us", "uk":
		return International
	}
	return Unknown
}

func (l Locale) String() string {
	if l == Unknown {
		return "unknown"
	}
	return string(l)
}

// marks returns the grouping and decimal characters of the convention.
func (l Locale) marks() (group, dec byte) {
	switch l {
	case Swiss:
		return '\'', '.'
	case European:
		return '.', ','
	default:
		return ',', '.'
	}
}

var patterns = map[Locale]*regexp.Regexp{
	Swiss:         regexp.MustCompile(`^(?:\d{1,3}(?:'\d{3})+|\d+)(?:\.\d+)?$`),
	European:      regexp.MustCompile(`^(?:\d{1,3}(?:\.\d{3})+|\d+)(?:,\d+)?$`),
	International: regexp.MustCompile(`^(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?$`),
}

// spaceMarks are the whitespace runes used as thousands separators.
var spaceMarks = []string{" ", "\u00a0", "\u202f", "\u2009"}

// Parse converts token under the given convention.
func Parse(token string, loc Locale) (decimal.Decimal, error) {
	if loc == Unknown {
		v, _, err := ParseAny(token, Unknown)
		return v, err
	}
	body, negative, ok := clean(token)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", errs.ErrUnparseableNumber, token)
	}

	group, dec := loc.marks()
	for _, sp := range spaceMarks {
		body = strings.ReplaceAll(body, sp, string(group))
	}
	if loc == Swiss {
		body = strings.ReplaceAll(body, "’", "'")
	}

	re := patterns[loc]
	if re == nil || !re.MatchString(body) {
		return decimal.Zero, fmt.Errorf("%w: %q is not %s", errs.ErrUnparseableNumber, token, loc)
	}

	body = strings.ReplaceAll(body, string(group), "")
	if dec != '.' {
		body = strings.Replace(body, string(dec), ".", 1)
	}
	v, err := decimal.NewFromString(body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", errs.ErrUnparseableNumber, token, err)
	}
	if negative {
		v = v.Neg()
	}
	return v, nil
}

// ParseAny parses a token whose convention is not known. The hint (usually
// the document's inferred locale) wins when it yields a value. Otherwise a
// token readable under exactly one convention takes that reading, and a
// token that stays ambiguous is read as international.
func ParseAny(token string, hint Locale) (decimal.Decimal, Locale, error) {
	if hint != Unknown {
		if v, err := Parse(token, hint); err == nil {
			return v, hint, nil
		}
	}

	type reading struct {
		loc Locale
		v   decimal.Decimal
	}
	var readings []reading
	for _, loc := range Locales {
		if v, err := Parse(token, loc); err == nil {
			readings = append(readings, reading{loc, v})
		}
	}
	if len(readings) == 0 {
		return decimal.Zero, Unknown, fmt.Errorf("%w: %q under any locale", errs.ErrUnparseableNumber, token)
	}

	// Locales is ordered international first, so readings[0] is the preferred one.
	return readings[0].v, readings[0].loc, nil
}

// StyleOf returns the convention a token visibly commits to, or Unknown
// when its marks are compatible with more than one convention (1,234 or 12.50).
func StyleOf(token string) Locale {
	body, _, ok := clean(token)
	if !ok {
		return Unknown
	}
	if strings.ContainsAny(body, "'’") {
		return Swiss
	}

	lastComma := strings.LastIndexByte(body, ',')
	lastPoint := strings.LastIndexByte(body, '.')
	switch {
	case lastComma >= 0 && lastPoint >= 0:
		if lastComma > lastPoint {
			return European
		}
		return International
	case lastComma >= 0:
		if strings.Count(body, ",") > 1 {
			return International
		}
		if digitsAfter(body, lastComma) != 3 {
			return European
		}
	case lastPoint >= 0:
		if strings.Count(body, ".") > 1 {
			return European
		}
	}
	return Unknown
}

// Matches reports whether token carries grouping or decimal marks and reads
// cleanly under loc. Bare digit runs match nothing.
func Matches(token string, loc Locale) bool {
	if loc == Unknown {
		return false
	}
	body, _, ok := clean(token)
	if !ok || !hasMark(body) {
		return false
	}
	_, err := Parse(token, loc)
	return err == nil
}

// Format renders v under loc with a fixed number of decimal places.
func Format(v decimal.Decimal, loc Locale, places int32) string {
	group, dec := loc.marks()
	s := v.Abs().StringFixed(places)

	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}

	var b strings.Builder
	if v.IsNegative() {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(group)
		}
		b.WriteRune(r)
	}
	if fracPart != "" {
		b.WriteByte(dec)
		b.WriteString(fracPart)
	}
	return b.String()
}

// clean strips currency affixes and sign markers. It returns the bare
// numeric body and whether the value is negative.
func clean(token string) (string, bool, bool) {
	s := stripAffixes(token)
	if s == "" {
		return "", false, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "−") {
		negative = true
		s = strings.TrimSpace(strings.TrimLeft(s, "-−"))
	}
	// Swiss "1'250.-" / "1'250.–" notation for a whole amount.
	for _, suffix := range []string{".-", ".–", ".—"} {
		s = strings.TrimSuffix(s, suffix)
	}

	if s == "" || !unicode.IsDigit(rune(s[0])) || !unicode.IsDigit(rune(s[len(s)-1])) {
		return "", false, false
	}
	return s, negative, true
}

// stripAffixes removes surrounding whitespace, currency symbols and ISO
// currency codes ("CHF 1'000", "1.000,00 EUR", "$1,000").
func stripAffixes(token string) string {
	s := strings.TrimSpace(token)
	for {
		before := s
		s = strings.TrimFunc(s, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.Is(unicode.Sc, r) || r == '\u00a0' || r == '\u202f'
		})
		if len(s) >= 3 && IsCurrencyCode(s[:3]) {
			s = s[3:]
		}
		if len(s) >= 3 && IsCurrencyCode(s[len(s)-3:]) {
			s = s[:len(s)-3]
		}
		if s == before {
			return s
		}
	}
}

// IsCurrencyCode reports whether code is a known ISO 4217 code.
func IsCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return money.GetCurrency(code) != nil
}

func hasMark(body string) bool {
	return strings.ContainsAny(body, "'’.,") || strings.ContainsAny(body, strings.Join(spaceMarks, ""))
}

func digitsAfter(s string, idx int) int {
	n := 0
	for i := idx + 1; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n++
	}
	return n
}
