// Package docstruct infers the global properties of a statement text that
// every candidate is judged against: its numeric locale, its primary currency,
// the portfolio total it declares and the sections it is divided into.
package docstruct

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"portfolio_reconciler/pkg/core/numparse"
)

// SectionKind classifies a section by its title.
type SectionKind string

const (
	SectionHoldings SectionKind = "holdings"
	SectionSummary  SectionKind = "summary"
)

// Section is a titled region of the document. It runs from StartOffset to the
// next section's StartOffset (or the end of the text).
type Section struct {
	Title       string      `json:"title"`
	Kind        SectionKind `json:"kind"`
	StartOffset int         `json:"start_offset"`
	// Recognized is set when the title carried a known holdings or summary
	// keyword rather than defaulting to holdings.
	Recognized bool `json:"recognized"`
}

// TotalCandidate is one keyword-anchored amount considered as declared total.
type TotalCandidate struct {
	Keyword    string          `json:"keyword"`
	Token      string          `json:"token"`
	Value      decimal.Decimal `json:"value"`
	Offset     int             `json:"offset"`
	Currency   string          `json:"currency,omitempty"`
	Confidence float64         `json:"confidence"`
	InBand     bool            `json:"in_band"`
}

// Structure is the analysis result for one document.
type Structure struct {
	Locale                  numparse.Locale         `json:"locale"`
	LocaleVotes             map[numparse.Locale]int `json:"locale_votes,omitempty"`
	PrimaryCurrency         string                  `json:"primary_currency,omitempty"`
	DeclaredTotal           *decimal.Decimal        `json:"declared_total"`
	DeclaredTotalConfidence float64                 `json:"declared_total_confidence"`
	TotalCandidates         []TotalCandidate        `json:"total_candidates,omitempty"`
	Sections                []Section               `json:"sections"`
}

// SectionAt returns the section containing offset, or nil when the offset
// precedes the first section or is unknown.
func (s Structure) SectionAt(offset int) *Section {
	if offset < 0 {
		return nil
	}
	var found *Section
	for i := range s.Sections {
		if s.Sections[i].StartOffset > offset {
			break
		}
		found = &s.Sections[i]
	}
	return found
}

// Features returns a set of structural markers describing the document
// layout. Two statements produced by the same bank template share most of
// them, which is what the pattern store matches on.
func (s Structure) Features() []string {
	set := map[string]struct{}{
		"locale:" + s.Locale.String(): {},
	}
	if s.PrimaryCurrency != "" {
		set["currency:"+s.PrimaryCurrency] = struct{}{}
	}
	if s.DeclaredTotal != nil {
		set["declared_total"] = struct{}{}
	}
	for _, c := range s.TotalCandidates {
		set["total_keyword:"+c.Keyword] = struct{}{}
	}
	for _, sec := range s.Sections {
		if !sec.Recognized {
			set["section:unrecognized"] = struct{}{}
			continue
		}
		set[fmt.Sprintf("section:%s:%s", sec.Kind, normalizeTitle(sec.Title))] = struct{}{}
	}

	features := make([]string, 0, len(set))
	for f := range set {
		features = append(features, f)
	}
	sort.Strings(features)
	return features
}

// Keyword is a declared-total anchor and its specificity.
type Keyword struct {
	Phrase      string  `yaml:"phrase" json:"phrase"`
	Specificity float64 `yaml:"specificity" json:"specificity"`
}

// Config tunes the analyzer.
type Config struct {
	TotalMin decimal.Decimal
	TotalMax decimal.Decimal
	// TotalKeywords are matched case-insensitively at word boundaries.
	TotalKeywords []Keyword
	// CurrencyBonus is added to a total candidate's confidence when a currency
	// code or symbol sits next to the amount.
	CurrencyBonus float64
	// MaxGap is the maximum number of bytes between keyword and amount.
	MaxGap int

	MaxTitleLength   int
	MinUpperRatio    float64
	SummaryKeywords  []string
	HoldingsKeywords []string
}

// DefaultConfig returns the analyzer defaults.
func DefaultConfig() Config {
	return Config{
		TotalMin: decimal.NewFromInt(1_000_000),
		TotalMax: decimal.NewFromInt(100_000_000),
		TotalKeywords: []Keyword{
			{"portfolio total", 0.7},
			{"total portfolio", 0.7},
			{"total portfolio value", 0.7},
			{"total net assets", 0.7},
			{"total assets", 0.65},
			{"total du portefeuille", 0.7},
			{"totale portafoglio", 0.7},
			{"gesamtvermögen", 0.7},
			{"gesamttotal", 0.65},
			{"grand total", 0.6},
			{"total value", 0.55},
			{"total", 0.4},
			{"totale", 0.4},
			{"summe", 0.3},
			{"sum", 0.3},
		},
		CurrencyBonus:  0.2,
		MaxGap:         40,
		MaxTitleLength: 60,
		MinUpperRatio:  0.6,
		SummaryKeywords: []string{
			"total", "summary", "overview", "recap", "allocation",
			"zusammenfassung", "übersicht", "vermögensübersicht",
			"résumé", "resume", "synthèse", "riepilogo", "totale",
		},
		HoldingsKeywords: []string{
			"bonds", "equities", "holdings", "shares", "stocks", "funds",
			"structured products", "positions", "securities",
			"obligationen", "anleihen", "aktien", "fonds", "obligations", "actions",
		},
	}
}

// Analyzer computes a Structure from plain text.
type Analyzer struct {
	cfg      Config
	keywords []keywordMatcher
}

type keywordMatcher struct {
	Keyword
	re *regexp.Regexp
}

// NewAnalyzer returns an Analyzer for cfg.
func NewAnalyzer(cfg Config) *Analyzer {
	a := &Analyzer{cfg: cfg}
	for _, kw := range cfg.TotalKeywords {
		phrase := strings.TrimSpace(kw.Phrase)
		if phrase == "" {
			continue
		}
		// Internal whitespace of a phrase may be any run of blanks.
		parts := strings.Fields(phrase)
		for i := range parts {
			parts[i] = regexp.QuoteMeta(parts[i])
		}
		re := regexp.MustCompile(`(?i)` + strings.Join(parts, `[ \t\x{00a0}]+`))
		a.keywords = append(a.keywords, keywordMatcher{Keyword: kw, re: re})
	}
	return a
}

// Config returns the analyzer's configuration.
func (a *Analyzer) Config() Config {
	return a.cfg
}

// WithBand returns a copy of the analyzer accepting declared totals in [min, max].
func (a *Analyzer) WithBand(min, max decimal.Decimal) *Analyzer {
	cp := *a
	cp.cfg.TotalMin, cp.cfg.TotalMax = min, max
	return &cp
}

// Analyze scans text once per concern and returns its structure.
func (a *Analyzer) Analyze(text string) Structure {
	tokens := numparse.FindTokens(text)

	st := Structure{}
	st.Locale, st.LocaleVotes = voteLocale(tokens)
	st.PrimaryCurrency = primaryCurrency(text, tokens)
	st.TotalCandidates = a.totalCandidates(text, st.Locale)

	if best := bestTotal(st.TotalCandidates); best != nil {
		v := best.Value
		st.DeclaredTotal = &v
		st.DeclaredTotalConfidence = best.Confidence
	}

	st.Sections = a.sections(text)
	return st
}

// ============================================================================
// Locale
// ============================================================================

func voteLocale(tokens []numparse.Token) (numparse.Locale, map[numparse.Locale]int) {
	votes := make(map[numparse.Locale]int)
	for _, tok := range tokens {
		if loc := numparse.StyleOf(tok.Text); loc != numparse.Unknown {
			votes[loc]++
		}
	}

	// numparse.Locales is ordered international first, which settles ties.
	winner, best := numparse.International, 0
	for _, loc := range numparse.Locales {
		if votes[loc] > best {
			winner, best = loc, votes[loc]
		}
	}
	return winner, votes
}

// ============================================================================
// Currency
// ============================================================================

var codeRegex = regexp.MustCompile(`\b[A-Z]{3}\b`)

// currencyReach is how far (in bytes) a code may sit from an amount to count.
const currencyReach = 16

// primaryCurrency counts ISO codes that sit next to an amount. Requiring the
// amount keeps upper-case headings like "ALL POSITIONS" from voting.
func primaryCurrency(text string, tokens []numparse.Token) string {
	counts := make(map[string]int)
	for _, loc := range codeRegex.FindAllStringIndex(text, -1) {
		code := text[loc[0]:loc[1]]
		if !numparse.IsCurrencyCode(code) || !nearToken(tokens, loc[0], loc[1]) {
			continue
		}
		counts[code]++
	}

	best, bestCount := "", 0
	for code, n := range counts {
		if n > bestCount || (n == bestCount && code < best) {
			best, bestCount = code, n
		}
	}
	return best
}

func nearToken(tokens []numparse.Token, start, end int) bool {
	i := sort.Search(len(tokens), func(i int) bool { return tokens[i].End >= start-currencyReach })
	for ; i < len(tokens) && tokens[i].Offset <= end+currencyReach; i++ {
		if tokens[i].End <= start || tokens[i].Offset >= end {
			return true
		}
	}
	return false
}

// ============================================================================
// Declared total
// ============================================================================

// fillerRegex is what may separate a total keyword from its amount.
var fillerRegex = regexp.MustCompile(`^[\s:=\-–(\[]*(?:in\s+)?(?:([A-Z]{3})|\p{Sc})?[\s:=\-–)\]]*$`)

var trailingCodeRegex = regexp.MustCompile(`^\s*([A-Z]{3})\b`)

func (a *Analyzer) totalCandidates(text string, loc numparse.Locale) []TotalCandidate {
	byOffset := make(map[int]TotalCandidate)

	for _, kw := range a.keywords {
		for _, m := range kw.re.FindAllStringIndex(text, -1) {
			if !wordBoundary(text, m[0], m[1]) {
				continue
			}
			c, ok := a.amountAfter(text, m[1], loc)
			if !ok {
				continue
			}
			c.Keyword = strings.ToLower(kw.Phrase)
			c.Confidence = kw.Specificity
			if c.Currency != "" {
				c.Confidence += a.cfg.CurrencyBonus
			}
			if c.Confidence > 1 {
				c.Confidence = 1
			}

			// "Portfolio Total" also matches "total"; the more specific keyword
			// keeps the amount.
			if prev, seen := byOffset[c.Offset]; !seen || c.Confidence > prev.Confidence {
				byOffset[c.Offset] = c
			}
		}
	}

	out := make([]TotalCandidate, 0, len(byOffset))
	for _, c := range byOffset {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// amountAfter reads the first amount following a keyword ending at pos, on
// the same line and within MaxGap bytes.
func (a *Analyzer) amountAfter(text string, pos int, loc numparse.Locale) (TotalCandidate, bool) {
	lineEnd := strings.IndexByte(text[pos:], '\n')
	if lineEnd < 0 {
		lineEnd = len(text)
	} else {
		lineEnd += pos
	}
	windowEnd := lineEnd
	if a.cfg.MaxGap > 0 && pos+a.cfg.MaxGap < windowEnd {
		windowEnd = pos + a.cfg.MaxGap
	}

	window := text[pos:windowEnd]
	tokens := numparse.FindTokens(window)
	if len(tokens) == 0 {
		return TotalCandidate{}, false
	}
	tok := tokens[0]

	filler := fillerRegex.FindStringSubmatch(window[:tok.Offset])
	if filler == nil {
		return TotalCandidate{}, false
	}

	// The token may have been cut by the window; re-read it from the full line.
	full := numparse.FindTokens(text[pos+tok.Offset : lineEnd])
	if len(full) == 0 {
		return TotalCandidate{}, false
	}
	tokenText := full[0].Text

	v, _, err := numparse.ParseAny(tokenText, loc)
	if err != nil {
		return TotalCandidate{}, false
	}

	c := TotalCandidate{
		Token:  tokenText,
		Value:  v,
		Offset: pos + tok.Offset,
		InBand: a.inBand(v),
	}
	switch {
	case filler[1] != "" && numparse.IsCurrencyCode(filler[1]):
		c.Currency = filler[1]
	case strings.IndexFunc(window[:tok.Offset], func(r rune) bool { return unicode.Is(unicode.Sc, r) }) >= 0:
		c.Currency = symbolCurrency(window[:tok.Offset])
	default:
		after := text[c.Offset+len(tokenText) : lineEnd]
		if m := trailingCodeRegex.FindStringSubmatch(after); m != nil && numparse.IsCurrencyCode(m[1]) {
			c.Currency = m[1]
		}
	}
	return c, true
}

func (a *Analyzer) inBand(v decimal.Decimal) bool {
	if !a.cfg.TotalMin.IsZero() && v.LessThan(a.cfg.TotalMin) {
		return false
	}
	if !a.cfg.TotalMax.IsZero() && v.GreaterThan(a.cfg.TotalMax) {
		return false
	}
	return true
}

// symbolCurrency maps the common currency symbols to codes. An unrecognised
// symbol still counts as currency adjacency.
func symbolCurrency(s string) string {
	switch {
	case strings.Contains(s, "€"):
		return "EUR"
	case strings.Contains(s, "£"):
		return "GBP"
	case strings.Contains(s, "$"):
		return "USD"
	case strings.Contains(s, "¥"):
		return "JPY"
	}
	return "XXX"
}

// bestTotal picks the in-band candidate with the highest confidence; ties go
// to the larger value, then the earliest offset.
func bestTotal(cands []TotalCandidate) *TotalCandidate {
	var best *TotalCandidate
	for i := range cands {
		c := &cands[i]
		if !c.InBand || !c.Value.IsPositive() {
			continue
		}
		switch {
		case best == nil:
			best = c
		case c.Confidence > best.Confidence:
			best = c
		case c.Confidence == best.Confidence && c.Value.GreaterThan(best.Value):
			best = c
		}
	}
	return best
}

func wordBoundary(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// ============================================================================
// Sections
// ============================================================================

func (a *Analyzer) sections(text string) []Section {
	var sections []Section

	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		start := offset
		offset += len(line)

		title, ok := a.sectionTitle(line)
		if !ok {
			continue
		}
		lead := len(line) - len(strings.TrimLeft(line, " \t#*"))
		kind, recognized := a.classify(title)
		sections = append(sections, Section{
			Title:       title,
			Kind:        kind,
			StartOffset: start + lead,
			Recognized:  recognized,
		})
	}
	return sections
}

// sectionTitle reports whether line is a section heading: a markdown heading,
// or a short, upper-case-heavy line that carries no amount.
func (a *Analyzer) sectionTitle(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	markdown := strings.HasPrefix(trimmed, "#")
	title := strings.TrimSpace(strings.Trim(trimmed, "#*_ \t"))
	title = strings.TrimRight(title, ":")

	if title == "" || utf8.RuneCountInString(title) > a.cfg.MaxTitleLength {
		return "", false
	}
	if strings.HasPrefix(trimmed, "|") {
		return "", false
	}
	for _, tok := range numparse.FindTokens(title) {
		if numparse.DigitCount(tok.Text) >= 5 {
			return "", false
		}
	}
	if longestDigitRun(title) >= 5 {
		return "", false
	}
	if markdown {
		return title, true
	}

	letters, upper := 0, 0
	for _, r := range title {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters < 3 || float64(upper)/float64(letters) < a.cfg.MinUpperRatio {
		return "", false
	}
	return title, true
}

// classify maps a title to its kind. Summary keywords win over holdings
// keywords ("TOTAL BONDS" is a summary), and an unknown title is holdings.
func (a *Analyzer) classify(title string) (SectionKind, bool) {
	lower := strings.ToLower(title)
	for _, kw := range a.cfg.SummaryKeywords {
		if containsWord(lower, kw) {
			return SectionSummary, true
		}
	}
	for _, kw := range a.cfg.HoldingsKeywords {
		if containsWord(lower, kw) {
			return SectionHoldings, true
		}
	}
	return SectionHoldings, false
}

func containsWord(s, word string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], word)
		if j < 0 {
			return false
		}
		start := i + j
		if wordBoundary(s, start, start+len(word)) {
			return true
		}
		i = start + 1
		if i >= len(s) {
			return false
		}
	}
}

func longestDigitRun(s string) int {
	best, run := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			run++
			if run > best {
				best = run
			}
			continue
		}
		run = 0
	}
	return best
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), "_")
}
