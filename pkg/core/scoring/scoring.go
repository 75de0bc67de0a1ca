// Package scoring assigns confidence to candidate records that arrive without
// one, then scales every record by source trust and identifier kind.
package scoring

import (
	"math"
	"regexp"
	"strings"

	"portfolio_reconciler/pkg/core/candidate"
	"portfolio_reconciler/pkg/core/docstruct"
	"portfolio_reconciler/pkg/core/identifier"
	"portfolio_reconciler/pkg/core/numparse"
)

// Config holds the scoring weights.
type Config struct {
	Base           float64
	KeywordBonus   float64
	CurrencyBonus  float64
	LocaleBonus    float64
	MinConfidence  float64
	Window         int
	ValueKeywords  []string
	ProximityBands []ProximityBand
}

// ProximityBand grants Bonus when the identifier-to-value distance is at
// most MaxDistance.
type ProximityBand struct {
	MaxDistance int     `yaml:"max_distance"`
	Bonus       float64 `yaml:"bonus"`
}

// DefaultConfig returns the standard weights.
func DefaultConfig() Config {
	return Config{
		Base:          0.3,
		KeywordBonus:  0.2,
		CurrencyBonus: 0.1,
		LocaleBonus:   0.1,
		MinConfidence: 0.01,
		Window:        120,
		ValueKeywords: []string{
			"market value", "marktwert", "kurswert", "countervalue", "nominal",
			"valeur", "valore", "value", "amount", "betrag",
		},
		ProximityBands: []ProximityBand{
			{MaxDistance: 40, Bonus: 0.3},
			{MaxDistance: 80, Bonus: 0.2},
			{MaxDistance: 160, Bonus: 0.1},
		},
	}
}

// Breakdown explains one record's final confidence.
type Breakdown struct {
	Identifier string  `json:"identifier"`
	Source     string  `json:"source"`
	Assigned   bool    `json:"assigned"` // confidence came from the strategy
	Base       float64 `json:"base"`
	Proximity  float64 `json:"proximity"`
	Keyword    float64 `json:"keyword"`
	Currency   float64 `json:"currency"`
	Locale     float64 `json:"locale"`
	Raw        float64 `json:"raw"`
	Weight     float64 `json:"weight"`
	Inherent   float64 `json:"inherent"`
	Final      float64 `json:"final"`
}

// Scorer computes record confidence against a document.
type Scorer struct {
	cfg Config
}

// NewScorer returns a Scorer for cfg.
func NewScorer(cfg Config) *Scorer {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.01
	}
	if cfg.Window <= 0 {
		cfg.Window = 120
	}
	return &Scorer{cfg: cfg}
}

var codeRegex = regexp.MustCompile(`\b[A-Z]{3}\b`)

// Score returns a scored copy of every record in src. kinds maps a normalized
// identifier to its kind; identifiers missing from it count as isin-like.
func (s *Scorer) Score(text string, st *docstruct.Structure, src candidate.Source, kinds map[string]identifier.Kind) ([]candidate.Record, []Breakdown) {
	out := make([]candidate.Record, 0, len(src.Candidates))
	breakdowns := make([]Breakdown, 0, len(src.Candidates))

	for _, rec := range src.Candidates {
		r := rec.Clone()
		kind, ok := kinds[identifier.Normalize(r.Identifier)]
		if !ok {
			kind = identifier.KindISINLike
		}

		b := s.breakdown(text, st, r)
		b.Weight = src.EffectiveWeight()
		b.Inherent = identifier.InherentConfidence(kind)
		b.Final = s.clamp(b.Raw * b.Weight * b.Inherent)

		r.Confidence = b.Final
		out = append(out, r)
		breakdowns = append(breakdowns, b)
	}
	return out, breakdowns
}

// Raw computes the unweighted confidence of r: its own confidence when the
// strategy assigned one, else the additive heuristic.
func (s *Scorer) Raw(text string, st *docstruct.Structure, r candidate.Record) float64 {
	return s.breakdown(text, st, r).Raw
}

func (s *Scorer) breakdown(text string, st *docstruct.Structure, r candidate.Record) Breakdown {
	b := Breakdown{Identifier: r.Identifier, Source: r.Source}
	if r.Confidence > 0 {
		b.Assigned = true
		b.Raw = math.Min(r.Confidence, 1)
		return b
	}

	window := r.RawContext
	if window == "" {
		window = s.window(text, r.Offset())
	}

	b.Base = s.cfg.Base
	b.Proximity = s.proximity(r.Distance())
	if containsKeyword(window, s.cfg.ValueKeywords) {
		b.Keyword = s.cfg.KeywordBonus
	}
	if hasCurrency(window) || numparse.IsCurrencyCode(r.Currency) {
		b.Currency = s.cfg.CurrencyBonus
	}
	if st != nil && r.ValueToken != "" && numparse.Matches(r.ValueToken, st.Locale) {
		b.Locale = s.cfg.LocaleBonus
	}

	b.Raw = math.Min(b.Base+b.Proximity+b.Keyword+b.Currency+b.Locale, 1)
	return b
}

func (s *Scorer) proximity(distance int) float64 {
	if distance < 0 {
		return 0
	}
	for _, band := range s.cfg.ProximityBands {
		if distance <= band.MaxDistance {
			return band.Bonus
		}
	}
	return 0
}

// window returns the text within Window bytes around pos, widened to rune
// boundaries.
func (s *Scorer) window(text string, pos int) string {
	if pos < 0 || pos > len(text) {
		return ""
	}
	start := max(pos-s.cfg.Window, 0)
	end := min(pos+s.cfg.Window, len(text))
	for start > 0 && !isRuneStart(text[start]) {
		start--
	}
	for end < len(text) && !isRuneStart(text[end]) {
		end++
	}
	return text[start:end]
}

func (s *Scorer) clamp(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < s.cfg.MinConfidence:
		return s.cfg.MinConfidence
	case c > 1:
		return 1
	}
	return c
}

func containsKeyword(window string, keywords []string) bool {
	lower := strings.ToLower(window)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func hasCurrency(window string) bool {
	for _, code := range codeRegex.FindAllString(window, -1) {
		if numparse.IsCurrencyCode(code) {
			return true
		}
	}
	return false
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
