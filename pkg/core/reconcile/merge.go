package reconcile

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"portfolio_reconciler/pkg/core/candidate"
)

// Method names how a security's value was decided.
type Method string

const (
	MethodSingleSource      Method = "single_source"
	MethodWeightedAverage   Method = "weighted_average"
	MethodHighestConfidence Method = "highest_confidence"
)

// Security is one reconciled holding.
type Security struct {
	Identifier          string          `json:"identifier"`
	Name                string          `json:"name"`
	Value               decimal.Decimal `json:"value"`
	Currency            string          `json:"currency"`
	Confidence          float64         `json:"confidence"`
	Method              Method          `json:"reconciliation_method"`
	ContributingSources int             `json:"contributing_sources"`
	// Position is the offset of the most trusted located candidate, nil if
	// no candidate was located.
	Position   *int `json:"position,omitempty"`
	Overridden bool `json:"overridden,omitempty"`
}

// mergeConfig is the part of the engine configuration merge needs.
type mergeConfig struct {
	SpreadThreshold float64
	AgreementBonus  float64
	MinNameLength   int
	FallbackCcy     string
}

// merge folds the scored candidates of one identifier into a Security. It
// returns false when no candidate carries a positive value.
func merge(id string, group []candidate.Record, cfg mergeConfig) (Security, bool) {
	cands := make([]candidate.Record, 0, len(group))
	for _, r := range group {
		if r.Value != nil && r.Value.IsPositive() {
			cands = append(cands, r)
		}
	}
	if len(cands) == 0 {
		return Security{}, false
	}
	byConfidence(cands)
	best := cands[0]

	sec := Security{
		Identifier:          id,
		Name:                pickName(cands, cfg.MinNameLength),
		Currency:            pickCurrency(cands, cfg.FallbackCcy),
		ContributingSources: distinctSources(cands),
		Position:            pickPosition(cands),
	}

	if len(cands) == 1 {
		sec.Method = MethodSingleSource
		sec.Value = *best.Value
		sec.Confidence = best.Confidence
		return sec, true
	}

	spread := Spread(values(cands))
	if spread < cfg.SpreadThreshold {
		sec.Method = MethodHighestConfidence
		sec.Value = *best.Value
		sec.Confidence = min(best.Confidence+cfg.AgreementBonus*float64(sec.ContributingSources-1), 1)
		return sec, true
	}

	sec.Method = MethodWeightedAverage
	sec.Value, sec.Confidence = weightedAverage(cands)
	sec.Confidence /= 1 + spread
	return sec, true
}

// Spread is (max - min) / mean of vs, 0 for fewer than two values.
func Spread(vs []decimal.Decimal) float64 {
	if len(vs) < 2 {
		return 0
	}
	lo, hi := decimal.Min(vs[0], vs[1:]...), decimal.Max(vs[0], vs[1:]...)
	mean := decimal.Avg(vs[0], vs[1:]...)
	if !mean.IsPositive() {
		return 0
	}
	s, _ := hi.Sub(lo).Div(mean).Float64()
	return s
}

// weightedAverage returns Σ(v·c)/Σc rounded to cents, and the
// confidence-weighted mean confidence Σ(c·c)/Σc.
func weightedAverage(cands []candidate.Record) (decimal.Decimal, float64) {
	num, den := decimal.Zero, decimal.Zero
	confNum, confDen := 0.0, 0.0
	for _, c := range cands {
		w := decimal.NewFromFloat(c.Confidence)
		num = num.Add(c.Value.Mul(w))
		den = den.Add(w)
		confNum += c.Confidence * c.Confidence
		confDen += c.Confidence
	}
	if den.IsZero() || confDen == 0 {
		vs := values(cands)
		return decimal.Avg(vs[0], vs[1:]...).Round(2), 0
	}
	return num.DivRound(den, 8).Round(2), confNum / confDen
}

// byConfidence orders candidates most trusted first. Ties go to the larger
// value, then the source tag, then the earlier position.
func byConfidence(cands []candidate.Record) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if c := a.Value.Cmp(*b.Value); c != 0 {
			return c > 0
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Offset() < b.Offset()
	})
}

func pickName(cands []candidate.Record, minLen int) string {
	for _, c := range cands {
		if name := strings.TrimSpace(c.Name); len(name) > minLen {
			return name
		}
	}
	for _, c := range cands {
		if name := strings.TrimSpace(c.Name); name != "" {
			return name
		}
	}
	return ""
}

func pickCurrency(cands []candidate.Record, fallback string) string {
	for _, c := range cands {
		if c.Currency != "" {
			return c.Currency
		}
	}
	return fallback
}

func pickPosition(cands []candidate.Record) *int {
	for _, c := range cands {
		if c.HasPosition() {
			p := c.Offset()
			return &p
		}
	}
	return nil
}

func distinctSources(cands []candidate.Record) int {
	seen := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		seen[c.Source] = struct{}{}
	}
	return len(seen)
}

func values(cands []candidate.Record) []decimal.Decimal {
	out := make([]decimal.Decimal, len(cands))
	for i, c := range cands {
		out[i] = *c.Value
	}
	return out
}
