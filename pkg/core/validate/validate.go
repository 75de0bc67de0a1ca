// Package validate checks reconciled holdings against the document they were
// extracted from and measures how well their sum matches the declared total.
package validate

import (
	"fmt"

	"github.com/shopspring/decimal"

	"portfolio_reconciler/pkg/core/docstruct"
	"portfolio_reconciler/pkg/core/errs"
)

// DefaultMaxHoldingFraction caps a single holding at 30% of the declared total.
const DefaultMaxHoldingFraction = 0.30

// =============================================================================
// PLAUSIBILITY
// =============================================================================

// Holding is the part of a reconciled security the plausibility rules inspect.
type Holding struct {
	Identifier string
	Value      decimal.Decimal
	// Position is the byte offset the value was read at, nil if unknown.
	// Holdings without a position skip the section rule.
	Position *int
}

// Plausibility rejects values that cannot be a real position.
type Plausibility struct {
	// MaxHoldingFraction is the largest share of the declared total one
	// holding may have. Zero disables the rule.
	MaxHoldingFraction float64
}

// NewPlausibility returns the validator with the default dominance rule.
func NewPlausibility() *Plausibility {
	return &Plausibility{MaxHoldingFraction: DefaultMaxHoldingFraction}
}

// Check applies every rule to h in order and returns the first violation,
// wrapped in errs.ErrImplausible. A nil structure skips the document rules.
func (p *Plausibility) Check(h Holding, st *docstruct.Structure) error {
	if !h.Value.IsPositive() {
		return fmt.Errorf("%w: value %s is not positive", errs.ErrImplausible, h.Value)
	}
	if st == nil {
		return nil
	}

	if h.Position != nil {
		if sec := st.SectionAt(*h.Position); sec != nil && sec.Kind == docstruct.SectionSummary {
			return fmt.Errorf("%w: found in summary section %q", errs.ErrImplausible, sec.Title)
		}
	}

	if p.MaxHoldingFraction > 0 && st.DeclaredTotal != nil && st.DeclaredTotal.IsPositive() {
		limit := st.DeclaredTotal.Mul(decimal.NewFromFloat(p.MaxHoldingFraction))
		if h.Value.GreaterThan(limit) {
			return fmt.Errorf("%w: value %s exceeds %.0f%% of declared total %s",
				errs.ErrImplausible, h.Value.StringFixed(2), p.MaxHoldingFraction*100, st.DeclaredTotal.StringFixed(2))
		}
	}
	return nil
}

// =============================================================================
// ACCURACY
// =============================================================================

// AccuracyReport compares the extracted sum with the declared total.
type AccuracyReport struct {
	ExtractedTotal decimal.Decimal  `json:"extracted_total"`
	DeclaredTotal  *decimal.Decimal `json:"declared_total"`
	// AccuracyRatio is min/max of the two totals; nil when it cannot be computed.
	AccuracyRatio *float64 `json:"accuracy_ratio"`
}

// Accuracy sums values and compares the sum with declared. Without a
// positive declared total (or with a zero sum) the ratio stays nil and the
// error wraps errs.ErrNoDeclaredTotal; the report is still valid.
func Accuracy(values []decimal.Decimal, declared *decimal.Decimal) (AccuracyReport, error) {
	report := AccuracyReport{ExtractedTotal: decimal.Sum(decimal.Zero, values...)}
	if declared == nil {
		return report, fmt.Errorf("%w: document declares no total", errs.ErrNoDeclaredTotal)
	}
	d := *declared
	report.DeclaredTotal = &d

	if !d.IsPositive() || !report.ExtractedTotal.IsPositive() {
		return report, fmt.Errorf("%w: totals %s / %s are not both positive",
			errs.ErrNoDeclaredTotal, report.ExtractedTotal, d)
	}

	lo, hi := decimal.Min(report.ExtractedTotal, d), decimal.Max(report.ExtractedTotal, d)
	ratio, _ := lo.DivRound(hi, 8).Float64()
	report.AccuracyRatio = &ratio
	return report, nil
}
