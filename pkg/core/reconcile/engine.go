// Package reconcile merges the disagreeing candidate sets of several
// extraction strategies into one validated list of securities.
//
// A run analyzes the document, validates and parses every candidate, scores
// it, groups candidates by identifier, merges each group, removes duplicates,
// applies manual overrides, rejects implausible values and finally measures
// the result against the total the document declares. Nothing in a run is
// fatal: problems become diagnostics on the Result.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"portfolio_reconciler/pkg/core/candidate"
	"portfolio_reconciler/pkg/core/docstruct"
	"portfolio_reconciler/pkg/core/errs"
	"portfolio_reconciler/pkg/core/identifier"
	"portfolio_reconciler/pkg/core/logging"
	"portfolio_reconciler/pkg/core/numparse"
	"portfolio_reconciler/pkg/core/patterns"
	"portfolio_reconciler/pkg/core/scoring"
	"portfolio_reconciler/pkg/core/validate"
)

// Config holds the engine thresholds.
type Config struct {
	// SpreadThreshold separates agreement (highest_confidence) from
	// disagreement (weighted_average).
	SpreadThreshold float64
	// AgreementBonus is added per extra source agreeing on a value.
	AgreementBonus float64
	// MinNameLength: names this short or shorter are only used as a fallback.
	MinNameLength      int
	MaxHoldingFraction float64
	// PatternMinSimilarity is the Jaccard similarity a stored profile needs
	// to tune a run.
	PatternMinSimilarity float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		SpreadThreshold:      0.10,
		AgreementBonus:       0.05,
		MinNameLength:        5,
		MaxHoldingFraction:   validate.DefaultMaxHoldingFraction,
		PatternMinSimilarity: 0.6,
	}
}

// Result is the outcome of one reconciliation.
type Result struct {
	Securities  []Security              `json:"securities"`
	Accuracy    validate.AccuracyReport `json:"accuracy"`
	Structure   docstruct.Structure     `json:"structure"`
	Diagnostics []errs.Diagnostic       `json:"diagnostics"`
	Scores      []scoring.Breakdown     `json:"scores,omitempty"`
	Profile     *patterns.Match         `json:"profile,omitempty"`
	// SourceAgreement is, per source tag, the share of its candidates on
	// kept securities whose value lies within AgreementTolerance of the
	// reconciled value.
	SourceAgreement map[string]float64 `json:"source_agreement,omitempty"`
}

// AgreementTolerance is the relative difference under which a candidate
// value counts as agreeing with the reconciled value.
var AgreementTolerance = decimal.NewFromFloat(0.005)

// Engine reconciles candidate sources. It is safe for concurrent use once
// built.
type Engine struct {
	cfg       Config
	analyzer  *docstruct.Analyzer
	validator *identifier.Validator
	scorer    *scoring.Scorer
	overrides Overrides
	store     patterns.Store
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithAnalyzer replaces the default document structure analyzer.
func WithAnalyzer(a *docstruct.Analyzer) Option { return func(e *Engine) { e.analyzer = a } }

// WithValidator replaces the default identifier validator.
func WithValidator(v *identifier.Validator) Option { return func(e *Engine) { e.validator = v } }

// WithScorer replaces the default confidence scorer.
func WithScorer(s *scoring.Scorer) Option { return func(e *Engine) { e.scorer = s } }

// WithOverrides installs a manual override table.
func WithOverrides(o Overrides) Option { return func(e *Engine) { e.overrides = o } }

// WithPatternStore enables per-layout tuning from store.
func WithPatternStore(s patterns.Store) Option { return func(e *Engine) { e.store = s } }

// WithLogger sets the logger used when the context carries none.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine builds an Engine with defaults for every collaborator not set by
// an option.
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.analyzer == nil {
		e.analyzer = docstruct.NewAnalyzer(docstruct.DefaultConfig())
	}
	if e.validator == nil {
		e.validator = identifier.NewValidator()
	}
	if e.scorer == nil {
		e.scorer = scoring.NewScorer(scoring.DefaultConfig())
	}
	return e
}

// Config returns the engine thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Analyzer returns the structure analyzer the engine uses.
func (e *Engine) Analyzer() *docstruct.Analyzer { return e.analyzer }

// Reconcile runs a reconciliation with a background context.
func (e *Engine) Reconcile(text string, sources []candidate.Source) *Result {
	return e.ReconcileContext(context.Background(), text, sources)
}

// run carries the per-document state of one reconciliation.
type run struct {
	cfg       Config
	structure docstruct.Structure
	weights   map[string]float64
	diags     []errs.Diagnostic
}

// ReconcileContext reconciles sources against text. The same input always
// produces the same output. The context only carries logging metadata.
func (e *Engine) ReconcileContext(ctx context.Context, text string, sources []candidate.Source) *Result {
	logger := logging.FromContextOr(ctx, e.logger)

	r := &run{cfg: e.cfg}
	res := &Result{}

	// 1. Structure, tuned by the nearest known layout.
	analyzer := e.analyzer
	r.structure = analyzer.Analyze(text)
	if m := e.profile(ctx, logger, r.structure.Features()); m != nil {
		res.Profile = m
		t := m.Profile.Tuning
		if t.TotalMin != nil || t.TotalMax != nil {
			lo, hi := analyzer.Config().TotalMin, analyzer.Config().TotalMax
			if t.TotalMin != nil {
				lo = *t.TotalMin
			}
			if t.TotalMax != nil {
				hi = *t.TotalMax
			}
			r.structure = analyzer.WithBand(lo, hi).Analyze(text)
		}
		if t.SpreadThreshold != nil {
			r.cfg.SpreadThreshold = *t.SpreadThreshold
		}
		if t.MaxHoldingFraction != nil {
			r.cfg.MaxHoldingFraction = *t.MaxHoldingFraction
		}
		r.weights = t.SourceWeights
	}
	res.Structure = r.structure

	// 2. Validate, parse and score.
	kinds := make(map[string]identifier.Kind)
	var scored []candidate.Record
	var tags []string
	for _, src := range orderedSources(sources) {
		normalized := e.normalize(src, kinds, r)
		if w, ok := r.weights[src.Tag]; ok && w > 0 {
			normalized.Weight = w
		}
		recs, breakdowns := e.scorer.Score(text, &r.structure, normalized, kinds)
		scored = append(scored, recs...)
		for range recs {
			tags = append(tags, src.Tag)
		}
		res.Scores = append(res.Scores, breakdowns...)
	}

	// 3. Group and merge.
	groups := make(map[string][]candidate.Record)
	for _, rec := range scored {
		groups[rec.Identifier] = append(groups[rec.Identifier], rec)
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	mc := mergeConfig{
		SpreadThreshold: r.cfg.SpreadThreshold,
		AgreementBonus:  r.cfg.AgreementBonus,
		MinNameLength:   r.cfg.MinNameLength,
		FallbackCcy:     r.structure.PrimaryCurrency,
	}
	merged := make([]Security, 0, len(ids))
	for _, id := range ids {
		sec, ok := merge(id, groups[id], mc)
		if !ok {
			r.diag(errs.ErrNoCandidates, id, "", "no candidate with a positive value")
			continue
		}
		merged = append(merged, sec)
	}

	// 4. Uniqueness, then manual corrections.
	unique, dupDiags := ResolveDuplicates(merged, logger)
	r.diags = append(r.diags, dupDiags...)
	corrected, ovDiags := e.overrides.Apply(unique)
	r.diags = append(r.diags, ovDiags...)

	// 5. Plausibility.
	plaus := &validate.Plausibility{MaxHoldingFraction: r.cfg.MaxHoldingFraction}
	kept := make([]Security, 0, len(corrected))
	for _, sec := range corrected {
		if !sec.Overridden {
			h := validate.Holding{Identifier: sec.Identifier, Value: sec.Value, Position: sec.Position}
			if err := plaus.Check(h, &r.structure); err != nil {
				r.diags = append(r.diags, errs.FromError(err, sec.Identifier, ""))
				continue
			}
		}
		kept = append(kept, sec)
	}

	// 6. Accuracy and output order.
	sortSecurities(kept)
	vals := make([]decimal.Decimal, len(kept))
	for i, sec := range kept {
		vals[i] = sec.Value
	}
	report, err := validate.Accuracy(vals, r.structure.DeclaredTotal)
	if err != nil {
		r.diags = append(r.diags, errs.FromError(err, "", ""))
	}

	res.Securities = kept
	res.Accuracy = report
	res.SourceAgreement = agreement(scored, tags, kept)
	res.Diagnostics = r.diags

	attrs := []any{
		"securities", len(kept),
		"diagnostics", len(r.diags),
		"locale", r.structure.Locale.String(),
		"extracted_total", report.ExtractedTotal.StringFixed(2),
	}
	if report.AccuracyRatio != nil {
		attrs = append(attrs, "accuracy_ratio", *report.AccuracyRatio)
	}
	logger.InfoContext(ctx, "reconciliation finished", attrs...)
	return res
}

// normalize validates identifiers and parses values of one source. Records
// that cannot take part are dropped with a diagnostic.
func (e *Engine) normalize(src candidate.Source, kinds map[string]identifier.Kind, r *run) candidate.Source {
	out := candidate.Source{Tag: src.Tag, Weight: src.Weight, Candidates: make([]candidate.Record, 0, len(src.Candidates))}

	for _, rec := range src.Candidates {
		rec = rec.Clone()
		if rec.Source == "" {
			rec.Source = src.Tag
		}

		res, err := e.validator.Validate(rec.Identifier)
		if err != nil {
			r.diags = append(r.diags, errs.FromError(err, strings.TrimSpace(rec.Identifier), rec.Source))
			continue
		}
		rec.Identifier = res.Token
		kinds[res.Token] = res.Kind

		if rec.Value == nil {
			if strings.TrimSpace(rec.ValueToken) == "" {
				r.diag(errs.ErrUnparseableNumber, rec.Identifier, rec.Source, "candidate carries no value")
				continue
			}
			v, _, err := numparse.ParseAny(rec.ValueToken, r.structure.Locale)
			if err != nil {
				r.diags = append(r.diags, errs.FromError(err, rec.Identifier, rec.Source))
				continue
			}
			rec = rec.WithValue(v)
		}

		rec.Currency = strings.ToUpper(strings.TrimSpace(rec.Currency))
		if !numparse.IsCurrencyCode(rec.Currency) {
			rec.Currency = ""
		}
		if rec.Confidence > 1 {
			rec.Confidence = 1
		}
		if rec.Confidence < 0 {
			rec.Confidence = 0
		}
		out.Candidates = append(out.Candidates, rec)
	}
	return out
}

func agreement(recs []candidate.Record, tags []string, kept []Security) map[string]float64 {
	values := make(map[string]decimal.Decimal, len(kept))
	for _, sec := range kept {
		values[sec.Identifier] = sec.Value
	}
	seen := make(map[string]int)
	agreed := make(map[string]int)
	for i, rec := range recs {
		v, ok := values[rec.Identifier]
		if !ok || rec.Value == nil {
			continue
		}
		seen[tags[i]]++
		if rec.Value.Sub(v).Abs().LessThanOrEqual(v.Abs().Mul(AgreementTolerance)) {
			agreed[tags[i]]++
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make(map[string]float64, len(seen))
	for tag, n := range seen {
		out[tag] = float64(agreed[tag]) / float64(n)
	}
	return out
}

func (e *Engine) profile(ctx context.Context, logger *slog.Logger, features []string) *patterns.Match {
	if e.store == nil {
		return nil
	}
	m, err := e.store.Nearest(features, e.cfg.PatternMinSimilarity)
	if err != nil {
		logger.WarnContext(ctx, "pattern store lookup failed", "error", err)
		return nil
	}
	if m != nil {
		logger.DebugContext(ctx, "applying layout profile", "profile", m.Profile.ID, "similarity", m.Similarity)
	}
	return m
}

func (r *run) diag(sentinel error, id, source, msg string) {
	r.diags = append(r.diags, errs.FromError(fmt.Errorf("%w: %s", sentinel, msg), id, source))
}

// orderedSources sorts a copy of sources by tag so that input order never
// changes the result.
func orderedSources(sources []candidate.Source) []candidate.Source {
	out := append([]candidate.Source(nil), sources...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// sortSecurities orders by value descending, then identifier ascending.
func sortSecurities(secs []Security) {
	sort.SliceStable(secs, func(i, j int) bool {
		if c := secs[i].Value.Cmp(secs[j].Value); c != 0 {
			return c > 0
		}
		return secs[i].Identifier < secs[j].Identifier
	})
}
