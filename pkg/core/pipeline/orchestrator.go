// Package pipeline runs the end-to-end flow for one statement: concurrent
// candidate collection, reconciliation, layout learning and persistence.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"portfolio_reconciler/pkg/core/candidate"
	"portfolio_reconciler/pkg/core/errs"
	"portfolio_reconciler/pkg/core/logging"
	"portfolio_reconciler/pkg/core/patterns"
	"portfolio_reconciler/pkg/core/reconcile"
	"portfolio_reconciler/pkg/core/store"
)

// Settings controls how strategies are run and when a layout is learned.
type Settings struct {
	// Strategies restricts the run to these registry names; empty runs all.
	Strategies    []string
	RetryAttempts int
	RetryDelay    time.Duration
	// LearnThreshold is the accuracy ratio a run needs to teach the pattern
	// store its layout.
	LearnThreshold float64
	MinSimilarity  float64
}

// DefaultSettings gives overloaded strategies up to three attempts and learns
// from runs within 2% of the declared total.
func DefaultSettings() Settings {
	return Settings{
		RetryAttempts:  3,
		RetryDelay:     2 * time.Second,
		LearnThreshold: 0.98,
		MinSimilarity:  reconcile.DefaultConfig().PatternMinSimilarity,
	}
}

// Run is the outcome of one orchestrated reconciliation.
type Run struct {
	ID         uuid.UUID         `json:"id"`
	DocumentID string            `json:"document_id"`
	Result     *reconcile.Result `json:"result"`
	// Learned is the profile updated by this run, nil when the run was not
	// accurate enough or no pattern store is configured.
	Learned  *patterns.Profile `json:"learned,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// Orchestrator wires strategies, the engine and the optional stores.
type Orchestrator struct {
	strategies *candidate.Registry
	collector  *candidate.Collector
	engine     *reconcile.Engine
	patterns   patterns.Store
	repo       store.RunRepository
	settings   Settings
}

// NewOrchestrator creates an orchestrator running every strategy of
// strategies through engine. Pattern store and repository are unset.
func NewOrchestrator(strategies *candidate.Registry, engine *reconcile.Engine) *Orchestrator {
	return &Orchestrator{
		strategies: strategies,
		collector:  candidate.NewCollector(),
		engine:     engine,
		settings:   DefaultSettings(),
	}
}

// SetRepository enables persistence of finished runs.
func (o *Orchestrator) SetRepository(repo store.RunRepository) {
	o.repo = repo
}

// SetPatternStore enables learning. It should be the store the engine reads
// profiles from.
func (o *Orchestrator) SetPatternStore(s patterns.Store) {
	o.patterns = s
}

// SetCollector replaces the default collector (weights, timeout, metrics).
func (o *Orchestrator) SetCollector(c *candidate.Collector) {
	o.collector = c
}

func (o *Orchestrator) SetSettings(s Settings) {
	o.settings = s
}

// Engine returns the reconciliation engine.
func (o *Orchestrator) Engine() *reconcile.Engine { return o.engine }

// Run reconciles text for documentID. Extraction and learning problems end
// up as diagnostics or log lines; only a failure to persist the finished run
// is returned, together with the run itself.
func (o *Orchestrator) Run(ctx context.Context, documentID, text string) (*Run, error) {
	start := time.Now()
	run := &Run{ID: uuid.New(), DocumentID: documentID}

	ctx = logging.WithRunID(ctx, run.ID.String())
	logger := logging.FromContext(ctx).With("document_id", documentID)
	ctx = logging.WithContext(ctx, logger)
	logger.InfoContext(ctx, "pipeline started", "chars", len(text))

	// 1. Collection.
	strategies, missing := o.selectStrategies()
	sources, diags := o.collector.Collect(ctx, text, strategies...)
	diags = append(missing, diags...)

	// 2. Reconciliation.
	res := o.engine.ReconcileContext(ctx, text, sources)
	res.Diagnostics = append(diags, res.Diagnostics...)
	run.Result = res

	// 3. Learning.
	run.Learned = o.learn(ctx, logger, res, sources)

	// 4. Persistence.
	run.Duration = time.Since(start)
	if o.repo != nil {
		rec := &store.RunRecord{ID: run.ID, DocumentID: documentID, Result: res}
		if err := o.repo.Save(ctx, rec); err != nil {
			logger.ErrorContext(ctx, "failed to save run", "error", err)
			return run, fmt.Errorf("failed to save run %s: %w", run.ID, err)
		}
	}

	logger.InfoContext(ctx, "pipeline completed",
		"securities", len(res.Securities),
		"diagnostics", len(res.Diagnostics),
		"learned", run.Learned != nil,
		"elapsed", run.Duration)
	return run, nil
}

// selectStrategies resolves the configured strategy names and wraps each
// strategy for retry. Unknown names become SourceUnavailable diagnostics.
func (o *Orchestrator) selectStrategies() ([]candidate.Strategy, []errs.Diagnostic) {
	var picked []candidate.Strategy
	var diags []errs.Diagnostic

	if len(o.settings.Strategies) == 0 {
		picked = o.strategies.All()
	} else {
		for _, name := range o.settings.Strategies {
			s, err := o.strategies.Get(name)
			if err != nil {
				diags = append(diags, errs.FromError(fmt.Errorf("%w: %v", errs.ErrSourceUnavailable, err), "", name))
				continue
			}
			picked = append(picked, s)
		}
	}

	if o.settings.RetryAttempts > 1 {
		for i, s := range picked {
			picked[i] = candidate.WithRetry(s, o.settings.RetryAttempts, o.settings.RetryDelay)
		}
	}
	return picked, diags
}

// learn records the document layout and the tuning derived from the run
// when the run matched its declared total closely enough.
func (o *Orchestrator) learn(ctx context.Context, logger *slog.Logger, res *reconcile.Result, sources []candidate.Source) *patterns.Profile {
	ratio := res.Accuracy.AccuracyRatio
	if o.patterns == nil || ratio == nil || *ratio < o.settings.LearnThreshold {
		return nil
	}

	tuning := patterns.Derive(o.observe(res, sources))
	p, err := patterns.Learn(o.patterns, res.Structure.Features(), tuning, *ratio, o.settings.MinSimilarity)
	if err != nil {
		logger.WarnContext(ctx, "failed to learn layout", "error", err)
		return nil
	}
	logger.DebugContext(ctx, "layout learned",
		"profile", p.ID,
		"samples", p.Samples,
		"source_weights", tuning.SourceWeights)
	return p
}

// observe collects the limits in force for res and what the run produced.
func (o *Orchestrator) observe(res *reconcile.Result, sources []candidate.Source) patterns.Observation {
	cfg := o.engine.Config()
	band := o.engine.Analyzer().Config()
	obs := patterns.Observation{
		MaxHoldingFraction: cfg.MaxHoldingFraction,
		TotalMin:           band.TotalMin,
		TotalMax:           band.TotalMax,
		Weights:            make(map[string]float64, len(sources)),
		Agreement:          res.SourceAgreement,
	}
	if res.Profile != nil {
		t := res.Profile.Profile.Tuning
		if t.MaxHoldingFraction != nil {
			obs.MaxHoldingFraction = *t.MaxHoldingFraction
		}
		if t.TotalMin != nil {
			obs.TotalMin = *t.TotalMin
		}
		if t.TotalMax != nil {
			obs.TotalMax = *t.TotalMax
		}
	}
	if res.Accuracy.DeclaredTotal != nil {
		obs.DeclaredTotal = *res.Accuracy.DeclaredTotal
	}
	for _, sec := range res.Securities {
		if sec.Value.GreaterThan(obs.Largest) {
			obs.Largest = sec.Value
		}
	}
	for _, src := range sources {
		obs.Weights[src.Tag] = src.EffectiveWeight()
	}
	return obs
}
