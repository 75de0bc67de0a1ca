package candidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"portfolio_reconciler/pkg/core/errs"
	"portfolio_reconciler/pkg/core/logging"
)

// DefaultTimeout bounds one strategy run when the collector has none configured.
const DefaultTimeout = 60 * time.Second

// Collector runs strategies over the same text and gathers their output.
type Collector struct {
	// Weights maps a source tag to its trust weight. Missing tags weigh 1.
	Weights map[string]float64
	// Timeout bounds each strategy individually.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *Metrics
}

// NewCollector returns a collector with the default timeout.
func NewCollector() *Collector {
	return &Collector{Timeout: DefaultTimeout}
}

type outcome struct {
	source Source
	diag   *errs.Diagnostic
}

// Collect runs every strategy concurrently. A strategy that fails, panics or
// times out contributes an empty source and a SourceUnavailable diagnostic;
// collection itself never fails. Sources come back ordered by tag.
func (c *Collector) Collect(ctx context.Context, text string, strategies ...Strategy) ([]Source, []errs.Diagnostic) {
	logger := c.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}

	results := make([]outcome, len(strategies))
	var g errgroup.Group
	for i, s := range strategies {
		g.Go(func() error {
			results[i] = c.run(ctx, logger, s, text)
			return nil
		})
	}
	_ = g.Wait()

	sources := make([]Source, 0, len(results))
	var diags []errs.Diagnostic
	for _, r := range results {
		sources = append(sources, r.source)
		if r.diag != nil {
			diags = append(diags, *r.diag)
		}
	}
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].Tag < sources[j].Tag })
	sort.SliceStable(diags, func(i, j int) bool { return diags[i].Source < diags[j].Source })
	return sources, diags
}

func (c *Collector) run(ctx context.Context, logger *slog.Logger, s Strategy, text string) outcome {
	name := s.Name()
	src := Source{Tag: name, Weight: c.weight(name)}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	records, err := extract(runCtx, s, text)
	elapsed := time.Since(start)

	if err != nil {
		reason := "error"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		case errors.Is(err, context.Canceled):
			reason = "canceled"
		case errors.Is(err, errPanic):
			reason = "panic"
		}
		c.Metrics.fail(name, reason)
		logger.WarnContext(ctx, "strategy unavailable",
			"source", name, "reason", reason, "elapsed", elapsed, "error", err)

		d := errs.FromError(fmt.Errorf("%w: %v", errs.ErrSourceUnavailable, err), "", name)
		return outcome{source: src, diag: &d}
	}

	src.Candidates = make([]Record, 0, len(records))
	for _, r := range records {
		r = r.Clone()
		if r.Source == "" {
			r.Source = name
		}
		src.Candidates = append(src.Candidates, r)
	}

	c.Metrics.observe(name, len(src.Candidates), elapsed.Seconds())
	logger.DebugContext(ctx, "strategy finished",
		"source", name, "candidates", len(src.Candidates), "elapsed", elapsed)
	return outcome{source: src}
}

func (c *Collector) weight(tag string) float64 {
	if w, ok := c.Weights[tag]; ok && w > 0 {
		return w
	}
	return 1.0
}

var errPanic = errors.New("strategy panicked")

type extraction struct {
	records []Record
	err     error
}

// extract runs the strategy in its own goroutine so that a strategy ignoring
// its context still cannot hold the collection past the deadline.
func extract(ctx context.Context, s Strategy, text string) ([]Record, error) {
	done := make(chan extraction, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- extraction{err: fmt.Errorf("%w: %v", errPanic, p)}
			}
		}()
		records, err := s.Extract(ctx, text)
		done <- extraction{records: records, err: err}
	}()

	select {
	case res := <-done:
		return res.records, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
