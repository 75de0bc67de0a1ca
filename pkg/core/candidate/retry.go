package candidate

import (
	"context"
	"time"

	"portfolio_reconciler/pkg/core/errs"
	"portfolio_reconciler/pkg/core/logging"
)

// RetryStrategy re-runs a strategy while it reports a transient overload.
type RetryStrategy struct {
	Strategy
	Attempts int
	Delay    time.Duration
}

// WithRetry wraps s so that errors wrapping errs.ErrOverloaded are retried
// with a fixed delay, up to attempts runs in total. Other errors return at once.
func WithRetry(s Strategy, attempts int, delay time.Duration) *RetryStrategy {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryStrategy{Strategy: s, Attempts: attempts, Delay: delay}
}

func (r *RetryStrategy) Extract(ctx context.Context, text string) ([]Record, error) {
	var lastErr error
	for attempt := 1; attempt <= r.Attempts; attempt++ {
		records, err := r.Strategy.Extract(ctx, text)
		if err == nil {
			return records, nil
		}
		lastErr = err
		if !errs.IsTransient(err) || attempt == r.Attempts {
			break
		}

		logging.FromContext(ctx).WarnContext(ctx, "strategy overloaded, retrying",
			"source", r.Name(), "attempt", attempt, "of", r.Attempts, "delay", r.Delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.Delay):
		}
	}
	return nil, lastErr
}
