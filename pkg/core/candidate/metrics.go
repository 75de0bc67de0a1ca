package candidate

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments candidate collection.
type Metrics struct {
	Candidates *prometheus.CounterVec
	Failures   *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// NewMetrics creates the collection metrics and registers them on reg. A nil
// reg leaves them unregistered. Registering twice on the same registry reuses
// the collectors already there.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recon",
			Subsystem: "collector",
			Name:      "candidates_total",
			Help:      "Candidate records produced, by source.",
		}, []string{"source"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recon",
			Subsystem: "collector",
			Name:      "source_failures_total",
			Help:      "Strategies that produced no output, by source and reason.",
		}, []string{"source", "reason"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "recon",
			Subsystem: "collector",
			Name:      "strategy_duration_seconds",
			Help:      "Wall time of one strategy run.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"source"}),
	}
	if reg == nil {
		return m
	}

	m.Candidates = register(reg, m.Candidates)
	m.Failures = register(reg, m.Failures)
	m.Duration = register(reg, m.Duration)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observe(source string, n int, seconds float64) {
	if m == nil {
		return
	}
	m.Candidates.WithLabelValues(source).Add(float64(n))
	m.Duration.WithLabelValues(source).Observe(seconds)
}

func (m *Metrics) fail(source, reason string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(source, reason).Inc()
}
