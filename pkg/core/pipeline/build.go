package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"portfolio_reconciler/pkg/core/candidate"
	"portfolio_reconciler/pkg/core/config"
	"portfolio_reconciler/pkg/core/docstruct"
	"portfolio_reconciler/pkg/core/extract"
	"portfolio_reconciler/pkg/core/llm"
	"portfolio_reconciler/pkg/core/patterns"
	"portfolio_reconciler/pkg/core/prompt"
	"portfolio_reconciler/pkg/core/reconcile"
	"portfolio_reconciler/pkg/core/scoring"
	"portfolio_reconciler/pkg/core/store"
)

// Deps are the external collaborators NewFromConfig would otherwise create.
// Nil fields are built from the configuration.
type Deps struct {
	Provider llm.Provider
	DB       store.Querier
	Metrics  prometheus.Registerer
}

// NewFromConfig assembles an orchestrator from cfg. It opens the shared
// database pool when cfg.Database.URL is set and deps.DB is nil.
func NewFromConfig(ctx context.Context, cfg *config.Config, deps Deps) (*Orchestrator, error) {
	validator := cfg.Validator()
	analyzer := docstruct.NewAnalyzer(cfg.AnalyzerConfig())

	db := deps.DB
	if db == nil && cfg.Database.URL != "" {
		if err := store.InitDB(ctx, cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if pool := store.GetPool(); pool != nil {
			db = pool
		}
	}
	if db != nil && cfg.Database.Migrate {
		if err := store.Migrate(ctx, db); err != nil {
			return nil, err
		}
	}

	registry := candidate.NewRegistry()
	pattern := extract.NewPatternStrategy()
	pattern.Validator = validator
	table := extract.NewTableStrategy()
	table.Validator = validator
	html := extract.NewHTMLTableStrategy()
	html.Validator = validator
	for _, s := range []candidate.Strategy{pattern, table, html} {
		if err := registry.Register(s); err != nil {
			return nil, err
		}
	}

	if cfg.LLM.Enabled {
		s, err := newLLMStrategy(cfg, deps.Provider, analyzer, db)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(s); err != nil {
			return nil, err
		}
	}

	opts := []reconcile.Option{
		reconcile.WithAnalyzer(analyzer),
		reconcile.WithValidator(validator),
		reconcile.WithScorer(scoring.NewScorer(cfg.ScorerConfig())),
	}
	if cfg.OverridesFile != "" {
		ov, err := reconcile.LoadOverrides(cfg.OverridesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, reconcile.WithOverrides(ov))
	}
	var profiles patterns.Store
	if cfg.Patterns.Enabled {
		profiles = patterns.NewMemoryStore()
		opts = append(opts, reconcile.WithPatternStore(profiles))
	}

	o := NewOrchestrator(registry, reconcile.NewEngine(cfg.EngineConfig(), opts...))
	o.SetCollector(&candidate.Collector{
		Weights: cfg.Collector.Weights,
		Timeout: cfg.Collector.Timeout,
		Metrics: candidate.NewMetrics(deps.Metrics),
	})
	o.SetSettings(Settings{
		Strategies:     cfg.Collector.Strategies,
		RetryAttempts:  cfg.Collector.RetryAttempts,
		RetryDelay:     cfg.Collector.RetryDelay,
		LearnThreshold: cfg.Patterns.LearnThreshold,
		MinSimilarity:  cfg.Patterns.MinSimilarity,
	})
	if profiles != nil {
		o.SetPatternStore(profiles)
	}
	if db != nil {
		o.SetRepository(store.NewRunRepo(db))
	}

	slog.Info("pipeline configured",
		"strategies", registry.Names(),
		"llm", cfg.LLM.Enabled,
		"database", db != nil,
		"patterns", cfg.Patterns.Enabled)
	return o, nil
}

func newLLMStrategy(cfg *config.Config, provider llm.Provider, analyzer *docstruct.Analyzer, db store.Querier) (*extract.LLMStrategy, error) {
	if provider == nil {
		p, err := llm.New(cfg.LLM.Config)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	s := extract.NewLLMStrategy(provider)
	s.Analyzer = analyzer
	s.Limiter = rate.NewLimiter(rate.Limit(cfg.LLM.RatePerSecond), cfg.LLM.Burst)
	s.MaxChars = cfg.LLM.MaxChars
	if cfg.LLM.Model != "" {
		s.Options["model"] = cfg.LLM.Model
	}

	if cfg.PromptsDir != "" {
		prompts := prompt.NewRegistry()
		if err := prompt.LoadFromDirectory(prompts, cfg.PromptsDir); err != nil {
			return nil, err
		}
		s.Prompts = prompts
	}

	if db != nil || cfg.LLM.CacheDir != "" {
		s.Cache = store.NewReplyCache(db, cfg.LLM.CacheDir)
	}
	return s, nil
}
