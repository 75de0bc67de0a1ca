// Package config loads the reconciler configuration: code defaults, then an
// optional YAML file, then an optional .env file, then RECON_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"portfolio_reconciler/pkg/core/candidate"
	"portfolio_reconciler/pkg/core/docstruct"
	"portfolio_reconciler/pkg/core/identifier"
	"portfolio_reconciler/pkg/core/llm"
	"portfolio_reconciler/pkg/core/logging"
	"portfolio_reconciler/pkg/core/reconcile"
	"portfolio_reconciler/pkg/core/scoring"
	"portfolio_reconciler/pkg/core/validate"
)

// EnvPrefix prefixes every environment variable, e.g. RECON_LOGGING_LEVEL.
const EnvPrefix = "RECON"

type Config struct {
	Reconcile    ReconcileConfig    `yaml:"reconcile" envconfig:"RECONCILE"`
	Structure    StructureConfig    `yaml:"structure" envconfig:"STRUCTURE"`
	Plausibility PlausibilityConfig `yaml:"plausibility" envconfig:"PLAUSIBILITY"`
	Identifier   IdentifierConfig   `yaml:"identifier" envconfig:"IDENTIFIER"`
	Scoring      ScoringConfig      `yaml:"scoring" envconfig:"SCORING"`
	Collector    CollectorConfig    `yaml:"collector" envconfig:"COLLECTOR"`
	LLM          LLMConfig          `yaml:"llm" envconfig:"LLM"`
	Database     DatabaseConfig     `yaml:"database" envconfig:"DATABASE"`
	Logging      logging.Config     `yaml:"logging" envconfig:"LOGGING"`
	Patterns     PatternsConfig     `yaml:"patterns" envconfig:"PATTERNS"`
	// OverridesFile is an optional YAML override table.
	OverridesFile string `yaml:"overrides_file" envconfig:"OVERRIDES_FILE"`
	// PromptsDir optionally replaces the built-in prompts.
	PromptsDir string `yaml:"prompts_dir" envconfig:"PROMPTS_DIR"`
}

type ReconcileConfig struct {
	SpreadThreshold float64 `yaml:"spread_threshold" envconfig:"SPREAD_THRESHOLD"`
	AgreementBonus  float64 `yaml:"agreement_bonus" envconfig:"AGREEMENT_BONUS"`
	MinNameLength   int     `yaml:"min_name_length" envconfig:"MIN_NAME_LENGTH"`
}

type StructureConfig struct {
	TotalMin      float64 `yaml:"total_min" envconfig:"TOTAL_MIN"`
	TotalMax      float64 `yaml:"total_max" envconfig:"TOTAL_MAX"`
	CurrencyBonus float64 `yaml:"currency_bonus" envconfig:"CURRENCY_BONUS"`
	MaxGap        int     `yaml:"max_gap" envconfig:"MAX_GAP"`
}

type PlausibilityConfig struct {
	MaxHoldingFraction float64 `yaml:"max_holding_fraction" envconfig:"MAX_HOLDING_FRACTION"`
}

type IdentifierConfig struct {
	VerifyCheckDigit bool `yaml:"verify_check_digit" envconfig:"VERIFY_CHECK_DIGIT"`
	AllowSecondary   bool `yaml:"allow_secondary" envconfig:"ALLOW_SECONDARY"`
}

type ScoringConfig struct {
	MinConfidence float64 `yaml:"min_confidence" envconfig:"MIN_CONFIDENCE"`
	Window        int     `yaml:"window" envconfig:"WINDOW"`
}

type CollectorConfig struct {
	Timeout       time.Duration      `yaml:"timeout" envconfig:"TIMEOUT"`
	RetryAttempts int                `yaml:"retry_attempts" envconfig:"RETRY_ATTEMPTS"`
	RetryDelay    time.Duration      `yaml:"retry_delay" envconfig:"RETRY_DELAY"`
	Weights       map[string]float64 `yaml:"weights" envconfig:"WEIGHTS"`
	// Strategies restricts collection to the named strategies; empty means all.
	Strategies []string `yaml:"strategies" envconfig:"STRATEGIES"`
}

type LLMConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
	llm.Config `yaml:",inline"`
	// RatePerSecond and Burst throttle provider calls.
	RatePerSecond float64 `yaml:"rate_per_second" envconfig:"RATE_PER_SECOND"`
	Burst         int     `yaml:"burst" envconfig:"BURST"`
	MaxChars      int     `yaml:"max_chars" envconfig:"MAX_CHARS"`
	CacheDir      string  `yaml:"cache_dir" envconfig:"CACHE_DIR"`
}

type DatabaseConfig struct {
	URL     string `yaml:"url" envconfig:"URL"`
	Migrate bool   `yaml:"migrate" envconfig:"MIGRATE"`
}

type PatternsConfig struct {
	Enabled       bool    `yaml:"enabled" envconfig:"ENABLED"`
	MinSimilarity float64 `yaml:"min_similarity" envconfig:"MIN_SIMILARITY"`
	// LearnThreshold is the accuracy ratio a run needs to teach a profile.
	LearnThreshold float64 `yaml:"learn_threshold" envconfig:"LEARN_THRESHOLD"`
}

// Default returns the built-in configuration.
func Default() Config {
	rc := reconcile.DefaultConfig()
	sc := docstruct.DefaultConfig()
	totalMin, _ := sc.TotalMin.Float64()
	totalMax, _ := sc.TotalMax.Float64()
	scfg := scoring.DefaultConfig()

	return Config{
		Reconcile: ReconcileConfig{
			SpreadThreshold: rc.SpreadThreshold,
			AgreementBonus:  rc.AgreementBonus,
			MinNameLength:   rc.MinNameLength,
		},
		Structure: StructureConfig{
			TotalMin:      totalMin,
			TotalMax:      totalMax,
			CurrencyBonus: sc.CurrencyBonus,
			MaxGap:        sc.MaxGap,
		},
		Plausibility: PlausibilityConfig{MaxHoldingFraction: validate.DefaultMaxHoldingFraction},
		Identifier:   IdentifierConfig{VerifyCheckDigit: true, AllowSecondary: true},
		Scoring:      ScoringConfig{MinConfidence: scfg.MinConfidence, Window: scfg.Window},
		Collector: CollectorConfig{
			Timeout:       candidate.DefaultTimeout,
			RetryAttempts: 3,
			RetryDelay:    2 * time.Second,
			Weights:       map[string]float64{},
		},
		LLM: LLMConfig{
			Config:        llm.Config{Provider: "gemini"},
			RatePerSecond: 1,
			Burst:         2,
			MaxChars:      200_000,
		},
		Logging: logging.DefaultConfig(),
		Patterns: PatternsConfig{
			Enabled:        true,
			MinSimilarity:  rc.PatternMinSimilarity,
			LearnThreshold: 0.98,
		},
	}
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips it. A .env file in the working directory is read when present
// and never overrides variables already set.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Reconcile.SpreadThreshold >= 0, "reconcile.spread_threshold must be >= 0, got %v", c.Reconcile.SpreadThreshold)
	check(c.Reconcile.AgreementBonus >= 0 && c.Reconcile.AgreementBonus <= 1, "reconcile.agreement_bonus must be in [0,1], got %v", c.Reconcile.AgreementBonus)
	check(c.Reconcile.MinNameLength >= 0, "reconcile.min_name_length must be >= 0")
	check(c.Structure.TotalMin > 0, "structure.total_min must be positive, got %v", c.Structure.TotalMin)
	check(c.Structure.TotalMax > c.Structure.TotalMin, "structure.total_max (%v) must exceed total_min (%v)", c.Structure.TotalMax, c.Structure.TotalMin)
	check(c.Structure.MaxGap > 0, "structure.max_gap must be positive")
	check(c.Plausibility.MaxHoldingFraction > 0 && c.Plausibility.MaxHoldingFraction <= 1,
		"plausibility.max_holding_fraction must be in (0,1], got %v", c.Plausibility.MaxHoldingFraction)
	check(c.Scoring.MinConfidence > 0 && c.Scoring.MinConfidence < 1, "scoring.min_confidence must be in (0,1), got %v", c.Scoring.MinConfidence)
	check(c.Scoring.Window > 0, "scoring.window must be positive")
	check(c.Collector.Timeout > 0, "collector.timeout must be positive")
	check(c.Collector.RetryAttempts >= 1, "collector.retry_attempts must be >= 1")
	check(c.Collector.RetryDelay >= 0, "collector.retry_delay must be >= 0")
	for tag, w := range c.Collector.Weights {
		check(w > 0, "collector.weights[%s] must be positive, got %v", tag, w)
	}
	check(c.Patterns.MinSimilarity >= 0 && c.Patterns.MinSimilarity <= 1, "patterns.min_similarity must be in [0,1]")
	check(c.Patterns.LearnThreshold > 0 && c.Patterns.LearnThreshold <= 1, "patterns.learn_threshold must be in (0,1]")
	if c.LLM.Enabled {
		check(c.LLM.Provider != "", "llm.provider is required when llm is enabled")
		check(c.LLM.RatePerSecond > 0, "llm.rate_per_second must be positive")
		check(c.LLM.Burst >= 1, "llm.burst must be >= 1")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// EngineConfig returns the engine thresholds.
func (c *Config) EngineConfig() reconcile.Config {
	return reconcile.Config{
		SpreadThreshold:      c.Reconcile.SpreadThreshold,
		AgreementBonus:       c.Reconcile.AgreementBonus,
		MinNameLength:        c.Reconcile.MinNameLength,
		MaxHoldingFraction:   c.Plausibility.MaxHoldingFraction,
		PatternMinSimilarity: c.Patterns.MinSimilarity,
	}
}

// AnalyzerConfig returns the structure analyzer settings.
func (c *Config) AnalyzerConfig() docstruct.Config {
	sc := docstruct.DefaultConfig()
	sc.TotalMin = decimal.NewFromFloat(c.Structure.TotalMin)
	sc.TotalMax = decimal.NewFromFloat(c.Structure.TotalMax)
	sc.CurrencyBonus = c.Structure.CurrencyBonus
	sc.MaxGap = c.Structure.MaxGap
	return sc
}

// ScorerConfig returns the scoring settings.
func (c *Config) ScorerConfig() scoring.Config {
	sc := scoring.DefaultConfig()
	sc.MinConfidence = c.Scoring.MinConfidence
	sc.Window = c.Scoring.Window
	return sc
}

// Validator returns the identifier validator.
func (c *Config) Validator() *identifier.Validator {
	return &identifier.Validator{
		VerifyCheckDigit: c.Identifier.VerifyCheckDigit,
		AllowSecondary:   c.Identifier.AllowSecondary,
	}
}
