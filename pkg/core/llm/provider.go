// Package llm wraps the language model backends the LLM extraction strategy
// can call.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"portfolio_reconciler/pkg/core/errs"
)

// Provider is the interface for all LLM providers.
type Provider interface {
	GenerateResponse(ctx context.Context, prompt string, systemPrompt string, options map[string]interface{}) (string, error)
	// AdaptInstructions transforms raw instructions into model-specific formats
	AdaptInstructions(rawInstructions string) string
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider string `yaml:"provider" envconfig:"PROVIDER"`
	Model    string `yaml:"model" envconfig:"MODEL"`
	// APIKey overrides the provider's environment variable.
	APIKey string `yaml:"-" envconfig:"API_KEY"`
}

// Factory builds a provider from its config.
type Factory func(cfg Config) Provider

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		"gemini":     func(c Config) Provider { return &GeminiProvider{Model: c.Model, APIKey: c.APIKey} },
		"generative": func(c Config) Provider { return &GenerativeProvider{Model: c.Model, APIKey: c.APIKey} },
		"deepseek":   func(c Config) Provider { return &DeepSeekProvider{Model: c.Model, APIKey: c.APIKey} },
		"qwen":       func(c Config) Provider { return &QwenProvider{Model: c.Model, APIKey: c.APIKey} },
	}
)

// RegisterFactory makes a provider available to New under name.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[strings.ToLower(name)] = f
}

// Names returns the registered provider names in sorted order.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New returns the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	factoriesMu.RLock()
	f, ok := factories[strings.ToLower(strings.TrimSpace(cfg.Provider))]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q (available: %s)", cfg.Provider, strings.Join(Names(), ", "))
	}
	return f(cfg), nil
}

// apiKey returns explicit when set, otherwise the first non-empty
// environment variable of names.
func apiKey(explicit string, options map[string]interface{}, names ...string) string {
	if val, ok := options["api_key"].(string); ok && val != "" {
		return val
	}
	if explicit != "" {
		return explicit
	}
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// modelOption returns options["model"] when set, otherwise def.
func modelOption(options map[string]interface{}, def string) string {
	if val, ok := options["model"].(string); ok && val != "" {
		return val
	}
	return def
}

var overloadMarkers = []string{"overloaded", "resource_exhausted", "unavailable", "rate limit", "too many requests"}

// classify wraps err with errs.ErrOverloaded when the backend signalled that
// it is busy, so that retry logic treats it as transient.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, m := range overloadMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%s: %w: %v", provider, errs.ErrOverloaded, err)
		}
	}
	return fmt.Errorf("%s: %w", provider, err)
}

// statusError turns a non-200 HTTP response into an error, marking 429 and
// 503 as overload.
func statusError(provider string, status int, body []byte) error {
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		return fmt.Errorf("%s: %w: status=%d body=%s", provider, errs.ErrOverloaded, status, string(body))
	}
	return fmt.Errorf("%s: api returned status %d: %s", provider, status, string(body))
}

// StaticProvider replays canned replies. It backs offline runs and tests.
type StaticProvider struct {
	mu      sync.Mutex
	Replies []string
	Errors  []error
	calls   int
	// Prompts records every user prompt received.
	Prompts []string
}

var _ Provider = (*StaticProvider)(nil)

// GenerateResponse returns the next reply, or the next error when one is
// queued at that position. The last reply repeats once the queue is drained.
func (p *StaticProvider) GenerateResponse(ctx context.Context, prompt string, systemPrompt string, options map[string]interface{}) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.calls
	p.calls++
	p.Prompts = append(p.Prompts, prompt)

	if i < len(p.Errors) && p.Errors[i] != nil {
		return "", p.Errors[i]
	}
	if len(p.Replies) == 0 {
		return "", fmt.Errorf("static provider: no reply configured")
	}
	if i >= len(p.Replies) {
		i = len(p.Replies) - 1
	}
	return p.Replies[i], nil
}

// Calls returns how many requests were made.
func (p *StaticProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *StaticProvider) AdaptInstructions(raw string) string { return raw }
