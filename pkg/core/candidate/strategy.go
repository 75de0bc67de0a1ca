package candidate

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Strategy is an independent extraction method producing candidate records
// from document text.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, text string) ([]Record, error)
}

// StrategyFunc adapts a plain function to the Strategy interface.
type StrategyFunc struct {
	Tag string
	Fn  func(ctx context.Context, text string) ([]Record, error)
}

// Func returns a Strategy named tag backed by fn.
func Func(tag string, fn func(ctx context.Context, text string) ([]Record, error)) StrategyFunc {
	return StrategyFunc{Tag: tag, Fn: fn}
}

func (s StrategyFunc) Name() string { return s.Tag }

func (s StrategyFunc) Extract(ctx context.Context, text string) ([]Record, error) {
	return s.Fn(ctx, text)
}

// Registry holds named strategies.
type Registry struct {
	strategies map[string]Strategy
	mu         sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds s under its name, replacing any previous strategy of that name.
func (r *Registry) Register(s Strategy) error {
	if s == nil || s.Name() == "" {
		return fmt.Errorf("strategy name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.strategies[s.Name()] = s
	return nil
}

// Get retrieves a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.strategies[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("strategy not found: %s", name)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered strategies ordered by name.
func (r *Registry) All() []Strategy {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		if s, ok := r.strategies[name]; ok {
			out = append(out, s)
		}
	}
	return out
}
