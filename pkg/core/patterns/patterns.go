// Package patterns remembers which tuning worked for which document layout.
//
// A Profile is keyed by the structural feature set of a statement (locale,
// currency, section titles, total keywords). Statements produced by the same
// bank template share most features, so the nearest stored profile by
// Jaccard similarity supplies tuning for a new document of that template.
package patterns

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tuning overrides engine defaults for one document type. Nil fields keep
// the engine default.
type Tuning struct {
	MaxHoldingFraction *float64          `json:"max_holding_fraction,omitempty"`
	SpreadThreshold    *float64          `json:"spread_threshold,omitempty"`
	TotalMin           *decimal.Decimal  `json:"total_min,omitempty"`
	TotalMax           *decimal.Decimal  `json:"total_max,omitempty"`
	SourceWeights      map[string]float64 `json:"source_weights,omitempty"`
}

// IsZero reports whether t overrides nothing.
func (t Tuning) IsZero() bool {
	return t.MaxHoldingFraction == nil && t.SpreadThreshold == nil &&
		t.TotalMin == nil && t.TotalMax == nil && len(t.SourceWeights) == 0
}

// Observation is what an accurate run shows about its layout.
type Observation struct {
	DeclaredTotal decimal.Decimal
	// Largest is the biggest reconciled holding.
	Largest decimal.Decimal
	// MaxHoldingFraction, TotalMin and TotalMax are the limits the run used.
	MaxHoldingFraction float64
	TotalMin           decimal.Decimal
	TotalMax           decimal.Decimal
	// Weights are the source weights of the run and Agreement the share of
	// each source's candidates that matched the reconciled value, both keyed
	// by source tag.
	Weights   map[string]float64
	Agreement map[string]float64
}

const (
	holdingMargin = 0.05
	bandFactor    = 10
)

// Derive turns an observation into tuning. Limits only widen: the holding
// fraction grows to the largest observed share plus a margin and the total
// band to a factor of ten around the declared total. A source weight is
// scaled by 0.5 + 0.5 * agreement.
func Derive(o Observation) Tuning {
	var t Tuning
	if !o.DeclaredTotal.IsPositive() {
		return t
	}

	share, _ := o.Largest.Div(o.DeclaredTotal).Float64()
	frac := math.Max(o.MaxHoldingFraction, math.Min(1, share+holdingMargin))
	if frac > 0 {
		t.MaxHoldingFraction = &frac
	}

	factor := decimal.NewFromInt(bandFactor)
	lo, hi := o.TotalMin, o.TotalMax
	if low := o.DeclaredTotal.Div(factor); !lo.IsZero() && low.LessThan(lo) {
		lo = low
	}
	if high := o.DeclaredTotal.Mul(factor); !hi.IsZero() && high.GreaterThan(hi) {
		hi = high
	}
	t.TotalMin, t.TotalMax = &lo, &hi

	if len(o.Agreement) > 0 {
		t.SourceWeights = make(map[string]float64, len(o.Agreement))
		for tag, agreed := range o.Agreement {
			w := o.Weights[tag]
			if w <= 0 {
				w = 1
			}
			scaled := w * (0.5 + 0.5*math.Max(0, math.Min(1, agreed)))
			t.SourceWeights[tag] = math.Round(scaled*100) / 100
		}
	}
	return t
}

// Profile is the learned tuning of one document layout.
type Profile struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Features      []string  `json:"features"`
	Tuning        Tuning    `json:"tuning"`
	Samples       int       `json:"samples"`
	AccuracyRatio float64   `json:"accuracy_ratio"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Match is a profile found for a feature set.
type Match struct {
	Profile    *Profile `json:"profile"`
	Similarity float64  `json:"similarity"`
}

// Store persists profiles.
type Store interface {
	Save(p *Profile) error
	Get(id string) (*Profile, error)
	// Nearest returns the most similar profile with similarity >= minSimilarity,
	// or nil when none qualifies.
	Nearest(features []string, minSimilarity float64) (*Match, error)
	List() ([]*Profile, error)
}

// Jaccard is |a ∩ b| / |a ∪ b| over the distinct elements of a and b. Two
// empty sets have similarity 0: nothing is known about either.
func Jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	inter := 0
	for f := range setA {
		if _, ok := setB[f]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// =============================================================================
// IN-MEMORY STORE
// Learned patterns are not persisted across processes.
// =============================================================================

// MemoryStore implements Store with in-memory storage.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

// Save inserts or replaces p. An empty ID is assigned a new UUID.
func (s *MemoryStore) Save(p *Profile) error {
	if p == nil {
		return fmt.Errorf("profile cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	cp := *p
	cp.Features = append([]string(nil), p.Features...)
	sort.Strings(cp.Features)
	s.profiles[p.ID] = &cp
	return nil
}

// Get retrieves a profile by ID.
func (s *MemoryStore) Get(id string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile '%s' not found", id)
	}
	cp := *p
	return &cp, nil
}

// Nearest scans all profiles. Ties go to the profile with more samples, then
// the smaller ID.
func (s *MemoryStore) Nearest(features []string, minSimilarity float64) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Match
	for _, p := range s.profiles {
		sim := Jaccard(features, p.Features)
		if sim <= 0 || sim < minSimilarity {
			continue
		}
		if best == nil || better(sim, p, best) {
			cp := *p
			best = &Match{Profile: &cp, Similarity: sim}
		}
	}
	return best, nil
}

func better(sim float64, p *Profile, cur *Match) bool {
	switch {
	case sim != cur.Similarity:
		return sim > cur.Similarity
	case p.Samples != cur.Profile.Samples:
		return p.Samples > cur.Profile.Samples
	}
	return p.ID < cur.Profile.ID
}

// List returns all profiles ordered by ID.
func (s *MemoryStore) List() ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Learn records a successful run. When a stored profile is at least
// minSimilarity close to features it absorbs the run (sample count and a
// running accuracy mean); otherwise a new profile is created.
func Learn(store Store, features []string, tuning Tuning, accuracyRatio, minSimilarity float64) (*Profile, error) {
	match, err := store.Nearest(features, minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("failed to look up profile: %w", err)
	}

	var p *Profile
	if match != nil {
		p = match.Profile
		p.AccuracyRatio = (p.AccuracyRatio*float64(p.Samples) + accuracyRatio) / float64(p.Samples+1)
		p.Samples++
		if !tuning.IsZero() {
			p.Tuning = tuning
		}
	} else {
		p = &Profile{
			Features:      append([]string(nil), features...),
			Tuning:        tuning,
			Samples:       1,
			AccuracyRatio: accuracyRatio,
		}
	}

	if err := store.Save(p); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	return p, nil
}
