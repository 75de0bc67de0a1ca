package patterns

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"Identical", []string{"a", "b"}, []string{"b", "a"}, 1},
		{"Disjoint", []string{"a"}, []string{"b"}, 0},
		{"Half", []string{"a", "b"}, []string{"b", "c", "a", "d"}, 0.5},
		{"Duplicates ignored", []string{"a", "a", "b"}, []string{"a", "b"}, 1},
		{"Both empty", nil, nil, 0},
		{"One empty", []string{"a"}, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Jaccard(tt.a, tt.b), 1e-9)
			assert.InDelta(t, Jaccard(tt.a, tt.b), Jaccard(tt.b, tt.a), 1e-9, "symmetric")
		})
	}
}

func TestMemoryStore_Nearest(t *testing.T) {
	s := NewMemoryStore()
	frac := 0.5

	ubs := &Profile{Name: "ubs", Features: []string{"locale:swiss", "currency:CHF", "section:holdings:equities", "section:summary:total_summary"},
		Tuning: Tuning{MaxHoldingFraction: &frac}}
	db := &Profile{Name: "db", Features: []string{"locale:european", "currency:EUR", "section:holdings:aktien"}}
	require.NoError(t, s.Save(ubs))
	require.NoError(t, s.Save(db))
	assert.NotEmpty(t, ubs.ID, "save assigns an id")

	doc := []string{"locale:swiss", "currency:CHF", "section:holdings:equities", "section:holdings:bonds"}

	m, err := s.Nearest(doc, 0.3)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "ubs", m.Profile.Name)
	assert.InDelta(t, 3.0/5.0, m.Similarity, 1e-9)
	require.NotNil(t, m.Profile.Tuning.MaxHoldingFraction)
	assert.Equal(t, 0.5, *m.Profile.Tuning.MaxHoldingFraction)

	m, err = s.Nearest(doc, 0.9)
	require.NoError(t, err)
	assert.Nil(t, m, "nothing is close enough")
}

func TestMemoryStore_GetList(t *testing.T) {
	s := NewMemoryStore()
	p := &Profile{ID: "b", Features: []string{"z", "a"}}
	require.NoError(t, s.Save(p))
	require.NoError(t, s.Save(&Profile{ID: "a"}))

	got, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, got.Features)
	assert.False(t, got.CreatedAt.IsZero())

	got.Name = "mutated"
	again, _ := s.Get("b")
	assert.Empty(t, again.Name, "returned profiles are copies")

	_, err = s.Get("missing")
	assert.Error(t, err)

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)

	assert.Error(t, s.Save(nil))
}

func TestLearn(t *testing.T) {
	s := NewMemoryStore()
	features := []string{"locale:swiss", "currency:CHF", "declared_total"}

	first, err := Learn(s, features, Tuning{}, 0.99, 0.8)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Samples)

	second, err := Learn(s, append(features, "section:unrecognized"), Tuning{}, 1.0, 0.7)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "a close layout updates the existing profile")
	assert.Equal(t, 2, second.Samples)
	assert.InDelta(t, 0.995, second.AccuracyRatio, 1e-9)

	third, err := Learn(s, []string{"locale:european"}, Tuning{}, 0.98, 0.8)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)

	all, _ := s.List()
	assert.Len(t, all, 2)
}

func TestDerive(t *testing.T) {
	dec := decimal.RequireFromString

	tests := []struct {
		name      string
		obs       Observation
		wantFrac  float64
		wantMin   string
		wantMax   string
		wantWeigh map[string]float64
	}{
		{
			name: "Large position widens the holding limit",
			obs: Observation{
				DeclaredTotal: dec("2000000"), Largest: dec("900000"),
				MaxHoldingFraction: 0.30, TotalMin: dec("1000000"), TotalMax: dec("100000000"),
			},
			wantFrac: 0.50,
			wantMin:  "200000",
			wantMax:  "100000000",
		},
		{
			name: "Small position keeps the limit",
			obs: Observation{
				DeclaredTotal: dec("50000000"), Largest: dec("1000000"),
				MaxHoldingFraction: 0.30, TotalMin: dec("1000000"), TotalMax: dec("100000000"),
			},
			wantFrac: 0.30,
			wantMin:  "1000000",
			wantMax:  "500000000",
		},
		{
			name: "Single holding caps at one",
			obs: Observation{
				DeclaredTotal: dec("1500000"), Largest: dec("1500000"),
				MaxHoldingFraction: 0.30,
			},
			wantFrac: 1,
			wantMin:  "0",
			wantMax:  "0",
		},
		{
			name: "Weights follow agreement",
			obs: Observation{
				DeclaredTotal: dec("2000000"), Largest: dec("100000"), MaxHoldingFraction: 0.30,
				Weights:   map[string]float64{"pattern": 1, "llm": 0.8},
				Agreement: map[string]float64{"pattern": 1, "llm": 0.5, "table": 0},
			},
			wantFrac:  0.30,
			wantMin:   "0",
			wantMax:   "0",
			wantWeigh: map[string]float64{"pattern": 1, "llm": 0.6, "table": 0.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Derive(tt.obs)
			require.NotNil(t, got.MaxHoldingFraction)
			assert.InDelta(t, tt.wantFrac, *got.MaxHoldingFraction, 1e-9)
			require.NotNil(t, got.TotalMin)
			require.NotNil(t, got.TotalMax)
			assert.True(t, dec(tt.wantMin).Equal(*got.TotalMin), got.TotalMin.String())
			assert.True(t, dec(tt.wantMax).Equal(*got.TotalMax), got.TotalMax.String())
			assert.Equal(t, tt.wantWeigh, got.SourceWeights)
			assert.Nil(t, got.SpreadThreshold)
		})
	}

	assert.True(t, Derive(Observation{Largest: dec("1")}).IsZero(), "no declared total, nothing learned")
}

func TestLearn_ReplacesTuning(t *testing.T) {
	s := NewMemoryStore()
	features := []string{"locale:swiss", "currency:CHF"}
	frac := 0.4

	_, err := Learn(s, features, Tuning{}, 0.99, 0.8)
	require.NoError(t, err)
	p, err := Learn(s, features, Tuning{MaxHoldingFraction: &frac}, 0.99, 0.8)
	require.NoError(t, err)
	require.NotNil(t, p.Tuning.MaxHoldingFraction)
	assert.Equal(t, 0.4, *p.Tuning.MaxHoldingFraction)

	p, err = Learn(s, features, Tuning{}, 0.99, 0.8)
	require.NoError(t, err)
	require.NotNil(t, p.Tuning.MaxHoldingFraction, "an empty tuning keeps the stored one")
}

func TestMemoryStore_Concurrent(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Learn(s, []string{"locale:swiss"}, Tuning{}, 1, 0.5)
			_, _ = s.Nearest([]string{"locale:swiss"}, 0.5)
		}()
	}
	wg.Wait()

	all, err := s.List()
	require.NoError(t, err)
	assert.NotEmpty(t, all)
}
