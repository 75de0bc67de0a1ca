package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"portfolio_reconciler/pkg/core/candidate"
	"portfolio_reconciler/pkg/core/errs"
	"portfolio_reconciler/pkg/core/llm"
)

const textStatement = `PORTFOLIO STATEMENT

EQUITIES
Nestle SA          CH0038863350   CHF    750'000.00
Roche Holding      CH0012032048   CHF    680'500.00
CH0012005267 Novartis AG 12 shares CHF 520'000.00

Portfolio Total CHF 1'950'500.00
`

func byID(recs []candidate.Record) map[string]candidate.Record {
	out := make(map[string]candidate.Record, len(recs))
	for _, r := range recs {
		out[r.Identifier] = r
	}
	return out
}

func TestPatternStrategy(t *testing.T) {
	recs, err := NewPatternStrategy().Extract(context.Background(), textStatement)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	got := byID(recs)

	nestle := got["CH0038863350"]
	assert.Equal(t, "750'000.00", nestle.ValueToken)
	assert.Equal(t, "Nestle SA", nestle.Name)
	assert.Equal(t, "CHF", nestle.Currency)
	assert.Equal(t, TagPattern, nestle.Source)
	assert.Equal(t, strings.Index(textStatement, "CH0038863350"), nestle.Offset())
	assert.Equal(t, strings.Index(textStatement, "750'000.00")-nestle.Offset(), nestle.Distance())

	novartis := got["CH0012005267"]
	assert.Equal(t, "520'000.00", novartis.ValueToken, "short quantity is skipped")
	assert.Equal(t, "Novartis AG 12 shares", novartis.Name)
	assert.Equal(t, "CHF", novartis.Currency)
}

func TestPatternStrategy_Window(t *testing.T) {
	text := "US0378331005" + strings.Repeat(" ", 200) + "300'000.00"
	recs, err := NewPatternStrategy().Extract(context.Background(), text)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// The amount belongs to the next identifier, not the first.
	recs, err = NewPatternStrategy().Extract(context.Background(), "US0378331005\nCH0038863350 750'000.00")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "CH0038863350", recs[0].Identifier)
}

func TestPatternStrategy_InvalidCheckDigit(t *testing.T) {
	recs, err := NewPatternStrategy().Extract(context.Background(), "Fake CH0038863351 CHF 100'000.00")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

const markdownStatement = `# Holdings

| ISIN | Security | Quantity | Currency | Market Value |
|------|----------|---------:|----------|-------------:|
| CH0038863350 | Nestle SA | 7'000 | CHF | 750'000.00 |
| US0378331005 | Apple Inc | 1'500 | usd | 300'000.00 |
| | Total | | CHF | 1'050'000.00 |
`

func TestTableStrategy(t *testing.T) {
	recs, err := NewTableStrategy().Extract(context.Background(), markdownStatement)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	got := byID(recs)
	nestle := got["CH0038863350"]
	assert.Equal(t, "750'000.00", nestle.ValueToken, "market value column wins over quantity")
	assert.Equal(t, "Nestle SA", nestle.Name)
	assert.Equal(t, "CHF", nestle.Currency)
	assert.Equal(t, TagTable, nestle.Source)
	assert.Equal(t, strings.Index(markdownStatement, "CH0038863350"), nestle.Offset())
	assert.Equal(t, strings.Index(markdownStatement, "750'000.00")-nestle.Offset(), nestle.Distance())

	assert.Equal(t, "USD", got["US0378331005"].Currency)
}

func TestTableStrategy_NoValueHeader(t *testing.T) {
	text := "| Instrument | ID | Amount EUR |\n|---|---|---|\n| Siemens | DE0007164600 | 1.234.567,89 |\n"
	recs, err := NewTableStrategy().Extract(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "1.234.567,89", recs[0].ValueToken)
	assert.Equal(t, "Siemens", recs[0].Name)

	text = "| a | b | c |\n|---|---|---|\n| Siemens | DE0007164600 | 1.234.567,89 |\n"
	recs, err = NewTableStrategy().Extract(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "1.234.567,89", recs[0].ValueToken, "falls back to the last numeric cell")
	assert.Equal(t, "Siemens", recs[0].Name)
}

const htmlStatement = `<html><body>
<h2>Positions</h2>
<table>
  <thead><tr><th>Name</th><th>ISIN</th><th>Ccy</th><th>Value</th></tr></thead>
  <tbody>
    <tr><td>Nestle SA</td><td>CH0038863350</td><td>CHF</td><td>750'000.00</td></tr>
    <tr><td>Microsoft</td><td>US5949181045</td><td>USD</td><td>210,000.00</td></tr>
    <tr><td>Subtotal</td><td></td><td>CHF</td><td>960'000.00</td></tr>
  </tbody>
</table>
</body></html>`

func TestHTMLTableStrategy(t *testing.T) {
	recs, err := NewHTMLTableStrategy().Extract(context.Background(), htmlStatement)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	got := byID(recs)
	nestle := got["CH0038863350"]
	assert.Equal(t, "750'000.00", nestle.ValueToken)
	assert.Equal(t, "Nestle SA", nestle.Name)
	assert.Equal(t, "CHF", nestle.Currency)
	assert.Equal(t, strings.Index(htmlStatement, "CH0038863350"), nestle.Offset())
	assert.Positive(t, nestle.Distance())

	msft := got["US5949181045"]
	assert.Equal(t, "210,000.00", msft.ValueToken)
	assert.Equal(t, "USD", msft.Currency)
}

func TestHTMLTableStrategy_PlainText(t *testing.T) {
	recs, err := NewHTMLTableStrategy().Extract(context.Background(), textStatement)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestParseLLMReply(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  int
	}{
		{"plain json", `{"securities":[{"identifier":"CH0038863350","name":"Nestle","value":"750'000.00","currency":"chf","confidence":0.9}]}`, 1},
		{"fenced with prose", "Here you go:\n```json\n{\"securities\":[{\"isin\":\"CH0038863350\",\"value\":750000}]}\n```", 1},
		{"bare array", `[{"identifier":"CH0038863350","value":"750000"},{"identifier":"US0378331005","value":"300000"}]`, 2},
		{"trailing comma", `{"securities":[{"identifier":"CH0038863350","value":"750000",},]}`, 1},
		{"missing value skipped", `{"securities":[{"identifier":"CH0038863350"}]}`, 0},
		{"spaced identifier", `{"securities":[{"identifier":"ch 0038 8633 50","value":"750000"}]}`, 1},
		{"malformed identifier skipped", `{"securities":[{"identifier":"CH-0038863350","value":"1"},{"identifier":"Total","value":"2"}]}`, 0},
		{"currency name skipped", `{"securities":[{"identifier":"CH0038863350","value":"1","currency":"Swiss francs"}]}`, 0},
		{"negative confidence skipped", `{"securities":[{"identifier":"CH0038863350","value":"1","confidence":-0.5}]}`, 0},
		{"empty list", `{"securities":[]}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := ParseLLMReply(tt.reply)
			require.NoError(t, err)
			assert.Len(t, recs, tt.want)
			for _, r := range recs {
				assert.Equal(t, TagLLM, r.Source)
				assert.NotEmpty(t, r.ValueToken)
			}
		})
	}

	recs, err := ParseLLMReply(`{"securities":[{"identifier":"CH0038863350","value":750000,"currency":"chf","confidence":1.7}]}`)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "750000", recs[0].ValueToken)
	assert.Equal(t, "CHF", recs[0].Currency)
	assert.Equal(t, 1.0, recs[0].Confidence)
}

func TestParseLLMReply_Errors(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr string
	}{
		{"Wrong key", `{"holdings":[{"identifier":"CH0038863350","value":"1"}]}`, "no securities list"},
		{"Empty object", `{}`, "no securities list"},
		{"Securities not a list", `{"securities":{"identifier":"CH0038863350"}}`, "not a list"},
		{"Securities null", `{"securities":null}`, "llm:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := ParseLLMReply(tt.reply)
			assert.ErrorContains(t, err, tt.wantErr)
			assert.Nil(t, recs)
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  string
	}{
		{"No limit", "Nestlé", 0, "Nestlé"},
		{"Short enough", "Nestlé", 7, "Nestlé"},
		{"Cut inside rune", "Nestlé", 6, "Nestl"},
		{"Cut after rune", "Nestlé SA", 7, "Nestlé"},
		{"Swiss apostrophe", "1’250", 3, "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.text, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestLLMStrategy_TruncatesOnRuneBoundary(t *testing.T) {
	p := &llm.StaticProvider{Replies: []string{`[]`}}
	s := NewLLMStrategy(p)
	s.Limiter = nil
	s.Analyzer = nil
	s.MaxChars = 2

	_, err := s.Extract(context.Background(), "Zürich CH0038863350 750'000")
	require.NoError(t, err)
	require.Len(t, p.Prompts, 1)
	assert.True(t, utf8.ValidString(p.Prompts[0]))
	assert.True(t, strings.HasSuffix(p.Prompts[0], "Statement:\nZ"), p.Prompts[0])
}

func TestLLMStrategy(t *testing.T) {
	p := &llm.StaticProvider{Replies: []string{`{"securities":[{"identifier":"CH0038863350","name":"Nestle SA","value":"750'000.00","confidence":0.8}]}`}}
	s := NewLLMStrategy(p)
	s.Limiter = rate.NewLimiter(rate.Inf, 1)

	recs, err := s.Extract(context.Background(), textStatement)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 0.8, recs[0].Confidence)

	require.Len(t, p.Prompts, 1)
	assert.Contains(t, p.Prompts[0], "locale hint: swiss")
	assert.Contains(t, p.Prompts[0], "Primary currency: CHF")
	assert.Contains(t, p.Prompts[0], "CH0038863350")
}

func TestLLMStrategy_ProviderError(t *testing.T) {
	overloaded := errors.New("busy")
	p := &llm.StaticProvider{Errors: []error{errors.Join(errs.ErrOverloaded, overloaded)}, Replies: []string{`[]`}}
	s := NewLLMStrategy(p)
	s.Limiter = nil

	_, err := s.Extract(context.Background(), textStatement)
	assert.True(t, errs.IsTransient(err))

	retried := candidate.WithRetry(s, 2, 0)
	p2 := &llm.StaticProvider{Errors: []error{errs.ErrOverloaded}, Replies: []string{"", `{"securities":[{"identifier":"CH0038863350","value":"1"}]}`}}
	s.Provider = p2
	recs, err := retried.Extract(context.Background(), textStatement)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, 2, p2.Calls())
}

func TestDefaultRegistry(t *testing.T) {
	assert.Equal(t, []string{TagHTMLTable, TagPattern, TagTable}, DefaultRegistry(nil).Names())
	assert.Equal(t, []string{TagHTMLTable, TagLLM, TagPattern, TagTable}, DefaultRegistry(&llm.StaticProvider{}).Names())
}

func TestStrategies_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPatternStrategy().Extract(ctx, textStatement)
	assert.ErrorIs(t, err, context.Canceled)

	s := NewLLMStrategy(&llm.StaticProvider{Replies: []string{`[]`}})
	_, err = s.Extract(ctx, textStatement)
	assert.Error(t, err)
}

type mapCache struct {
	entries map[string]string
	puts    int
}

func (c *mapCache) Get(_ context.Context, key string) (string, bool, error) {
	r, ok := c.entries[key]
	return r, ok, nil
}

func (c *mapCache) Put(_ context.Context, key, _, reply string) error {
	c.entries[key] = reply
	c.puts++
	return nil
}

func TestLLMStrategy_Cache(t *testing.T) {
	p := &llm.StaticProvider{Replies: []string{`{"securities":[{"identifier":"CH0038863350","value":"750'000.00"}]}`}}
	cache := &mapCache{entries: map[string]string{}}
	s := NewLLMStrategy(p)
	s.Limiter = nil
	s.Cache = cache

	first, err := s.Extract(context.Background(), textStatement)
	require.NoError(t, err)
	second, err := s.Extract(context.Background(), textStatement)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.Calls())
	assert.Equal(t, 1, cache.puts)

	_, err = s.Extract(context.Background(), "another document CH0038863350 1'000.00")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Calls())
}
