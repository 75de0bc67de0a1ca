package numparse

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio_reconciler/pkg/core/errs"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		locale Locale
		want   string
	}{
		{"Swiss grouping", "1'234'567.89", Swiss, "1234567.89"},
		{"Swiss typographic apostrophe", "1’234.50", Swiss, "1234.5"},
		{"Swiss whole amount dash", "1'250.-", Swiss, "1250"},
		{"Swiss with currency prefix", "CHF 12'000", Swiss, "12000"},
		{"European grouping", "1.234.567,89", European, "1234567.89"},
		{"European with code suffix", "2.500,00 EUR", European, "2500"},
		{"European space grouping", "1 234,56", European, "1234.56"},
		{"International grouping", "1,234,567.89", International, "1234567.89"},
		{"International dollar", "$1,000", International, "1000"},
		{"International NBSP grouping", "1\u00a0234.5", International, "1234.5"},
		{"Plain digits", "42", International, "42"},
		{"Parentheses negative", "(1,500.25)", International, "-1500.25"},
		{"Leading minus", "-12'000", Swiss, "-12000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.token, tt.locale)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "Parse(%q, %s) = %s, want %s", tt.token, tt.locale, got, tt.want)
		})
	}
}

func TestParse_Unparseable(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		locale Locale
	}{
		{"Empty", "", Swiss},
		{"Letters", "abc", International},
		{"Bad group size", "1,23,456", International},
		{"European comma grouping", "1,234,567", European},
		{"Swiss comma decimal", "1'234,50", Swiss},
		{"Apostrophe under international", "1'234", International},
		{"Only currency", "CHF", Swiss},
		{"Date", "12/31/2023", International},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.token, tt.locale)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrUnparseableNumber))
		})
	}
}

func TestParseAny(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		hint       Locale
		want       string
		wantLocale Locale
	}{
		{"Hint wins when readable", "1.234", European, "1234", European},
		{"Ambiguous defaults to international", "1.234", Unknown, "1.234", International},
		{"Only swiss reading", "1'234.50", Unknown, "1234.5", Swiss},
		{"Only european reading", "1.234,50", Unknown, "1234.5", European},
		{"Hint unreadable falls back", "1,234.50", Swiss, "1234.5", International},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, loc, err := ParseAny(tt.token, tt.hint)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
			assert.Equal(t, tt.wantLocale, loc)
		})
	}

	_, _, err := ParseAny("n/a", Swiss)
	assert.ErrorIs(t, err, errs.ErrUnparseableNumber)
}

func TestStyleOf(t *testing.T) {
	tests := []struct {
		token string
		want  Locale
	}{
		{"1'234.56", Swiss},
		{"1’234", Swiss},
		{"1.234,56", European},
		{"1.234.567", European},
		{"12,50", European},
		{"1,234.56", International},
		{"1,234,567", International},
		{"1,234", Unknown},
		{"12.50", Unknown},
		{"1234", Unknown},
		{"n/a", Unknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StyleOf(tt.token), "StyleOf(%q)", tt.token)
	}
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("1'234.50", Swiss))
	assert.True(t, Matches("12.50", Swiss))
	assert.False(t, Matches("1,234.50", Swiss))
	assert.False(t, Matches("1234", International), "bare digits carry no style")
	assert.False(t, Matches("1'234", Unknown))
}

func TestFormatParseRoundTrip(t *testing.T) {
	values := []string{
		"0", "7", "999", "1000", "12345.67", "1234567.89", "100000000",
		"0.05", "98765432.10", "-4500.5",
	}

	for _, loc := range Locales {
		for _, raw := range values {
			v := decimal.RequireFromString(raw)
			formatted := Format(v, loc, 2)
			got, err := Parse(formatted, loc)
			require.NoError(t, err, "Parse(%q, %s)", formatted, loc)
			assert.True(t, v.Equal(got), "%s: %s -> %q -> %s", loc, raw, formatted, got)
		}
	}
}

func TestFormat(t *testing.T) {
	v := decimal.RequireFromString("1234567.891")
	assert.Equal(t, "1'234'567.89", Format(v, Swiss, 2))
	assert.Equal(t, "1.234.567,89", Format(v, European, 2))
	assert.Equal(t, "1,234,567.89", Format(v, International, 2))
	assert.Equal(t, "1,234,568", Format(v, International, 0))
}

func TestIsCurrencyCode(t *testing.T) {
	assert.True(t, IsCurrencyCode("CHF"))
	assert.True(t, IsCurrencyCode("EUR"))
	assert.False(t, IsCurrencyCode("chf"))
	assert.False(t, IsCurrencyCode("ABCD"))
	assert.False(t, IsCurrencyCode("ZZZ"))
}

func TestParseLocale(t *testing.T) {
	assert.Equal(t, Swiss, ParseLocale("Swiss"))
	assert.Equal(t, European, ParseLocale("eu"))
	assert.Equal(t, International, ParseLocale(" international "))
	assert.Equal(t, Unknown, ParseLocale("klingon"))
}
