package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku":          {Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
			"claude-haiku-4-5":      {Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
			"claude-sonnet-4-5-pin": {Input: 3.00, Output: 15.00},
		},
		Perplexity: PerplexityRate{PerQuery: 0.005, PerMTok: 1.00},
	}
}

func TestPrice_Anthropic(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name string
		u    Usage
		want float64
	}{
		{
			name: "exact model",
			u:    Usage{Model: "claude-sonnet-4-5-pin", InputTokens: 2000, OutputTokens: 500},
			want: 0.006 + 0.0075,
		},
		{
			name: "longest family prefix wins",
			u:    Usage{Model: "claude-haiku-4-5-20251001", InputTokens: 1_000_000, OutputTokens: 100_000},
			want: 1.00 + 0.50,
		},
		{
			name: "shorter family",
			u:    Usage{Model: "claude-haiku-3", InputTokens: 1_000_000},
			want: 0.80,
		},
		{
			name: "cache tokens",
			u: Usage{Model: "claude-haiku-4-5", InputTokens: 500_000, OutputTokens: 50_000,
				CacheWrite: 200_000, CacheRead: 300_000},
			// 0.50 + 0.25 + 0.25 + 0.03
			want: 1.03,
		},
		{
			name: "unknown model",
			u:    Usage{Model: "gpt-4", InputTokens: 1_000_000, OutputTokens: 1_000_000},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.u.Provider = ProviderAnthropic
			assert.InDelta(t, tt.want, calc.Price(tt.u), 1e-9)
		})
	}
}

func TestPrice_Perplexity(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	assert.InDelta(t, 0.005, calc.Price(Usage{Provider: ProviderPerplexity, Model: "sonar-pro"}), 1e-9)
	assert.InDelta(t, 0.006, calc.Price(Usage{Provider: ProviderPerplexity, InputTokens: 600, OutputTokens: 400}), 1e-9)
	assert.Zero(t, calc.Price(Usage{Provider: "openai", Model: "gpt-4", InputTokens: 100}))
}

func TestMerge(t *testing.T) {
	t.Parallel()
	base := DefaultRates()
	merged := base.Merge(Rates{
		Anthropic:  map[string]ModelRate{"claude-haiku-4-5": {Input: 0.5, Output: 2.5}, "claude-custom": {Input: 9}},
		Perplexity: PerplexityRate{PerMTok: 3},
	})

	assert.Equal(t, 0.5, merged.Anthropic["claude-haiku-4-5"].Input)
	assert.Equal(t, 9.0, merged.Anthropic["claude-custom"].Input)
	assert.Equal(t, base.Anthropic["claude-sonnet-4-5"], merged.Anthropic["claude-sonnet-4-5"])
	assert.Equal(t, 0.005, merged.Perplexity.PerQuery)
	assert.Equal(t, 3.0, merged.Perplexity.PerMTok)

	assert.Equal(t, 1.00, base.Anthropic["claude-haiku-4-5"].Input, "base must not change")
}

func TestDefaultRates_CoverConfiguredModels(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(DefaultRates())

	for _, m := range []string{"claude-haiku-4-5-20251001", "claude-sonnet-4-5-20250929"} {
		assert.Positive(t, calc.Price(Usage{Provider: ProviderAnthropic, Model: m, InputTokens: 1000}), m)
	}
	assert.Positive(t, DefaultRates().Perplexity.PerQuery)
}
