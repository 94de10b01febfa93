// Package cost prices completion-service calls for the call ledger.
package cost

import "strings"

// Providers understood by Calculator.Price.
const (
	ProviderAnthropic  = "anthropic"
	ProviderPerplexity = "perplexity"
)

// Rates is the price list, in USD. Anthropic rates are keyed by model id or
// by a model family prefix such as "claude-haiku-4-5".
type Rates struct {
	Anthropic  map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityRate       `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelRate is per-million-token pricing for one model. Cache multipliers
// scale the input rate.
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// PerplexityRate is a flat request fee plus a per-million-token rate.
type PerplexityRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
	PerMTok  float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// Merge returns r with the models and non-zero Perplexity fields of over
// applied on top.
func (r Rates) Merge(over Rates) Rates {
	out := Rates{Anthropic: make(map[string]ModelRate, len(r.Anthropic)+len(over.Anthropic)), Perplexity: r.Perplexity}
	for k, v := range r.Anthropic {
		out.Anthropic[k] = v
	}
	for k, v := range over.Anthropic {
		out.Anthropic[k] = v
	}
	if over.Perplexity.PerQuery > 0 {
		out.Perplexity.PerQuery = over.Perplexity.PerQuery
	}
	if over.Perplexity.PerMTok > 0 {
		out.Perplexity.PerMTok = over.Perplexity.PerMTok
	}
	return out
}

// Usage is the billable part of one call.
type Usage struct {
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CacheWrite   int64
	CacheRead    int64
}

// Calculator prices calls against a Rates table.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Price returns the cost of u. Unknown providers and models cost 0.
func (c *Calculator) Price(u Usage) float64 {
	switch u.Provider {
	case ProviderAnthropic:
		rate, ok := c.modelRate(u.Model)
		if !ok {
			return 0
		}
		return perMTok(u.InputTokens, rate.Input) +
			perMTok(u.OutputTokens, rate.Output) +
			perMTok(u.CacheWrite, rate.Input*rate.CacheWriteMul) +
			perMTok(u.CacheRead, rate.Input*rate.CacheReadMul)
	case ProviderPerplexity:
		p := c.rates.Perplexity
		return p.PerQuery + perMTok(u.InputTokens+u.OutputTokens, p.PerMTok)
	default:
		return 0
	}
}

// modelRate finds the exact model, else the longest family prefix.
func (c *Calculator) modelRate(model string) (ModelRate, bool) {
	if r, ok := c.rates.Anthropic[model]; ok {
		return r, true
	}
	var (
		best    ModelRate
		bestLen int
	)
	for k, r := range c.rates.Anthropic {
		if len(k) > bestLen && strings.HasPrefix(model, k) {
			best, bestLen = r, len(k)
		}
	}
	return best, bestLen > 0
}

func perMTok(tokens int64, rate float64) float64 {
	return float64(tokens) / 1e6 * rate
}

// DefaultRates returns list prices for the models the stages use.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5":  {Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
			"claude-sonnet-4-5": {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
			"claude-opus-4-1":   {Input: 15.00, Output: 75.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		},
		Perplexity: PerplexityRate{PerQuery: 0.005, PerMTok: 1.00},
	}
}
