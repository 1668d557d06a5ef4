package observer

import atoll "github.com/helmshore/atoll"

// ModelPricing holds per-million-token pricing for a model. Cached input
// tokens and cache writes are billed at their own rates; providers that do
// not discount or surcharge them leave the fields zero.
type ModelPricing struct {
	InputPerMillion       float64
	CachedInputPerMillion float64
	CacheWritePerMillion  float64
	OutputPerMillion      float64
}

// DefaultPricing contains sensible defaults for common models.
// Users can override or extend via [observer.pricing] in atoll.toml.
var DefaultPricing = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":       {InputPerMillion: 2.50, CachedInputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gpt-4o-mini":  {InputPerMillion: 0.15, CachedInputPerMillion: 0.075, OutputPerMillion: 0.60},
	"gpt-4.1":      {InputPerMillion: 2.00, CachedInputPerMillion: 0.50, OutputPerMillion: 8.00},
	"gpt-4.1-mini": {InputPerMillion: 0.40, CachedInputPerMillion: 0.10, OutputPerMillion: 1.60},
	"gpt-4.1-nano": {InputPerMillion: 0.10, CachedInputPerMillion: 0.025, OutputPerMillion: 0.40},
	"o3-mini":      {InputPerMillion: 1.10, CachedInputPerMillion: 0.55, OutputPerMillion: 4.40},

	// Anthropic (cache writes carry a 25% surcharge)
	"claude-sonnet-4-5": {InputPerMillion: 3.00, CachedInputPerMillion: 0.30, CacheWritePerMillion: 3.75, OutputPerMillion: 15.00},
	"claude-haiku-3-5":  {InputPerMillion: 0.80, CachedInputPerMillion: 0.08, CacheWritePerMillion: 1.00, OutputPerMillion: 4.00},
	"claude-opus-4":     {InputPerMillion: 15.00, CachedInputPerMillion: 1.50, CacheWritePerMillion: 18.75, OutputPerMillion: 75.00},
}

// CostCalculator computes USD cost from token usage.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator creates a calculator with default pricing, optionally merged with overrides.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &CostCalculator{pricing: merged}
}

// Calculate returns the cost in USD for the given model and usage.
// Cached prompt tokens are billed at the cached rate and subtracted from
// the regular input count. Returns 0.0 for unknown models.
func (c *CostCalculator) Calculate(model string, u atoll.Usage) float64 {
	p, ok := c.pricing[model]
	if !ok {
		return 0.0
	}
	cached := min(u.CacheReadTokens, u.PromptTokens)
	uncached := u.PromptTokens - cached
	return float64(uncached)/1_000_000*p.InputPerMillion +
		float64(cached)/1_000_000*p.CachedInputPerMillion +
		float64(u.CacheWriteTokens)/1_000_000*p.CacheWritePerMillion +
		float64(u.CompletionTokens)/1_000_000*p.OutputPerMillion
}
