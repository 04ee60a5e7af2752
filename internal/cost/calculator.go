// Package cost prices model calls and projects what an iteration will spend.
package cost

import (
	"go.uber.org/zap"
)

// Rates holds per-model pricing keyed by model id.
type Rates struct {
	Models map[string]ModelRate `yaml:"models" mapstructure:"models"`
	// Fallback prices models missing from Models so budgets stay enforced.
	Fallback ModelRate `yaml:"fallback" mapstructure:"fallback"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Usage is the token count of one call.
type Usage struct {
	Input      int
	Output     int
	CacheWrite int
	CacheRead  int
}

// Calculator computes costs for model usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rate returns the pricing for a model, falling back when unknown.
func (c *Calculator) Rate(model string) ModelRate {
	if r, ok := c.rates.Models[model]; ok {
		return r
	}
	return c.rates.Fallback
}

// Cost computes the USD cost of one call.
func (c *Calculator) Cost(model string, u Usage) float64 {
	rate := c.Rate(model)
	inCost := (float64(u.Input) / 1e6) * rate.Input
	outCost := (float64(u.Output) / 1e6) * rate.Output
	cwCost := (float64(u.CacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheRead) / 1e6) * rate.Input * rate.CacheReadMul
	return inCost + outCost + cwCost + crCost
}

// LogCost logs the cost attribution of one call with structured fields.
func (c *Calculator) LogCost(model, stage, scope string, u Usage) float64 {
	usd := c.Cost(model, u)
	zap.L().Info("cost attribution",
		zap.String("model", model),
		zap.String("stage", stage),
		zap.String("scope", scope),
		zap.Int("input_tokens", u.Input),
		zap.Int("output_tokens", u.Output),
		zap.Int("cache_write_tokens", u.CacheWrite),
		zap.Int("cache_read_tokens", u.CacheRead),
		zap.Float64("cost_usd", usd),
	)
	return usd
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"gpt-4o":      {Input: 2.50, Output: 10.00},
			"gpt-4o-mini": {Input: 0.15, Output: 0.60},
		},
		Fallback: ModelRate{Input: 3.00, Output: 15.00},
	}
}
