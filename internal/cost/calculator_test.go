package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"haiku": {
				Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"sonnet": {
				Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Fallback: ModelRate{Input: 1.00, Output: 2.00},
	}
}

func TestCost(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name  string
		model string
		usage Usage
		want  float64
	}{
		{
			name:  "haiku simple",
			model: "haiku",
			usage: Usage{Input: 1000000, Output: 100000},
			want:  0.80 + 0.40,
		},
		{
			name:  "haiku with cache",
			model: "haiku",
			usage: Usage{Input: 500000, Output: 50000, CacheWrite: 200000, CacheRead: 300000},
			// 0.40 in + 0.20 out + 0.20 cache write + 0.024 cache read
			want: 0.824,
		},
		{
			name:  "sonnet",
			model: "sonnet",
			usage: Usage{Input: 2000000, Output: 1000000},
			want:  6.00 + 15.00,
		},
		{
			name:  "unknown model uses fallback",
			model: "mystery",
			usage: Usage{Input: 1000000, Output: 1000000},
			want:  3.00,
		},
		{
			name:  "zero tokens",
			model: "sonnet",
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Cost(tt.model, tt.usage), 1e-9)
		})
	}
}

func TestLogCost_ReturnsCost(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	got := calc.LogCost("sonnet", "products", "shelf 1", Usage{Input: 1000000})
	assert.InDelta(t, 3.00, got, 1e-9)
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()
	assert.Contains(t, rates.Models, "claude-sonnet-4-5-20250929")
	assert.Contains(t, rates.Models, "gpt-4o")
	assert.Greater(t, rates.Fallback.Input, 0.0)
}

func TestProjectIteration(t *testing.T) {
	t.Parallel()
	p := NewProjector(NewCalculator(testRates()), Estimates{
		Default: Estimate{InputTokens: 1000000, OutputTokens: 0},
		Stages: map[string]Estimate{
			"products": {InputTokens: 0, OutputTokens: 1000000, ImageTokens: 1000000},
		},
	})

	plan := Plan{
		{Stage: "structure", Model: "haiku", Count: 1},
		{Stage: "products", Model: "sonnet", Images: 1, Count: 3},
		{Stage: "comparison", Model: "sonnet", Images: 2, Count: 0},
	}
	// structure 0.80, products (3 + 15) x 3, comparison skipped.
	assert.InDelta(t, 0.80+54.0, p.ProjectIteration(plan), 1e-9)
	assert.Equal(t, 4, plan.Calls())
	assert.Zero(t, p.ProjectIteration(nil))
}

func TestDefaultEstimates_CoverStages(t *testing.T) {
	t.Parallel()
	est := DefaultEstimates()
	for _, stage := range []string{"structure", "products", "details", "comparison"} {
		assert.Positive(t, est.forStage(stage).OutputTokens, stage)
	}
	assert.Equal(t, est.Default, est.forStage("unknown"))
}
