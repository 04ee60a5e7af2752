package model

import (
	"time"
)

// Stage names one step of an extraction iteration.
type Stage string

const (
	StageStructure  Stage = "structure"
	StageProducts   Stage = "products"
	StageDetails    Stage = "details"
	StageComparison Stage = "comparison"
)

// CallResult records one model invocation made within a stage.
type CallResult struct {
	Stage     Stage         `json:"stage"`
	Model     string        `json:"model"`
	Scope     string        `json:"scope,omitempty"`
	Cost      float64       `json:"cost"`
	Latency   time.Duration `json:"latency_ns"`
	Attempts  int           `json:"attempts"`
	Usage     TokenUsage    `json:"usage"`
	Error     string        `json:"error,omitempty"`
	Succeeded bool          `json:"succeeded"`
}

// StageResult summarizes one stage of an iteration.
type StageResult struct {
	Stage    Stage        `json:"stage"`
	Calls    []CallResult `json:"calls"`
	Cost     float64      `json:"cost"`
	Duration int64        `json:"duration_ms"`
	Skipped  bool         `json:"skipped,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// IterationRecord is one pass of the refinement loop.
type IterationRecord struct {
	JobID      string            `json:"job_id"`
	Number     int               `json:"number"`
	Stages     []StageResult     `json:"stages"`
	Extraction *Extraction       `json:"extraction,omitempty"`
	Grid       *Grid             `json:"grid,omitempty"`
	Report     *ComparisonReport `json:"report,omitempty"`
	Accuracy   float64           `json:"accuracy"`
	Cost       float64           `json:"cost"`
	Locked     []LockedPosition  `json:"locked,omitempty"`
	FocusAreas []FocusArea       `json:"focus_areas,omitempty"`
	Feedback   string            `json:"feedback,omitempty"`
	Duration   int64             `json:"duration_ms"`
	CreatedAt  time.Time         `json:"created_at"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.Cost += other.Cost
}
