package model

import (
	"time"
)

// JobStatus represents the current state of an extraction job.
type JobStatus string

const (
	JobStatusPending              JobStatus = "pending"
	JobStatusRunning              JobStatus = "running"
	JobStatusSucceeded            JobStatus = "succeeded"
	JobStatusMaxIterationsReached JobStatus = "max_iterations_reached"
	JobStatusBudgetExceeded       JobStatus = "budget_exceeded"
	JobStatusFailed               JobStatus = "failed"
	JobStatusCanceled             JobStatus = "canceled"
)

// Terminal reports whether no further iterations can run for a job in this status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusMaxIterationsReached, JobStatusBudgetExceeded,
		JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// ReturnsResult reports whether a job ending in this status carries a
// best-so-far extraction back to the caller.
func (s JobStatus) ReturnsResult() bool {
	return s.Terminal() && s != JobStatusFailed
}

// JobConfig holds the job-level limits supplied by the caller.
type JobConfig struct {
	TargetAccuracy float64 `json:"target_accuracy" yaml:"target_accuracy" mapstructure:"target_accuracy"`
	MaxIterations  int     `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`
	BudgetCap      float64 `json:"budget_cap" yaml:"budget_cap" mapstructure:"budget_cap"`
}

// Image is an immutable snapshot of the photograph (or a rendered planogram)
// passed to model calls.
type Image struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"-"`
}

// Job is one photograph being processed.
type Job struct {
	ID             string    `json:"id"`
	ImagePath      string    `json:"image_path"`
	Config         JobConfig `json:"config"`
	CumulativeCost float64   `json:"cumulative_cost"`
	Iterations     int       `json:"iterations"`
	Status         JobStatus `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Accuracy       float64   `json:"accuracy"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Unlimited reports whether the job has no budget cap.
func (c JobConfig) Unlimited() bool {
	return c.BudgetCap <= 0
}

// RemainingBudget returns how much of the budget cap is still unspent. The
// value is meaningless when the config is Unlimited.
func (j *Job) RemainingBudget() float64 {
	return j.Config.BudgetCap - j.CumulativeCost
}
