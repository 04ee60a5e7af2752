package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/store"
)

const pageSize = 500

// MetricsSnapshot holds a point-in-time view of extraction health.
type MetricsSnapshot struct {
	// Job counts within the lookback window.
	JobsTotal           int `json:"jobs_total"`
	JobsSucceeded       int `json:"jobs_succeeded"`
	JobsMaxIterations   int `json:"jobs_max_iterations"`
	JobsBudgetExhausted int `json:"jobs_budget_exhausted"`
	JobsFailed          int `json:"jobs_failed"`
	JobsCanceled        int `json:"jobs_canceled"`
	JobsRunning         int `json:"jobs_running"`

	FailRate            float64 `json:"fail_rate"`
	BudgetExhaustedRate float64 `json:"budget_exhausted_rate"`
	CostUSD             float64 `json:"cost_usd"`
	AvgAccuracy         float64 `json:"avg_accuracy"`
	AvgIterations       float64 `json:"avg_iterations"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished is the number of jobs that reached a terminal status.
func (s *MetricsSnapshot) Finished() int {
	return s.JobsSucceeded + s.JobsMaxIterations + s.JobsBudgetExhausted + s.JobsFailed + s.JobsCanceled
}

// JobLister is the slice of the store the collector reads.
type JobLister interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
}

// Collector gathers job metrics from the store.
type Collector struct {
	jobs JobLister
	now  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(jobs JobLister) *Collector {
	return &Collector{jobs: jobs, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot of job metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	var accSum float64
	var iterSum, scored int

	// Jobs come back newest first, so paging stops at the first job older
	// than the cutoff.
	for offset := 0; ; offset += pageSize {
		page, err := c.jobs.ListJobs(ctx, store.JobFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list jobs")
		}

		done := len(page) < pageSize
		for _, j := range page {
			if j.CreatedAt.Before(cutoff) {
				done = true
				break
			}
			snap.JobsTotal++
			snap.CostUSD += j.CumulativeCost

			switch j.Status {
			case model.JobStatusSucceeded:
				snap.JobsSucceeded++
			case model.JobStatusMaxIterationsReached:
				snap.JobsMaxIterations++
			case model.JobStatusBudgetExceeded:
				snap.JobsBudgetExhausted++
			case model.JobStatusFailed:
				snap.JobsFailed++
			case model.JobStatusCanceled:
				snap.JobsCanceled++
			default:
				snap.JobsRunning++
			}

			if j.Status.ReturnsResult() && j.Iterations > 0 {
				accSum += j.Accuracy
				iterSum += j.Iterations
				scored++
			}
		}
		if done {
			break
		}
	}

	if finished := snap.Finished(); finished > 0 {
		snap.FailRate = float64(snap.JobsFailed) / float64(finished)
		snap.BudgetExhaustedRate = float64(snap.JobsBudgetExhausted) / float64(finished)
	}
	if scored > 0 {
		snap.AvgAccuracy = accSum / float64(scored)
		snap.AvgIterations = float64(iterSum) / float64(scored)
	}
	return snap, nil
}
