package monitoring

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/store"
)

// fakeJobs serves jobs newest first, honoring limit and offset.
type fakeJobs struct {
	jobs  []model.Job
	err   error
	pages int
}

func (f *fakeJobs) ListJobs(_ context.Context, filter store.JobFilter) ([]model.Job, error) {
	f.pages++
	if f.err != nil {
		return nil, f.err
	}
	if filter.Offset >= len(f.jobs) {
		return nil, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(f.jobs) {
		end = len(f.jobs)
	}
	return f.jobs[filter.Offset:end], nil
}

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestCollector(jobs JobLister) *Collector {
	c := NewCollector(jobs)
	c.now = func() time.Time { return fixedNow }
	return c
}

func job(status model.JobStatus, age time.Duration, acc, cost float64, iters int) model.Job {
	return model.Job{
		ID:             fmt.Sprintf("%s-%s", status, age),
		Status:         status,
		Accuracy:       acc,
		CumulativeCost: cost,
		Iterations:     iters,
		CreatedAt:      fixedNow.Add(-age),
	}
}

func TestCollector_Collect(t *testing.T) {
	src := &fakeJobs{jobs: []model.Job{
		job(model.JobStatusRunning, time.Minute, 0, 0.1, 0),
		job(model.JobStatusSucceeded, time.Hour, 0.96, 0.4, 2),
		job(model.JobStatusMaxIterationsReached, 2*time.Hour, 0.84, 1.0, 5),
		job(model.JobStatusBudgetExceeded, 3*time.Hour, 0.70, 2.0, 3),
		job(model.JobStatusFailed, 4*time.Hour, 0, 0.05, 0),
		// Outside the window.
		job(model.JobStatusFailed, 30*time.Hour, 0, 9.0, 0),
	}}

	snap, err := newTestCollector(src).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.JobsTotal)
	assert.Equal(t, 1, snap.JobsRunning)
	assert.Equal(t, 1, snap.JobsSucceeded)
	assert.Equal(t, 1, snap.JobsMaxIterations)
	assert.Equal(t, 1, snap.JobsBudgetExhausted)
	assert.Equal(t, 1, snap.JobsFailed)
	assert.Equal(t, 4, snap.Finished())
	assert.InDelta(t, 0.25, snap.FailRate, 1e-9)
	assert.InDelta(t, 0.25, snap.BudgetExhaustedRate, 1e-9)
	assert.InDelta(t, 3.55, snap.CostUSD, 1e-9)
	assert.InDelta(t, (0.96+0.84+0.70)/3, snap.AvgAccuracy, 1e-9)
	assert.InDelta(t, 10.0/3, snap.AvgIterations, 1e-9)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, fixedNow, snap.CollectedAt)
}

func TestCollector_Collect_Pages(t *testing.T) {
	jobs := make([]model.Job, pageSize+10)
	for i := range jobs {
		jobs[i] = job(model.JobStatusSucceeded, time.Duration(i)*time.Second, 0.9, 0.01, 1)
	}
	src := &fakeJobs{jobs: jobs}

	snap, err := newTestCollector(src).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, pageSize+10, snap.JobsTotal)
	assert.Equal(t, 2, src.pages)
}

func TestCollector_Collect_StopsAtCutoff(t *testing.T) {
	jobs := make([]model.Job, pageSize*2)
	for i := range jobs {
		jobs[i] = job(model.JobStatusSucceeded, time.Duration(i)*time.Hour, 0.9, 0.01, 1)
	}
	src := &fakeJobs{jobs: jobs}

	snap, err := newTestCollector(src).Collect(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 11, snap.JobsTotal)
	assert.Equal(t, 1, src.pages)
}

func TestCollector_Collect_Empty(t *testing.T) {
	snap, err := newTestCollector(&fakeJobs{}).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.JobsTotal)
	assert.Zero(t, snap.FailRate)
	assert.Zero(t, snap.AvgAccuracy)
}

func TestCollector_Collect_ListError(t *testing.T) {
	_, err := newTestCollector(&fakeJobs{err: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list jobs")
}

func TestCollector_Collect_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	j := &model.Job{ImagePath: "aisle.jpg", Config: model.JobConfig{TargetAccuracy: 0.9, MaxIterations: 3}}
	require.NoError(t, st.CreateJob(ctx, j))
	j.Status = model.JobStatusSucceeded
	j.Accuracy = 0.92
	j.Iterations = 2
	j.CumulativeCost = 0.3
	require.NoError(t, st.CompleteJob(ctx, j))

	snap, err := NewCollector(st).Collect(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.JobsSucceeded)
	assert.InDelta(t, 0.92, snap.AvgAccuracy, 1e-9)
}
