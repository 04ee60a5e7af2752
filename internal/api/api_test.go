package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/orchestrator"
	"github.com/sells-group/planogram-cli/internal/store"
)

// fakeRunner records the request and persists a finished job.
type fakeRunner struct {
	st  store.Store
	got orchestrator.JobRequest
	err error
}

func (f *fakeRunner) Run(ctx context.Context, req orchestrator.JobRequest) (*orchestrator.Result, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	job := model.Job{
		ID:             "job-1",
		ImagePath:      req.ImagePath,
		Config:         req.Config,
		Status:         model.JobStatusSucceeded,
		Reason:         "target accuracy reached",
		CumulativeCost: 0.3,
		Iterations:     1,
		Accuracy:       0.97,
	}
	if err := f.st.CreateJob(ctx, &job); err != nil {
		return nil, err
	}
	rec := &model.IterationRecord{JobID: job.ID, Number: 1, Accuracy: 0.97, Cost: 0.3, CreatedAt: time.Now().UTC()}
	if err := f.st.AppendIteration(ctx, rec); err != nil {
		return nil, err
	}
	ex := &model.Extraction{Structure: model.ShelfStructure{ShelfCount: 1}}
	return &orchestrator.Result{
		Job:       job,
		Final:     ex,
		Best:      1,
		Reason:    job.Reason,
		MetTarget: true,
		States:    []orchestrator.State{orchestrator.StateInit, orchestrator.StateSucceeded},
	}, nil
}

func setup(t *testing.T) (http.Handler, *fakeRunner, store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	runner := &fakeRunner{st: st}
	h := NewHandler(Deps{
		Store:  st,
		Runner: runner,
		LoadPhoto: func(_ context.Context, path string) (model.Image, error) {
			if strings.HasSuffix(path, "missing.jpg") {
				return model.Image{}, eris.New("no such file")
			}
			return model.Image{Name: path, MediaType: "image/jpeg", Data: []byte{0xff}}, nil
		},
		Defaults: model.JobConfig{TargetAccuracy: 0.95, MaxIterations: 5, BudgetCap: 2},
	})
	return h, runner, st
}

func do(h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, url, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, url, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	h, _, _ := setup(t)
	rr := do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestListJobs_Empty(t *testing.T) {
	h, _, _ := setup(t)
	rr := do(h, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestCreateJob_RunsAndPersists(t *testing.T) {
	h, runner, _ := setup(t)

	rr := do(h, http.MethodPost, "/jobs", `{"image_path": "/photos/aisle.jpg", "max_iterations": 3, "validated": true}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res JobResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, model.JobStatusSucceeded, res.Job.Status)
	assert.True(t, res.MetTarget)
	require.NotNil(t, res.Extraction)
	assert.Equal(t, 1, res.Extraction.Structure.ShelfCount)

	assert.Equal(t, 3, runner.got.Config.MaxIterations)
	assert.InDelta(t, 0.95, runner.got.Config.TargetAccuracy, 1e-9)
	assert.InDelta(t, 2.0, runner.got.Config.BudgetCap, 1e-9)
	assert.True(t, runner.got.Validated)
	assert.Equal(t, "image/jpeg", runner.got.Photo.MediaType)

	rr = do(h, http.MethodGet, "/jobs?status=succeeded", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var jobs []model.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)

	rr = do(h, http.MethodGet, "/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var detail JobDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &detail))
	assert.Equal(t, "/photos/aisle.jpg", detail.Job.ImagePath)
	require.Len(t, detail.Iterations, 1)
	assert.InDelta(t, 0.97, detail.Iterations[0].Accuracy, 1e-9)
}

func TestCreateJob_BadRequests(t *testing.T) {
	h, runner, _ := setup(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{`, "invalid request body"},
		{"no image", `{}`, "image_path is required"},
		{"unreadable image", `{"image_path": "missing.jpg"}`, "cannot read image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(h, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.want)
		})
	}

	runner.err = eris.New("orchestrator: max_iterations must be at least 1")
	rr := do(h, http.MethodPost, "/jobs", `{"image_path": "a.jpg"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "max_iterations")
}

func TestGetJob_NotFound(t *testing.T) {
	h, _, _ := setup(t)
	rr := do(h, http.MethodGet, "/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "not_found")
}

func TestParseIntParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/jobs?limit=500&offset=-1&bad=x", nil)
	assert.Equal(t, 100, parseIntParam(r, "limit", 20, 100))
	assert.Equal(t, 0, parseIntParam(r, "offset", 0, 0))
	assert.Equal(t, 7, parseIntParam(r, "bad", 7, 0))
	assert.Equal(t, 20, parseIntParam(r, "missing", 20, 100))
}
