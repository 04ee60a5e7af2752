package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planogram-cli/internal/config"
	"github.com/sells-group/planogram-cli/internal/cost"
	"github.com/sells-group/planogram-cli/internal/fetcher"
	"github.com/sells-group/planogram-cli/internal/invoke"
	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/orchestrator"
	"github.com/sells-group/planogram-cli/internal/store"
)

// stageInvoker answers every stage with a fixed single-shelf scene.
type stageInvoker struct {
	mu    sync.Mutex
	calls map[model.Stage]int
}

func (s *stageInvoker) Invoke(_ context.Context, req invoke.Request) (*invoke.Response, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[model.Stage]int{}
	}
	s.calls[req.Stage]++
	s.mu.Unlock()

	var raw string
	switch req.Stage {
	case model.StageStructure:
		raw = `{"shelf_count": 1, "fixture_type": "gondola", "confidence": 0.95}`
	case model.StageProducts:
		raw = `{"products": [{"position": 1, "brand": "Acme", "name": "Cola", "facings": 2, "stack": 1, "confidence": 0.9}]}`
	case model.StageDetails:
		raw = `{"products": [{"position": 1, "price": 1.49, "currency": "USD"}]}`
	default:
		raw = `{"matches": [{"location": {"shelf": 1, "position": 1}, "product": "Acme Cola", "confidence": 0.99}], "mismatches": []}`
	}
	return &invoke.Response{Model: req.Model, Raw: json.RawMessage(raw), Cost: 0.01, Attempts: 1}, nil
}

func (s *stageInvoker) count(st model.Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[st]
}

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	c, err := config.Load()
	require.NoError(t, err)
	return c
}

func TestBuildOrchestrator_EndToEnd(t *testing.T) {
	c := loadTestConfig(t)
	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	inv := &stageInvoker{}
	orch, caller, err := buildOrchestrator(c, inv, st)
	require.NoError(t, err)
	require.NotNil(t, caller)

	res, err := orch.Run(ctx, orchestrator.JobRequest{
		ImagePath: "shelf.jpg",
		Photo:     model.Image{Name: "shelf.jpg", MediaType: "image/jpeg", Data: []byte{0xff, 0xd8}},
		Config:    c.Job,
		Validated: true,
	})
	require.NoError(t, err, res)

	assert.Equal(t, model.JobStatusSucceeded, res.Job.Status)
	assert.True(t, res.MetTarget)
	require.NotNil(t, res.Final)
	require.Len(t, res.Final.Products, 1)
	require.NotNil(t, res.Final.Products[0].Details)
	assert.InDelta(t, 1.49, *res.Final.Products[0].Details.Price, 1e-9)
	require.NotNil(t, res.Grid)

	assert.Equal(t, 2, inv.count(model.StageStructure))
	assert.Equal(t, 2, inv.count(model.StageProducts))
	assert.Equal(t, 1, inv.count(model.StageDetails))
	assert.Equal(t, 1, inv.count(model.StageComparison))

	job, err := st.GetJob(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSucceeded, job.Status)
	assert.InDelta(t, 0.06, job.CumulativeCost, 1e-9)

	recs, err := st.ListIterations(ctx, res.Job.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Locked, 1)
}

func TestBuildOrchestrator_CeilingWithoutValidation(t *testing.T) {
	c := loadTestConfig(t)
	c.Job.MaxIterations = 2

	inv := &stageInvoker{}
	orch, _, err := buildOrchestrator(c, inv, nil)
	require.NoError(t, err)

	res, err := orch.Run(context.Background(), orchestrator.JobRequest{
		ImagePath: "shelf.jpg",
		Photo:     model.Image{Name: "shelf.jpg", MediaType: "image/jpeg", Data: []byte{0xff}},
		Config:    c.Job,
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusMaxIterationsReached, res.Job.Status)
	assert.InDelta(t, 0.85, res.Job.Accuracy, 1e-9)
	// The structure is reused on the second pass.
	assert.Equal(t, 2, inv.count(model.StageStructure))
}

func TestBuildRegistry(t *testing.T) {
	c := loadTestConfig(t)
	calc := cost.NewCalculator(c.Pricing)

	_, err := buildRegistry(c, calc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model provider")

	c.Anthropic.Key = "sk-ant-test"
	c.OpenAI.Key = "sk-test"
	reg, err := buildRegistry(c, calc)
	require.NoError(t, err)

	provider, local, err := reg.Resolve("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai", provider)
	assert.Equal(t, "gpt-4o", local)

	provider, _, err = reg.Resolve("claude-sonnet-4-5-20250929")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", provider)

	provider, local, err = reg.Resolve("openai:llava-next")
	require.NoError(t, err)
	assert.Equal(t, "openai", provider)
	assert.Equal(t, "llava-next", local)
}

func TestPhotoLoader_FromConfig(t *testing.T) {
	c := loadTestConfig(t)
	c.Fetch.MaxBytes = 1024

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	l := photoLoader(c)
	require.IsType(t, &fetcher.HTTPFetcher{}, l.Fetcher)
	assert.Equal(t, c.Render.PhotoMaxDim, l.MaxDim)

	_, err := l.Load(context.Background(), srv.URL+"/huge.jpg")
	require.ErrorIs(t, err, fetcher.ErrPhotoTooLarge)

	_, err = l.Load(context.Background(), "does-not-exist.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open photo")
}

func TestInitEnv_BuildsOnePhotoLoader(t *testing.T) {
	c := loadTestConfig(t)
	c.Anthropic.Key = "sk-ant-test"
	c.Store = store.Config{Driver: "sqlite", DSN: ":memory:"}
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("not really a png"))
	}))
	defer srv.Close()

	env, err := initEnv(context.Background())
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Photos)
	shared := env.Photos.Fetcher
	require.IsType(t, &fetcher.HTTPFetcher{}, shared)

	for range 2 {
		_, err := env.Photos.Load(context.Background(), srv.URL+"/a.png")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decode photo")
	}
	assert.Equal(t, int32(2), hits.Load())
	assert.Same(t, shared, env.Photos.Fetcher)
}
