package stage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planogram-cli/internal/invoke"
	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/prompt"
)

type fakeCaller struct {
	mu       sync.Mutex
	calls    []string
	inFlight atomic.Int32
	peak     atomic.Int32
	fail     map[string]error
}

func (f *fakeCaller) Call(_ context.Context, req invoke.Request) (*invoke.Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.calls = append(f.calls, req.Model+"@"+req.Scope)
	f.mu.Unlock()

	if err := f.fail[req.Model]; err != nil {
		return &invoke.Response{Model: req.Model, Cost: 0.5, Attempts: 2}, err
	}
	return &invoke.Response{Model: req.Model, Raw: []byte(`{}`), Cost: 1, Attempts: 1}, nil
}

func requests(models ...string) []invoke.Request {
	var out []invoke.Request
	for _, m := range models {
		out = append(out, invoke.Request{Model: m, Stage: model.StageProducts, Scope: "shelf 1"})
	}
	return out
}

func TestBatch_JoinsAllAndRespectsLimit(t *testing.T) {
	fc := &fakeCaller{fail: map[string]error{"bad": errors.New("boom")}}
	replies, err := Batch(context.Background(), fc, nil, 2, requests("a", "b", "bad", "c", "d"))
	require.NoError(t, err)
	require.Len(t, replies, 5)

	assert.LessOrEqual(t, fc.peak.Load(), int32(2))
	assert.Len(t, fc.calls, 5)

	for i, r := range replies {
		assert.Equal(t, i, r.Index)
	}
	assert.False(t, replies[2].OK())
	assert.True(t, replies[0].OK())
	assert.Equal(t, "boom", replies[2].Call.Error)
	assert.InDelta(t, 0.5, replies[2].Call.Cost, 1e-9)

	res := Summarize(model.StageProducts, replies, time.Now())
	assert.Len(t, res.Calls, 5)
	assert.InDelta(t, 4.5, res.Cost, 1e-9)
}

func TestBatch_GateRejectionIssuesNothing(t *testing.T) {
	fc := &fakeCaller{}
	stop := eris.New("job canceled")
	replies, err := Batch(context.Background(), fc, func(context.Context) error { return stop }, 1, requests("a", "b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, stop)
	assert.Empty(t, fc.calls)

	res := Summarize(model.StageProducts, replies, time.Now())
	assert.Empty(t, res.Calls)
}

func TestBatch_CanceledContext(t *testing.T) {
	fc := &fakeCaller{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Batch(ctx, fc, nil, 4, requests("a", "b", "c"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fc.calls)
}

func TestConfig_Request(t *testing.T) {
	tmpl := prompt.MustNew("products", prompt.Source{
		Header: "List products on {{scope}}.",
		Retry:  "Earlier you found:\n{{prior_results}}",
	})
	temp := 0.2
	c := Config{Name: model.StageProducts, System: "sys", Template: tmpl, Models: []string{"m"}, Temperature: &temp, MaxTokens: 900}

	b := prompt.Bindings{prompt.Scope: "shelf 2 of 3", prompt.PriorResults: "None."}
	req := c.Request("m", "shelf 2", 1, b)
	assert.Equal(t, "List products on shelf 2 of 3.", req.Prompt)
	assert.Equal(t, model.StageProducts, req.Stage)
	assert.Equal(t, 900, req.MaxTokens)

	req = c.Request("m", "shelf 2", 2, b)
	assert.Contains(t, req.Prompt, "Earlier you found:\nNone.")

	assert.NoError(t, c.Validate())
	assert.Error(t, Config{Name: model.StageDetails, Template: tmpl}.Validate())
	assert.Error(t, Config{Name: model.StageDetails, Models: []string{"m"}}.Validate())
}
