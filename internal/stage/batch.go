package stage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/planogram-cli/internal/invoke"
	"github.com/sells-group/planogram-cli/internal/model"
)

// Reply is the outcome of one request in a batch. Response is nil when the
// call failed or was never issued.
type Reply struct {
	Index    int
	Request  invoke.Request
	Response *invoke.Response
	Err      error
	Call     model.CallResult
}

// OK reports whether the call produced usable output.
func (r Reply) OK() bool {
	return r.Err == nil && r.Response != nil
}

// Batch issues every request with at most limit in flight and waits for all
// of them. Failed calls are recorded in their Reply and do not cancel their
// siblings; only a gate rejection aborts the batch, in which case the error
// is returned alongside the replies gathered so far.
func Batch(ctx context.Context, caller Caller, gate Gate, limit int, reqs []invoke.Request) ([]Reply, error) {
	if gate == nil {
		gate = ContextGate
	}
	replies := make([]Reply, len(reqs))
	for i, req := range reqs {
		replies[i] = Reply{Index: i, Request: req}
	}

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range reqs {
		g.Go(func() error {
			if err := gate(gctx); err != nil {
				return err
			}
			replies[i] = call(gctx, caller, reqs[i], i)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return replies, eris.Wrap(err, "stage: batch aborted")
	}
	return replies, nil
}

func call(ctx context.Context, caller Caller, req invoke.Request, idx int) Reply {
	start := time.Now()
	resp, err := caller.Call(ctx, req)

	r := Reply{Index: idx, Request: req, Err: err}
	cr := model.CallResult{
		Stage:     req.Stage,
		Model:     req.Model,
		Scope:     req.Scope,
		Latency:   time.Since(start),
		Succeeded: err == nil,
	}
	if resp != nil {
		cr.Cost = resp.Cost
		cr.Attempts = resp.Attempts
		cr.Usage = model.TokenUsage{
			InputTokens:  resp.Usage.Input + resp.Usage.CacheWrite + resp.Usage.CacheRead,
			OutputTokens: resp.Usage.Output,
			Cost:         resp.Cost,
		}
	}
	if err != nil {
		cr.Error = err.Error()
		zap.L().Debug("stage: call dropped",
			zap.String("stage", string(req.Stage)),
			zap.String("model", req.Model),
			zap.String("scope", req.Scope),
			zap.Error(err),
		)
	} else {
		r.Response = resp
	}
	r.Call = cr
	return r
}

// Summarize folds a batch into a stage result.
func Summarize(name model.Stage, replies []Reply, started time.Time) model.StageResult {
	res := model.StageResult{Stage: name, Duration: time.Since(started).Milliseconds()}
	for _, r := range replies {
		if r.Call.Model == "" {
			continue
		}
		res.Calls = append(res.Calls, r.Call)
		res.Cost += r.Call.Cost
	}
	return res
}

// Merge appends a second batch's calls to an existing stage result.
func Merge(into *model.StageResult, other model.StageResult) {
	into.Calls = append(into.Calls, other.Calls...)
	into.Cost += other.Cost
	into.Duration += other.Duration
}
