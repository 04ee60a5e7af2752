// Package feedback compares a rendered planogram against the source photo
// and turns the comparison into the retry context for the next iteration.
package feedback

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/planogram-cli/internal/invoke"
	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/planogram"
	"github.com/sells-group/planogram-cli/internal/prompt"
	"github.com/sells-group/planogram-cli/internal/stage"
)

// ErrNoComparison is returned when no comparison model produced a report.
var ErrNoComparison = eris.New("no comparison report")

// Comparison is a parsed report plus the calls spent producing it.
type Comparison struct {
	Report *model.ComparisonReport
	Model  string
	Stage  model.StageResult
}

// Comparator asks a vision model to diff the planogram against the photo.
// Candidate models are tried in order until one returns a valid report.
type Comparator struct {
	cfg      stage.Config
	caller   stage.Caller
	renderer planogram.ImageRenderer
}

// NewComparator creates a Comparator. renderer may be nil, in which case
// only the planogram's text description is sent.
func NewComparator(cfg stage.Config, caller stage.Caller, renderer planogram.ImageRenderer) *Comparator {
	return &Comparator{cfg: cfg, caller: caller, renderer: renderer}
}

// Compare runs the comparison for one iteration.
func (c *Comparator) Compare(ctx context.Context, photo model.Image, grid *model.Grid, rc model.RetryContext, gate stage.Gate) (*Comparison, error) {
	if gate == nil {
		gate = stage.ContextGate
	}
	started := time.Now()
	out := &Comparison{Stage: model.StageResult{Stage: model.StageComparison}}

	images := []model.Image{photo}
	if c.renderer != nil {
		img, err := c.renderer.RenderImage(grid)
		if err != nil {
			zap.L().Warn("feedback: planogram bitmap unavailable, using description only", zap.Error(err))
		} else {
			images = append(images, img)
		}
	}

	b := prompt.Bindings{
		prompt.Scope:           "the whole fixture",
		prompt.ShelfCount:      strconv.Itoa(len(grid.Shelves)),
		prompt.PlanogramText:   planogram.Describe(grid),
		prompt.IterationNumber: strconv.Itoa(max(rc.Iteration, 1)),
	}

	var lastErr error
	for _, modelID := range c.cfg.Models {
		req := c.cfg.Request(modelID, "fixture", rc.Iteration, b, images...)
		replies, err := stage.Batch(ctx, c.caller, gate, 1, []invoke.Request{req})
		stage.Merge(&out.Stage, stage.Summarize(model.StageComparison, replies, time.Now()))
		if err != nil {
			out.Stage.Duration = time.Since(started).Milliseconds()
			return out, err
		}

		r := replies[0]
		if !r.OK() {
			lastErr = r.Err
			continue
		}
		var report model.ComparisonReport
		if err := r.Response.Decode(&report); err != nil {
			lastErr = err
			continue
		}
		out.Report = sanitize(&report)
		out.Model = modelID
		break
	}

	out.Stage.Duration = time.Since(started).Milliseconds()
	if out.Report == nil {
		if lastErr == nil {
			lastErr = ErrNoComparison
		}
		out.Stage.Error = lastErr.Error()
		return out, eris.Wrap(lastErr, "feedback: compare")
	}
	return out, nil
}

// sanitize drops mismatches with unknown types and clamps confidences.
func sanitize(r *model.ComparisonReport) *model.ComparisonReport {
	kept := r.Mismatches[:0]
	for _, m := range r.Mismatches {
		if !m.Type.Valid() {
			zap.L().Warn("feedback: dropping mismatch with unknown type", zap.String("type", string(m.Type)))
			continue
		}
		m.Confidence = clamp(m.Confidence)
		kept = append(kept, m)
	}
	r.Mismatches = kept
	for i := range r.Matches {
		r.Matches[i].Confidence = clamp(r.Matches[i].Confidence)
	}
	return r
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
