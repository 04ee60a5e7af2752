// Package orchestrator drives a job through repeated extract, render,
// compare and evaluate iterations until it meets its target accuracy or
// runs out of iterations or budget.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/planogram-cli/internal/cost"
	"github.com/sells-group/planogram-cli/internal/extraction"
	"github.com/sells-group/planogram-cli/internal/feedback"
	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/planogram"
	"github.com/sells-group/planogram-cli/internal/resilience"
	"github.com/sells-group/planogram-cli/internal/stage"
)

// Extractor runs one iteration's extraction stages.
type Extractor interface {
	Run(ctx context.Context, in extraction.Input) (*extraction.Output, error)
}

// Comparator compares the rendered planogram against the photo.
type Comparator interface {
	Compare(ctx context.Context, photo model.Image, grid *model.Grid, rc model.RetryContext, gate stage.Gate) (*feedback.Comparison, error)
}

// Projector prices a planned iteration.
type Projector interface {
	ProjectIteration(plan cost.Plan) float64
}

// Recorder is the append-only persistence contract.
type Recorder interface {
	CreateJob(ctx context.Context, job *model.Job) error
	AppendIteration(ctx context.Context, rec *model.IterationRecord) error
	CompleteJob(ctx context.Context, job *model.Job) error
}

// Config wires an Orchestrator.
type Config struct {
	Stages     stage.Set
	Extractor  Extractor
	Comparator Comparator
	Projector  Projector
	Feedback   feedback.Manager
	// Recorder may be nil.
	Recorder Recorder
	// AssumedShelves sizes the cost projection before the shelf count is
	// known.
	AssumedShelves int
	// Bitmap reports whether the comparison stage attaches a rendered image.
	Bitmap bool
}

// JobRequest is one photograph to process.
type JobRequest struct {
	ID        string
	ImagePath string
	Photo     model.Image
	Config    model.JobConfig
	// Validated lifts the automated accuracy ceiling.
	Validated bool
}

// Result is a finished job.
type Result struct {
	Job        model.Job
	Final      *model.Extraction
	Grid       *model.Grid
	Best       int
	Iterations []model.IterationRecord
	States     []State
	Reason     string
	MetTarget  bool
}

// Orchestrator is the only component that mutates job state.
type Orchestrator struct {
	cfg Config
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.AssumedShelves <= 0 {
		cfg.AssumedShelves = 5
	}
	return &Orchestrator{cfg: cfg}
}

// run is the mutable state of one job.
type run struct {
	job      model.Job
	sm       *machine
	records  []model.IterationRecord
	best     int
	lastCost float64
	log      *zap.Logger
}

// Run processes a job to a terminal state. The error is non-nil only when
// the request itself is unusable; every other outcome is reported through
// Result.Job.Status and Result.Reason.
func (o *Orchestrator) Run(ctx context.Context, req JobRequest) (*Result, error) {
	if err := validateRequest(req.Config); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	r := &run{
		job: model.Job{
			ID:        req.ID,
			ImagePath: req.ImagePath,
			Config:    req.Config,
			Status:    model.JobStatusRunning,
			CreatedAt: now,
			UpdatedAt: now,
		},
		sm:  newMachine(),
		log: zap.L().With(zap.String("job_id", req.ID)),
	}
	r.log.Info("orchestrator: job started",
		zap.Float64("target_accuracy", req.Config.TargetAccuracy),
		zap.Int("max_iterations", req.Config.MaxIterations),
		zap.Float64("budget_cap", req.Config.BudgetCap),
	)
	o.persist(ctx, r, "create job", func(ctx context.Context, rec Recorder) error { return rec.CreateJob(ctx, &r.job) })

	manager := o.cfg.Feedback
	manager.Validated = manager.Validated || req.Validated

	rc := model.RetryContext{Iteration: 1}
	for {
		state, reason := o.iterate(ctx, r, req, manager, &rc)
		if state != "" {
			return o.finish(ctx, r, state, reason), nil
		}
	}
}

// iterate runs one iteration. It returns a terminal state and reason when
// the job should stop, or an empty state to continue with the updated rc.
func (o *Orchestrator) iterate(ctx context.Context, r *run, req JobRequest, manager feedback.Manager, rc *model.RetryContext) (State, string) {
	n := rc.Iteration
	log := r.log.With(zap.Int("iteration", n))

	if err := ctx.Err(); err != nil {
		return StateCanceled, "canceled before iteration " + fmt.Sprint(n)
	}

	shelves := o.cfg.AssumedShelves
	if rc.Prior != nil && rc.Prior.Structure.ShelfCount > 0 {
		shelves = rc.Prior.Structure.ShelfCount
	}
	projected := max(o.cfg.Projector.ProjectIteration(PlanIteration(o.cfg.Stages, shelves, *rc, o.cfg.Bitmap)), r.lastCost)
	if !req.Config.Unlimited() && projected > r.job.RemainingBudget() {
		log.Warn("orchestrator: projected cost exceeds remaining budget",
			zap.Float64("projected_usd", projected),
			zap.Float64("remaining_usd", r.job.RemainingBudget()),
		)
		return StateBudgetExceeded, fmt.Sprintf("iteration %d projected to cost $%.4f, only $%.4f of the $%.4f budget remains",
			n, projected, r.job.RemainingBudget(), req.Config.BudgetCap)
	}

	started := time.Now()
	rec := model.IterationRecord{JobID: r.job.ID, Number: n, CreatedAt: started.UTC()}

	o.transition(r, StateExtracting)
	out, err := o.cfg.Extractor.Run(ctx, extraction.Input{Photo: req.Photo, Retry: *rc, Gate: stage.ContextGate})
	if out != nil {
		rec.Stages = append(rec.Stages, out.Stages...)
		rec.Cost += out.Cost
		o.charge(r, out.Cost)
	}
	if err != nil {
		switch {
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			return StateCanceled, fmt.Sprintf("canceled during extraction in iteration %d", n)
		case errors.Is(err, resilience.ErrStructuralFailure):
			o.record(ctx, r, &rec, started)
			return StateFailed, fmt.Sprintf("structural failure in iteration %d: shelf count could not be determined", n)
		default:
			o.record(ctx, r, &rec, started)
			return StateFailed, fmt.Sprintf("extraction failed in iteration %d: %v", n, err)
		}
	}
	rec.Extraction = out.Extraction

	o.transition(r, StateRendering)
	grid := planogram.Render(out.Extraction)
	if err := planogram.Validate(out.Extraction, grid); err != nil {
		log.Error("orchestrator: rendered grid failed validation", zap.Error(err))
	}
	rec.Grid = grid

	o.transition(r, StateComparing)
	cmp, err := o.cfg.Comparator.Compare(ctx, req.Photo, grid, *rc, stage.ContextGate)
	if cmp != nil {
		rec.Stages = append(rec.Stages, cmp.Stage)
		rec.Cost += cmp.Stage.Cost
		o.charge(r, cmp.Stage.Cost)
	}
	var report *model.ComparisonReport
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return StateCanceled, fmt.Sprintf("canceled during comparison in iteration %d", n)
		}
		log.Warn("orchestrator: comparison failed, scoring iteration as unverified", zap.Error(err))
	} else {
		report = cmp.Report
	}
	rec.Report = report

	o.transition(r, StateEvaluating)
	verdict, next := manager.Derive(*rc, feedback.Evidence{
		Report:     report,
		Extraction: out.Extraction,
		Supporters: out.Supporters,
		FocusAreas: out.FocusAreas,
	})
	rec.Accuracy = verdict.Accuracy
	rec.Locked = verdict.Locked
	rec.FocusAreas = verdict.FocusAreas
	rec.Feedback = verdict.FeedbackText
	o.record(ctx, r, &rec, started)

	log.Info("orchestrator: iteration complete",
		zap.Float64("accuracy", verdict.Accuracy),
		zap.Bool("capped", verdict.Capped),
		zap.Int("locked", len(verdict.Locked)),
		zap.Int("focus_areas", len(verdict.FocusAreas)),
		zap.Float64("cost_usd", rec.Cost),
		zap.Float64("cumulative_cost_usd", r.job.CumulativeCost),
	)

	switch {
	case verdict.Accuracy >= req.Config.TargetAccuracy:
		return StateSucceeded, fmt.Sprintf("accuracy %.3f met target %.3f in iteration %d", verdict.Accuracy, req.Config.TargetAccuracy, n)
	case !req.Config.Unlimited() && r.job.CumulativeCost > req.Config.BudgetCap:
		return StateBudgetExceeded, fmt.Sprintf("spent $%.4f after iteration %d, over the $%.4f budget", r.job.CumulativeCost, n, req.Config.BudgetCap)
	case n >= req.Config.MaxIterations:
		best := r.records[r.best]
		return StateMaxIterationsReached, fmt.Sprintf("%d iterations without reaching target %.3f; best accuracy %.3f in iteration %d",
			n, req.Config.TargetAccuracy, best.Accuracy, best.Number)
	}

	r.lastCost = rec.Cost
	*rc = next
	return "", ""
}

func (o *Orchestrator) charge(r *run, usd float64) {
	r.job.CumulativeCost += usd
	r.job.UpdatedAt = time.Now().UTC()
}

func (o *Orchestrator) transition(r *run, to State) {
	from := r.sm.state
	if err := r.sm.to(to); err != nil {
		r.log.Error("orchestrator: state machine violation", zap.Error(err))
		return
	}
	r.log.Debug("orchestrator: transition", zap.String("from", string(from)), zap.String("to", string(to)))
}

// record appends a finished (or fatally failed) iteration.
func (o *Orchestrator) record(ctx context.Context, r *run, rec *model.IterationRecord, started time.Time) {
	rec.Duration = time.Since(started).Milliseconds()
	r.records = append(r.records, *rec)
	r.job.Iterations = len(r.records)
	idx := len(r.records) - 1
	if rec.Extraction != nil && (r.records[r.best].Extraction == nil || rec.Accuracy >= r.records[r.best].Accuracy) {
		r.best = idx
	}
	o.persist(ctx, r, "append iteration", func(ctx context.Context, s Recorder) error { return s.AppendIteration(ctx, rec) })
}

func (o *Orchestrator) finish(ctx context.Context, r *run, state State, reason string) *Result {
	o.transition(r, state)
	r.job.Status = state.JobStatus()
	r.job.Reason = reason
	r.job.UpdatedAt = time.Now().UTC()

	res := &Result{
		Iterations: r.records,
		States:     append([]State(nil), r.sm.history...),
		Reason:     reason,
	}
	if len(r.records) > 0 && r.job.Status.ReturnsResult() {
		best := r.records[r.best]
		if best.Extraction != nil {
			res.Final = best.Extraction
			res.Grid = best.Grid
			res.Best = best.Number
			r.job.Accuracy = best.Accuracy
		}
	}
	res.MetTarget = state == StateSucceeded
	res.Job = r.job

	// Persisting the outcome must survive a canceled job context.
	o.persist(context.WithoutCancel(ctx), r, "complete job", func(ctx context.Context, s Recorder) error { return s.CompleteJob(ctx, &r.job) })

	r.log.Info("orchestrator: job finished",
		zap.String("status", string(r.job.Status)),
		zap.String("reason", reason),
		zap.Int("iterations", r.job.Iterations),
		zap.Int("best_iteration", res.Best),
		zap.Float64("accuracy", r.job.Accuracy),
		zap.Float64("cost_usd", r.job.CumulativeCost),
	)
	return res
}

func (o *Orchestrator) persist(ctx context.Context, r *run, what string, fn func(context.Context, Recorder) error) {
	if o.cfg.Recorder == nil {
		return
	}
	if err := fn(ctx, o.cfg.Recorder); err != nil {
		r.log.Warn("orchestrator: persistence failed", zap.String("op", what), zap.Error(err))
	}
}

func validateRequest(c model.JobConfig) error {
	if c.MaxIterations < 1 {
		return eris.Errorf("orchestrator: max iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.TargetAccuracy <= 0 || c.TargetAccuracy > 1 {
		return eris.Errorf("orchestrator: target accuracy must be in (0, 1], got %v", c.TargetAccuracy)
	}
	return nil
}
