// Package extraction runs one iteration's model stages: fixture structure,
// per-shelf products, and per-shelf details, with multi-model consensus at
// each stage.
package extraction

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/planogram-cli/internal/consensus"
	"github.com/sells-group/planogram-cli/internal/invoke"
	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/prompt"
	"github.com/sells-group/planogram-cli/internal/resilience"
	"github.com/sells-group/planogram-cli/internal/stage"
)

// Config controls an Extractor.
type Config struct {
	Structure stage.Config
	Products  stage.Config
	// Details is optional; a stage with no models is skipped.
	Details     stage.Config
	Policy      consensus.Policy
	Concurrency int
}

// Input is one iteration's worth of work.
type Input struct {
	Photo model.Image
	Retry model.RetryContext
	Gate  stage.Gate
}

// Output is the accepted result of one iteration's extraction stages.
type Output struct {
	Extraction *model.Extraction
	Stages     []model.StageResult
	Cost       float64
	// FocusAreas are units the next iteration should re-examine: low
	// confidence consensus and shelves whose calls all failed.
	FocusAreas []model.FocusArea
	// Supporters maps each voted unit (and each shelf) to the models whose
	// output was accepted for it.
	Supporters      map[string][]string
	StructureReused bool
}

func (o *Output) add(res model.StageResult) {
	o.Stages = append(o.Stages, res)
	o.Cost += res.Cost
}

// Extractor runs the extraction stages. It holds no per-job state.
type Extractor struct {
	cfg    Config
	caller stage.Caller
}

// New creates an Extractor.
func New(caller stage.Caller, cfg Config) *Extractor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Extractor{cfg: cfg, caller: caller}
}

// Run executes structure, products and details for one iteration. The
// returned Output is non-nil even on error so the cost already spent can be
// accounted for. A structure stage that cannot establish a shelf count fails
// with resilience.ErrStructuralFailure.
func (e *Extractor) Run(ctx context.Context, in Input) (*Output, error) {
	gate := in.Gate
	if gate == nil {
		gate = stage.ContextGate
	}
	out := &Output{Supporters: make(map[string][]string)}
	log := zap.L().With(zap.Int("iteration", in.Retry.Iteration))

	if err := gate(ctx); err != nil {
		return out, err
	}
	structure, err := e.structure(ctx, in, gate, out)
	if err != nil {
		return out, err
	}
	log.Info("extraction: structure established",
		zap.Int("shelf_count", structure.ShelfCount),
		zap.Bool("reused", out.StructureReused),
	)

	ex := &model.Extraction{Structure: structure}
	if err := gate(ctx); err != nil {
		return out, err
	}
	if err := e.products(ctx, in, gate, ex, out); err != nil {
		return out, err
	}

	if len(e.cfg.Details.Models) > 0 && len(ex.Products) > 0 {
		if err := gate(ctx); err != nil {
			return out, err
		}
		if err := e.details(ctx, in, gate, ex, out); err != nil {
			return out, err
		}
	} else {
		out.add(model.StageResult{Stage: model.StageDetails, Skipped: true})
	}

	if err := ex.Validate(); err != nil {
		log.Warn("extraction: accepted output failed validation", zap.Error(err))
	}
	out.Extraction = ex
	out.FocusAreas = sortFocus(out.FocusAreas)
	log.Info("extraction: iteration stages complete",
		zap.Int("products", len(ex.Products)),
		zap.Int("focus_areas", len(out.FocusAreas)),
		zap.Float64("cost_usd", out.Cost),
	)
	return out, nil
}

func (e *Extractor) structure(ctx context.Context, in Input, gate stage.Gate, out *Output) (model.ShelfStructure, error) {
	rc := in.Retry
	prior := rc.Prior
	if !rc.FirstAttempt() && prior != nil && prior.Structure.ShelfCount >= 1 && !rc.RefineStructure {
		out.StructureReused = true
		out.add(model.StageResult{Stage: model.StageStructure, Skipped: true})
		return prior.Structure, nil
	}

	started := time.Now()
	priorCount := 0
	if prior != nil {
		priorCount = prior.Structure.ShelfCount
	}
	b := prompt.ForShelf(rc, 0, priorCount)
	reqs := make([]invoke.Request, 0, len(e.cfg.Structure.Models))
	for _, m := range e.cfg.Structure.Models {
		reqs = append(reqs, e.cfg.Structure.Request(m, "fixture", rc.Iteration, b, in.Photo))
	}
	replies, err := stage.Batch(ctx, e.caller, gate, e.cfg.Concurrency, reqs)
	res := stage.Summarize(model.StageStructure, replies, started)
	if err != nil {
		out.add(res)
		return model.ShelfStructure{}, err
	}

	var cands []consensus.StructureCandidate
	for i, r := range replies {
		if !r.OK() {
			continue
		}
		var s model.ShelfStructure
		if err := r.Response.Decode(&s); err != nil || s.ShelfCount < 1 {
			res.Calls[i].Succeeded = false
			res.Calls[i].Error = fmt.Sprintf("unusable structure output: shelf count %d", s.ShelfCount)
			continue
		}
		cands = append(cands, consensus.StructureCandidate{Model: r.Request.Model, Order: i, Structure: s})
	}

	if len(cands) == 0 {
		if prior != nil && prior.Structure.ShelfCount >= 1 {
			zap.L().Warn("extraction: structure refinement failed, keeping prior structure")
			res.Error = "refinement failed, prior structure kept"
			out.StructureReused = true
			out.add(res)
			return prior.Structure, nil
		}
		res.Error = "shelf count could not be determined"
		out.add(res)
		return model.ShelfStructure{}, eris.Wrap(resilience.ErrStructuralFailure, "extraction: shelf count could not be determined")
	}

	structure, outcome := e.cfg.Policy.MergeStructure(cands, rc.ModelIssues)
	if outcome.LowConfidence {
		zap.L().Warn("extraction: low confidence shelf count",
			zap.Int("shelf_count", structure.ShelfCount),
			zap.Float64("share", outcome.Share),
		)
	}
	out.add(res)
	return structure, nil
}

type shelfCall struct {
	shelf int
	order int
}

func (e *Extractor) products(ctx context.Context, in Input, gate stage.Gate, ex *model.Extraction, out *Output) error {
	rc := in.Retry
	n := ex.Structure.ShelfCount
	started := time.Now()

	var reqs []invoke.Request
	var meta []shelfCall
	for shelf := 1; shelf <= n; shelf++ {
		b := prompt.ForShelf(rc, shelf, n)
		scope := fmt.Sprintf("shelf %d", shelf)
		for order, m := range e.cfg.Products.Models {
			reqs = append(reqs, e.cfg.Products.Request(m, scope, rc.Iteration, b, in.Photo))
			meta = append(meta, shelfCall{shelf: shelf, order: order})
		}
	}

	replies, err := stage.Batch(ctx, e.caller, gate, e.cfg.Concurrency, reqs)
	res := stage.Summarize(model.StageProducts, replies, started)
	out.add(res)
	if err != nil {
		return err
	}

	cands := make(map[int][]consensus.ShelfCandidate, n)
	for i, r := range replies {
		if !r.OK() {
			continue
		}
		var po productsOutput
		if err := r.Response.Decode(&po); err != nil {
			zap.L().Warn("extraction: undecodable products output", zap.String("model", r.Request.Model), zap.Error(err))
			continue
		}
		shelf := meta[i].shelf
		products, gaps := po.tidy(shelf)
		cands[shelf] = append(cands[shelf], consensus.ShelfCandidate{
			Model:    r.Request.Model,
			Order:    meta[i].order,
			Products: products,
			Gaps:     gaps,
		})
	}

	for shelf := 1; shelf <= n; shelf++ {
		shelfLoc := model.Location{Shelf: shelf}
		sc := cands[shelf]
		if len(sc) == 0 {
			out.FocusAreas = append(out.FocusAreas, model.FocusArea{
				Location: shelfLoc,
				Reason:   model.FocusStageFailed,
				Detail:   "no products output from any model",
			})
			ex.Products = append(ex.Products, lockedProducts(rc, shelf)...)
			continue
		}

		merged := e.cfg.Policy.MergeShelf(shelf, sc, rc.ModelIssues)
		for unit, models := range merged.Supporters {
			out.Supporters[unit] = models
		}
		models := make([]string, 0, len(sc))
		for _, c := range sc {
			models = append(models, c.Model)
		}
		out.Supporters[shelfLoc.Unit()] = models

		products, lockedAt := applyLocks(merged.Products, rc.LockedOnShelf(shelf))
		for _, loc := range merged.LowConfidence {
			if lockedAt[loc.Position] {
				continue
			}
			out.FocusAreas = append(out.FocusAreas, model.FocusArea{Location: loc, Reason: model.FocusLowConfidence, Detail: "models disagree"})
		}
		ex.Products = append(ex.Products, products...)
		ex.Gaps = append(ex.Gaps, merged.Gaps...)
	}
	return nil
}

// applyLocks overrides consensus with locked products at their positions.
func applyLocks(products []model.ProductEntry, locked []model.LockedPosition) ([]model.ProductEntry, map[int]bool) {
	lockedAt := make(map[int]bool, len(locked))
	if len(locked) == 0 {
		return products, lockedAt
	}
	byPos := make(map[int]model.ProductEntry, len(products)+len(locked))
	for _, p := range products {
		byPos[p.Position] = p
	}
	for _, l := range locked {
		byPos[l.Product.Position] = l.Product
		lockedAt[l.Product.Position] = true
	}
	out := make([]model.ProductEntry, 0, len(byPos))
	for _, p := range byPos {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, lockedAt
}

func lockedProducts(rc model.RetryContext, shelf int) []model.ProductEntry {
	var out []model.ProductEntry
	for _, l := range rc.LockedOnShelf(shelf) {
		out = append(out, l.Product)
	}
	return out
}

func (e *Extractor) details(ctx context.Context, in Input, gate stage.Gate, ex *model.Extraction, out *Output) error {
	rc := in.Retry
	n := ex.Structure.ShelfCount
	started := time.Now()

	var reqs []invoke.Request
	var meta []shelfCall
	for shelf := 1; shelf <= n; shelf++ {
		products := ex.ProductsOnShelf(shelf)
		if len(products) == 0 {
			continue
		}
		b := prompt.ForShelf(rc, shelf, n).With(prompt.Products, prompt.ProductLines(products))
		scope := fmt.Sprintf("shelf %d", shelf)
		for order, m := range e.cfg.Details.Models {
			reqs = append(reqs, e.cfg.Details.Request(m, scope, rc.Iteration, b, in.Photo))
			meta = append(meta, shelfCall{shelf: shelf, order: order})
		}
	}

	replies, err := stage.Batch(ctx, e.caller, gate, e.cfg.Concurrency, reqs)
	res := stage.Summarize(model.StageDetails, replies, started)
	out.add(res)
	if err != nil {
		return err
	}

	cands := map[int][]consensus.DetailsCandidate{}
	attempted := map[int]bool{}
	for i, r := range replies {
		shelf := meta[i].shelf
		attempted[shelf] = true
		if !r.OK() {
			continue
		}
		var do detailsOutput
		if err := r.Response.Decode(&do); err != nil {
			continue
		}
		cands[shelf] = append(cands[shelf], consensus.DetailsCandidate{
			Model:   r.Request.Model,
			Order:   meta[i].order,
			Details: do.byPosition(),
		})
	}

	for shelf := range attempted {
		if len(cands[shelf]) == 0 {
			out.FocusAreas = append(out.FocusAreas, model.FocusArea{
				Location: model.Location{Shelf: shelf},
				Reason:   model.FocusStageFailed,
				Detail:   "no details output from any model",
			})
			continue
		}
		merged, low := e.cfg.Policy.MergeDetails(shelf, cands[shelf], rc.ModelIssues)
		for i := range ex.Products {
			p := &ex.Products[i]
			if p.Shelf != shelf || p.Details != nil {
				continue
			}
			if d, ok := merged[p.Position]; ok {
				p.Details = &d
			}
		}
		for _, loc := range low {
			out.FocusAreas = append(out.FocusAreas, model.FocusArea{Location: loc, Reason: model.FocusLowConfidence, Detail: "details disagree"})
		}
	}
	return nil
}

func sortFocus(areas []model.FocusArea) []model.FocusArea {
	sort.SliceStable(areas, func(i, j int) bool {
		if areas[i].Location != areas[j].Location {
			return areas[i].Location.Less(areas[j].Location)
		}
		return areas[i].Reason < areas[j].Reason
	})
	return areas
}
