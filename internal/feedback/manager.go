package feedback

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/planogram-cli/internal/model"
)

// Manager turns a comparison report into the next iteration's retry context.
type Manager struct {
	// LockThreshold is the match confidence at or above which a unit is
	// locked for later iterations.
	LockThreshold float64
	// AccuracyCeiling caps automated accuracy. Zero or negative disables it.
	AccuracyCeiling float64
	// Validated marks that an independent validation signal was supplied,
	// which lifts the ceiling.
	Validated bool
}

// DefaultManager returns the standard thresholds.
func DefaultManager() Manager {
	return Manager{LockThreshold: 0.9, AccuracyCeiling: 0.85}
}

// Evidence is what one iteration produced for the manager to judge.
type Evidence struct {
	Report     *model.ComparisonReport
	Extraction *model.Extraction
	// Supporters maps a unit to the models whose vote was accepted for it.
	Supporters map[string][]string
	// FocusAreas are flags raised during extraction (low confidence
	// consensus, failed shelves).
	FocusAreas []model.FocusArea
}

// Result is the manager's verdict on one iteration.
type Result struct {
	Locked          []model.LockedPosition
	FocusAreas      []model.FocusArea
	Accuracy        float64
	RawAccuracy     float64
	Capped          bool
	FeedbackText    string
	ModelIssues     map[string]int
	RefineStructure bool
}

// Derive judges the iteration described by prev (whose Iteration is the
// number just completed) and returns the verdict together with the context
// for the next iteration.
func (m Manager) Derive(prev model.RetryContext, ev Evidence) (Result, model.RetryContext) {
	report := ev.Report
	if report == nil {
		report = &model.ComparisonReport{}
	}
	iteration := max(prev.Iteration, 1)

	res := Result{
		Locked:       m.locks(prev.Locked, report, ev.Extraction, iteration),
		FocusAreas:   focusAreas(report, ev.FocusAreas),
		ModelIssues:  modelIssues(report, ev.Supporters),
		FeedbackText: feedbackText(report),
	}
	res.RawAccuracy = Accuracy(report, ev.Extraction)
	res.Accuracy = res.RawAccuracy
	if !m.Validated && m.AccuracyCeiling > 0 && res.Accuracy > m.AccuracyCeiling {
		res.Accuracy = m.AccuracyCeiling
		res.Capped = true
	}
	for _, mm := range report.Mismatches {
		if mm.Type == model.MismatchWrongShelf {
			res.RefineStructure = true
			break
		}
	}

	next := prev.Next(ev.Extraction, res.Locked, res.FocusAreas, res.FeedbackText, res.ModelIssues).
		WithRefineStructure(res.RefineStructure)
	return res, next
}

// Accuracy is the summed match confidence over the expected unit count.
// Expected units are the extraction's products plus the products the
// comparison found missing from it; extracted units the report never
// mentions count as unmatched. Every reported mismatch is also an expected
// unit, so extras pull the score down.
func Accuracy(r *model.ComparisonReport, ex *model.Extraction) float64 {
	if r == nil {
		return 0
	}
	expected := max(ex.UnitCount()+r.CountByType()[model.MismatchMissing], len(r.Matches)+len(r.Mismatches))
	if expected == 0 {
		return 0
	}
	var sum float64
	for _, mt := range r.Matches {
		sum += mt.Confidence
	}
	return sum / float64(expected)
}

func (m Manager) locks(prior []model.LockedPosition, r *model.ComparisonReport, ex *model.Extraction, iteration int) []model.LockedPosition {
	contradicted := map[string]bool{}
	for _, mm := range r.Mismatches {
		for _, loc := range []*model.Location{mm.PlanogramLocation, mm.PhotoLocation} {
			if loc != nil {
				contradicted[loc.Unit()] = true
			}
		}
	}

	byUnit := map[string]model.LockedPosition{}
	for _, l := range prior {
		u := l.Product.Location().Unit()
		if contradicted[u] {
			continue
		}
		byUnit[u] = l
	}

	if ex != nil {
		for _, mt := range r.Matches {
			if mt.Confidence < m.LockThreshold || mt.Location.Position == 0 {
				continue
			}
			u := mt.Location.Unit()
			if contradicted[u] {
				continue
			}
			p, ok := ex.Product(mt.Location)
			if !ok {
				continue
			}
			if old, ok := byUnit[u]; ok && old.Confidence > mt.Confidence {
				continue
			}
			byUnit[u] = model.LockedPosition{Product: p, Confidence: mt.Confidence, Iteration: iteration}
		}
	}

	out := make([]model.LockedPosition, 0, len(byUnit))
	for _, l := range byUnit {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product.Location().Less(out[j].Product.Location()) })
	return out
}

func focusAreas(r *model.ComparisonReport, raised []model.FocusArea) []model.FocusArea {
	seen := map[string]bool{}
	var out []model.FocusArea
	add := func(f model.FocusArea) {
		key := f.Location.Unit() + "|" + string(f.Reason)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, f)
	}

	for _, mm := range r.Mismatches {
		loc, ok := mm.Location()
		if !ok {
			continue
		}
		add(model.FocusArea{Location: loc, Reason: model.FocusMismatch, Detail: describeMismatch(mm)})
	}
	for _, f := range raised {
		add(f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Location != out[j].Location {
			return out[i].Location.Less(out[j].Location)
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}

// modelIssues charges each mismatch to the models whose vote won the unit.
// A mismatch on a unit nobody voted for is charged to the whole-shelf
// supporters when known.
func modelIssues(r *model.ComparisonReport, supporters map[string][]string) map[string]int {
	out := map[string]int{}
	for _, mm := range r.Mismatches {
		loc, ok := mm.Location()
		if !ok {
			continue
		}
		models, ok := supporters[loc.Unit()]
		if !ok {
			models = supporters[model.Location{Shelf: loc.Shelf}.Unit()]
		}
		for _, id := range models {
			out[id]++
		}
	}
	return out
}

func feedbackText(r *model.ComparisonReport) string {
	if len(r.Mismatches) == 0 {
		return strings.TrimSpace(r.Summary)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Visual comparison found %d discrepancies:\n", len(r.Mismatches))
	for _, mm := range r.Mismatches {
		sb.WriteString("- " + describeMismatch(mm) + "\n")
	}
	if s := strings.TrimSpace(r.Summary); s != "" {
		sb.WriteString("Summary: " + s + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func describeMismatch(mm model.Mismatch) string {
	var sb strings.Builder
	sb.WriteString(string(mm.Type))
	if mm.Product != "" {
		sb.WriteString(" " + mm.Product)
	}
	switch {
	case mm.PlanogramLocation != nil && mm.PhotoLocation != nil && *mm.PlanogramLocation != *mm.PhotoLocation:
		fmt.Fprintf(&sb, ": planogram has it at %s, photo shows %s", mm.PlanogramLocation.Unit(), mm.PhotoLocation.Unit())
	case mm.PlanogramLocation != nil:
		fmt.Fprintf(&sb, " at %s", mm.PlanogramLocation.Unit())
	case mm.PhotoLocation != nil:
		fmt.Fprintf(&sb, " at %s in the photo", mm.PhotoLocation.Unit())
	}
	if mm.Note != "" {
		sb.WriteString(" (" + mm.Note + ")")
	}
	return sb.String()
}
