package model

import (
	"sort"
)

// LockedPosition is a unit confirmed with high confidence in an earlier
// iteration. Its product is carried verbatim into later iterations.
type LockedPosition struct {
	Product    ProductEntry `json:"product"`
	Confidence float64      `json:"confidence"`
	Iteration  int          `json:"iteration"`
}

// FocusReason explains why a location needs another look.
type FocusReason string

const (
	FocusMismatch      FocusReason = "mismatch"
	FocusLowConfidence FocusReason = "low_confidence"
	FocusStageFailed   FocusReason = "stage_failed"
)

// FocusArea is a shelf or position flagged for re-examination.
type FocusArea struct {
	Location Location    `json:"location"`
	Reason   FocusReason `json:"reason"`
	Detail   string      `json:"detail,omitempty"`
}

// RetryContext is everything one iteration hands to the next. Values are
// treated as immutable: the With* helpers return modified copies.
type RetryContext struct {
	Iteration    int              `json:"iteration"`
	Prior        *Extraction      `json:"prior,omitempty"`
	Locked       []LockedPosition `json:"locked,omitempty"`
	FocusAreas   []FocusArea      `json:"focus_areas,omitempty"`
	FeedbackText string           `json:"feedback_text,omitempty"`
	ModelIssues  map[string]int   `json:"model_issues,omitempty"`
	// RefineStructure asks the structure stage to run again.
	RefineStructure bool `json:"refine_structure,omitempty"`
}

// FirstAttempt reports whether no prior iteration exists.
func (rc RetryContext) FirstAttempt() bool {
	return rc.Iteration <= 1
}

// LockedOnShelf returns the locked products for one shelf ordered by position.
func (rc RetryContext) LockedOnShelf(shelf int) []LockedPosition {
	var out []LockedPosition
	for _, l := range rc.Locked {
		if l.Product.Shelf == shelf {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Product.Position < out[j].Product.Position })
	return out
}

// FocusOnShelf returns the focus areas that touch one shelf.
func (rc RetryContext) FocusOnShelf(shelf int) []FocusArea {
	var out []FocusArea
	for _, f := range rc.FocusAreas {
		if f.Location.Shelf == shelf {
			out = append(out, f)
		}
	}
	return out
}

// Issues returns the flagged issue count for a model.
func (rc RetryContext) Issues(modelID string) int {
	return rc.ModelIssues[modelID]
}

// Next builds the context for the following iteration. Slices and maps are
// copied so the receiver stays untouched.
func (rc RetryContext) Next(prior *Extraction, locked []LockedPosition, focus []FocusArea, feedback string, issues map[string]int) RetryContext {
	next := RetryContext{
		Iteration:    rc.Iteration + 1,
		Prior:        prior.Clone(),
		Locked:       append([]LockedPosition(nil), locked...),
		FocusAreas:   append([]FocusArea(nil), focus...),
		FeedbackText: feedback,
		ModelIssues:  make(map[string]int, len(issues)),
	}
	for k, v := range issues {
		next.ModelIssues[k] = v
	}
	return next
}

// WithRefineStructure returns a copy that requests a structure re-run.
func (rc RetryContext) WithRefineStructure(refine bool) RetryContext {
	rc.RefineStructure = refine
	return rc
}
