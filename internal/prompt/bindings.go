package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sells-group/planogram-cli/internal/model"
)

// Bindings maps placeholders to their rendered text.
type Bindings map[Placeholder]string

// With returns a copy of b with ph set.
func (b Bindings) With(ph Placeholder, value string) Bindings {
	out := make(Bindings, len(b)+1)
	for k, v := range b {
		out[k] = v
	}
	out[ph] = value
	return out
}

// ForShelf builds the bindings for a call scoped to one shelf. shelf == 0
// scopes the call to the whole fixture.
func ForShelf(rc model.RetryContext, shelf, shelfCount int) Bindings {
	b := Bindings{
		ShelfCount:      strconv.Itoa(shelfCount),
		IterationNumber: strconv.Itoa(max(rc.Iteration, 1)),
	}
	if shelf > 0 {
		b[Scope] = fmt.Sprintf("shelf %d of %d (shelf 1 is the top shelf)", shelf, shelfCount)
		b[Shelf] = strconv.Itoa(shelf)
	} else {
		b[Scope] = "the whole fixture"
	}
	if rc.FirstAttempt() {
		return b
	}

	b[PriorResults] = priorResults(rc.Prior, shelf)
	b[LockedItems] = lockedItems(rc, shelf)
	b[FocusAreas] = focusAreas(rc, shelf)
	b[VisualFeedback] = rc.FeedbackText
	if b[VisualFeedback] == "" {
		b[VisualFeedback] = "No discrepancies were reported."
	}
	return b
}

func priorResults(prior *model.Extraction, shelf int) string {
	if prior == nil {
		return "None."
	}
	if shelf == 0 {
		return fmt.Sprintf("Shelf count: %d, fixture: %s", prior.Structure.ShelfCount, orDash(prior.Structure.FixtureType))
	}
	products := prior.ProductsOnShelf(shelf)
	if len(products) == 0 {
		return "No products were extracted for this shelf."
	}
	return ProductLines(products)
}

func lockedItems(rc model.RetryContext, shelf int) string {
	var locked []model.LockedPosition
	if shelf == 0 {
		locked = rc.Locked
	} else {
		locked = rc.LockedOnShelf(shelf)
	}
	if len(locked) == 0 {
		return "None."
	}
	var sb strings.Builder
	for _, l := range locked {
		fmt.Fprintf(&sb, "- %s: %s (confidence: %.2f, keep exactly)\n", l.Product.Location().Unit(), describeProduct(l.Product), l.Confidence)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func focusAreas(rc model.RetryContext, shelf int) string {
	areas := rc.FocusAreas
	if shelf > 0 {
		areas = rc.FocusOnShelf(shelf)
	}
	if len(areas) == 0 {
		return "None."
	}
	var sb strings.Builder
	for _, f := range areas {
		fmt.Fprintf(&sb, "- %s (%s)", f.Location.Unit(), f.Reason)
		if f.Detail != "" {
			sb.WriteString(": " + f.Detail)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ProductLines lists products one per line for prompts.
func ProductLines(products []model.ProductEntry) string {
	var sb strings.Builder
	for _, p := range products {
		fmt.Fprintf(&sb, "- position %d: %s (confidence: %.2f)\n", p.Position, describeProduct(p), p.Confidence)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func describeProduct(p model.ProductEntry) string {
	s := fmt.Sprintf("%s, facings %d, stack %d", orDash(p.Label()), p.Facings, p.Stack)
	if p.Section != "" {
		s += ", " + string(p.Section)
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
