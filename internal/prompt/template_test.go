package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planogram-cli/internal/model"
)

var productsSource = Source{
	Header: "List every product on {{scope}}.",
	Retry:  "Previous attempt:\n{{prior_results}}\nLocked:\n{{locked_items}}\nFeedback: {{visual_feedback}}",
	Footer: "Return JSON only.",
}

func TestRender_RetrySegmentAbsentOnFirstIteration(t *testing.T) {
	tmpl, err := New("products", productsSource)
	require.NoError(t, err)

	out := tmpl.Render(1, ForShelf(model.RetryContext{Iteration: 1}, 2, 4))
	assert.Equal(t, "List every product on shelf 2 of 4 (shelf 1 is the top shelf).\n\nReturn JSON only.", out)
	assert.NotContains(t, out, "Previous attempt")
	assert.NotContains(t, out, "{{")
}

func TestRender_RetrySegmentSubstitutedOnLaterIterations(t *testing.T) {
	tmpl := MustNew("products", productsSource)
	prior := &model.Extraction{
		Structure: model.ShelfStructure{ShelfCount: 4},
		Products: []model.ProductEntry{
			{Shelf: 2, Position: 1, Brand: "Acme", Name: "Cola", Facings: 3, Stack: 1, Confidence: 0.8},
			{Shelf: 3, Position: 1, Brand: "Other", Facings: 1, Stack: 1},
		},
	}
	rc := model.RetryContext{Iteration: 1}.Next(prior,
		[]model.LockedPosition{{Product: prior.Products[0], Confidence: 0.95, Iteration: 1}},
		nil, "Shelf 2 position 2 is missing a product.", nil)

	out := tmpl.Render(rc.Iteration, ForShelf(rc, 2, 4))
	assert.Contains(t, out, "Previous attempt:\n- position 1: Acme Cola, facings 3, stack 1 (confidence: 0.80)")
	assert.Contains(t, out, "- shelf 2 position 1: Acme Cola, facings 3, stack 1 (confidence: 0.95, keep exactly)")
	assert.Contains(t, out, "Feedback: Shelf 2 position 2 is missing a product.")
	assert.NotContains(t, out, "Other")
	assert.NotContains(t, out, "{{")
}

func TestRender_NoRetrySegment(t *testing.T) {
	tmpl := MustNew("structure", Source{Header: "Count shelves."})
	assert.False(t, tmpl.HasRetrySegment())
	assert.Equal(t, "Count shelves.", tmpl.Render(3, nil))
}

func TestNew_RejectsBadPlaceholders(t *testing.T) {
	_, err := New("x", Source{Header: "hello {{nope}}"})
	assert.ErrorContains(t, err, "unknown placeholder")

	_, err = New("x", Source{Retry: "hello {{scope"})
	assert.ErrorContains(t, err, "unterminated")
}

func TestTemplate_Placeholders(t *testing.T) {
	tmpl := MustNew("products", productsSource)
	assert.Equal(t, []Placeholder{LockedItems, PriorResults, Scope, VisualFeedback}, tmpl.Placeholders())
}

func TestForShelf_WholeFixture(t *testing.T) {
	prior := &model.Extraction{Structure: model.ShelfStructure{ShelfCount: 5, FixtureType: "gondola"}}
	rc := model.RetryContext{Iteration: 1}.Next(prior, nil, []model.FocusArea{
		{Location: model.Location{Shelf: 3}, Reason: model.FocusMismatch, Detail: "wrong_shelf"},
	}, "", nil)

	b := ForShelf(rc, 0, 5)
	assert.Equal(t, "the whole fixture", b[Scope])
	assert.Equal(t, "Shelf count: 5, fixture: gondola", b[PriorResults])
	assert.Equal(t, "- shelf 3 (mismatch): wrong_shelf", b[FocusAreas])
	assert.Equal(t, "None.", b[LockedItems])
	assert.Equal(t, "No discrepancies were reported.", b[VisualFeedback])
}

func TestBindings_WithCopies(t *testing.T) {
	b := Bindings{Scope: "a"}
	c := b.With(Products, "p")
	assert.NotContains(t, b, Products)
	assert.Equal(t, "p", c[Products])
	assert.Equal(t, "a", c[Scope])
}
