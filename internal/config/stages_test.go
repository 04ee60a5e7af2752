package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/prompt"
)

func TestDefaultStages(t *testing.T) {
	set, err := DefaultStages()
	require.NoError(t, err)

	assert.Equal(t, model.StageStructure, set.Structure.Name)
	assert.Equal(t, model.StageProducts, set.Products.Name)
	assert.Equal(t, model.StageDetails, set.Details.Name)
	assert.Equal(t, model.StageComparison, set.Comparison.Name)
	assert.True(t, set.Products.Template.HasRetrySegment())
	assert.False(t, set.Comparison.Template.HasRetrySegment())
	assert.NotEmpty(t, set.Products.Models)
	require.NotNil(t, set.Products.Temperature)
	assert.Zero(t, *set.Products.Temperature)
	require.NotNil(t, set.Comparison.Schema)

	assert.NoError(t, set.Products.Schema.Validate([]byte(`{"products": [{"position": 1, "name": "Cola", "facings": 2}]}`)))
	assert.Error(t, set.Products.Schema.Validate([]byte(`{"items": []}`)))
	assert.NoError(t, set.Comparison.Schema.Validate([]byte(`{"matches": [{"location": {"shelf": 1, "position": 2}, "confidence": 0.9}], "mismatches": []}`)))
	assert.Error(t, set.Comparison.Schema.Validate([]byte(`{"matches": [{"location": {"position": 2}}], "mismatches": []}`)))
}

func TestDefaultStages_RetrySegmentOnlyAfterFirstIteration(t *testing.T) {
	set, err := DefaultStages()
	require.NoError(t, err)

	rc := model.RetryContext{Iteration: 1}
	first := set.Products.Template.Render(1, prompt.ForShelf(rc, 1, 3))
	assert.Contains(t, first, "shelf 1 of 3")
	assert.NotContains(t, first, "attempt")

	rc = model.RetryContext{Iteration: 2, Prior: &model.Extraction{Structure: model.ShelfStructure{ShelfCount: 3}}, FeedbackText: "shelf 1 is missing a product"}
	second := set.Products.Template.Render(2, prompt.ForShelf(rc, 1, 3))
	assert.Contains(t, second, "attempt 2")
	assert.Contains(t, second, "shelf 1 is missing a product")
}

func TestLoadStages_OverridesOneStage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	doc := `
details:
  models: []
products:
  models: [gpt-4o-mini]
  prompt:
    header: "List products on {{scope}}."
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	set, err := LoadStages(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o-mini"}, set.Products.Models)
	assert.Nil(t, set.Products.Schema)
	assert.Empty(t, set.Details.Models)
	assert.NotEmpty(t, set.Structure.Models)
	assert.True(t, strings.HasPrefix(set.Products.Template.Render(1, prompt.Bindings{prompt.Scope: "shelf 2"}), "List products on shelf 2."))
}

func TestLoadStages_Errors(t *testing.T) {
	_, err := LoadStages(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read stages")

	_, err = ParseStages([]byte("products:\n  models: [m]\n  prompt:\n    header: \"{{nope}}\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown placeholder")

	_, err = ParseStages([]byte("structure:\n  models: []\n  prompt:\n    header: x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidate models")

	_, err = ParseStages([]byte("comparison:\n  models: [m]\n  prompt:\n    header: x\n  schema:\n    type: 12\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile schema")
}
