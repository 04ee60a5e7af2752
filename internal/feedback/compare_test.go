package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planogram-cli/internal/invoke"
	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/planogram"
	"github.com/sells-group/planogram-cli/internal/prompt"
	"github.com/sells-group/planogram-cli/internal/stage"
)

type mockCaller struct {
	mock.Mock
}

func (m *mockCaller) Call(ctx context.Context, req invoke.Request) (*invoke.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*invoke.Response), args.Error(1)
}

func comparisonStage(models ...string) stage.Config {
	return stage.Config{
		Name:   model.StageComparison,
		Models: models,
		Template: prompt.MustNew("comparison", prompt.Source{
			Header: "Compare the photo with this planogram:\n{{planogram}}",
		}),
	}
}

func sampleGrid() *model.Grid {
	return planogram.Render(sampleExtraction())
}

func TestCompare_ParsesReport(t *testing.T) {
	report := `{"matches":[{"location":{"shelf":1,"position":1},"confidence":1.4}],
	  "mismatches":[{"type":"wrong_quantity","planogram_location":{"shelf":2,"position":1},"confidence":0.8},
	                {"type":"sideways","confidence":0.3}],
	  "summary":"mostly right"}`

	mc := &mockCaller{}
	mc.On("Call", mock.Anything, mock.MatchedBy(func(req invoke.Request) bool {
		return req.Stage == model.StageComparison &&
			len(req.Images) == 2 && req.Images[1].MediaType == "image/png" &&
			strings.Contains(req.Prompt, "Planogram: 2 shelves")
	})).Return(&invoke.Response{Model: "vision", Raw: json.RawMessage(report), Cost: 0.04, Attempts: 1}, nil)

	c := NewComparator(comparisonStage("vision"), mc, planogram.NewBitmapRenderer(planogram.DefaultBitmapConfig()))
	photo := model.Image{Name: "shelf.jpg", MediaType: "image/jpeg", Data: []byte("jpg")}
	out, err := c.Compare(context.Background(), photo, sampleGrid(), model.RetryContext{Iteration: 1}, nil)
	require.NoError(t, err)

	require.NotNil(t, out.Report)
	assert.Equal(t, "vision", out.Model)
	assert.Equal(t, 1.0, out.Report.Matches[0].Confidence)
	require.Len(t, out.Report.Mismatches, 1)
	assert.Equal(t, model.MismatchWrongQuantity, out.Report.Mismatches[0].Type)
	assert.InDelta(t, 0.04, out.Stage.Cost, 1e-9)
	assert.Len(t, out.Stage.Calls, 1)
}

func TestCompare_FallsBackToNextModel(t *testing.T) {
	mc := &mockCaller{}
	mc.On("Call", mock.Anything, mock.MatchedBy(func(req invoke.Request) bool { return req.Model == "first" })).
		Return(&invoke.Response{Model: "first", Cost: 0.01}, &invoke.SchemaViolation{Model: "first", Detail: "bad"})
	mc.On("Call", mock.Anything, mock.MatchedBy(func(req invoke.Request) bool { return req.Model == "second" })).
		Return(&invoke.Response{Model: "second", Raw: json.RawMessage(`{"matches":[],"mismatches":[]}`), Cost: 0.02}, nil)

	c := NewComparator(comparisonStage("first", "second"), mc, nil)
	out, err := c.Compare(context.Background(), model.Image{}, sampleGrid(), model.RetryContext{Iteration: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", out.Model)
	assert.InDelta(t, 0.03, out.Stage.Cost, 1e-9)
	assert.Len(t, out.Stage.Calls, 2)
}

func TestCompare_AllModelsFail(t *testing.T) {
	mc := &mockCaller{}
	mc.On("Call", mock.Anything, mock.Anything).
		Return(nil, &invoke.ProviderError{Provider: "p", Model: "only", StatusCode: 500, Err: errors.New("down")})

	c := NewComparator(comparisonStage("only"), mc, nil)
	out, err := c.Compare(context.Background(), model.Image{}, sampleGrid(), model.RetryContext{Iteration: 1}, nil)
	require.Error(t, err)
	assert.Nil(t, out.Report)
	assert.NotEmpty(t, out.Stage.Error)
}

func TestCompare_CanceledIssuesNoCall(t *testing.T) {
	mc := &mockCaller{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewComparator(comparisonStage("only"), mc, nil)
	_, err := c.Compare(ctx, model.Image{}, sampleGrid(), model.RetryContext{Iteration: 1}, nil)
	require.ErrorIs(t, err, context.Canceled)
	mc.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)
}
