package invoke

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/planogram-cli/internal/cost"
	"github.com/sells-group/planogram-cli/pkg/anthropic"
	"github.com/sells-group/planogram-cli/pkg/openai"
)

const defaultMaxTokens = 4096

// Anthropic adapts the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	calc   *cost.Calculator
}

// NewAnthropic creates the Anthropic adapter.
func NewAnthropic(client anthropic.Client, calc *cost.Calculator) *Anthropic {
	return &Anthropic{client: client, calc: calc}
}

// Invoke implements Invoker.
func (a *Anthropic) Invoke(ctx context.Context, req Request) (*Response, error) {
	mr := anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   int64(maxTokens(req)),
		Temperature: req.Temperature,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: req.Prompt,
			Images:  anthropicImages(req),
		}},
	}
	if req.System != "" {
		mr.System = []anthropic.SystemBlock{{Text: req.System, CacheControl: &anthropic.CacheControl{TTL: "5m"}}}
	}

	start := time.Now()
	resp, err := a.client.CreateMessage(ctx, mr)
	latency := time.Since(start)
	if err != nil {
		pe := &ProviderError{Provider: "anthropic", Model: req.Model, Err: err}
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) {
			pe.StatusCode = apiErr.StatusCode
		}
		return nil, pe
	}

	usage := cost.Usage{
		Input:      int(resp.Usage.InputTokens),
		Output:     int(resp.Usage.OutputTokens),
		CacheWrite: int(resp.Usage.CacheCreationInputTokens),
		CacheRead:  int(resp.Usage.CacheReadInputTokens),
	}
	if resp.StopReason == "max_tokens" {
		zap.L().Warn("invoke: response truncated at max tokens",
			zap.String("model", req.Model),
			zap.String("scope", req.Scope),
		)
	}
	return finish(a.calc, req, resp.Text(), usage, latency)
}

func anthropicImages(req Request) []anthropic.Image {
	out := make([]anthropic.Image, 0, len(req.Images))
	for _, img := range req.Images {
		out = append(out, anthropic.Image{MediaType: img.MediaType, Data: img.Data})
	}
	return out
}

// OpenAI adapts OpenAI-compatible chat/completions endpoints.
type OpenAI struct {
	client openai.Client
	calc   *cost.Calculator
}

// NewOpenAI creates the OpenAI-compatible adapter.
func NewOpenAI(client openai.Client, calc *cost.Calculator) *OpenAI {
	return &OpenAI{client: client, calc: calc}
}

// Invoke implements Invoker. A request schema is passed through as
// structured output.
func (o *OpenAI) Invoke(ctx context.Context, req Request) (*Response, error) {
	cr := openai.ChatCompletionRequest{
		Model:       req.Model,
		System:      req.System,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   int64(maxTokens(req)),
	}
	for _, img := range req.Images {
		cr.Images = append(cr.Images, openai.Image{MediaType: img.MediaType, Data: img.Data})
	}
	if req.Schema != nil && len(req.Schema.Raw) > 0 {
		cr.Schema = &openai.JSONSchema{Name: req.Schema.Name, Schema: req.Schema.Raw}
	}

	start := time.Now()
	resp, err := o.client.ChatCompletion(ctx, cr)
	latency := time.Since(start)
	if err != nil {
		pe := &ProviderError{Provider: "openai", Model: req.Model, Err: err}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			pe.StatusCode = apiErr.StatusCode
		}
		return nil, pe
	}

	usage := cost.Usage{Input: int(resp.Usage.PromptTokens), Output: int(resp.Usage.CompletionTokens)}
	if resp.FinishReason == "length" {
		zap.L().Warn("invoke: response truncated at max tokens",
			zap.String("model", req.Model),
			zap.String("scope", req.Scope),
		)
	}
	return finish(o.calc, req, resp.Text(), usage, latency)
}

func maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

// finish prices the call and enforces the output schema.
func finish(calc *cost.Calculator, req Request, text string, usage cost.Usage, latency time.Duration) (*Response, error) {
	usd := calc.LogCost(req.Model, string(req.Stage), req.Scope, usage)
	raw, err := conform(req.Model, text, req.Schema)
	if err != nil {
		var sv *SchemaViolation
		if errors.As(err, &sv) {
			sv.Usage = usage
			sv.Cost = usd
		}
		return nil, err
	}
	return &Response{
		Model:    req.Model,
		Raw:      raw,
		Usage:    usage,
		Cost:     usd,
		Latency:  latency,
		Attempts: 1,
	}, nil
}
