// Package openai wraps openai-go for chat completions that carry image input.
// Any OpenAI-compatible server reachable through option.WithBaseURL works.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rotisserie/eris"
)

// Client defines the chat completion operation used by the extractor.
type Client interface {
	ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error)
}

// ChatCompletionRequest is our own request type for ChatCompletion.
type ChatCompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	Images      []Image
	Temperature *float64
	MaxTokens   int64
	// Schema requests structured output. Nil falls back to JSON mode.
	Schema *JSONSchema
}

// Image is raw image bytes sent as a base64 data URL.
type Image struct {
	MediaType string
	Data      []byte
}

// JSONSchema names a JSON Schema document for response_format.
type JSONSchema struct {
	Name   string
	Schema json.RawMessage
}

// ChatCompletionResponse is our own response type from ChatCompletion.
type ChatCompletionResponse struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
}

// Text returns the trimmed assistant content.
func (r *ChatCompletionResponse) Text() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Content)
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// APIError carries the HTTP status of a failed request.
type APIError struct {
	StatusCode int
	Err        error
}

func (e *APIError) Error() string { return e.Err.Error() }
func (e *APIError) Unwrap() error { return e.Err }

// sdkClient implements Client using openai-go.
type sdkClient struct {
	client sdk.Client
}

// NewClient creates a client backed by the SDK. Retries are left to the
// caller.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	all := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)
	return &sdkClient{client: sdk.NewClient(all...)}
}

func (c *sdkClient) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if req.Model == "" {
		return nil, eris.New("openai: model is required")
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(req.Model),
		Messages: toSDKMessages(req),
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(req.MaxTokens)
	}
	format, err := toSDKResponseFormat(req.Schema)
	if err != nil {
		return nil, err
	}
	params.ResponseFormat = format

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, &APIError{StatusCode: apiErr.StatusCode, Err: eris.Wrap(err, "openai: chat completion")}
		}
		return nil, eris.Wrap(err, "openai: chat completion")
	}
	if len(completion.Choices) == 0 {
		return nil, eris.New("openai: response has no choices")
	}
	return fromSDKCompletion(completion), nil
}

// --- SDK type conversion helpers ---

func toSDKMessages(req ChatCompletionRequest) []sdk.ChatCompletionMessageParamUnion {
	parts := make([]sdk.ChatCompletionContentPartUnionParam, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, sdk.ImageContentPart(sdk.ChatCompletionContentPartImageImageURLParam{
			URL:    dataURL(img),
			Detail: "high",
		}))
	}
	parts = append(parts, sdk.TextContentPart(req.Prompt))

	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		msgs = append(msgs, sdk.SystemMessage(req.System))
	}
	return append(msgs, sdk.UserMessage(parts))
}

func toSDKResponseFormat(s *JSONSchema) (sdk.ChatCompletionNewParamsResponseFormatUnion, error) {
	if s == nil || len(s.Schema) == 0 {
		return sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(s.Schema, &doc); err != nil {
		return sdk.ChatCompletionNewParamsResponseFormatUnion{}, eris.Wrapf(err, "openai: decode schema %s", s.Name)
	}
	return sdk.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   s.Name,
				Schema: doc,
			},
		},
	}, nil
}

func dataURL(img Image) string {
	return "data:" + img.MediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func fromSDKCompletion(c *sdk.ChatCompletion) *ChatCompletionResponse {
	choice := c.Choices[0]
	return &ChatCompletionResponse{
		ID:           c.ID,
		Model:        c.Model,
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     c.Usage.PromptTokens,
			CompletionTokens: c.Usage.CompletionTokens,
		},
	}
}
