// Package invoke is the model invocation capability: one polymorphic
// interface with an adapter per provider, plus the retry, rate limiting, and
// schema enforcement shared by every call.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sells-group/planogram-cli/internal/cost"
	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/resilience"
)

// Request is one model call.
type Request struct {
	Model       string
	Stage       model.Stage
	Scope       string
	System      string
	Prompt      string
	Images      []model.Image
	Schema      *Schema
	Temperature *float64
	MaxTokens   int
}

// Response is a successful call: schema-conforming JSON plus what it cost.
type Response struct {
	Model    string
	Raw      json.RawMessage
	Usage    cost.Usage
	Cost     float64
	Latency  time.Duration
	Attempts int
}

// Decode unmarshals the raw output into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Raw) == 0 {
		return &SchemaViolation{Detail: "empty response"}
	}
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return &SchemaViolation{Model: r.Model, Detail: err.Error(), Raw: string(r.Raw)}
	}
	return nil
}

// Invoker calls a model. Implementations return *ProviderError for
// transport and provider failures and *SchemaViolation when the output does
// not match req.Schema.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// ProviderError is a failure talking to the provider.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("invoke: %s %s: status %d: %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("invoke: %s %s: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether the call may succeed if retried. Errors without
// a status (timeouts, resets) are retryable.
func (e *ProviderError) Transient() bool {
	return e.StatusCode == 0 || resilience.IsTransientHTTPStatus(e.StatusCode)
}

// Kind classifies the error.
func (e *ProviderError) Kind() resilience.Kind {
	if e.Transient() {
		return resilience.KindTransient
	}
	return resilience.KindPermanent
}

// SchemaViolation is model output that does not conform to the expected
// shape. The tokens were still spent, so it carries the call's cost.
type SchemaViolation struct {
	Model  string
	Detail string
	Raw    string
	Usage  cost.Usage
	Cost   float64
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("invoke: %s output violates schema: %s", e.Model, e.Detail)
}

// Transient is false: repeating the identical prompt is not a schema retry.
func (e *SchemaViolation) Transient() bool { return false }

// Kind classifies the error.
func (e *SchemaViolation) Kind() resilience.Kind { return resilience.KindSchema }
