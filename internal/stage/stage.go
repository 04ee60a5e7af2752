// Package stage holds per-stage model configuration and the bounded,
// join-before-merge batch runner shared by the extraction and comparison
// stages.
package stage

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planogram-cli/internal/invoke"
	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/prompt"
)

// Config is everything needed to issue one stage's calls.
type Config struct {
	Name        model.Stage
	System      string
	Template    *prompt.Template
	Schema      *invoke.Schema
	Models      []string
	Temperature *float64
	MaxTokens   int
}

// Validate checks the stage can issue calls.
func (c Config) Validate() error {
	if c.Template == nil {
		return eris.Errorf("stage: %s has no prompt template", c.Name)
	}
	if len(c.Models) == 0 {
		return eris.Errorf("stage: %s has no candidate models", c.Name)
	}
	return nil
}

// Request builds the invocation for one model at one scope.
func (c Config) Request(modelID, scope string, iteration int, b prompt.Bindings, images ...model.Image) invoke.Request {
	return invoke.Request{
		Model:       modelID,
		Stage:       c.Name,
		Scope:       scope,
		System:      c.System,
		Prompt:      c.Template.Render(iteration, b),
		Images:      images,
		Schema:      c.Schema,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}
}

// Set is the stage configuration for a whole job.
type Set struct {
	Structure  Config
	Products   Config
	Details    Config
	Comparison Config
}

// Validate checks every stage. The details stage may be disabled by
// leaving it without models.
func (s Set) Validate() error {
	for _, c := range []Config{s.Structure, s.Products, s.Comparison} {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	if len(s.Details.Models) > 0 {
		return s.Details.Validate()
	}
	return nil
}

// Gate is consulted before every external call. A non-nil error aborts the
// batch without issuing the call.
type Gate func(ctx context.Context) error

// ContextGate only checks for cancellation.
func ContextGate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "stage: canceled")
	}
	return nil
}

// Caller issues one guarded model call. *invoke.Caller satisfies it.
type Caller interface {
	Call(ctx context.Context, req invoke.Request) (*invoke.Response, error)
}
