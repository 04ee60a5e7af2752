package invoke

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/planogram-cli/internal/cost"
	"github.com/sells-group/planogram-cli/internal/resilience"
)

// RateLimit is a token bucket for one provider.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second" mapstructure:"per_second"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
}

// CallerConfig controls how each external call is guarded.
type CallerConfig struct {
	// Timeout bounds a single attempt. Zero means no per-call timeout.
	Timeout time.Duration
	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
	// SchemaRetries is how many times a call is repeated with a schema
	// reminder after a SchemaViolation.
	SchemaRetries int
	// RateLimits is keyed by provider name, or by model id when the invoker
	// cannot resolve providers.
	RateLimits map[string]RateLimit
}

// DefaultCallerConfig returns the standard guards.
func DefaultCallerConfig() CallerConfig {
	return CallerConfig{
		Timeout:       90 * time.Second,
		Retry:         resilience.DefaultRetryConfig(),
		Breaker:       resilience.DefaultCircuitBreakerConfig(),
		SchemaRetries: 1,
	}
}

// Resolver maps a model id to its provider.
type Resolver interface {
	Resolve(modelID string) (provider string, local string, err error)
}

// Caller wraps an Invoker with per-call timeout, rate limiting, a per-model
// circuit breaker, retry with backoff on provider errors, and one schema
// reminder retry. It is safe for concurrent use.
type Caller struct {
	inv      Invoker
	cfg      CallerConfig
	breakers *resilience.Breakers

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCaller creates a Caller.
func NewCaller(inv Invoker, cfg CallerConfig) *Caller {
	if cfg.SchemaRetries < 0 {
		cfg.SchemaRetries = 0
	}
	return &Caller{
		inv:      inv,
		cfg:      cfg,
		breakers: resilience.NewBreakers(cfg.Breaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Breakers exposes the per-model breakers for status reporting.
func (c *Caller) Breakers() *resilience.Breakers {
	return c.breakers
}

func (c *Caller) limiter(modelID string) *rate.Limiter {
	key := modelID
	if r, ok := c.inv.(Resolver); ok {
		if provider, _, err := r.Resolve(modelID); err == nil {
			key = provider
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Inf, 0)
	if rl, ok := c.cfg.RateLimits[key]; ok && rl.PerSecond > 0 {
		l = rate.NewLimiter(rate.Limit(rl.PerSecond), max(rl.Burst, 1))
	}
	c.limiters[key] = l
	return l
}

// Call performs one logical model call. On failure the returned Response is
// still non-nil: it carries the attempts made and the cost already spent on
// schema-violating output, with Raw left empty.
func (c *Caller) Call(ctx context.Context, req Request) (*Response, error) {
	spent := &Response{Model: req.Model}
	if err := ctx.Err(); err != nil {
		return spent, eris.Wrap(err, "invoke: call canceled before start")
	}

	limiter := c.limiter(req.Model)
	breaker := c.breakers.Get(req.Model)
	retry := c.cfg.Retry
	retry.OnRetry = resilience.RetryLogger(req.Model, req.Scope)

	base := req.Prompt
	start := time.Now()
	var lastErr error
	for pass := 0; pass <= c.cfg.SchemaRetries; pass++ {
		attemptReq := req
		var sv *SchemaViolation
		if pass > 0 && errors.As(lastErr, &sv) && req.Schema != nil {
			attemptReq.Prompt = base + "\n\n" + req.Schema.Reminder(sv.Detail)
		}

		resp, attempts, err := resilience.DoVal(ctx, retry, func(ctx context.Context, _ int) (*Response, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "invoke: rate limiter")
			}
			return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*Response, error) {
				return c.attempt(ctx, attemptReq)
			})
		})
		spent.Attempts += attempts

		if err == nil {
			resp.Cost += spent.Cost
			addUsage(&resp.Usage, spent.Usage)
			resp.Attempts = spent.Attempts
			resp.Latency = time.Since(start)
			return resp, nil
		}

		lastErr = err
		if errors.As(err, &sv) {
			spent.Cost += sv.Cost
			addUsage(&spent.Usage, sv.Usage)
			zap.L().Warn("invoke: schema violation",
				zap.String("model", req.Model),
				zap.String("stage", string(req.Stage)),
				zap.String("scope", req.Scope),
				zap.Int("pass", pass+1),
				zap.String("detail", firstLine(sv.Detail)),
			)
			continue
		}
		break
	}

	spent.Latency = time.Since(start)
	zap.L().Warn("invoke: call failed",
		zap.String("model", req.Model),
		zap.String("stage", string(req.Stage)),
		zap.String("scope", req.Scope),
		zap.String("kind", string(resilience.Classify(lastErr))),
		zap.Int("attempts", spent.Attempts),
		zap.Float64("cost_usd", spent.Cost),
		zap.Error(lastErr),
	)
	return spent, lastErr
}

func (c *Caller) attempt(ctx context.Context, req Request) (*Response, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	resp, err := c.inv.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("invoke: call succeeded",
		zap.String("model", req.Model),
		zap.String("stage", string(req.Stage)),
		zap.String("scope", req.Scope),
		zap.Int64("duration_ms", resp.Latency.Milliseconds()),
		zap.Float64("cost_usd", resp.Cost),
	)
	return resp, nil
}

func addUsage(dst *cost.Usage, src cost.Usage) {
	dst.Input += src.Input
	dst.Output += src.Output
	dst.CacheWrite += src.CacheWrite
	dst.CacheRead += src.CacheRead
}
