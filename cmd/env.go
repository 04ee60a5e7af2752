package main

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	oaioption "github.com/openai/openai-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/planogram-cli/internal/config"
	"github.com/sells-group/planogram-cli/internal/cost"
	"github.com/sells-group/planogram-cli/internal/extraction"
	"github.com/sells-group/planogram-cli/internal/feedback"
	"github.com/sells-group/planogram-cli/internal/fetcher"
	"github.com/sells-group/planogram-cli/internal/invoke"
	"github.com/sells-group/planogram-cli/internal/orchestrator"
	"github.com/sells-group/planogram-cli/internal/planogram"
	"github.com/sells-group/planogram-cli/internal/store"
	anthropicpkg "github.com/sells-group/planogram-cli/pkg/anthropic"
	"github.com/sells-group/planogram-cli/pkg/openai"
)

// appEnv holds the wired components shared by extract and serve.
type appEnv struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Caller       *invoke.Caller
	Photos       *fetcher.PhotoLoader
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	return st, nil
}

// buildRegistry registers a provider adapter for every configured key.
func buildRegistry(c *config.Config, calc *cost.Calculator) (*invoke.Registry, error) {
	reg := invoke.NewRegistry()
	if c.Anthropic.Key != "" {
		var opts []option.RequestOption
		if c.Anthropic.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(c.Anthropic.BaseURL))
		}
		reg.Register("anthropic", invoke.NewAnthropic(anthropicpkg.NewClient(c.Anthropic.Key, opts...), calc))
	} else {
		zap.L().Debug("PLANOGRAM_ANTHROPIC_KEY not set, anthropic provider disabled")
	}
	if c.OpenAI.Key != "" {
		var opts []oaioption.RequestOption
		if c.OpenAI.BaseURL != "" {
			opts = append(opts, oaioption.WithBaseURL(c.OpenAI.BaseURL))
		}
		reg.Register("openai", invoke.NewOpenAI(openai.NewClient(c.OpenAI.Key, opts...), calc))
	} else {
		zap.L().Debug("PLANOGRAM_OPENAI_KEY not set, openai provider disabled")
	}
	if c.Anthropic.Key == "" && c.OpenAI.Key == "" {
		return nil, eris.New("config: no model provider configured (set PLANOGRAM_ANTHROPIC_KEY or PLANOGRAM_OPENAI_KEY)")
	}

	for prefix, provider := range c.Providers.Routes {
		reg.Route(prefix, provider)
	}
	if c.Providers.Default != "" {
		reg.SetDefault(c.Providers.Default)
	}
	return reg, nil
}

// buildOrchestrator wires invoker → caller → stages → orchestrator.
func buildOrchestrator(c *config.Config, inv invoke.Invoker, rec orchestrator.Recorder) (*orchestrator.Orchestrator, *invoke.Caller, error) {
	stages, err := config.LoadStages(c.StagesFile)
	if err != nil {
		return nil, nil, err
	}

	caller := invoke.NewCaller(inv, c.Invoke.Caller())
	calc := cost.NewCalculator(c.Pricing)

	var renderer planogram.ImageRenderer
	if c.Render.Bitmap {
		renderer = planogram.NewBitmapRenderer(c.Render.Cells)
	}

	orch := orchestrator.New(orchestrator.Config{
		Stages: stages,
		Extractor: extraction.New(caller, extraction.Config{
			Structure:   stages.Structure,
			Products:    stages.Products,
			Details:     stages.Details,
			Policy:      c.Consensus,
			Concurrency: c.Extraction.Concurrency,
		}),
		Comparator:     feedback.NewComparator(stages.Comparison, caller, renderer),
		Projector:      cost.NewProjector(calc, c.Estimates),
		Feedback:       c.Feedback.Manager(),
		Recorder:       rec,
		AssumedShelves: c.Extraction.AssumedShelves,
		Bitmap:         c.Render.Bitmap,
	})
	return orch, caller, nil
}

func initEnv(ctx context.Context) (*appEnv, error) {
	calc := cost.NewCalculator(cfg.Pricing)
	reg, err := buildRegistry(cfg, calc)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	orch, caller, err := buildOrchestrator(cfg, reg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &appEnv{Store: st, Orchestrator: orch, Caller: caller, Photos: photoLoader(cfg)}, nil
}

// photoLoader resolves local paths and http(s) URLs to preprocessed photos.
// One loader is shared per process so per-host pacing carries across jobs.
func photoLoader(c *config.Config) *fetcher.PhotoLoader {
	return &fetcher.PhotoLoader{
		Fetcher: fetcher.NewHTTPFetcher(fetcher.Options{
			UserAgent:   c.Fetch.UserAgent,
			Timeout:     time.Duration(c.Fetch.TimeoutSecs) * time.Second,
			MaxAttempts: c.Fetch.MaxAttempts,
			HostRate:    rate.Limit(c.Fetch.HostRate),
			MaxBytes:    c.Fetch.MaxBytes,
		}),
		MaxDim: c.Render.PhotoMaxDim,
	}
}
