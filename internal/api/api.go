// Package api exposes jobs over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/orchestrator"
	"github.com/sells-group/planogram-cli/internal/store"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Runner processes one job to completion. *orchestrator.Orchestrator
// satisfies it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.JobRequest) (*orchestrator.Result, error)
}

// Deps wires the handler.
type Deps struct {
	Store  store.Store
	Runner Runner
	// LoadPhoto reads and preprocesses the photograph at a local path or URL.
	LoadPhoto func(ctx context.Context, ref string) (model.Image, error)
	// Defaults fill job limits a request leaves unset.
	Defaults       model.JobConfig
	AllowedOrigins []string
}

// JobRequest is the POST /jobs body. Zero limits take the configured
// defaults.
type JobRequest struct {
	ImagePath      string  `json:"image_path"`
	TargetAccuracy float64 `json:"target_accuracy,omitempty"`
	MaxIterations  int     `json:"max_iterations,omitempty"`
	BudgetCap      float64 `json:"budget_cap,omitempty"`
	Validated      bool    `json:"validated,omitempty"`
}

// JobResult is the POST /jobs response.
type JobResult struct {
	Job           model.Job            `json:"job"`
	Extraction    *model.Extraction    `json:"extraction,omitempty"`
	Grid          *model.Grid          `json:"grid,omitempty"`
	BestIteration int                  `json:"best_iteration"`
	MetTarget     bool                 `json:"met_target"`
	Reason        string               `json:"reason"`
	States        []orchestrator.State `json:"states"`
}

// JobDetail is the GET /jobs/{id} response.
type JobDetail struct {
	Job        model.Job               `json:"job"`
	Iterations []model.IterationRecord `json:"iterations"`
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", handleListJobs(deps))
		r.Post("/", handleCreateJob(deps))
		r.Get("/{id}", handleGetJob(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.JobFilter{
			Status: model.JobStatus(r.URL.Query().Get("status")),
			Limit:  parseIntParam(r, "limit", 20, 100),
			Offset: parseIntParam(r, "offset", 0, 0),
		}
		jobs, err := deps.Store.ListJobs(r.Context(), filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		if jobs == nil {
			jobs = []model.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Store.GetJob(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		iterations, err := deps.Store.ListIterations(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list iterations: %v", err)
			return
		}
		if iterations == nil {
			iterations = []model.IterationRecord{}
		}
		writeJSON(w, http.StatusOK, JobDetail{Job: *job, Iterations: iterations})
	}
}

func handleCreateJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close() //nolint:errcheck

		var req JobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ImagePath == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image_path is required")
			return
		}

		photo, err := deps.LoadPhoto(r.Context(), req.ImagePath)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "cannot read image: %v", err)
			return
		}

		res, err := deps.Runner.Run(r.Context(), orchestrator.JobRequest{
			ImagePath: req.ImagePath,
			Photo:     photo,
			Config:    req.config(deps.Defaults),
			Validated: req.Validated,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		zap.L().Info("api: job finished",
			zap.String("job_id", res.Job.ID),
			zap.String("status", string(res.Job.Status)),
			zap.Float64("cost_usd", res.Job.CumulativeCost),
		)
		writeJSON(w, http.StatusOK, JobResult{
			Job:           res.Job,
			Extraction:    res.Final,
			Grid:          res.Grid,
			BestIteration: res.Best,
			MetTarget:     res.MetTarget,
			Reason:        res.Reason,
			States:        res.States,
		})
	}
}

func (req JobRequest) config(def model.JobConfig) model.JobConfig {
	cfg := def
	if req.TargetAccuracy > 0 {
		cfg.TargetAccuracy = req.TargetAccuracy
	}
	if req.MaxIterations > 0 {
		cfg.MaxIterations = req.MaxIterations
	}
	if req.BudgetCap > 0 {
		cfg.BudgetCap = req.BudgetCap
	}
	return cfg
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
