// Package store persists jobs and their append-only iteration history.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planogram-cli/internal/model"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = eris.New("store: not found")

// JobFilter controls ListJobs query filtering.
type JobFilter struct {
	Status model.JobStatus
	Limit  int
	Offset int
}

// Store is the persistence interface for extraction jobs. Iterations are
// only ever appended; a job row is created once and updated when its
// status changes.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	AppendIteration(ctx context.Context, rec *model.IterationRecord) error
	CompleteJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	ListIterations(ctx context.Context, jobID string) ([]model.IterationRecord, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string      `yaml:"driver" mapstructure:"driver"`
	DSN    string      `yaml:"dsn" mapstructure:"dsn"`
	Pool   *PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// Open connects to the configured backend and runs its migration.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "planogram.db"
		}
		s, err = NewSQLite(dsn)
	case "postgres", "postgresql":
		s, err = NewPostgres(ctx, cfg.DSN, cfg.Pool)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// stampJob fills the defaults a new row needs.
func stampJob(j *model.Job) {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	if j.Status == "" {
		j.Status = model.JobStatusPending
	}
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

func decodeJob(j *model.Job, status string, configJSON []byte) error {
	j.Status = model.JobStatus(status)
	if len(configJSON) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(configJSON, &j.Config), "store: unmarshal job config")
}

func decodeIteration(raw []byte) (model.IterationRecord, error) {
	var rec model.IterationRecord
	err := json.Unmarshal(raw, &rec)
	return rec, eris.Wrap(err, "store: unmarshal iteration")
}
