package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/planogram-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgInsertJob = `INSERT INTO jobs (id, image_path, config, status, reason, cumulative_cost, iterations, accuracy, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	pgUpdateJob = `UPDATE jobs SET status = $1, reason = $2, cumulative_cost = $3, iterations = $4, accuracy = $5, updated_at = $6 WHERE id = $7`
	pgGetJob    = `SELECT id, image_path, config, status, reason, cumulative_cost, iterations, accuracy, created_at, updated_at FROM jobs WHERE id = $1`
	pgInsertIt  = `INSERT INTO iterations (job_id, number, accuracy, cost, record, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	pgListIt    = `SELECT record FROM iterations WHERE job_id = $1 ORDER BY number`
)

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_job":       pgInsertJob,
	"update_job":       pgUpdateJob,
	"get_job":          pgGetJob,
	"insert_iteration": pgInsertIt,
	"list_iterations":  pgListIt,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	image_path      TEXT NOT NULL,
	config          JSONB NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	reason          TEXT NOT NULL DEFAULT '',
	cumulative_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	iterations      INTEGER NOT NULL DEFAULT 0,
	accuracy        DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS iterations (
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	number     INTEGER NOT NULL,
	accuracy   DOUBLE PRECISION NOT NULL,
	cost       DOUBLE PRECISION NOT NULL,
	record     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, number)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job config")
	}
	stampJob(job)

	_, err = s.pool.Exec(ctx, pgInsertJob,
		job.ID, job.ImagePath, configJSON, string(job.Status), job.Reason,
		job.CumulativeCost, job.Iterations, job.Accuracy, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) AppendIteration(ctx context.Context, rec *model.IterationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal iteration")
	}
	_, err = s.pool.Exec(ctx, pgInsertIt, rec.JobID, rec.Number, rec.Accuracy, rec.Cost, raw, rec.CreatedAt)
	return eris.Wrapf(err, "postgres: append iteration %d for job %s", rec.Number, rec.JobID)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, job *model.Job) error {
	tag, err := s.pool.Exec(ctx, pgUpdateJob,
		string(job.Status), job.Reason, job.CumulativeCost, job.Iterations, job.Accuracy, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, pgGetJob, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, image_path, config, status, reason, cumulative_cost, iterations, accuracy, created_at, updated_at FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) ListIterations(ctx context.Context, jobID string) ([]model.IterationRecord, error) {
	rows, err := s.pool.Query(ctx, pgListIt, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list iterations for job %s", jobID)
	}
	defer rows.Close()

	var out []model.IterationRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan iteration")
		}
		rec, err := decodeIteration(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list iterations iterate")
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var (
		j          model.Job
		status     string
		configJSON []byte
	)
	if err := row.Scan(&j.ID, &j.ImagePath, &configJSON, &status, &j.Reason,
		&j.CumulativeCost, &j.Iterations, &j.Accuracy, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeJob(&j, status, configJSON); err != nil {
		return nil, err
	}
	return &j, nil
}
