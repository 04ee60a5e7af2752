package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/planogram-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if dsn == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	image_path      TEXT NOT NULL,
	config          TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	reason          TEXT NOT NULL DEFAULT '',
	cumulative_cost REAL NOT NULL DEFAULT 0,
	iterations      INTEGER NOT NULL DEFAULT 0,
	accuracy        REAL NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS iterations (
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	number     INTEGER NOT NULL,
	accuracy   REAL NOT NULL,
	cost       REAL NOT NULL,
	record     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (job_id, number)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job config")
	}
	stampJob(job)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, image_path, config, status, reason, cumulative_cost, iterations, accuracy, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ImagePath, string(configJSON), string(job.Status), job.Reason,
		job.CumulativeCost, job.Iterations, job.Accuracy, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) AppendIteration(ctx context.Context, rec *model.IterationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal iteration")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO iterations (job_id, number, accuracy, cost, record, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Number, rec.Accuracy, rec.Cost, string(raw), rec.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append iteration %d for job %s", rec.Number, rec.JobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, job *model.Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, reason = ?, cumulative_cost = ?, iterations = ?, accuracy = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), job.Reason, job.CumulativeCost, job.Iterations, job.Accuracy, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	return checkRowsAffected(res, job.ID)
}

const sqliteJobColumns = `id, image_path, config, status, reason, cumulative_cost, iterations, accuracy, created_at, updated_at`

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", id)
	}
	return j, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) ListIterations(ctx context.Context, jobID string) ([]model.IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM iterations WHERE job_id = ? ORDER BY number`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list iterations for job %s", jobID)
	}
	defer rows.Close()

	var out []model.IterationRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan iteration")
		}
		rec, err := decodeIteration([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list iterations iterate")
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var (
		j          model.Job
		status     string
		configJSON string
	)
	err := row.Scan(&j.ID, &j.ImagePath, &configJSON, &status, &j.Reason,
		&j.CumulativeCost, &j.Iterations, &j.Accuracy, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	if err := decodeJob(&j, status, []byte(configJSON)); err != nil {
		return nil, err
	}
	return &j, nil
}
