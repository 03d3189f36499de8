// Package data implements the durable job record store on PostgreSQL.
package data

import (
	"database/sql"
	"log/slog"

	"github.com/target/mmk-jobs/internal/core"
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider core.TimeProvider
}

// JobRepo provides database operations for job records. Every mutation is a
// single guarded statement; terminal rows are never updated.
type JobRepo struct {
	DB           *sql.DB
	timeProvider core.TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRepo{
		DB:           db,
		timeProvider: ClockOrSystem(cfg.TimeProvider),
		logger:       logger.With("component", "job_repo"),
	}
}

const jobColumns = `
  id::text AS id,
  type,
  status,
  payload,
  result,
  error,
  idempotency_key,
  owner_id,
  attempts,
  max_attempts,
  started_at,
  completed_at,
  failed_at,
  created_at,
  updated_at
`

// terminalGuard is appended to every UPDATE so terminal rows are never changed.
const terminalGuard = ` AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`

var _ core.JobRepository = (*JobRepo)(nil)
