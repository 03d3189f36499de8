package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-jobs/internal/data/pgxutil"
	"github.com/target/mmk-jobs/internal/domain/model"
	apperrors "github.com/target/mmk-jobs/internal/errors"
)

const markProcessingSQL = `
  UPDATE jobs
  SET status = 'PROCESSING',
      started_at = COALESCE(started_at, $2),
      updated_at = $2
  WHERE id = $1` + terminalGuard + `
  RETURNING ` + jobColumns

const completeSQL = `
  UPDATE jobs
  SET status = 'COMPLETED',
      result = $2,
      completed_at = COALESCE(completed_at, $3),
      updated_at = $3
  WHERE id = $1` + terminalGuard + `
  RETURNING ` + jobColumns

// recordFailureSQL evaluates every CASE against the pre-update row, so
// attempts + 1 is the post-increment count in each branch.
const recordFailureSQL = `
  UPDATE jobs
  SET attempts = LEAST(attempts + 1, max_attempts),
      status = CASE WHEN attempts + 1 >= max_attempts THEN 'FAILED' ELSE 'PROCESSING' END,
      error = CASE WHEN attempts + 1 >= max_attempts THEN $2 ELSE error END,
      failed_at = CASE WHEN attempts + 1 >= max_attempts THEN COALESCE(failed_at, $3) ELSE failed_at END,
      updated_at = $3
  WHERE id = $1` + terminalGuard + `
  RETURNING ` + jobColumns

const cancelSQL = `
  UPDATE jobs
  SET status = 'CANCELLED',
      updated_at = $2
  WHERE id = $1` + terminalGuard

const syncStateSQL = `
  UPDATE jobs
  SET status = $2::text,
      result = CASE WHEN $2::text = 'COMPLETED' THEN COALESCE(result, $3::jsonb) ELSE result END,
      error = CASE WHEN $2::text = 'FAILED' THEN COALESCE(error, $4::text) ELSE error END,
      attempts = CASE WHEN $2::text = 'FAILED' THEN max_attempts ELSE attempts END,
      started_at = CASE WHEN $2::text = 'PROCESSING' THEN COALESCE(started_at, $5) ELSE started_at END,
      completed_at = CASE WHEN $2::text = 'COMPLETED' THEN COALESCE(completed_at, $5) ELSE completed_at END,
      failed_at = CASE WHEN $2::text = 'FAILED' THEN COALESCE(failed_at, $5) ELSE failed_at END,
      updated_at = $5
  WHERE id = $1 AND status <> $2::text` + terminalGuard + `
  RETURNING ` + jobColumns

// MarkProcessing moves a non-terminal record to PROCESSING. The bool is false
// when the record was already terminal; the current record is returned either way.
func (r *JobRepo) MarkProcessing(ctx context.Context, id string) (*model.Job, bool, error) {
	now := r.timeProvider.Now().UTC()
	return r.guardedUpdate(ctx, id, markProcessingSQL, id, now)
}

// Complete moves a non-terminal record to COMPLETED with result.
func (r *JobRepo) Complete(ctx context.Context, id string, result json.RawMessage) (*model.Job, bool, error) {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	now := r.timeProvider.Now().UTC()
	return r.guardedUpdate(ctx, id, completeSQL, id, []byte(result), now)
}

// RecordFailure counts a failed attempt and moves the record to FAILED once
// attempts reaches max_attempts.
func (r *JobRepo) RecordFailure(ctx context.Context, id, reason string) (model.FailureOutcome, error) {
	now := r.timeProvider.Now().UTC()
	job, applied, err := r.guardedUpdate(ctx, id, recordFailureSQL, id, reason, now)
	if err != nil {
		return model.FailureOutcome{}, err
	}
	return model.FailureOutcome{
		Job:     job,
		Applied: applied,
		Final:   job.Status == model.JobStatusFailed,
	}, nil
}

// Cancel moves a non-terminal record to CANCELLED and reports whether it did.
func (r *JobRepo) Cancel(ctx context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	now := r.timeProvider.Now().UTC()

	var affected int64
	err := pgxutil.WithConn(ctx, r.DB, func(conn *pgx.Conn) error {
		tag, execErr := conn.Exec(ctx, cancelSQL, id, now)
		if execErr != nil {
			return execErr
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", apperrors.MapDBError(err))
	}
	if affected == 0 {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return false, getErr
		}
	}
	return affected > 0, nil
}

// SyncState applies a reconciliation update. It is a no-op for terminal
// records and for records already in upd.Status.
func (r *JobRepo) SyncState(ctx context.Context, id string, upd model.SyncUpdate) (*model.Job, bool, error) {
	if !upd.Status.Valid() {
		return nil, false, fmt.Errorf("sync job %s: invalid status %q", id, upd.Status)
	}
	var result []byte
	if len(upd.Result) > 0 {
		result = upd.Result
	}
	now := r.timeProvider.Now().UTC()
	return r.guardedUpdate(ctx, id, syncStateSQL, id, string(upd.Status), result, upd.Error, now)
}

// guardedUpdate runs an UPDATE ... RETURNING and, when the guard filtered the
// row out, reads the current row in the same transaction.
func (r *JobRepo) guardedUpdate(ctx context.Context, id, query string, args ...any) (*model.Job, bool, error) {
	if err := validateID(id); err != nil {
		return nil, false, err
	}

	var (
		job     *model.Job
		applied bool
	)
	err := pgxutil.InTx(ctx, r.DB, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		updated, updErr := queryJob(ctx, tx, query, args...)
		if updErr == nil {
			job, applied = updated, true
			return nil
		}
		if !errors.Is(updErr, pgx.ErrNoRows) {
			return updErr
		}
		current, getErr := queryJob(ctx, tx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
		if errors.Is(getErr, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		job, applied = current, false
		return getErr
	})
	if errors.Is(err, ErrJobNotFound) {
		return nil, false, ErrJobNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("update job %s: %w", id, apperrors.MapDBError(err))
	}
	return job, applied, nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrJobIDRequired
	}
	if uuid.Validate(id) != nil {
		return ErrJobNotFound
	}
	return nil
}
