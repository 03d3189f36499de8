package data

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-jobs/internal/data/pgxutil"
	"github.com/target/mmk-jobs/internal/domain/model"
	apperrors "github.com/target/mmk-jobs/internal/errors"
)

const insertJobSQL = `
  INSERT INTO jobs (id, type, status, payload, idempotency_key, owner_id, attempts, max_attempts, created_at, updated_at)
  VALUES ($1, $2, 'PENDING', $3, $4, $5, 0, $6, $7, $7)
  RETURNING ` + jobColumns

// Create inserts a PENDING record. A duplicate idempotency key surfaces as an
// apperrors Conflict with Field "idempotency_key".
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, ErrCreateRequestRequired
	}
	normalized := *req
	normalized.Normalize()
	if err := normalized.Validate(); err != nil {
		return nil, err
	}

	now := r.timeProvider.Now().UTC()
	args := []any{
		uuid.NewString(),
		string(normalized.Type),
		[]byte(normalized.Payload),
		normalized.IdempotencyKey,
		normalized.OwnerID,
		normalized.MaxAttempts,
		now,
	}

	var job *model.Job
	err := pgxutil.WithConn(ctx, r.DB, func(conn *pgx.Conn) error {
		var qErr error
		job, qErr = queryJob(ctx, conn, insertJobSQL, args...)
		return qErr
	})
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// GetByID returns the record with id or ErrJobNotFound.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrJobIDRequired
	}
	if uuid.Validate(id) != nil {
		return nil, ErrJobNotFound
	}
	return r.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
}

// GetByIdempotencyKey returns the record created with key or ErrJobNotFound.
func (r *JobRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	return r.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
}

func (r *JobRepo) getOne(ctx context.Context, query string, arg any) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithConn(ctx, r.DB, func(conn *pgx.Conn) error {
		var qErr error
		job, qErr = queryJob(ctx, conn, query, arg)
		return qErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// queryJob runs a statement that yields exactly one job row.
func queryJob(ctx context.Context, q pgxutil.Querier, query string, args ...any) (*model.Job, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	job, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Job])
	if err != nil {
		return nil, err
	}
	normalizeTimes(job)
	return job, nil
}

func normalizeTimes(job *model.Job) {
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	for _, t := range []**time.Time{&job.StartedAt, &job.CompletedAt, &job.FailedAt} {
		if *t != nil {
			utc := (*t).UTC()
			*t = &utc
		}
	}
}
