package data

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-jobs/internal/data/pgxutil"
	"github.com/target/mmk-jobs/internal/domain/model"
	apperrors "github.com/target/mmk-jobs/internal/errors"
)

type jobFilterQueryBuilder struct {
	where  string
	args   []any
	argIdx int
}

func (b *jobFilterQueryBuilder) addFilter(column string, value any) {
	b.where += fmt.Sprintf(" AND %s = $%d", column, b.argIdx)
	b.args = append(b.args, value)
	b.argIdx++
}

func buildJobFilter(opts model.JobListOptions) *jobFilterQueryBuilder {
	b := &jobFilterQueryBuilder{where: ` WHERE 1=1`, argIdx: 1}
	if opts.OwnerID != nil {
		b.addFilter("owner_id", *opts.OwnerID)
	}
	if opts.Status != nil && *opts.Status != "" {
		b.addFilter("status", string(*opts.Status))
	}
	if opts.Type != nil && *opts.Type != "" {
		b.addFilter("type", string(*opts.Type))
	}
	return b
}

// List returns one page of records, newest first, and the total number of
// records matching the filters.
func (r *JobRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, int, error) {
	opts.Normalize()
	filter := buildJobFilter(opts)

	countQuery := `SELECT count(*) FROM jobs` + filter.where
	pageQuery := `SELECT ` + jobColumns + ` FROM jobs` + filter.where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, filter.argIdx, filter.argIdx+1)
	pageArgs := append(append([]any{}, filter.args...), opts.Limit, opts.Offset)

	var (
		jobs  []*model.Job
		total int
	)
	err := pgxutil.WithConn(ctx, r.DB, func(conn *pgx.Conn) error {
		if err := conn.QueryRow(ctx, countQuery, filter.args...).Scan(&total); err != nil {
			return fmt.Errorf("count jobs: %w", err)
		}
		rows, err := conn.Query(ctx, pageQuery, pageArgs...)
		if err != nil {
			return fmt.Errorf("query jobs: %w", err)
		}
		vals, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Job])
		if err != nil {
			return fmt.Errorf("collect jobs: %w", err)
		}
		for _, j := range vals {
			normalizeTimes(j)
		}
		jobs = vals
		return nil
	})
	if err != nil {
		return nil, 0, apperrors.MapDBError(err)
	}
	return jobs, total, nil
}
