package data

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/target/jobflow/internal/domain/model"
	apperrors "github.com/target/jobflow/internal/errors"
)

type jobFilterQueryBuilder struct {
	query  string
	args   []any
	argIdx int
}

func (b *jobFilterQueryBuilder) add(condition string, value any) {
	b.query += fmt.Sprintf(" AND "+condition, b.argIdx)
	b.args = append(b.args, value)
	b.argIdx++
}

// listCursor is the keyset position after the last job of a page.
type listCursor struct {
	createdAt time.Time
	id        string
}

func buildJobListQuery(opts model.JobListOptions, cursor *listCursor, limit int) (string, []any) {
	b := &jobFilterQueryBuilder{
		query:  `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`,
		argIdx: 1,
	}
	if opts.Owner != "" {
		b.add("owner_id = $%d", opts.Owner)
	}
	if opts.Status != nil {
		b.add("status = $%d", string(*opts.Status))
	}
	if cursor != nil {
		b.query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d::uuid)", b.argIdx, b.argIdx+1)
		b.args = append(b.args, cursor.createdAt, cursor.id)
		b.argIdx += 2
	}
	b.query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", b.argIdx)
	b.args = append(b.args, limit)
	return b.query, b.args
}

// List returns a lazy, newest-first sequence of jobs. Pages are fetched on
// demand by keyset, so no connection is held while the caller consumes a job.
// Ranging over the sequence again restarts from the newest job.
func (r *JobRepo) List(ctx context.Context, opts model.JobListOptions) iter.Seq2[*model.Job, error] {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = r.cfg.ListPageSize
	}

	return func(yield func(*model.Job, error) bool) {
		var cursor *listCursor
		yielded := 0
		for {
			limit := pageSize
			if opts.Limit > 0 {
				limit = min(limit, opts.Limit-yielded)
			}
			if limit <= 0 {
				return
			}

			page, err := r.listPage(ctx, opts, cursor, limit)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, job := range page {
				if !yield(job, nil) {
					return
				}
				yielded++
			}
			if len(page) < limit {
				return
			}
			last := page[len(page)-1]
			cursor = &listCursor{createdAt: last.CreatedAt, id: last.ID}
		}
	}
}

func (r *JobRepo) listPage(ctx context.Context, opts model.JobListOptions, cursor *listCursor, limit int) ([]*model.Job, error) {
	query, args := buildJobListQuery(opts, cursor, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", apperrors.MapDBError(err))
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]*model.Job, 0, limit)
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", apperrors.MapDBError(err))
	}
	return jobs, nil
}

// CollectJobs drains a job sequence into a slice, stopping at the first error.
func CollectJobs(seq iter.Seq2[*model.Job, error]) ([]*model.Job, error) {
	var out []*model.Job
	for job, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}
