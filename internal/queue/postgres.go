package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/voxmux/voxmux/internal/domain"
	"github.com/voxmux/voxmux/internal/id"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	source_ref TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	not_before TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, not_before);
`

// PostgresQueue backs the queue with Postgres for deployments where the
// api and worker do not share a filesystem.
type PostgresQueue struct {
	db     *sql.DB
	policy Policy
	now    func() time.Time
}

func OpenPostgres(ctx context.Context, dsn string, policy Policy) (*PostgresQueue, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure jobs schema: %w", err)
	}

	return &PostgresQueue{
		db:     db,
		policy: policy.withDefaults(),
		now:    time.Now,
	}, nil
}

func (q *PostgresQueue) Close() error {
	return q.db.Close()
}

func (q *PostgresQueue) Enqueue(ctx context.Context, req EnqueueRequest) (domain.Job, error) {
	jobID := req.ID
	if jobID == "" {
		jobID = id.New()
	}

	now := q.now().UTC()
	job := domain.Job{
		ID:         jobID,
		SourceRef:  req.SourceRef,
		Status:     domain.StatusPending,
		WebhookURL: req.WebhookURL,
		NotBefore:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := q.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, source_ref, status, attempts, last_error, webhook_url, not_before, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, '', $4, $5, $6, $7)`,
		job.ID,
		job.SourceRef,
		string(job.Status),
		job.WebhookURL,
		now,
		now,
		now,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (domain.Job, bool, error) {
	now := q.now().UTC()

	// SKIP LOCKED keeps concurrent workers from blocking on, or double
	// claiming, the same row.
	row := q.db.QueryRowContext(
		ctx,
		`UPDATE jobs
		 SET status = $1, attempts = attempts + 1, updated_at = $2
		 WHERE id = (
			SELECT id FROM jobs
			WHERE status = $3 AND not_before <= $2
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, source_ref, status, attempts, last_error, webhook_url, not_before, created_at, updated_at`,
		string(domain.StatusProcessing),
		now,
		string(domain.StatusPending),
	)

	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

func (q *PostgresQueue) Advance(ctx context.Context, jobID string, status domain.Status) (domain.Job, error) {
	job, ok, err := q.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if !job.Status.CanAdvance(status) {
		return domain.Job{}, ErrBadTransition
	}

	now := q.now().UTC()
	res, err := q.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = $1, last_error = '', updated_at = $2 WHERE id = $3 AND status = $4`,
		string(status),
		now,
		jobID,
		string(job.Status),
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("advance job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Job{}, ErrBadTransition
	}

	job.Status = status
	job.LastError = ""
	job.UpdatedAt = now
	return job, nil
}

func (q *PostgresQueue) Annotate(ctx context.Context, jobID, reason string) error {
	res, err := q.db.ExecContext(
		ctx,
		`UPDATE jobs SET last_error = $1, updated_at = $2 WHERE id = $3`,
		reason,
		q.now().UTC(),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("annotate job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *PostgresQueue) Complete(ctx context.Context, jobID string) (domain.Job, error) {
	return q.Advance(ctx, jobID, domain.StatusCompleted)
}

func (q *PostgresQueue) Fail(ctx context.Context, jobID, reason string, retryable bool) (domain.Job, error) {
	job, ok, err := q.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	now := q.now().UTC()
	job.LastError = reason
	job.UpdatedAt = now
	if retryable && job.Attempts < q.policy.MaxAttempts {
		job.Status = domain.StatusPending
		job.NotBefore = now.Add(q.policy.backoff(job.Attempts))
	} else {
		job.Status = domain.StatusFailed
	}

	_, err = q.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = $1, last_error = $2, not_before = $3, updated_at = $4 WHERE id = $5`,
		string(job.Status),
		job.LastError,
		job.NotBefore,
		now,
		jobID,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("fail job: %w", err)
	}
	return job, nil
}

func (q *PostgresQueue) Get(ctx context.Context, jobID string) (domain.Job, bool, error) {
	row := q.db.QueryRowContext(
		ctx,
		`SELECT id, source_ref, status, attempts, last_error, webhook_url, not_before, created_at, updated_at
		 FROM jobs WHERE id = $1`,
		jobID,
	)

	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (q *PostgresQueue) Purge(ctx context.Context, jobID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("purge job: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Recover(ctx context.Context) (int, error) {
	now := q.now().UTC()
	requeued := 0
	for _, status := range recoverable {
		res, err := q.db.ExecContext(
			ctx,
			`UPDATE jobs SET status = $1, not_before = $2, updated_at = $2 WHERE status = $3`,
			string(domain.StatusPending),
			now,
			string(status),
		)
		if err != nil {
			return requeued, fmt.Errorf("recover %s jobs: %w", status, err)
		}
		n, _ := res.RowsAffected()
		requeued += int(n)
	}
	return requeued, nil
}

func scanPostgresJob(row *sql.Row) (domain.Job, error) {
	var (
		job    domain.Job
		status string
	)
	if err := row.Scan(
		&job.ID,
		&job.SourceRef,
		&status,
		&job.Attempts,
		&job.LastError,
		&job.WebhookURL,
		&job.NotBefore,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.Status(status)
	return job, nil
}
