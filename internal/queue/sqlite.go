package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/voxmux/voxmux/internal/domain"
	"github.com/voxmux/voxmux/internal/id"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	source_ref TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	not_before TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, not_before);
`

// SQLiteQueue is the default durable backend: a single WAL-mode database
// file shared by the api and worker processes.
type SQLiteQueue struct {
	db     *sql.DB
	policy Policy
	now    func() time.Time
}

func OpenSQLite(ctx context.Context, path string, policy Policy) (*SQLiteQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure jobs schema: %w", err)
	}

	return &SQLiteQueue{
		db:     db,
		policy: policy.withDefaults(),
		now:    time.Now,
	}, nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, req EnqueueRequest) (domain.Job, error) {
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
		 VALUES (?, ?, ?, 0, '', ?, ?, ?, ?)`,
		job.ID,
		job.SourceRef,
		string(job.Status),
		job.WebhookURL,
		sqliteTime(now),
		sqliteTime(now),
		sqliteTime(now),
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (domain.Job, bool, error) {
	now := q.now().UTC()

	// SQLite serializes writers, so the claim is a single atomic
	// select-and-update on status.
	row := q.db.QueryRowContext(
		ctx,
		`UPDATE jobs
		 SET status = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND not_before <= ?
			ORDER BY created_at, id
			LIMIT 1
		 )
		 RETURNING id, source_ref, status, attempts, last_error, webhook_url, not_before, created_at, updated_at`,
		string(domain.StatusProcessing),
		sqliteTime(now),
		string(domain.StatusPending),
		sqliteTime(now),
	)

	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

func (q *SQLiteQueue) Advance(ctx context.Context, jobID string, status domain.Status) (domain.Job, error) {
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
		`UPDATE jobs SET status = ?, last_error = '', updated_at = ? WHERE id = ? AND status = ?`,
		string(status),
		sqliteTime(now),
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

func (q *SQLiteQueue) Annotate(ctx context.Context, jobID, reason string) error {
	res, err := q.db.ExecContext(
		ctx,
		`UPDATE jobs SET last_error = ?, updated_at = ? WHERE id = ?`,
		reason,
		sqliteTime(q.now().UTC()),
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

func (q *SQLiteQueue) Complete(ctx context.Context, jobID string) (domain.Job, error) {
	return q.Advance(ctx, jobID, domain.StatusCompleted)
}

func (q *SQLiteQueue) Fail(ctx context.Context, jobID, reason string, retryable bool) (domain.Job, error) {
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
		`UPDATE jobs SET status = ?, last_error = ?, not_before = ?, updated_at = ? WHERE id = ?`,
		string(job.Status),
		job.LastError,
		sqliteTime(job.NotBefore),
		sqliteTime(now),
		jobID,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("fail job: %w", err)
	}
	return job, nil
}

func (q *SQLiteQueue) Get(ctx context.Context, jobID string) (domain.Job, bool, error) {
	row := q.db.QueryRowContext(
		ctx,
		`SELECT id, source_ref, status, attempts, last_error, webhook_url, not_before, created_at, updated_at
		 FROM jobs WHERE id = ?`,
		jobID,
	)

	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (q *SQLiteQueue) Purge(ctx context.Context, jobID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("purge job: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Recover(ctx context.Context) (int, error) {
	now := q.now().UTC()
	requeued := 0
	for _, status := range recoverable {
		res, err := q.db.ExecContext(
			ctx,
			`UPDATE jobs SET status = ?, not_before = ?, updated_at = ? WHERE status = ?`,
			string(domain.StatusPending),
			sqliteTime(now),
			sqliteTime(now),
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

func sqliteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func scanSQLiteJob(row *sql.Row) (domain.Job, error) {
	var (
		job       domain.Job
		status    string
		notBefore string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(
		&job.ID,
		&job.SourceRef,
		&status,
		&job.Attempts,
		&job.LastError,
		&job.WebhookURL,
		&notBefore,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Job{}, err
	}

	job.Status = domain.Status(status)
	var err error
	if job.NotBefore, err = time.Parse(time.RFC3339Nano, notBefore); err != nil {
		return domain.Job{}, fmt.Errorf("parse not_before: %w", err)
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.Job{}, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return domain.Job{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return job, nil
}
