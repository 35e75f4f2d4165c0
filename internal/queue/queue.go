package queue

import (
	"context"
	"errors"
	"time"

	"github.com/voxmux/voxmux/internal/domain"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrBadTransition = errors.New("invalid status transition")
)

// Queue is a durable, at-least-once work queue of pipeline jobs. It is
// the single writer of a job's status, attempts and last error.
//
// Dequeue claims a pending job exclusively: the claim is an atomic
// compare-and-swap on status, so no two workers ever hold the same job in
// processing. Jobs found mid-flight at process restart are requeued by
// Recover (failed-in-flight; there is no heartbeat tracking liveness).
type Queue interface {
	// Enqueue records a new pending job with zero attempts.
	Enqueue(ctx context.Context, req EnqueueRequest) (domain.Job, error)
	// Dequeue claims the oldest eligible pending job, moving it to
	// processing and incrementing attempts. ok is false when no job is
	// eligible.
	Dequeue(ctx context.Context) (job domain.Job, ok bool, err error)
	// Advance moves a claimed job forward one or more stages and clears
	// its last error.
	Advance(ctx context.Context, id string, status domain.Status) (domain.Job, error)
	// Annotate records a non-fatal failure reason without changing status.
	Annotate(ctx context.Context, id, reason string) error
	// Complete marks a job terminally completed.
	Complete(ctx context.Context, id string) (domain.Job, error)
	// Fail records a failed attempt. A retryable failure below the
	// attempt ceiling returns the job to pending with exponential
	// backoff; anything else is terminal.
	Fail(ctx context.Context, id, reason string, retryable bool) (domain.Job, error)
	// Get returns the job record; records persist after completion until
	// Purge.
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	// Purge removes the job record entirely.
	Purge(ctx context.Context, id string) error
	// Recover requeues jobs left mid-flight by a previous process.
	Recover(ctx context.Context) (int, error)
}

type EnqueueRequest struct {
	// ID is assigned by the queue when empty. Ingestion pre-generates it
	// so the raw blob can be staged under the job id before the record
	// becomes claimable.
	ID         string
	SourceRef  string
	WebhookURL string
}

// Policy bounds retries for every backend.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 2 * time.Second
	}
	if p.BackoffCap < p.BackoffBase {
		p.BackoffCap = 5 * time.Minute
	}
	return p
}

// backoff returns the delay before a job that has failed `attempts` times
// becomes claimable again.
func (p Policy) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		d = p.BackoffCap
	}
	return d
}

// recoverable lists the statuses Recover treats as failed-in-flight.
var recoverable = []domain.Status{
	domain.StatusProcessing,
	domain.StatusTranscribed,
	domain.StatusMuxed,
}
