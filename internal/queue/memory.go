package queue

import (
	"context"
	"sync"
	"time"

	"github.com/voxmux/voxmux/internal/domain"
	"github.com/voxmux/voxmux/internal/id"
)

// MemoryQueue is a non-durable Queue used by tests and by single-process
// setups that do not need restart recovery.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[string]domain.Job
	order  []string
	policy Policy
	now    func() time.Time
}

func NewMemoryQueue(policy Policy) *MemoryQueue {
	return &MemoryQueue{
		jobs:   make(map[string]domain.Job),
		policy: policy.withDefaults(),
		now:    time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, req EnqueueRequest) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

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
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	return job, nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (domain.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	for _, jobID := range q.order {
		job, ok := q.jobs[jobID]
		if !ok || job.Status != domain.StatusPending || job.NotBefore.After(now) {
			continue
		}

		job.Status = domain.StatusProcessing
		job.Attempts++
		job.UpdatedAt = now
		q.jobs[jobID] = job
		return job, true, nil
	}
	return domain.Job{}, false, nil
}

func (q *MemoryQueue) Advance(_ context.Context, jobID string, status domain.Status) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if !job.Status.CanAdvance(status) {
		return domain.Job{}, ErrBadTransition
	}

	job.Status = status
	job.LastError = ""
	job.UpdatedAt = q.now().UTC()
	q.jobs[jobID] = job
	return job, nil
}

func (q *MemoryQueue) Annotate(_ context.Context, jobID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.LastError = reason
	job.UpdatedAt = q.now().UTC()
	q.jobs[jobID] = job
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, jobID string) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if !job.Status.CanAdvance(domain.StatusCompleted) {
		return domain.Job{}, ErrBadTransition
	}

	job.Status = domain.StatusCompleted
	job.LastError = ""
	job.UpdatedAt = q.now().UTC()
	q.jobs[jobID] = job
	return job, nil
}

func (q *MemoryQueue) Fail(_ context.Context, jobID, reason string, retryable bool) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
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
	q.jobs[jobID] = job
	return job, nil
}

func (q *MemoryQueue) Get(_ context.Context, jobID string) (domain.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	return job, ok, nil
}

func (q *MemoryQueue) Purge(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.jobs, jobID)
	return nil
}

func (q *MemoryQueue) Recover(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	requeued := 0
	for jobID, job := range q.jobs {
		for _, status := range recoverable {
			if job.Status != status {
				continue
			}
			job.Status = domain.StatusPending
			job.NotBefore = now
			job.UpdatedAt = now
			q.jobs[jobID] = job
			requeued++
			break
		}
	}
	return requeued, nil
}
