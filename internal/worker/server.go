package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxmux/voxmux/internal/artifact"
	"github.com/voxmux/voxmux/internal/domain"
	"github.com/voxmux/voxmux/internal/pipeline"
	"github.com/voxmux/voxmux/internal/queue"
)

// JobRunner executes all pipeline stages for one claimed job.
type JobRunner interface {
	Run(ctx context.Context, job domain.Job) (domain.Job, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Config struct {
	Concurrency   int
	MaxActiveJobs int
	PollInterval  time.Duration
	JobTimeout    time.Duration
}

// Server runs the worker pool: N loops that each claim a job from the
// queue, run the pipeline and report the outcome. The loops never serve
// HTTP; blocking transcoder work stays off the request path entirely.
type Server struct {
	logger        *log.Logger
	queue         queue.Queue
	runner        JobRunner
	webhookClient webhookSender
	concurrency   int
	pollInterval  time.Duration
	jobTimeout    time.Duration
	sem           chan struct{}
	metrics       *metrics
	tracer        trace.Tracer
}

func NewServer(logger *log.Logger, q queue.Queue, runner JobRunner, webhookClient webhookSender, cfg Config) (*Server, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if runner == nil {
		return nil, errors.New("job runner is required")
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 15 * time.Minute
	}

	return &Server{
		logger:        logger,
		queue:         q,
		runner:        runner,
		webhookClient: webhookClient,
		concurrency:   concurrency,
		pollInterval:  pollInterval,
		jobTimeout:    jobTimeout,
		sem:           make(chan struct{}, max(1, cfg.MaxActiveJobs)),
		metrics:       newMetrics(),
		tracer:        otel.Tracer("voxmux/worker"),
	}, nil
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// Run blocks until ctx is cancelled. Cancellation stops the loops from
// claiming new jobs; in-flight jobs run on to completion or their own
// timeout.
func (s *Server) Run(ctx context.Context) error {
	requeued, err := s.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight jobs: %w", err)
	}
	if requeued > 0 {
		s.logger.Printf("requeued %d jobs left in flight by a previous run", requeued)
		s.metrics.jobsRecovered.Add(float64(requeued))
	}

	var wg sync.WaitGroup
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i+1)
		go func() {
			defer wg.Done()
			s.loop(ctx, workerID)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Server) loop(ctx context.Context, workerID string) {
	s.logger.Printf("%s started", workerID)
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("%s shutting down", workerID)
			return
		default:
		}

		// Hold a slot before claiming, so a claimed job never sits idle
		// in processing while waiting for capacity.
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			continue
		}

		job, ok, err := s.queue.Dequeue(ctx)
		if err != nil {
			<-s.sem
			if ctx.Err() != nil {
				continue
			}
			s.logger.Printf("%s dequeue failed err=%v", workerID, err)
			s.sleep(ctx, time.Second)
			continue
		}
		if !ok {
			<-s.sem
			s.sleep(ctx, s.pollInterval)
			continue
		}

		s.process(ctx, workerID, job)
		<-s.sem
	}
}

func (s *Server) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (s *Server) process(ctx context.Context, workerID string, job domain.Job) {
	startedAt := time.Now()
	outcome := string(domain.StatusFailed)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("%s panic while processing job_id=%s: %v", workerID, job.ID, r)
			if _, err := s.queue.Fail(context.WithoutCancel(ctx), job.ID, fmt.Sprintf("worker panic: %v", r), false); err != nil {
				s.logger.Printf("%s fail after panic job_id=%s err=%v", workerID, job.ID, err)
			}
		}
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	// Shutdown must not abort a claimed job mid-stage; the job keeps its
	// own timeout instead.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.jobTimeout)
	defer cancel()

	jobCtx, span := s.tracer.Start(jobCtx, "worker.process_job", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempts", job.Attempts),
	)
	defer span.End()

	s.metrics.activeJobs.Inc()
	defer s.metrics.activeJobs.Dec()

	s.logger.Printf("%s processing job_id=%s attempt=%d", workerID, job.ID, job.Attempts)

	finished, err := s.runner.Run(jobCtx, job)
	if err != nil {
		s.handleStageFailure(jobCtx, workerID, job, span, err)
		return
	}

	outcome = string(domain.StatusCompleted)
	span.SetStatus(codes.Ok, "completed")
	s.logger.Printf("%s completed job_id=%s", workerID, job.ID)
	s.dispatchWebhook(jobCtx, finished, "job.completed", map[string]any{
		"job_id":       finished.ID,
		"status":       finished.Status,
		"attempts":     finished.Attempts,
		"completed_at": time.Now().UTC(),
		"stream_path":  "/combined/" + finished.ID,
		"transcript":   artifact.Ref{JobID: finished.ID, Kind: artifact.KindTranscript}.String(),
		"last_error":   finished.LastError,
	})
}

func (s *Server) handleStageFailure(ctx context.Context, workerID string, job domain.Job, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "pipeline failed")

	stage := "pipeline"
	retryable := true
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage
		retryable = stageErr.Retryable
	}
	s.metrics.stageFailures.WithLabelValues(stage).Inc()

	// The attempt may have failed because its own deadline expired; the
	// failure record must still be written.
	ctx = context.WithoutCancel(ctx)

	failed, failErr := s.queue.Fail(ctx, job.ID, err.Error(), retryable)
	if failErr != nil {
		s.logger.Printf("%s record failure job_id=%s err=%v", workerID, job.ID, failErr)
		return
	}

	if failed.Status == domain.StatusPending {
		s.logger.Printf("%s job_id=%s stage=%s failed, retrying attempt=%d err=%v", workerID, job.ID, stage, failed.Attempts, err)
		return
	}

	s.logger.Printf("%s job_id=%s stage=%s failed terminally after %d attempts err=%v", workerID, job.ID, stage, failed.Attempts, err)
	s.dispatchWebhook(ctx, failed, "job.failed", map[string]any{
		"job_id":    failed.ID,
		"status":    failed.Status,
		"attempts":  failed.Attempts,
		"failed_at": time.Now().UTC(),
		"error":     failed.LastError,
	})
}

func (s *Server) dispatchWebhook(ctx context.Context, job domain.Job, event string, payload map[string]any) {
	if job.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	if err := s.webhookClient.Send(ctx, job.WebhookURL, event, payload); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", job.ID, event, err)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
