package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/voxmux/voxmux/internal/artifact"
	"github.com/voxmux/voxmux/internal/domain"
	"github.com/voxmux/voxmux/internal/queue"
	"github.com/voxmux/voxmux/internal/transcription"
)

// Transcoder drives the external audio-extraction/muxing process.
type Transcoder interface {
	ExtractAudio(ctx context.Context, inPath, outPath string) error
	Mux(ctx context.Context, videoPath, audioPath, outPath string) error
}

// Transcriber turns normalized audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// StageError reports which pipeline stage failed and whether the queue
// should retry the attempt.
type StageError struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type Options struct {
	// ScratchDir holds per-job working copies while ffmpeg runs; empty
	// means the system temp dir.
	ScratchDir string
	// TranscriptionRetries bounds in-stage retries of transient
	// transcription failures.
	TranscriptionRetries   int
	TranscriptionRetryWait time.Duration
}

// Executor drives one claimed job through extraction, transcription,
// muxing and cleanup. All stage failure and retry decisions live here;
// the queue applies them.
type Executor struct {
	logger      *log.Logger
	queue       queue.Queue
	store       artifact.Store
	transcoder  Transcoder
	transcriber Transcriber
	opts        Options
}

func NewExecutor(logger *log.Logger, q queue.Queue, store artifact.Store, transcoder Transcoder, transcriber Transcriber, opts Options) (*Executor, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if transcoder == nil {
		return nil, errors.New("transcoder is required")
	}

	if opts.TranscriptionRetries < 1 {
		opts.TranscriptionRetries = 3
	}
	if opts.TranscriptionRetryWait <= 0 {
		opts.TranscriptionRetryWait = 2 * time.Second
	}

	return &Executor{
		logger:      logger,
		queue:       q,
		store:       store,
		transcoder:  transcoder,
		transcriber: transcriber,
		opts:        opts,
	}, nil
}

// Run executes all stages for a job already claimed as processing. It
// returns the final job record, or a *StageError describing the failed
// attempt; the caller reports stage errors back to the queue.
func (e *Executor) Run(ctx context.Context, job domain.Job) (domain.Job, error) {
	scratch, err := os.MkdirTemp(e.opts.ScratchDir, "voxmux-"+job.ID+"-*")
	if err != nil {
		return domain.Job{}, &StageError{Stage: "setup", Retryable: true, Err: err}
	}
	defer os.RemoveAll(scratch)

	rawPath := filepath.Join(scratch, artifact.KindRaw.Filename())
	audioPath := filepath.Join(scratch, artifact.KindAudio.Filename())
	finalPath := filepath.Join(scratch, artifact.KindFinal.Filename())

	// Fetch the upload into local scratch; ffmpeg needs real files.
	if err := e.fetch(ctx, job.ID, artifact.KindRaw, rawPath); err != nil {
		retryable := !errors.Is(err, artifact.ErrNotFound)
		return domain.Job{}, &StageError{Stage: "fetch", Retryable: retryable, Err: err}
	}

	if err := e.transcoder.ExtractAudio(ctx, rawPath, audioPath); err != nil {
		return domain.Job{}, &StageError{Stage: "extract", Retryable: true, Err: err}
	}
	if err := e.publish(ctx, job.ID, artifact.KindAudio, audioPath); err != nil {
		return domain.Job{}, &StageError{Stage: "extract", Retryable: true, Err: err}
	}

	// Transcription consumes the extracted audio, never the raw
	// container. Its failure is non-fatal: the job still produces a
	// viewable muxed artifact, with the failure annotated.
	transcript, transcriptionErr := e.transcribe(ctx, audioPath)
	if _, err := e.store.Put(ctx, job.ID, artifact.KindTranscript, strings.NewReader(transcript)); err != nil {
		return domain.Job{}, &StageError{Stage: "transcribe", Retryable: true, Err: err}
	}

	job, err = e.queue.Advance(ctx, job.ID, domain.StatusTranscribed)
	if err != nil {
		return domain.Job{}, &StageError{Stage: "transcribe", Retryable: true, Err: err}
	}
	var transcriptionNote string
	if transcriptionErr != nil {
		transcriptionNote = transcriptionErr.Error()
		e.logger.Printf("transcription unavailable job_id=%s err=%v", job.ID, transcriptionErr)
		if err := e.queue.Annotate(ctx, job.ID, transcriptionNote); err != nil {
			e.logger.Printf("annotate failed job_id=%s err=%v", job.ID, err)
		}
	}

	// The muxed artifact combines the original video track with the same
	// extracted audio the transcript was produced from, so the two stay
	// consistent.
	if err := e.transcoder.Mux(ctx, rawPath, audioPath, finalPath); err != nil {
		return domain.Job{}, &StageError{Stage: "mux", Retryable: true, Err: err}
	}
	if err := e.publish(ctx, job.ID, artifact.KindFinal, finalPath); err != nil {
		return domain.Job{}, &StageError{Stage: "mux", Retryable: true, Err: err}
	}

	if _, err := e.queue.Advance(ctx, job.ID, domain.StatusMuxed); err != nil {
		return domain.Job{}, &StageError{Stage: "mux", Retryable: true, Err: err}
	}

	// Intermediates are not needed for serving once the final artifact
	// exists; transcript and final are retained.
	for _, kind := range []artifact.Kind{artifact.KindAudio, artifact.KindRaw} {
		if err := e.store.Delete(ctx, job.ID, kind); err != nil {
			e.logger.Printf("cleanup failed job_id=%s kind=%s err=%v", job.ID, kind, err)
		}
	}

	completed, err := e.queue.Complete(ctx, job.ID)
	if err != nil {
		return domain.Job{}, &StageError{Stage: "complete", Retryable: true, Err: err}
	}
	// Advance and Complete clear lastError, so the transcription failure
	// must be re-annotated on the terminal record to stay visible.
	if transcriptionNote != "" {
		if err := e.queue.Annotate(ctx, job.ID, transcriptionNote); err != nil {
			e.logger.Printf("annotate failed job_id=%s err=%v", job.ID, err)
		}
		completed.LastError = transcriptionNote
	}
	return completed, nil
}

func (e *Executor) transcribe(ctx context.Context, audioPath string) (string, error) {
	if e.transcriber == nil {
		return "", errors.New("no transcriber configured")
	}

	var lastErr error
	for attempt := 1; attempt <= e.opts.TranscriptionRetries; attempt++ {
		text, err := e.transcriber.Transcribe(ctx, audioPath)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !transcription.IsTransient(err) {
			break
		}
		if attempt == e.opts.TranscriptionRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.opts.TranscriptionRetryWait):
		}
	}
	return "", lastErr
}

func (e *Executor) fetch(ctx context.Context, jobID string, kind artifact.Kind, dst string) error {
	src, err := e.store.Open(ctx, jobID, kind)
	if err != nil {
		return err
	}
	defer src.Close()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create scratch copy: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("copy %s/%s to scratch: %w", jobID, kind, err)
	}
	return f.Close()
}

func (e *Executor) publish(ctx context.Context, jobID string, kind artifact.Kind, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open scratch output: %w", err)
	}
	defer f.Close()

	if _, err := e.store.Put(ctx, jobID, kind, f); err != nil {
		return err
	}
	return nil
}
