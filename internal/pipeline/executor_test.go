package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/voxmux/voxmux/internal/artifact"
	"github.com/voxmux/voxmux/internal/domain"
	"github.com/voxmux/voxmux/internal/queue"
	"github.com/voxmux/voxmux/internal/transcription"
)

type fakeTranscoder struct {
	extractErr error
	muxErr     error
	muxCalls   int
}

func (f *fakeTranscoder) ExtractAudio(_ context.Context, inPath, outPath string) error {
	if f.extractErr != nil {
		return f.extractErr
	}
	return os.WriteFile(outPath, []byte("wav audio"), 0o644)
}

func (f *fakeTranscoder) Mux(_ context.Context, videoPath, audioPath, outPath string) error {
	f.muxCalls++
	if f.muxErr != nil {
		return f.muxErr
	}
	return os.WriteFile(outPath, []byte("muxed mp4"), 0o644)
}

type fakeTranscriber struct {
	text  string
	errs  []error
	calls int
}

func (f *fakeTranscriber) Transcribe(context.Context, string) (string, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.text, nil
}

func setupExecutorTest(t *testing.T, transcoder Transcoder, transcriber Transcriber) (*Executor, *queue.MemoryQueue, artifact.Store, domain.Job) {
	t.Helper()

	q := queue.NewMemoryQueue(queue.Policy{MaxAttempts: 3})
	store, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	if _, err := store.Put(ctx, "job-1", artifact.KindRaw, strings.NewReader("raw video")); err != nil {
		t.Fatalf("stage raw blob: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.EnqueueRequest{ID: "job-1", SourceRef: "job-1/raw.webm"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue ok=%v err=%v", ok, err)
	}

	exec, err := NewExecutor(log.New(io.Discard, "", 0), q, store, transcoder, transcriber, Options{
		ScratchDir:             t.TempDir(),
		TranscriptionRetries:   3,
		TranscriptionRetryWait: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return exec, q, store, job
}

func readArtifact(t *testing.T, store artifact.Store, jobID string, kind artifact.Kind) string {
	t.Helper()
	f, err := store.Open(context.Background(), jobID, kind)
	if err != nil {
		t.Fatalf("open %s: %v", kind, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read %s: %v", kind, err)
	}
	return string(data)
}

func TestRunHappyPath(t *testing.T) {
	transcriber := &fakeTranscriber{text: "hello from the recording"}
	exec, q, store, job := setupExecutorTest(t, &fakeTranscoder{}, transcriber)

	done, err := exec.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if done.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if done.LastError != "" {
		t.Fatalf("expected no last error, got %q", done.LastError)
	}

	if got := readArtifact(t, store, "job-1", artifact.KindTranscript); got != "hello from the recording" {
		t.Fatalf("unexpected transcript: %q", got)
	}
	if got := readArtifact(t, store, "job-1", artifact.KindFinal); got != "muxed mp4" {
		t.Fatalf("unexpected final artifact: %q", got)
	}

	// Intermediates are cleaned up after muxing.
	ctx := context.Background()
	if _, err := store.Open(ctx, "job-1", artifact.KindRaw); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("expected raw blob removed, got %v", err)
	}
	if _, err := store.Open(ctx, "job-1", artifact.KindAudio); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("expected audio blob removed, got %v", err)
	}

	stored, ok, _ := q.Get(ctx, "job-1")
	if !ok || stored.Status != domain.StatusCompleted {
		t.Fatalf("expected queue record completed, got %+v", stored)
	}
}

func TestRunPermanentTranscriptionFailureStillCompletes(t *testing.T) {
	transcriber := &fakeTranscriber{errs: []error{
		&transcription.Error{StatusCode: 400, Transient: false, Message: "unsupported audio"},
	}}
	exec, q, store, job := setupExecutorTest(t, &fakeTranscoder{}, transcriber)

	done, err := exec.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if done.Status != domain.StatusCompleted {
		t.Fatalf("expected completed despite transcription failure, got %s", done.Status)
	}
	if done.LastError == "" {
		t.Fatal("expected transcription failure annotated on the job")
	}
	if transcriber.calls != 1 {
		t.Fatalf("expected no retries on permanent failure, got %d calls", transcriber.calls)
	}

	// An empty transcript is still published so the artifact set is
	// complete.
	if got := readArtifact(t, store, "job-1", artifact.KindTranscript); got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}

	// The persisted record, not just the returned copy, must carry the
	// annotation alongside the terminal status.
	stored, ok, _ := q.Get(context.Background(), "job-1")
	if !ok || stored.Status != domain.StatusCompleted {
		t.Fatalf("expected persisted completed record, got ok=%v status=%s", ok, stored.Status)
	}
	if stored.LastError != done.LastError {
		t.Fatalf("expected annotation persisted in queue record, got %q", stored.LastError)
	}
	if stored.LastError == "" {
		t.Fatal("expected annotation persisted in queue record")
	}
}

func TestRunRetriesTransientTranscriptionFailure(t *testing.T) {
	transcriber := &fakeTranscriber{
		text: "eventually recognized",
		errs: []error{
			&transcription.Error{StatusCode: 503, Transient: true, Message: "upstream busy"},
			&transcription.Error{StatusCode: 429, Transient: true, Message: "rate limited"},
		},
	}
	exec, _, store, job := setupExecutorTest(t, &fakeTranscoder{}, transcriber)

	done, err := exec.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if done.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if transcriber.calls != 3 {
		t.Fatalf("expected 3 transcription calls, got %d", transcriber.calls)
	}
	if got := readArtifact(t, store, "job-1", artifact.KindTranscript); got != "eventually recognized" {
		t.Fatalf("unexpected transcript: %q", got)
	}
}

func TestRunExtractFailureIsRetryableStageError(t *testing.T) {
	exec, _, _, job := setupExecutorTest(t,
		&fakeTranscoder{extractErr: errors.New("ffmpeg exit 1")},
		&fakeTranscriber{},
	)

	_, err := exec.Run(context.Background(), job)
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if stageErr.Stage != "extract" {
		t.Fatalf("expected extract stage, got %s", stageErr.Stage)
	}
	if !stageErr.Retryable {
		t.Fatal("expected extract failure to be retryable")
	}
}

func TestRunMuxFailureIsRetryableStageError(t *testing.T) {
	exec, _, _, job := setupExecutorTest(t,
		&fakeTranscoder{muxErr: errors.New("ffmpeg exit 1")},
		&fakeTranscriber{text: "hello"},
	)

	_, err := exec.Run(context.Background(), job)
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if stageErr.Stage != "mux" || !stageErr.Retryable {
		t.Fatalf("unexpected stage error: %+v", stageErr)
	}
}

func TestRunMissingRawBlobIsNotRetryable(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Policy{})
	store, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	if _, err := q.Enqueue(ctx, queue.EnqueueRequest{ID: "job-gone", SourceRef: "job-gone/raw.webm"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, _ := q.Dequeue(ctx)
	if !ok {
		t.Fatal("expected claim")
	}

	exec, err := NewExecutor(log.New(io.Discard, "", 0), q, store, &fakeTranscoder{}, &fakeTranscriber{}, Options{ScratchDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	_, err = exec.Run(ctx, job)
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if stageErr.Stage != "fetch" {
		t.Fatalf("expected fetch stage, got %s", stageErr.Stage)
	}
	if stageErr.Retryable {
		t.Fatal("expected a missing upload to be non-retryable")
	}
}

func TestRunWithoutTranscriberCompletesWithAnnotation(t *testing.T) {
	exec, _, store, job := setupExecutorTest(t, &fakeTranscoder{}, nil)

	done, err := exec.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if done.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if done.LastError == "" {
		t.Fatal("expected missing transcriber to be annotated")
	}
	if got := readArtifact(t, store, "job-1", artifact.KindTranscript); got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}
}
