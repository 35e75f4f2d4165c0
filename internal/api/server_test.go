package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxmux/voxmux/internal/artifact"
	"github.com/voxmux/voxmux/internal/domain"
	"github.com/voxmux/voxmux/internal/queue"
)

func newTestServer(t *testing.T) (*Server, *queue.MemoryQueue, artifact.Store) {
	t.Helper()

	q := queue.NewMemoryQueue(queue.Policy{})
	store, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s := NewServer(log.New(io.Discard, "", 0), q, store, Options{})
	return s, q, store
}

func multipartUpload(t *testing.T, field, filename, contents string, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(contents)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for k, v := range extra {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadBlobAcceptsAndEnqueues(t *testing.T) {
	s, q, store := newTestServer(t)

	body, contentType := multipartUpload(t, "videoBlob", "recording.webm", "fake webm bytes", map[string]string{
		"webhookUrl": "https://example.com/hook",
	})
	req := httptest.NewRequest(http.MethodPost, "/uploadBlob", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success   bool   `json:"success"`
		JobID     string `json:"jobId"`
		Status    string `json:"status"`
		StatusURL string `json:"statusUrl"`
		StreamURL string `json:"streamUrl"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.JobID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Status != string(domain.StatusPending) {
		t.Fatalf("expected pending, got %s", resp.Status)
	}
	if resp.StreamURL != "/combined/"+resp.JobID {
		t.Fatalf("unexpected stream url: %s", resp.StreamURL)
	}

	// The blob is staged under the job id before the record is claimable.
	f, err := store.Open(context.Background(), resp.JobID, artifact.KindRaw)
	if err != nil {
		t.Fatalf("open staged blob: %v", err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	if string(data) != "fake webm bytes" {
		t.Fatalf("unexpected staged blob: %q", data)
	}

	job, ok, _ := q.Get(context.Background(), resp.JobID)
	if !ok {
		t.Fatal("expected job record")
	}
	if job.WebhookURL != "https://example.com/hook" {
		t.Fatalf("expected webhook url recorded, got %q", job.WebhookURL)
	}
}

func TestUploadBlobRejectsMissingFile(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/uploadBlob", strings.NewReader("not multipart"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUploadBlobRejectsWrongField(t *testing.T) {
	s, _, _ := newTestServer(t)

	body, contentType := multipartUpload(t, "somethingElse", "recording.webm", "bytes", nil)
	req := httptest.NewRequest(http.MethodPost, "/uploadBlob", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestJobStatusReportsProgressAndErrors(t *testing.T) {
	s, q, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, queue.EnqueueRequest{ID: "job-1", SourceRef: "job-1/raw.webm"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := q.Dequeue(ctx); !ok {
		t.Fatal("expected claim")
	}
	if err := q.Annotate(ctx, "job-1", "transcription unavailable"); err != nil {
		t.Fatalf("annotate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != string(domain.StatusProcessing) {
		t.Fatalf("expected processing, got %v", resp["status"])
	}
	if resp["lastError"] != "transcription unavailable" {
		t.Fatalf("expected last error surfaced, got %v", resp["lastError"])
	}
	if _, ok := resp["artifacts"]; ok {
		t.Fatal("expected no artifacts before completion")
	}
}

func TestJobStatusCompletedIncludesTranscript(t *testing.T) {
	s, q, store := newTestServer(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, queue.EnqueueRequest{ID: "job-2", SourceRef: "job-2/raw.webm"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := q.Dequeue(ctx); !ok {
		t.Fatal("expected claim")
	}
	if _, err := q.Advance(ctx, "job-2", domain.StatusMuxed); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := q.Complete(ctx, "job-2"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.Put(ctx, "job-2", artifact.KindTranscript, strings.NewReader("hello world")); err != nil {
		t.Fatalf("stage transcript: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-2", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["transcript"] != "hello world" {
		t.Fatalf("expected inline transcript, got %v", resp["transcript"])
	}
	artifacts, ok := resp["artifacts"].(map[string]any)
	if !ok {
		t.Fatalf("expected artifacts map, got %T", resp["artifacts"])
	}
	if artifacts["combined"] != "/combined/job-2" {
		t.Fatalf("unexpected combined path: %v", artifacts["combined"])
	}
}

func TestPurgeJobRemovesRecordAndArtifacts(t *testing.T) {
	s, q, store := newTestServer(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, queue.EnqueueRequest{ID: "job-3", SourceRef: "job-3/raw.webm"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Put(ctx, "job-3", artifact.KindRaw, strings.NewReader("raw")); err != nil {
		t.Fatalf("stage blob: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/jobs/job-3", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, ok, _ := q.Get(ctx, "job-3"); ok {
		t.Fatal("expected job record purged")
	}
	if _, err := store.Open(ctx, "job-3", artifact.KindRaw); err == nil {
		t.Fatal("expected artifacts purged")
	}
}

func TestPurgeUnknownJobIs404(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/jobs/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
