package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/voxmux/voxmux/internal/artifact"
	"github.com/voxmux/voxmux/internal/domain"
	"github.com/voxmux/voxmux/internal/id"
	"github.com/voxmux/voxmux/internal/queue"
)

const defaultMaxUploadBytes = 256 << 20

// Server is the HTTP ingress and serving surface. It never performs
// transcoder or transcription work; uploads only stage a blob and
// enqueue.
type Server struct {
	logger         *log.Logger
	queue          queue.Queue
	store          artifact.Store
	rateLimiter    RateLimiter
	maxUploadBytes int64
	metrics        *metrics
	tracer         trace.Tracer
	mux            *http.ServeMux
}

type Options struct {
	RateLimiter    RateLimiter
	MaxUploadBytes int64
	Tracer         trace.Tracer
}

func NewServer(logger *log.Logger, q queue.Queue, store artifact.Store, opts Options) *Server {
	maxUploadBytes := opts.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}

	s := &Server{
		logger:         logger,
		queue:          q,
		store:          store,
		rateLimiter:    opts.RateLimiter,
		maxUploadBytes: maxUploadBytes,
		metrics:        newMetrics(),
		tracer:         opts.Tracer,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /uploadBlob", s.handleUploadBlob)
	s.mux.HandleFunc("GET /jobs/{jobID}", s.handleJobStatus)
	s.mux.HandleFunc("DELETE /jobs/{jobID}", s.handlePurgeJob)
	s.mux.HandleFunc("GET /combined/{jobID}", s.handleStream)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	blob, _, err := r.FormFile("videoBlob")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "no blob uploaded"})
		return
	}
	defer blob.Close()

	// The job id is generated here so the raw blob can be staged under it
	// before the job record becomes claimable by a worker.
	jobID := id.New()
	ref, err := s.store.Put(r.Context(), jobID, artifact.KindRaw, blob)
	if err != nil {
		s.logger.Printf("store upload failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to store upload"})
		return
	}

	job, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		ID:         jobID,
		SourceRef:  ref.String(),
		WebhookURL: strings.TrimSpace(r.FormValue("webhookUrl")),
	})
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", jobID, err)
		if purgeErr := s.store.Purge(r.Context(), jobID); purgeErr != nil {
			s.logger.Printf("purge staged upload failed job_id=%s err=%v", jobID, purgeErr)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to enqueue job"})
		return
	}

	s.metrics.jobsEnqueued.Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":   true,
		"jobId":     job.ID,
		"status":    job.Status,
		"statusUrl": "/jobs/" + job.ID,
		"streamUrl": "/combined/" + job.ID,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")

	job, ok, err := s.queue.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "job not found"})
		return
	}

	resp := map[string]any{
		"jobId":     job.ID,
		"status":    job.Status,
		"attempts":  job.Attempts,
		"createdAt": job.CreatedAt,
		"updatedAt": job.UpdatedAt,
	}
	if job.LastError != "" {
		resp["lastError"] = job.LastError
	}
	if job.Status == domain.StatusCompleted {
		resp["artifacts"] = map[string]string{
			"combined":   "/combined/" + job.ID,
			"transcript": artifact.Ref{JobID: job.ID, Kind: artifact.KindTranscript}.String(),
		}
		if transcript, err := s.readTranscript(r, job.ID); err == nil {
			resp["transcript"] = transcript
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) readTranscript(r *http.Request, jobID string) (string, error) {
	f, err := s.store.Open(r.Context(), jobID, artifact.KindTranscript)
	if err != nil {
		return "", err
	}
	defer f.Close()

	text, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(text), nil
}

func (s *Server) handlePurgeJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")

	_, ok, err := s.queue.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "job not found"})
		return
	}

	// Job record and all artifacts go together.
	if err := s.queue.Purge(r.Context(), jobID); err != nil {
		s.logger.Printf("purge job record failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to purge job"})
		return
	}
	if err := s.store.Purge(r.Context(), jobID); err != nil {
		s.logger.Printf("purge artifacts failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to purge artifacts"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
