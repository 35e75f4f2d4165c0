package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/voxmux/voxmux/internal/artifact"
	"github.com/voxmux/voxmux/internal/domain"
)

var errRangeNotSatisfiable = errors.New("range not satisfiable")

// handleStream serves the final muxed artifact with single-range byte
// semantics, the way browsers seek in media playback.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")

	job, ok, err := s.queue.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	if !ok || job.Status != domain.StatusCompleted {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	size, err := s.store.Size(r.Context(), jobID, artifact.KindFinal)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.logger.Printf("stat artifact failed job_id=%s err=%v", jobID, err)
		http.Error(w, "failed to load artifact", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", artifact.KindFinal.ContentType())
	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		s.copyArtifact(w, r, jobID, http.StatusOK, 0, size)
		return
	}

	start, end, err := parseByteRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	s.copyArtifact(w, r, jobID, http.StatusPartialContent, start, end-start+1)
}

func (s *Server) copyArtifact(w http.ResponseWriter, r *http.Request, jobID string, status int, offset, length int64) {
	f, err := s.store.Open(r.Context(), jobID, artifact.KindFinal)
	if err != nil {
		s.logger.Printf("open artifact failed job_id=%s err=%v", jobID, err)
		http.Error(w, "failed to open artifact", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			s.logger.Printf("seek artifact failed job_id=%s err=%v", jobID, err)
			http.Error(w, "failed to read artifact", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(status)
	n, err := io.CopyN(w, f, length)
	s.metrics.bytesStreamed.Add(float64(n))
	if err != nil && !errors.Is(err, io.EOF) {
		// Headers are already out; a dropped client connection lands
		// here, so only log.
		s.logger.Printf("stream aborted job_id=%s after %d bytes err=%v", jobID, n, err)
	}
}

// parseByteRange parses a single "bytes=<start>-<end>" range against the
// artifact size. A missing end means end of file; an end past the last
// byte is clamped. Suffix ranges, multiple ranges, and any start outside
// [0, size-1] are unsatisfiable.
func parseByteRange(spec string, size int64) (start, end int64, err error) {
	spec = strings.TrimSpace(spec)
	rest, ok := strings.CutPrefix(spec, "bytes=")
	if !ok || strings.Contains(rest, ",") {
		return 0, 0, errRangeNotSatisfiable
	}

	startStr, endStr, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, 0, errRangeNotSatisfiable
	}

	start, perr := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if perr != nil || start < 0 || start > size-1 {
		return 0, 0, errRangeNotSatisfiable
	}

	end = size - 1
	if strings.TrimSpace(endStr) != "" {
		end, perr = strconv.ParseInt(strings.TrimSpace(endStr), 10, 64)
		if perr != nil || end < start {
			return 0, 0, errRangeNotSatisfiable
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return start, end, nil
}
