package artifact

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Kind names one of the byte blobs tied to a job. All paths derive from
// the job id and the kind, nothing else.
type Kind string

const (
	KindRaw        Kind = "raw"
	KindAudio      Kind = "audio"
	KindTranscript Kind = "transcript"
	KindFinal      Kind = "final"
)

var ErrNotFound = errors.New("artifact not found")

func (k Kind) Filename() string {
	switch k {
	case KindRaw:
		return "raw.webm"
	case KindAudio:
		return "audio.wav"
	case KindTranscript:
		return "transcript.txt"
	case KindFinal:
		return "final.mp4"
	default:
		return string(k)
	}
}

func (k Kind) ContentType() string {
	switch k {
	case KindRaw:
		return "video/webm"
	case KindAudio:
		return "audio/wav"
	case KindTranscript:
		return "text/plain; charset=utf-8"
	case KindFinal:
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// Ref identifies a stored blob.
type Ref struct {
	JobID string
	Kind  Kind
}

func (r Ref) String() string {
	return sanitizePathToken(r.JobID) + "/" + r.Kind.Filename()
}

// Store maps (job id, kind) to byte blobs. Put must be atomic from a
// reader's perspective: a concurrent Open never observes a partial blob.
// Open and Size on a missing blob return ErrNotFound.
type Store interface {
	Put(ctx context.Context, jobID string, kind Kind, r io.Reader) (Ref, error)
	Open(ctx context.Context, jobID string, kind Kind) (io.ReadSeekCloser, error)
	Size(ctx context.Context, jobID string, kind Kind) (int64, error)
	Delete(ctx context.Context, jobID string, kind Kind) error
	Purge(ctx context.Context, jobID string) error
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
