package domain

import "time"

// Status is the pipeline stage a job has reached. Transitions only move
// forward, except for the retry path which returns a claimed job to
// StatusPending.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusTranscribed Status = "transcribed"
	StatusMuxed       Status = "muxed"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

var statusOrder = map[Status]int{
	StatusPending:     0,
	StatusProcessing:  1,
	StatusTranscribed: 2,
	StatusMuxed:       3,
	StatusCompleted:   4,
	StatusFailed:      4,
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanAdvance reports whether moving from s to next is a forward transition.
func (s Status) CanAdvance(next Status) bool {
	from, ok := statusOrder[s]
	if !ok {
		return false
	}
	to, ok := statusOrder[next]
	if !ok {
		return false
	}
	return !s.Terminal() && to > from
}

// Job is one upload's unit of pipeline work. The queue is the single
// writer of Status, Attempts and LastError.
type Job struct {
	ID         string    `json:"id"`
	SourceRef  string    `json:"source_ref"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	NotBefore  time.Time `json:"not_before"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
