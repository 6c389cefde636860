package metadata

import (
	"maps"
	"time"
)

// Status is the outcome of one processing attempt.
type Status string

const (
	// StatusValid marks a successfully validated upload. Terminal.
	StatusValid Status = "valid"
	// StatusInvalid marks a deterministic validation rejection. Terminal.
	StatusInvalid Status = "invalid"
	// StatusError marks a transient processing failure. Non-terminal:
	// redelivered events for the job are dispatched again.
	StatusError Status = "error"
)

// Terminal reports whether the status ends the job's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusValid || s == StatusInvalid
}

// Record is one processing attempt of a job. Records are append-only and
// keyed by (JobID, ProcessingTS); the history for a JobID is ordered by
// ProcessingTS and the most recent terminal record wins.
type Record struct {
	JobID        string            `json:"job_id"`
	ProcessingTS time.Time         `json:"processing_ts"`
	Status       Status            `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	Bucket       string            `json:"bucket"`
	ObjectKey    string            `json:"object_key"`
	SizeBytes    int64             `json:"size_bytes"`
	Extracted    map[string]string `json:"extracted,omitempty"`
}

// equalContent reports whether two records carry the same payload for the
// same key. Used to tell an idempotent re-insert from a key collision.
func equalContent(a, b Record) bool {
	return a.Status == b.Status &&
		a.Reason == b.Reason &&
		a.Bucket == b.Bucket &&
		a.ObjectKey == b.ObjectKey &&
		a.SizeBytes == b.SizeBytes &&
		maps.Equal(a.Extracted, b.Extracted)
}
