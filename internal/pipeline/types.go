// Package pipeline defines core types shared across the extraction subsystems.
package pipeline

import (
	"encoding/json"
	"net/http"
	"time"
)

// JobKind enumerates the supported extraction job kinds.
type JobKind string

// Job kinds accepted at submission.
const (
	KindKeywordLookup  JobKind = "keyword-lookup"
	KindProductLookup  JobKind = "product-lookup"
	KindCategoryLookup JobKind = "category-lookup"
	KindReviewLookup   JobKind = "review-lookup"
)

// KnownKinds lists every accepted job kind.
func KnownKinds() []JobKind {
	return []JobKind{KindKeywordLookup, KindProductLookup, KindCategoryLookup, KindReviewLookup}
}

// JobStatus represents the lifecycle state of an extraction job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether a job in this status can transition no further.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job represents one unit of extraction work tracked through the queue.
type Job struct {
	ID          string          `json:"id"`
	Kind        JobKind         `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Marketplace string          `json:"marketplace"`
	CacheKey    string          `json:"cache_key"`
	Status      JobStatus       `json:"status"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	SubmittedAt time.Time       `json:"submitted_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	ClaimedBy   string          `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Failure describes the outcome of an unsuccessful job attempt.
type Failure struct {
	Reason    string
	Retryable bool
}

// ResultEnvelope is the opaque structured result stored for completed jobs
// and memoized in the cache. The raw body lives in the artifact store; the
// envelope only references it.
type ResultEnvelope struct {
	StatusCode  int       `json:"status_code"`
	ContentHash string    `json:"content_hash"`
	ContentType string    `json:"content_type,omitempty"`
	ArtifactURI string    `json:"artifact_uri,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// FetchRequest captures everything needed to perform one extraction fetch.
type FetchRequest struct {
	Target  string
	URL     string
	Headers http.Header
}

// FetchResponse is the raw result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Event is published when a job reaches a terminal state.
type Event struct {
	JobID       string    `json:"job_id"`
	Kind        JobKind   `json:"kind"`
	Status      JobStatus `json:"status"`
	CacheKey    string    `json:"cache_key"`
	Error       string    `json:"error,omitempty"`
	HappenedAt  time.Time `json:"happened_at"`
	Marketplace string    `json:"marketplace,omitempty"`
}
