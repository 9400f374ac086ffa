package pipeline

import (
	"context"
	"encoding/json"
	"time"
)

// JobQueue is the durable, priority-ordered queue of extraction jobs.
//
// ClaimNext must be atomic with respect to concurrent callers: no two calls
// may return the same job. Fail applies the retry policy the queue was
// configured with, rescheduling retryable failures with backoff until the
// retry budget is exhausted.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
	ClaimNext(ctx context.Context, workerID string) (Job, error)
	Complete(ctx context.Context, jobID string, result json.RawMessage) error
	Fail(ctx context.Context, jobID string, failure Failure) error
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	CancelJob(ctx context.Context, jobID string) (bool, error)
	FindActive(ctx context.Context, cacheKey string) (Job, error)
}

// CacheStore memoizes extraction results with per-entry expiry.
type CacheStore interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	Sweep(ctx context.Context) (int, error)
}

// Store combines the queue and cache backed by one durable system.
type Store interface {
	JobQueue
	CacheStore
	Ping(ctx context.Context) error
	Close() error
}

// Fetcher performs network fetches and returns the raw response.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RequestBuilder turns a job into the fetch request for its target.
type RequestBuilder interface {
	Build(job Job) (FetchRequest, error)
}

// RateLimiter admits at most the configured number of fetches per target
// per window, blocking callers until capacity is available.
type RateLimiter interface {
	Acquire(ctx context.Context, target string) error
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal-state events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
