// Package memory provides an in-memory Store for development and testing.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

type cacheEntry struct {
	value   json.RawMessage
	expires time.Time
}

// Store keeps jobs and cache entries behind one mutex. Claim selection is a
// linear scan; fine for the scales this backend serves.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]pipeline.Job
	cache  map[string]cacheEntry
	policy pipeline.RetryPolicy
	clock  pipeline.Clock
}

// New constructs a Store.
func New(policy pipeline.RetryPolicy, clock pipeline.Clock) *Store {
	return &Store{
		jobs:   make(map[string]pipeline.Job),
		cache:  make(map[string]cacheEntry),
		policy: policy,
		clock:  clock,
	}
}

// Enqueue inserts a pending job.
func (s *Store) Enqueue(_ context.Context, job pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	job.Status = pipeline.JobStatusPending
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = s.clock.Now()
	}
	s.jobs[job.ID] = job
	return nil
}

// ClaimNext atomically claims the highest-priority due pending job; ties
// break by earliest scheduled time, then by identifier.
func (s *Store) ClaimNext(_ context.Context, workerID string) (pipeline.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	var best *pipeline.Job
	for id := range s.jobs {
		job := s.jobs[id]
		if job.Status != pipeline.JobStatusPending || job.ScheduledAt.After(now) {
			continue
		}
		if best == nil || claimBefore(job, *best) {
			candidate := job
			best = &candidate
		}
	}
	if best == nil {
		return pipeline.Job{}, pipeline.ErrNoJob
	}

	best.Status = pipeline.JobStatusProcessing
	best.ClaimedBy = workerID
	claimed := now
	best.ClaimedAt = &claimed
	s.jobs[best.ID] = *best
	return *best, nil
}

func claimBefore(a, b pipeline.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}

// Complete marks a processing job completed and stores its result.
func (s *Store) Complete(_ context.Context, jobID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != pipeline.JobStatusProcessing {
		return fmt.Errorf("complete %s: %w", jobID, pipeline.ErrNotFound)
	}
	now := s.clock.Now()
	job.Status = pipeline.JobStatusCompleted
	job.Result = result
	job.CompletedAt = &now
	job.LastError = ""
	job.ClaimedBy = ""
	s.jobs[jobID] = job
	return nil
}

// Fail records a failed attempt: retryable failures within budget go back to
// pending with backoff, everything else becomes failed.
func (s *Store) Fail(_ context.Context, jobID string, failure pipeline.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != pipeline.JobStatusProcessing {
		return fmt.Errorf("fail %s: %w", jobID, pipeline.ErrNotFound)
	}
	now := s.clock.Now()
	job.LastError = failure.Reason
	job.ClaimedBy = ""
	if failure.Retryable && !s.policy.Exhausted(job.RetryCount) {
		job.Status = pipeline.JobStatusPending
		job.ScheduledAt = now.Add(s.policy.NextDelay(job.RetryCount))
		job.RetryCount++
	} else {
		job.Status = pipeline.JobStatusFailed
		job.CompletedAt = &now
	}
	s.jobs[jobID] = job
	return nil
}

// RequeueStale returns jobs processing longer than olderThan to pending.
func (s *Store) RequeueStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	cutoff := now.Add(-olderThan)
	reclaimed := 0
	for id := range s.jobs {
		job := s.jobs[id]
		if job.Status != pipeline.JobStatusProcessing || job.ClaimedAt == nil || !job.ClaimedAt.Before(cutoff) {
			continue
		}
		job.Status = pipeline.JobStatusPending
		job.RetryCount++
		job.ScheduledAt = now
		job.ClaimedBy = ""
		job.ClaimedAt = nil
		s.jobs[id] = job
		reclaimed++
	}
	return reclaimed, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (pipeline.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.Job{}, fmt.Errorf("get %s: %w", jobID, pipeline.ErrNotFound)
	}
	return job, nil
}

// CancelJob marks a non-terminal job cancelled. Cancelling a processing job
// is best-effort; the worker's eventual Complete/Fail finds the job no
// longer processing and discards the outcome.
func (s *Store) CancelJob(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("cancel %s: %w", jobID, pipeline.ErrNotFound)
	}
	if job.Status.IsTerminal() {
		return false, nil
	}
	now := s.clock.Now()
	job.Status = pipeline.JobStatusCancelled
	job.CompletedAt = &now
	job.ClaimedBy = ""
	s.jobs[jobID] = job
	return true, nil
}

// FindActive returns a pending or processing job for the cache key.
func (s *Store) FindActive(_ context.Context, cacheKey string) (pipeline.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.jobs {
		job := s.jobs[id]
		if job.CacheKey != cacheKey {
			continue
		}
		if job.Status == pipeline.JobStatusPending || job.Status == pipeline.JobStatusProcessing {
			return job, nil
		}
	}
	return pipeline.Job{}, fmt.Errorf("find active %s: %w", cacheKey, pipeline.ErrNotFound)
}

// Get returns a cached value when present and not yet expired.
func (s *Store) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok || !s.clock.Now().Before(entry.expires) {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), entry.value...), true, nil
}

// Put unconditionally overwrites the entry for key.
func (s *Store) Put(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{
		value:   append(json.RawMessage(nil), value...),
		expires: s.clock.Now().Add(ttl),
	}
	return nil
}

// Sweep removes expired entries and reports how many were dropped.
func (s *Store) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	dropped := 0
	for key, entry := range s.cache {
		if !now.Before(entry.expires) {
			delete(s.cache, key)
			dropped++
		}
	}
	return dropped, nil
}

// Ping reports readiness; the in-memory store is always ready.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// Close releases nothing, satisfying pipeline.Store.
func (s *Store) Close() error {
	return nil
}
