// Package service is the submission facade in front of the queue: payload
// validation, cache-key derivation, duplicate suppression, and the
// status/cancel operations the HTTP layer exposes.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/metrics"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/payload"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

// Service coordinates job submission and inspection.
type Service struct {
	store     pipeline.Store
	validator *payload.Validator
	clock     pipeline.Clock
	ids       pipeline.IDGenerator
	logger    *zap.Logger
}

// New constructs a Service.
func New(store pipeline.Store, validator *payload.Validator, clock pipeline.Clock, ids pipeline.IDGenerator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, validator: validator, clock: clock, ids: ids, logger: logger}
}

// SubmitResult reports the job recorded for a submission. Deduplicated is
// true when an equivalent pending or processing job already existed and its
// identifier was returned instead of inserting a new one.
type SubmitResult struct {
	Job          pipeline.Job
	Deduplicated bool
}

// Submit validates the payload, derives the cache key, and enqueues a new
// pending job unless an equivalent one is already in flight.
func (s *Service) Submit(ctx context.Context, kind pipeline.JobKind, raw json.RawMessage, priority int) (SubmitResult, error) {
	normalized, marketplace, err := s.validator.Validate(kind, raw)
	if err != nil {
		return SubmitResult{}, err
	}
	key := payload.CacheKey(kind, marketplace, normalized)

	existing, err := s.store.FindActive(ctx, key)
	if err == nil {
		metrics.ObserveJobSubmitted(string(kind), true)
		s.logger.Info("submission deduplicated",
			zap.String("job_id", existing.ID),
			zap.String("cache_key", key),
		)
		return SubmitResult{Job: existing, Deduplicated: true}, nil
	}
	if !errors.Is(err, pipeline.ErrNotFound) {
		return SubmitResult{}, fmt.Errorf("look up active job: %w", err)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := pipeline.Job{
		ID:          id,
		Kind:        kind,
		Payload:     normalized,
		Marketplace: marketplace,
		CacheKey:    key,
		Status:      pipeline.JobStatusPending,
		Priority:    priority,
		SubmittedAt: now,
		ScheduledAt: now,
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		return SubmitResult{}, fmt.Errorf("enqueue job: %w", err)
	}
	metrics.ObserveJobSubmitted(string(kind), false)
	s.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("kind", string(kind)),
		zap.Int("priority", priority),
	)
	return SubmitResult{Job: job}, nil
}

// GetJob returns the current record for a job, including its result or last
// error once terminal.
func (s *Service) GetJob(ctx context.Context, jobID string) (pipeline.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Cancel marks a pending or processing job cancelled. It reports false when
// the job had already reached a terminal state, and ErrNotFound for unknown
// identifiers. A processing job keeps running but its outcome is discarded.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := s.store.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if cancelled {
		s.logger.Info("job cancelled", zap.String("job_id", jobID))
	}
	return cancelled, nil
}
