// Package worker implements the extraction execution loop and pool.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/metrics"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

// Config controls Worker behavior.
type Config struct {
	PollInterval       time.Duration
	ArchivePrefix      string
	ArchiveContentType string
	Topic              string
	DefaultTTL         time.Duration
	TTLByKind          map[pipeline.JobKind]time.Duration
}

// Worker drains the queue through the idle -> claimed -> fetching ->
// (caching|erroring) -> idle state machine. Each worker runs independently;
// the queue claim and the rate-limit buckets are the only shared mutation
// points.
type Worker struct {
	id        string
	store     pipeline.Store
	fetcher   pipeline.Fetcher
	builder   pipeline.RequestBuilder
	archive   pipeline.BlobStore
	publisher pipeline.Publisher
	clock     pipeline.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	id string,
	store pipeline.Store,
	fetcher pipeline.Fetcher,
	builder pipeline.RequestBuilder,
	archive pipeline.BlobStore,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 6 * time.Hour
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		store:     store,
		fetcher:   fetcher,
		builder:   builder,
		archive:   archive,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, claiming and processing jobs until the context finishes.
// When the queue is empty the worker sleeps one poll interval; it never
// busy-spins.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.store.ClaimNext(ctx, w.id)
		if errors.Is(err, pipeline.ErrNoJob) {
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Storage trouble: back off instead of spinning on a dead store.
			w.logger.Error("claim failed", zap.Error(err))
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		w.processJob(ctx, job)
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) processJob(ctx context.Context, job pipeline.Job) {
	metrics.JobClaimed()
	defer metrics.JobReleased()

	w.logger.Debug("job claimed",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("priority", job.Priority),
	)

	cached, hit, err := w.store.Get(ctx, job.CacheKey)
	if err != nil {
		// Backing-storage failure is fatal to this attempt; the stale-job
		// janitor returns the claim to pending later.
		w.logger.Error("cache lookup failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveCacheLookup(hit)
	if hit {
		w.finishWithResult(ctx, job, cached)
		return
	}

	request, err := w.builder.Build(job)
	if err != nil {
		w.recordFailure(ctx, job, pipeline.Failure{Reason: err.Error(), Retryable: false})
		return
	}

	resp, err := w.fetcher.Fetch(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-fetch: leave the claim for the janitor.
			return
		}
		w.recordFailure(ctx, job, pipeline.Failure{
			Reason:    err.Error(),
			Retryable: pipeline.IsTransient(err),
		})
		return
	}

	envelope, err := w.buildEnvelope(ctx, job, resp)
	if err != nil {
		w.logger.Error("archive result failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	result, err := json.Marshal(envelope)
	if err != nil {
		w.recordFailure(ctx, job, pipeline.Failure{Reason: fmt.Sprintf("encode result: %v", err), Retryable: false})
		return
	}

	if err := w.store.Put(ctx, job.CacheKey, result, w.ttlFor(job.Kind)); err != nil {
		w.logger.Error("cache write failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.finishWithResult(ctx, job, result)
}

// finishWithResult completes the job, discarding the result when the job was
// cancelled while in flight.
func (w *Worker) finishWithResult(ctx context.Context, job pipeline.Job, result json.RawMessage) {
	if err := w.store.Complete(ctx, job.ID, result); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			w.logger.Info("job no longer processing, result discarded", zap.String("job_id", job.ID))
			return
		}
		w.logger.Error("complete failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJobFinished(string(job.Kind), string(pipeline.JobStatusCompleted))
	w.publishEvent(ctx, job, pipeline.JobStatusCompleted, "")
	w.logger.Info("job completed", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
}

func (w *Worker) recordFailure(ctx context.Context, job pipeline.Job, failure pipeline.Failure) {
	if err := w.store.Fail(ctx, job.ID, failure); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			w.logger.Info("job no longer processing, failure discarded", zap.String("job_id", job.ID))
			return
		}
		w.logger.Error("fail update failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	updated, err := w.store.GetJob(ctx, job.ID)
	if err != nil {
		w.logger.Error("post-failure lookup failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if updated.Status == pipeline.JobStatusFailed {
		metrics.ObserveJobFinished(string(job.Kind), string(pipeline.JobStatusFailed))
		w.publishEvent(ctx, job, pipeline.JobStatusFailed, failure.Reason)
		w.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("reason", failure.Reason),
			zap.Int("retries", updated.RetryCount),
		)
		return
	}
	w.logger.Info("job rescheduled",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", updated.RetryCount),
		zap.Time("scheduled_at", updated.ScheduledAt),
	)
}

func (w *Worker) buildEnvelope(ctx context.Context, job pipeline.Job, resp pipeline.FetchResponse) (pipeline.ResultEnvelope, error) {
	sum := sha256.Sum256(resp.Body)
	hash := hex.EncodeToString(sum[:])
	envelope := pipeline.ResultEnvelope{
		StatusCode:  resp.StatusCode,
		ContentHash: hash,
		ContentType: resp.Headers.Get("Content-Type"),
		FetchedAt:   w.clock.Now(),
		DurationMs:  resp.Duration.Milliseconds(),
	}
	if w.archive != nil {
		uri, err := w.archive.PutObject(ctx, w.archivePath(job.ID, hash), w.cfg.ArchiveContentType, resp.Body)
		if err != nil {
			return pipeline.ResultEnvelope{}, fmt.Errorf("archive body: %w", err)
		}
		envelope.ArtifactURI = uri
	}
	return envelope, nil
}

func (w *Worker) archivePath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

func (w *Worker) ttlFor(kind pipeline.JobKind) time.Duration {
	if ttl, ok := w.cfg.TTLByKind[kind]; ok && ttl > 0 {
		return ttl
	}
	return w.cfg.DefaultTTL
}

func (w *Worker) publishEvent(ctx context.Context, job pipeline.Job, status pipeline.JobStatus, errText string) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := pipeline.Event{
		JobID:       job.ID,
		Kind:        job.Kind,
		Status:      status,
		CacheKey:    job.CacheKey,
		Error:       errText,
		HappenedAt:  w.clock.Now(),
		Marketplace: job.Marketplace,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("event publish failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
