// Package postgres provides the Postgres-backed durable Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store persists jobs and cache entries in Postgres. The claim statement
// uses FOR UPDATE SKIP LOCKED so concurrent claimers never take the same
// row and never block each other.
type Store struct {
	pool   pool
	policy pipeline.RetryPolicy
	clock  pipeline.Clock
}

// New connects a pool and ensures the schema exists.
func New(ctx context.Context, cfg Config, policy pipeline.RetryPolicy, clock pipeline.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "nklytics"
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: p, policy: policy, clock: clock}
	if err := s.ensureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, policy pipeline.RetryPolicy, clock pipeline.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p, policy: policy, clock: clock}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      JSONB NOT NULL,
	marketplace  TEXT NOT NULL,
	cache_key    TEXT NOT NULL,
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	submitted_at TIMESTAMPTZ NOT NULL,
	scheduled_at TIMESTAMPTZ NOT NULL,
	claimed_by   TEXT NOT NULL DEFAULT '',
	claimed_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	last_error   TEXT NOT NULL DEFAULT '',
	result       JSONB
);
CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (status, priority DESC, scheduled_at, id);
CREATE INDEX IF NOT EXISTS jobs_cache_key_idx ON jobs (cache_key, status);
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);`

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const jobColumns = `id, kind, payload, marketplace, cache_key, status, priority, retry_count,
	submitted_at, scheduled_at, claimed_by, claimed_at, completed_at, last_error, result`

// Enqueue inserts a pending job.
func (s *Store) Enqueue(ctx context.Context, job pipeline.Job) error {
	scheduled := job.ScheduledAt
	if scheduled.IsZero() {
		scheduled = s.clock.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO jobs (id, kind, payload, marketplace, cache_key, status, priority, retry_count, submitted_at, scheduled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)`,
		job.ID, string(job.Kind), []byte(job.Payload), job.Marketplace, job.CacheKey,
		string(pipeline.JobStatusPending), job.Priority, job.SubmittedAt, scheduled,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the best due pending job.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (pipeline.Job, error) {
	now := s.clock.Now()
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
UPDATE jobs SET status = $1, claimed_by = $2, claimed_at = $3
WHERE id = (
	SELECT id FROM jobs
	WHERE status = $4 AND scheduled_at <= $3
	ORDER BY priority DESC, scheduled_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING %s`, jobColumns),
		string(pipeline.JobStatusProcessing), workerID, now, string(pipeline.JobStatusPending),
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, pipeline.ErrNoJob
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete marks a processing job completed and stores its result.
func (s *Store) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = $1, result = $2, completed_at = $3, last_error = '', claimed_by = ''
WHERE id = $4 AND status = $5`,
		string(pipeline.JobStatusCompleted), []byte(result), s.clock.Now(),
		jobID, string(pipeline.JobStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete %s: %w", jobID, pipeline.ErrNotFound)
	}
	return nil
}

// Fail records a failed attempt, rescheduling retryable failures that still
// have retry budget.
func (s *Store) Fail(ctx context.Context, jobID string, failure pipeline.Failure) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var retryCount int
	err = tx.QueryRow(ctx,
		`SELECT retry_count FROM jobs WHERE id = $1 AND status = $2 FOR UPDATE`,
		jobID, string(pipeline.JobStatusProcessing),
	).Scan(&retryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("fail %s: %w", jobID, pipeline.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read retry count: %w", err)
	}

	now := s.clock.Now()
	if failure.Retryable && !s.policy.Exhausted(retryCount) {
		_, err = tx.Exec(ctx, `
UPDATE jobs SET status = $1, retry_count = retry_count + 1, scheduled_at = $2, last_error = $3, claimed_by = ''
WHERE id = $4`,
			string(pipeline.JobStatusPending), now.Add(s.policy.NextDelay(retryCount)),
			failure.Reason, jobID,
		)
	} else {
		_, err = tx.Exec(ctx, `
UPDATE jobs SET status = $1, last_error = $2, completed_at = $3, claimed_by = ''
WHERE id = $4`,
			string(pipeline.JobStatusFailed), failure.Reason, now, jobID,
		)
	}
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fail tx: %w", err)
	}
	return nil
}

// RequeueStale returns jobs processing longer than olderThan to pending.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = $1, retry_count = retry_count + 1, scheduled_at = $2, claimed_by = '', claimed_at = NULL
WHERE status = $3 AND claimed_at IS NOT NULL AND claimed_at < $4`,
		string(pipeline.JobStatusPending), now,
		string(pipeline.JobStatusProcessing), now.Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (pipeline.Job, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns), jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, fmt.Errorf("get %s: %w", jobID, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// CancelJob marks a non-terminal job cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = $1, completed_at = $2, claimed_by = ''
WHERE id = $3 AND status IN ($4, $5)`,
		string(pipeline.JobStatusCancelled), s.clock.Now(),
		jobID, string(pipeline.JobStatusPending), string(pipeline.JobStatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM jobs WHERE id = $1`, jobID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("cancel %s: %w", jobID, pipeline.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("cancel lookup: %w", err)
	}
	return false, nil
}

// FindActive returns a pending or processing job for the cache key.
func (s *Store) FindActive(ctx context.Context, cacheKey string) (pipeline.Job, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT %s FROM jobs WHERE cache_key = $1 AND status IN ($2, $3)
ORDER BY submitted_at ASC LIMIT 1`, jobColumns),
		cacheKey, string(pipeline.JobStatusPending), string(pipeline.JobStatusProcessing),
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, fmt.Errorf("find active %s: %w", cacheKey, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("find active: %w", err)
	}
	return job, nil
}

// Get returns a cached value when present and not yet expired.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var (
		value   []byte
		expires time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = $1`, key,
	).Scan(&value, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if !s.clock.Now().Before(expires) {
		if _, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
			return nil, false, fmt.Errorf("cache expire: %w", err)
		}
		return nil, false, nil
	}
	return json.RawMessage(value), true, nil
}

// Put unconditionally overwrites the entry for key.
func (s *Store) Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO cache_entries (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, []byte(value), s.clock.Now().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Sweep deletes expired cache entries.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= $1`, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (pipeline.Job, error) {
	var (
		job         pipeline.Job
		kind        string
		payload     []byte
		status      string
		claimedAt   *time.Time
		completedAt *time.Time
		result      []byte
	)
	err := row.Scan(
		&job.ID, &kind, &payload, &job.Marketplace, &job.CacheKey, &status,
		&job.Priority, &job.RetryCount, &job.SubmittedAt, &job.ScheduledAt,
		&job.ClaimedBy, &claimedAt, &completedAt, &job.LastError, &result,
	)
	if err != nil {
		return pipeline.Job{}, err
	}
	job.Kind = pipeline.JobKind(kind)
	job.Payload = json.RawMessage(payload)
	job.Status = pipeline.JobStatus(status)
	job.ClaimedAt = claimedAt
	job.CompletedAt = completedAt
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	return job, nil
}
