// Package sqlite provides the embedded durable Store, the default backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

// Config controls the sqlite-backed store.
type Config struct {
	Path string
}

// Store persists jobs and cache entries in a single sqlite database. Claim
// atomicity relies on sqlite serializing writers: the claim is one UPDATE
// with a subselect, so concurrent claimers can never take the same row.
type Store struct {
	db     *sql.DB
	policy pipeline.RetryPolicy
	clock  pipeline.Clock
}

// New opens (and if needed creates) the database at cfg.Path.
func New(cfg Config, policy pipeline.RetryPolicy, clock pipeline.Clock) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, policy: policy, clock: clock}, nil
}

// NewWithDB wraps an existing database handle (primarily for testing).
func NewWithDB(db *sql.DB, policy pipeline.RetryPolicy, clock pipeline.Clock) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db handle is required")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, policy: policy, clock: clock}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping verifies the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Enqueue inserts a pending job.
func (s *Store) Enqueue(ctx context.Context, job pipeline.Job) error {
	scheduled := job.ScheduledAt
	if scheduled.IsZero() {
		scheduled = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, kind, payload, marketplace, cache_key, status, priority, retry_count, submitted_at, scheduled_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		job.ID, string(job.Kind), string(job.Payload), job.Marketplace, job.CacheKey,
		string(pipeline.JobStatusPending), job.Priority, toMillis(job.SubmittedAt), toMillis(scheduled),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the best due pending job.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (pipeline.Job, error) {
	now := s.clock.Now()
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
UPDATE jobs SET status = ?, claimed_by = ?, claimed_at = ?
WHERE id = (
	SELECT id FROM jobs
	WHERE status = ? AND scheduled_at <= ?
	ORDER BY priority DESC, scheduled_at ASC, id ASC
	LIMIT 1
)
RETURNING %s`, jobColumns),
		string(pipeline.JobStatusProcessing), workerID, toMillis(now),
		string(pipeline.JobStatusPending), toMillis(now),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Job{}, pipeline.ErrNoJob
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete marks a processing job completed and stores its result.
func (s *Store) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, result = ?, completed_at = ?, last_error = '', claimed_by = ''
WHERE id = ? AND status = ?`,
		string(pipeline.JobStatusCompleted), string(result), toMillis(s.clock.Now()),
		jobID, string(pipeline.JobStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireOneRow(res, jobID)
}

// Fail records a failed attempt, rescheduling retryable failures that still
// have retry budget. Runs in a transaction so the retry decision and the
// update see the same row.
func (s *Store) Fail(ctx context.Context, jobID string, failure pipeline.Failure) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var retryCount int
	err = tx.QueryRowContext(ctx,
		`SELECT retry_count FROM jobs WHERE id = ? AND status = ?`,
		jobID, string(pipeline.JobStatusProcessing),
	).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("fail %s: %w", jobID, pipeline.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read retry count: %w", err)
	}

	now := s.clock.Now()
	if failure.Retryable && !s.policy.Exhausted(retryCount) {
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET status = ?, retry_count = retry_count + 1, scheduled_at = ?, last_error = ?, claimed_by = ''
WHERE id = ?`,
			string(pipeline.JobStatusPending), toMillis(now.Add(s.policy.NextDelay(retryCount))),
			failure.Reason, jobID,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET status = ?, last_error = ?, completed_at = ?, claimed_by = ''
WHERE id = ?`,
			string(pipeline.JobStatusFailed), failure.Reason, toMillis(now), jobID,
		)
	}
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail tx: %w", err)
	}
	return nil
}

// RequeueStale returns jobs processing longer than olderThan to pending.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, retry_count = retry_count + 1, scheduled_at = ?, claimed_by = '', claimed_at = NULL
WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		string(pipeline.JobStatusPending), toMillis(now),
		string(pipeline.JobStatusProcessing), toMillis(now.Add(-olderThan)),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale rows: %w", err)
	}
	return int(n), nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (pipeline.Job, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM jobs WHERE id = ?`, jobColumns), jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Job{}, fmt.Errorf("get %s: %w", jobID, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// CancelJob marks a non-terminal job cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, completed_at = ?, claimed_by = ''
WHERE id = ? AND status IN (?, ?)`,
		string(pipeline.JobStatusCancelled), toMillis(s.clock.Now()),
		jobID, string(pipeline.JobStatusPending), string(pipeline.JobStatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel job rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	// Distinguish "already terminal" from "unknown id".
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("cancel %s: %w", jobID, pipeline.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("cancel lookup: %w", err)
	}
	return false, nil
}

// FindActive returns a pending or processing job for the cache key.
func (s *Store) FindActive(ctx context.Context, cacheKey string) (pipeline.Job, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT %s FROM jobs WHERE cache_key = ? AND status IN (?, ?)
ORDER BY submitted_at ASC LIMIT 1`, jobColumns),
		cacheKey, string(pipeline.JobStatusPending), string(pipeline.JobStatusProcessing),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Job{}, fmt.Errorf("find active %s: %w", cacheKey, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("find active: %w", err)
	}
	return job, nil
}

// Get returns a cached value when present and not yet expired. Expired rows
// are deleted on read for storage reclamation.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var (
		value   string
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if toMillis(s.clock.Now()) >= expires {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return nil, false, fmt.Errorf("cache expire: %w", err)
		}
		return nil, false, nil
	}
	return json.RawMessage(value), true, nil
}

// Put unconditionally overwrites the entry for key.
func (s *Store) Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, string(value), toMillis(s.clock.Now().Add(ttl)),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Sweep deletes expired cache entries.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, toMillis(s.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache sweep rows: %w", err)
	}
	return int(n), nil
}

func requireOneRow(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, pipeline.ErrNotFound)
	}
	return nil
}

func scanJob(row *sql.Row) (pipeline.Job, error) {
	var (
		job         pipeline.Job
		kind        string
		payload     string
		status      string
		submitted   int64
		scheduled   int64
		claimedAt   sql.NullInt64
		completedAt sql.NullInt64
		result      sql.NullString
	)
	err := row.Scan(
		&job.ID, &kind, &payload, &job.Marketplace, &job.CacheKey, &status,
		&job.Priority, &job.RetryCount, &submitted, &scheduled,
		&job.ClaimedBy, &claimedAt, &completedAt, &job.LastError, &result,
	)
	if err != nil {
		return pipeline.Job{}, err
	}
	job.Kind = pipeline.JobKind(kind)
	job.Payload = json.RawMessage(payload)
	job.Status = pipeline.JobStatus(status)
	job.SubmittedAt = fromMillis(submitted)
	job.ScheduledAt = fromMillis(scheduled)
	if claimedAt.Valid {
		t := fromMillis(claimedAt.Int64)
		job.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		job.CompletedAt = &t
	}
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	return job, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
