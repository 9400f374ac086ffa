package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single in-memory connection; a second one would see an empty db.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	policy := pipeline.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	store, err := NewWithDB(db, policy, clock)
	require.NoError(t, err)
	return store, clock
}

func testJob(id string, priority int, clock *fakeClock) pipeline.Job {
	return pipeline.Job{
		ID:          id,
		Kind:        pipeline.KindProductLookup,
		Payload:     json.RawMessage(`{"asin":"B08N5WRWNW","marketplace":"US"}`),
		Marketplace: "US",
		CacheKey:    "product-lookup:US:" + id,
		Priority:    priority,
		SubmittedAt: clock.Now(),
		ScheduledAt: clock.Now(),
	}
}

func TestEnqueueAndGetJob_RoundTrip(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)
	ctx := context.Background()

	job := testJob("j1", 7, clock)
	require.NoError(t, store.Enqueue(ctx, job))

	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusPending, got.Status)
	require.Equal(t, pipeline.KindProductLookup, got.Kind)
	require.Equal(t, 7, got.Priority)
	require.Equal(t, job.CacheKey, got.CacheKey)
	require.JSONEq(t, string(job.Payload), string(got.Payload))
	require.True(t, got.ScheduledAt.Equal(job.ScheduledAt))
	require.Nil(t, got.ClaimedAt)
	require.Nil(t, got.CompletedAt)

	_, err = store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestClaimNext_OrderingAndExclusivity(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testJob("low", 1, clock)))
	require.NoError(t, store.Enqueue(ctx, testJob("high", 10, clock)))
	require.NoError(t, store.Enqueue(ctx, testJob("mid", 5, clock)))

	var order []string
	for {
		job, err := store.ClaimNext(ctx, "w1")
		if err != nil {
			require.ErrorIs(t, err, pipeline.ErrNoJob)
			break
		}
		require.Equal(t, pipeline.JobStatusProcessing, job.Status)
		require.Equal(t, "w1", job.ClaimedBy)
		require.NotNil(t, job.ClaimedAt)
		order = append(order, job.ID)
	}
	require.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestClaimNext_ConcurrentClaimersNeverShareAJob(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)
	ctx := context.Background()

	const jobs = 30
	for i := 0; i < jobs; i++ {
		require.NoError(t, store.Enqueue(ctx, testJob(fmt.Sprintf("job-%03d", i), i%5, clock)))
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	dup := false
	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job, err := store.ClaimNext(ctx, fmt.Sprintf("w%d", worker))
				if err != nil {
					return
				}
				mu.Lock()
				if seen[job.ID] {
					dup = true
				}
				seen[job.ID] = true
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	require.False(t, dup, "a job was claimed twice")
	require.Len(t, seen, jobs)
}

func TestCompleteLifecycle(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)
	ctx := context.Background()
	result := json.RawMessage(`{"status_code":200,"content_hash":"abc"}`)

	require.NoError(t, store.Enqueue(ctx, testJob("j1", 5, clock)))
	require.ErrorIs(t, store.Complete(ctx, "j1", result), pipeline.ErrNotFound)

	_, err := store.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "j1", result))

	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCompleted, job.Status)
	require.JSONEq(t, string(result), string(job.Result))
	require.NotNil(t, job.CompletedAt)
	require.Empty(t, job.ClaimedBy)
}

func TestFail_RetryThenExhaustion(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testJob("j1", 5, clock)))

	attempts := 0
	for {
		clock.Advance(5 * time.Minute)
		_, err := store.ClaimNext(ctx, "w1")
		if err != nil {
			require.ErrorIs(t, err, pipeline.ErrNoJob)
			break
		}
		attempts++
		require.NoError(t, store.Fail(ctx, "j1", pipeline.Failure{Reason: "503 upstream", Retryable: true}))
	}
	require.Equal(t, 4, attempts, "initial attempt plus the full retry budget")

	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusFailed, job.Status)
	require.Equal(t, 3, job.RetryCount)
	require.Equal(t, "503 upstream", job.LastError)
}

func TestFail_PermanentSkipsRetry(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testJob("j1", 5, clock)))
	_, err := store.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, "j1", pipeline.Failure{Reason: "404 not found", Retryable: false}))

	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusFailed, job.Status)
	require.Equal(t, 0, job.RetryCount)
}

func TestRequeueStale(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testJob("stuck", 5, clock)))
	_, err := store.ClaimNext(ctx, "crashed")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, store.Enqueue(ctx, testJob("fresh", 5, clock)))
	_, err = store.ClaimNext(ctx, "live")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	n, err := store.RequeueStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := store.GetJob(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusPending, job.Status)
	require.Equal(t, 1, job.RetryCount)
	require.Nil(t, job.ClaimedAt)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)
	ctx := context.Background()

	_, err := store.CancelJob(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	require.NoError(t, store.Enqueue(ctx, testJob("j1", 5, clock)))
	cancelled, err := store.CancelJob(ctx, "j1")
	require.NoError(t, err)
	require.True(t, cancelled)

	cancelled, err = store.CancelJob(ctx, "j1")
	require.NoError(t, err)
	require.False(t, cancelled, "terminal job must refuse cancellation")

	require.ErrorIs(t, store.Complete(ctx, "j1", json.RawMessage(`{}`)), pipeline.ErrNotFound)
}

func TestFindActive_PrefersOldestSubmission(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)
	ctx := context.Background()

	job := testJob("j1", 5, clock)
	job.CacheKey = "shared-key"
	require.NoError(t, store.Enqueue(ctx, job))

	found, err := store.FindActive(ctx, "shared-key")
	require.NoError(t, err)
	require.Equal(t, "j1", found.ID)

	_, err = store.FindActive(ctx, "other-key")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestCache_TTLRoundTrip(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)
	ctx := context.Background()
	value := json.RawMessage(`{"status_code":200}`)

	_, hit, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, hit)

	require.NoError(t, store.Put(ctx, "k1", value, time.Hour))
	got, hit, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, hit)
	require.JSONEq(t, string(value), string(got))

	clock.Advance(2 * time.Hour)
	_, hit, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, hit, "expired entry must miss and be deleted")

	// The delete-on-read happened; a sweep finds nothing left.
	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCache_Sweep(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "short", json.RawMessage(`{}`), time.Minute))
	require.NoError(t, store.Put(ctx, "long", json.RawMessage(`{}`), time.Hour))

	clock.Advance(30 * time.Minute)
	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, hit, err := store.Get(ctx, "long")
	require.NoError(t, err)
	require.True(t, hit)
}
