package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memoryarchive "github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/archive/memory"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
	memorypublisher "github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/publisher/memory"
	memorystore "github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/store/memory"
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

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	resp  pipeline.FetchResponse
	err   error
}

func (f *stubFetcher) Fetch(_ context.Context, _ pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return pipeline.FetchResponse{}, f.err
	}
	return f.resp, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubBuilder struct{}

func (stubBuilder) Build(job pipeline.Job) (pipeline.FetchRequest, error) {
	return pipeline.FetchRequest{Target: "www.amazon.com", URL: "https://www.amazon.com/s?k=cookbook"}, nil
}

type harness struct {
	store     *memorystore.Store
	clock     *fakeClock
	fetcher   *stubFetcher
	archive   *memoryarchive.BlobStore
	publisher *memorypublisher.Publisher
	worker    *Worker
}

func newHarness(fetcher *stubFetcher) *harness {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	policy := pipeline.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	store := memorystore.New(policy, clock)
	archive := memoryarchive.NewBlobStore()
	publisher := memorypublisher.New()
	w := New("w1", store, fetcher, stubBuilder{}, archive, publisher, clock, Config{
		PollInterval: 10 * time.Millisecond,
		Topic:        "extraction-events",
		DefaultTTL:   time.Hour,
	}, nil)
	return &harness{store: store, clock: clock, fetcher: fetcher, archive: archive, publisher: publisher, worker: w}
}

func enqueueAndClaim(t *testing.T, h *harness, id string) pipeline.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.Enqueue(ctx, pipeline.Job{
		ID:          id,
		Kind:        pipeline.KindKeywordLookup,
		Payload:     json.RawMessage(`{"query":"cookbook","marketplace":"US"}`),
		Marketplace: "US",
		CacheKey:    "keyword-lookup:US:" + id,
		Priority:    5,
	}))
	job, err := h.store.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	return job
}

func TestProcessJob_SuccessFlow(t *testing.T) {
	t.Parallel()

	body := []byte("<html>results</html>")
	h := newHarness(&stubFetcher{resp: pipeline.FetchResponse{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       body,
		Duration:   25 * time.Millisecond,
	}})
	ctx := context.Background()
	job := enqueueAndClaim(t, h, "j1")

	h.worker.processJob(ctx, job)

	done, err := h.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCompleted, done.Status)

	var envelope pipeline.ResultEnvelope
	require.NoError(t, json.Unmarshal(done.Result, &envelope))
	sum := sha256.Sum256(body)
	require.Equal(t, hex.EncodeToString(sum[:]), envelope.ContentHash)
	require.Equal(t, http.StatusOK, envelope.StatusCode)
	require.Equal(t, "text/html; charset=utf-8", envelope.ContentType)
	require.Equal(t, int64(25), envelope.DurationMs)
	require.NotEmpty(t, envelope.ArtifactURI)

	// Raw body archived, envelope memoized for the cache key.
	stored, ok := h.archive.Object("j1/" + envelope.ContentHash + ".html")
	require.True(t, ok)
	require.Equal(t, body, stored)

	cached, hit, err := h.store.Get(ctx, job.CacheKey)
	require.NoError(t, err)
	require.True(t, hit)
	require.JSONEq(t, string(done.Result), string(cached))

	messages := h.publisher.Messages()
	require.Len(t, messages, 1)
	event, ok := messages[0].Payload.(pipeline.Event)
	require.True(t, ok)
	require.Equal(t, "j1", event.JobID)
	require.Equal(t, pipeline.JobStatusCompleted, event.Status)
}

func TestProcessJob_CacheHitSkipsFetch(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{err: errors.New("must not be called")}
	h := newHarness(fetcher)
	ctx := context.Background()

	cached := json.RawMessage(`{"status_code":200,"content_hash":"deadbeef"}`)
	require.NoError(t, h.store.Put(ctx, "keyword-lookup:US:j1", cached, time.Hour))

	job := enqueueAndClaim(t, h, "j1")
	h.worker.processJob(ctx, job)

	require.Zero(t, fetcher.callCount(), "cache hit must not reach the network")

	done, err := h.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCompleted, done.Status)
	require.JSONEq(t, string(cached), string(done.Result))
}

func TestProcessJob_TransientFailureReschedules(t *testing.T) {
	t.Parallel()

	h := newHarness(&stubFetcher{err: pipeline.NewTransientFetchError(503, errors.New("upstream down"))})
	ctx := context.Background()
	job := enqueueAndClaim(t, h, "j1")

	h.worker.processJob(ctx, job)

	updated, err := h.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusPending, updated.Status)
	require.Equal(t, 1, updated.RetryCount)
	require.Contains(t, updated.LastError, "503")

	require.Empty(t, h.publisher.Messages(), "rescheduled jobs are not terminal")
}

func TestProcessJob_PermanentFailureFails(t *testing.T) {
	t.Parallel()

	h := newHarness(&stubFetcher{err: pipeline.NewPermanentFetchError(404, errors.New("no such page"))})
	ctx := context.Background()
	job := enqueueAndClaim(t, h, "j1")

	h.worker.processJob(ctx, job)

	updated, err := h.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusFailed, updated.Status)
	require.Zero(t, updated.RetryCount)

	messages := h.publisher.Messages()
	require.Len(t, messages, 1)
	event := messages[0].Payload.(pipeline.Event)
	require.Equal(t, pipeline.JobStatusFailed, event.Status)
	require.NotEmpty(t, event.Error)
}

func TestProcessJob_CancelledJobResultDiscarded(t *testing.T) {
	t.Parallel()

	h := newHarness(&stubFetcher{resp: pipeline.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte("late"),
	}})
	ctx := context.Background()
	job := enqueueAndClaim(t, h, "j1")

	cancelled, err := h.store.CancelJob(ctx, "j1")
	require.NoError(t, err)
	require.True(t, cancelled)

	h.worker.processJob(ctx, job)

	updated, err := h.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCancelled, updated.Status)
	require.Nil(t, updated.Result)
	require.Empty(t, h.publisher.Messages())
}

func TestWorkerRun_DrainsQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(&stubFetcher{resp: pipeline.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte("<html>ok</html>"),
	}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.store.Enqueue(ctx, pipeline.Job{
		ID:       "j1",
		Kind:     pipeline.KindKeywordLookup,
		Payload:  json.RawMessage(`{"query":"cookbook","marketplace":"US"}`),
		CacheKey: "keyword-lookup:US:j1",
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.worker.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), "j1")
		return err == nil && job.Status == pipeline.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestPool_JanitorReclaimsStaleAndSweepsCache(t *testing.T) {
	t.Parallel()

	h := newHarness(&stubFetcher{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = enqueueAndClaim(t, h, "stuck")
	require.NoError(t, h.store.Put(ctx, "old-entry", json.RawMessage(`{}`), time.Minute))

	h.clock.Advance(10 * time.Minute)

	pool := NewPool(nil, h.store, PoolConfig{
		StaleTimeout:    5 * time.Minute,
		ReclaimInterval: 20 * time.Millisecond,
		SweepInterval:   20 * time.Millisecond,
	}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), "stuck")
		if err != nil || job.Status != pipeline.JobStatusPending {
			return false
		}
		_, hit, err := h.store.Get(context.Background(), "old-entry")
		return err == nil && !hit
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
