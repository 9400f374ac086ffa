package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/id/uuid"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/payload"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/service"
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

func newTestServer(t *testing.T, auth AuthConfig) (*httptest.Server, *memorystore.Store) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	store := memorystore.New(pipeline.DefaultRetryPolicy(), clock)
	validator, err := payload.NewValidator()
	require.NoError(t, err)
	svc := service.New(store, validator, clock, uuid.New(), nil)
	server := httptest.NewServer(NewServer(svc, store, auth, nil).Handler())
	t.Cleanup(server.Close)
	return server, store
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRequestIDIsLoggedAndReturned(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	store := memorystore.New(pipeline.DefaultRetryPolicy(), clock)
	validator, err := payload.NewValidator()
	require.NoError(t, err)
	svc := service.New(store, validator, clock, uuid.New(), nil)
	server := httptest.NewServer(NewServer(svc, store, AuthConfig{}, zap.New(core)).Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	reqID := resp.Header.Get("X-Request-ID")
	require.NotEmpty(t, reqID)

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, reqID, fields["request_id"])
	require.Equal(t, "/healthz", fields["path"])
}

func TestSubmitJobEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, AuthConfig{})

	resp := postJSON(t, server.URL+"/v1/jobs",
		`{"kind":"keyword-lookup","payload":{"query":"cookbook","marketplace":"US"},"priority":5}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	require.NotEmpty(t, body["job_id"])
	require.Equal(t, "pending", body["status"])
	require.Equal(t, false, body["deduplicated"])

	// The same submission again is deduplicated onto the same job.
	resp = postJSON(t, server.URL+"/v1/jobs",
		`{"kind":"keyword-lookup","payload":{"query":"cookbook","marketplace":"US"},"priority":5}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	again := decodeBody(t, resp)
	require.Equal(t, body["job_id"], again["job_id"])
	require.Equal(t, true, again["deduplicated"])
}

func TestSubmitJobEndpoint_Rejections(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, AuthConfig{})

	resp := postJSON(t, server.URL+"/v1/jobs", `{{not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, server.URL+"/v1/jobs",
		`{"kind":"keyword-lookup","payload":{"marketplace":"US"},"priority":5}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Contains(t, body["error"], "invalid payload")

	resp = postJSON(t, server.URL+"/v1/jobs",
		`{"kind":"sales-rank","payload":{},"priority":5}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestGetJobEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, AuthConfig{})

	resp := postJSON(t, server.URL+"/v1/jobs",
		`{"kind":"product-lookup","payload":{"asin":"B08N5WRWNW","marketplace":"UK"},"priority":3}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := decodeBody(t, resp)["job_id"].(string)

	getResp, err := http.Get(server.URL + "/v1/jobs/" + jobID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	job := decodeBody(t, getResp)
	require.Equal(t, jobID, job["id"])
	require.Equal(t, "product-lookup", job["kind"])
	require.Equal(t, "pending", job["status"])

	missing, err := http.Get(server.URL + "/v1/jobs/nope")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
	missing.Body.Close()
}

func TestCancelJobEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, AuthConfig{})

	resp := postJSON(t, server.URL+"/v1/jobs",
		`{"kind":"keyword-lookup","payload":{"query":"cookbook","marketplace":"US"},"priority":5}`)
	jobID := decodeBody(t, resp)["job_id"].(string)

	cancelResp := postJSON(t, server.URL+"/v1/jobs/"+jobID+"/cancel", ``)
	require.Equal(t, http.StatusOK, cancelResp.StatusCode)
	body := decodeBody(t, cancelResp)
	require.Equal(t, "cancelled", body["status"])

	// Cancelling again conflicts: the job is already terminal.
	cancelResp = postJSON(t, server.URL+"/v1/jobs/"+jobID+"/cancel", ``)
	require.Equal(t, http.StatusConflict, cancelResp.StatusCode)
	cancelResp.Body.Close()

	missing := postJSON(t, server.URL+"/v1/jobs/nope/cancel", ``)
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
	missing.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, AuthConfig{})

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, AuthConfig{})

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAPIKeyGuardsJobRoutes(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, AuthConfig{Enabled: true, APIKey: "secret"})

	resp := postJSON(t, server.URL+"/v1/jobs",
		`{"kind":"keyword-lookup","payload":{"query":"cookbook","marketplace":"US"}}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/jobs",
		bytes.NewBufferString(`{"kind":"keyword-lookup","payload":{"query":"cookbook","marketplace":"US"}}`))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, authed.StatusCode)
	authed.Body.Close()

	// Probes stay open without a key.
	health, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, health.StatusCode)
	health.Body.Close()
}
