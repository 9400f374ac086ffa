// Package fetch implements the rate-limited, retrying fetch client on colly.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

// FetcherConfig controls collector behavior for single attempts.
type FetcherConfig struct {
	Timeout time.Duration
}

// Fetcher performs one HTTP GET per call using a Colly collector. It returns
// the response for any HTTP status; only transport-level failures are errors.
// Retry, backoff, and rate limiting live in Client.
type Fetcher struct {
	cfg           FetcherConfig
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// NewFetcher builds a Fetcher with a pooled transport.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	// Revisit protection is the cache layer's job; the client retries the
	// same URL across attempts and re-fetches it after cache expiry.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET.
func (f *Fetcher) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	var (
		result       pipeline.FetchResponse
		transportErr error
		gotResponse  bool
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Set(key, v)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		result = responseFrom(r, start)
		gotResponse = true
	})

	// Colly routes non-2xx statuses here with the response attached; those
	// are real responses for classification purposes, not transport errors.
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			result = responseFrom(r, start)
			gotResponse = true
			return
		}
		transportErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return pipeline.FetchResponse{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if gotResponse {
			return result, nil
		}
		if transportErr != nil {
			return pipeline.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, transportErr)
		}
		if err != nil {
			return pipeline.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
		}
		return pipeline.FetchResponse{}, fmt.Errorf("fetch %s: no response received", request.URL)
	}
}

func responseFrom(r *colly.Response, start time.Time) pipeline.FetchResponse {
	headers := http.Header{}
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	return pipeline.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
