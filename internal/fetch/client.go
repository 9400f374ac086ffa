package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/metrics"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

// ClientConfig controls retry and identity-rotation behavior.
type ClientConfig struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	UserAgents     []string
}

// Client wraps a single-attempt Fetcher with rate limiting, retry with
// exponential backoff on transient failures, Retry-After handling on 429,
// and user-agent rotation per attempt.
type Client struct {
	fetcher pipeline.Fetcher
	limiter pipeline.RateLimiter
	cfg     ClientConfig
	logger  *zap.Logger
	rotor   atomic.Uint64
}

// NewClient constructs a Client.
func NewClient(fetcher pipeline.Fetcher, limiter pipeline.RateLimiter, cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		fetcher: fetcher,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Fetch performs up to MaxAttempts network attempts for the request. Every
// attempt, including retries, acquires rate-limit capacity first.
func (c *Client) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt, lastErr)); err != nil {
				return pipeline.FetchResponse{}, err
			}
		}
		if err := c.limiter.Acquire(ctx, request.Target); err != nil {
			return pipeline.FetchResponse{}, err
		}

		start := time.Now()
		resp, err := c.fetcher.Fetch(ctx, c.withIdentity(request))
		if err != nil {
			if ctx.Err() != nil {
				return pipeline.FetchResponse{}, fmt.Errorf("fetch aborted: %w", ctx.Err())
			}
			metrics.ObserveFetchAttempt(request.Target, "error", time.Since(start))
			lastErr = pipeline.NewTransientFetchError(0, err)
			c.logger.Warn("fetch attempt failed",
				zap.String("target", request.Target),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			metrics.ObserveFetchAttempt(request.Target, "success", resp.Duration)
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			metrics.ObserveFetchAttempt(request.Target, "throttled", resp.Duration)
			lastErr = &retryAfterError{
				FetchError: *pipeline.NewTransientFetchError(resp.StatusCode,
					fmt.Errorf("server responded %d", resp.StatusCode)),
				retryAfter: parseRetryAfter(resp.Headers),
			}
			c.logger.Warn("fetch attempt throttled or failed upstream",
				zap.String("target", request.Target),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
		default:
			metrics.ObserveFetchAttempt(request.Target, "rejected", resp.Duration)
			return pipeline.FetchResponse{}, pipeline.NewPermanentFetchError(resp.StatusCode,
				fmt.Errorf("server responded %d", resp.StatusCode))
		}
	}
	return pipeline.FetchResponse{}, fmt.Errorf("fetch failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// withIdentity rotates the presentation identity across attempts.
func (c *Client) withIdentity(request pipeline.FetchRequest) pipeline.FetchRequest {
	if len(c.cfg.UserAgents) == 0 {
		return request
	}
	headers := http.Header{}
	for key, values := range request.Headers {
		headers[key] = append([]string(nil), values...)
	}
	idx := c.rotor.Add(1) % uint64(len(c.cfg.UserAgents))
	headers.Set("User-Agent", c.cfg.UserAgents[idx])
	request.Headers = headers
	return request
}

func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	delay := c.cfg.BackoffInitial << (attempt - 1)
	if delay > c.cfg.BackoffMax {
		delay = c.cfg.BackoffMax
	}
	var ra *retryAfterError
	if errors.As(lastErr, &ra) && ra.retryAfter > delay {
		delay = ra.retryAfter
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

type retryAfterError struct {
	pipeline.FetchError
	retryAfter time.Duration
}

func (e *retryAfterError) Unwrap() error {
	return &e.FetchError
}

// parseRetryAfter honors both delta-seconds and HTTP-date forms.
func parseRetryAfter(headers http.Header) time.Duration {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if until := time.Until(at); until > 0 {
			return until
		}
	}
	return 0
}
