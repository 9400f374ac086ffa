package pipeline

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy governs how the queue reschedules retryable job failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   5 * time.Minute,
	}
}

// Exhausted reports whether a job with the given retry count has used up
// its retry budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// NextDelay returns the backoff before the next attempt after retryCount
// prior retries: base * 2^retryCount, jittered by +-20%, capped at MaxDelay.
func (p RetryPolicy) NextDelay(retryCount int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	delay := float64(base) * math.Pow(2, float64(retryCount))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	span := time.Duration(delay * 0.4)
	jitter := randomJitter(span)
	return time.Duration(delay*0.8) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
