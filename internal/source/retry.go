package source

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy controls the retry schedule applied to source API requests.
//
// Transient failures (network errors, 5xx) consume one retry slot each and
// back off exponentially. Rate-limit responses follow the server's
// Retry-After hint instead and never consume a slot: the server is healthy
// and has told us exactly when to come back.
type Policy struct {
	// InitialDelay is the wait before the first retry; each subsequent
	// retry doubles it up to MaxDelay
	InitialDelay time.Duration

	// MaxDelay caps the per-retry wait
	MaxDelay time.Duration

	// MaxRetries is the number of retries after the initial attempt
	MaxRetries int

	// RateLimitMargin is added on top of the server's Retry-After hint so
	// the retried request lands safely inside the next quota window
	RateLimitMargin time.Duration

	// RateLimitFallback is the wait used when a rate-limit response carries
	// no usable Retry-After header
	RateLimitFallback time.Duration
}

// DefaultPolicy returns the production retry schedule: 2s, 4s, 8s, 16s, 32s.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:      2 * time.Second,
		MaxDelay:          32 * time.Second,
		MaxRetries:        5,
		RateLimitMargin:   500 * time.Millisecond,
		RateLimitFallback: 5 * time.Second,
	}
}

// backoff builds the delay source for one request's retry loop. The
// randomization factor is zero so the schedule is exactly the doubling
// sequence the policy describes.
func (p Policy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	return b
}

// retryAfter converts a Retry-After header value into the wait before the
// next attempt, adding the policy's safety margin. Missing or malformed
// hints use the fallback wait.
func (p Policy) retryAfter(hint string) time.Duration {
	secs, err := strconv.Atoi(hint)
	if err != nil || secs < 0 {
		return p.RateLimitFallback
	}
	return time.Duration(secs)*time.Second + p.RateLimitMargin
}

// sleep waits for d or until the context is cancelled
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
