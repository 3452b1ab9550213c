// Package backoff provides exponential backoff with jitter for retrying
// transient failures of external calls (vendor batch APIs, the SPARQL
// endpoint).
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top of
	// the base delay.
	Jitter float64
}

// DefaultPolicy suits polite retries against rate-limited HTTP APIs.
// Initial: 500ms, Max: 30s, Factor: 2, Jitter: 20%.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay calculates the backoff duration for a 1-indexed attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

// delayWithRand computes the delay using a caller-provided random value in
// [0.0, 1.0), which keeps tests deterministic.
func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	return time.Duration(math.Min(float64(p.Max), total))
}

// Sleep waits out the delay for the given attempt, honoring context
// cancellation. Returns ctx.Err() when cancelled mid-sleep.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping per the policy between
// attempts. retryable decides whether a failure is worth another attempt;
// a nil retryable retries every error. Returns the last error when all
// attempts fail.
func Retry[T any](ctx context.Context, p Policy, maxAttempts int, retryable func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt < maxAttempts {
			if err := p.Sleep(ctx, attempt); err != nil {
				return zero, err
			}
		}
	}
	return zero, lastErr
}
