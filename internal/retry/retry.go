// ============================================================================
// Scene-Forge Resilient Fetch
// ============================================================================
//
// Package: internal/retry
// File: retry.go
// Purpose: Wraps a single remote call with a fixed retry budget.
//
// Behavior:
//   - Invoke op once.
//   - On failure, if retries remain, wait Delay and try again.
//   - Delay stays constant between attempts (no backoff growth).
//   - On final failure the last error is returned unchanged.
//
//   Defaults: 3 retries, 1s apart → at most 4 attempts.
//
// ============================================================================

package retry

import (
	"context"
	"time"
)

const (
	DefaultRetries = 3
	DefaultDelay   = 1000 * time.Millisecond
)

// Policy describes the retry budget of a call.
type Policy struct {
	Retries int           // Retries after the first attempt
	Delay   time.Duration // Fixed wait between attempts
}

// DefaultPolicy returns the 3 × 1s policy used for status polls and metadata fetches.
func DefaultPolicy() Policy {
	return Policy{Retries: DefaultRetries, Delay: DefaultDelay}
}

// Attempts returns the maximum number of invocations under this policy.
func (p Policy) Attempts() int {
	if p.Retries < 0 {
		return 1
	}
	return p.Retries + 1
}

// Do runs op under policy p.
//
// Context cancellation during a wait stops the loop and returns ctx.Err().
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	retries := p.Retries
	for {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if retries <= 0 {
			return v, err
		}
		retries--

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
