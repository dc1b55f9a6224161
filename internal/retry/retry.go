// Package retry consolidates the retry/backoff behaviour shared by the
// planner and the executor.
package retry

import (
	"context"
	"time"
)

// Policy describes a bounded retry schedule. Delays[i] is the pause
// after attempt i+1 fails; when attempts outnumber delays the last
// delay repeats.
type Policy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// PlannerPolicy is the schedule for transient LLM failures.
func PlannerPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Delays:      []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second},
	}
}

// ExecutorPolicy is the schedule for retryable execution failures.
func ExecutorPolicy(maxAttempts int) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return Policy{
		MaxAttempts: maxAttempts,
		Delays:      []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second},
	}
}

// Delay returns the pause to take after the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return p.Delays[idx]
}

// Do runs op up to p.MaxAttempts times, pausing per the schedule
// between attempts. retryable decides whether a failure is worth
// another attempt; a nil retryable retries everything. Returns the
// last error when all attempts fail. Honours ctx during pauses.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return lastErr
}
