// Package retry provides exponential backoff and circuit breaker
// patterns for resilient network operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error to signal that retrying will not help.
// Return [Permanent](err) from the operation function to stop retrying
// immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.  The backoff loop will return
// the inner error immediately without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff implements exponential backoff with optional jitter.
type Backoff struct {
	// InitialDelay is the delay before the first retry (default 500ms).
	InitialDelay time.Duration
	// MaxDelay caps the backoff duration (default 30s).
	MaxDelay time.Duration
	// Multiplier increases the delay each attempt (default 2.0).
	Multiplier float64
	// MaxAttempts is the total number of tries including the first.
	// Set to 0 for unlimited retries (until context cancelled).
	MaxAttempts int
	// Jitter adds ±20% randomisation so links to the same host do not
	// reconnect in lockstep.
	Jitter bool
}

// DefaultBackoff returns the schedule used by destination links:
// 500ms doubling to a 30s ceiling, unlimited attempts.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (b *Backoff) initial() time.Duration {
	if b.InitialDelay <= 0 {
		return 500 * time.Millisecond
	}
	return b.InitialDelay
}

func (b *Backoff) max() time.Duration {
	if b.MaxDelay <= 0 {
		return 30 * time.Second
	}
	return b.MaxDelay
}

func (b *Backoff) multiplier() float64 {
	if b.Multiplier <= 1 {
		return 2.0
	}
	return b.Multiplier
}

// Do executes fn repeatedly until it succeeds, returns a permanent
// error, or the retry budget (attempts / context) is exhausted.
//
// The attempt parameter passed to fn is 1-based.  On success fn should
// return nil.  To abort retrying, wrap the error with [Permanent].
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	s := b.Schedule()

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}

		// Permanent errors are never retried.
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}

		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("max retries (%d) exceeded: %w", b.MaxAttempts, err)
		}

		if !Sleep(ctx, s.Next()) {
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}
}

// Schedule returns a fresh stateful delay sequence for this policy.
func (b *Backoff) Schedule() *Schedule {
	return &Schedule{policy: *b}
}

// ── Schedule ─────────────────────────────────────────────────────────

// Schedule yields successive backoff delays for a single retrying
// owner.  It is not safe for concurrent use; each reconnect loop owns
// its own Schedule.
type Schedule struct {
	policy   Backoff
	current  time.Duration
	attempts int
}

// Next returns the delay before the next attempt and advances the
// schedule.  The first call returns the initial delay.
func (s *Schedule) Next() time.Duration {
	if s.current <= 0 {
		s.current = s.policy.initial()
	} else {
		s.current = time.Duration(float64(s.current) * s.policy.multiplier())
		if max := s.policy.max(); s.current > max {
			s.current = max
		}
	}
	s.attempts++

	if s.policy.Jitter {
		return addJitter(s.current)
	}
	return s.current
}

// Reset returns the schedule to its initial delay.
func (s *Schedule) Reset() {
	s.current = 0
	s.attempts = 0
}

// Attempts returns how many delays have been handed out since the last
// Reset.
func (s *Schedule) Attempts() int { return s.attempts }

// ── helpers ──────────────────────────────────────────────────────────

// Sleep waits for d or until ctx is cancelled.  It reports whether the
// full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// addJitter adds ±20% randomisation to a duration.
func addJitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	delta := (rand.Float64() * 2 * spread) - spread
	result := float64(d) + delta
	return time.Duration(math.Max(result, float64(time.Millisecond)))
}
