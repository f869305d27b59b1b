package common

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// RetryPolicy bounds retries of transient and rate-limited failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Budget      time.Duration // cumulative cap across all attempts
}

// DefaultRetryPolicy makes at most 5 attempts within a 30 second budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Budget:      30 * time.Second,
	}
}

// WithRetry runs fn, retrying retryable failures with jittered exponential
// backoff. Non-retryable errors surface immediately.
func WithRetry(ctx context.Context, op string, p RetryPolicy, fn func() error) error {
	start := time.Now()
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, attempt, err)
		}
		if time.Since(start)+delay > p.Budget {
			return fmt.Errorf("%s: retry budget exhausted: %w", op, err)
		}

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		log.Printf("%s: attempt %d failed, retrying in %v: %v", op, attempt, jittered.Round(time.Millisecond), err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
