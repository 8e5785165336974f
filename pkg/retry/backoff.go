// Package retry provides exponential backoff with jitter.
//
//	err := retry.Do(ctx, retry.DefaultBackoffConfig(), func(ctx context.Context) error {
//		return lock.TryAcquire(ctx)
//	})
//
// Returning retry.Stop(err) from the callback ends the loop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// Delay returns the wait before the given attempt (attempt 1 is the first
// retry).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialInterval
	}
	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}
	d := time.Duration(interval)
	if c.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// Do calls fn until it succeeds, returns a StopError, the retries are
// exhausted, or ctx is done.
func Do(ctx context.Context, cfg BackoffConfig, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, errors.Join(ctx.Err(), lastErr))
				}
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var stop StopError
		if errors.As(err, &stop) {
			return stop.Err
		}
		lastErr = err
	}
	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}
