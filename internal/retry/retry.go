// Package retry re-runs transient backend failures with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

// Config controls retry behavior.
type Config struct {
	Enabled       bool
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool

	// RetryOnDeadlock retries MySQL deadlocks (1213) and lock wait timeouts (1205).
	RetryOnDeadlock bool

	// RetryPredicate marks additional errors as retryable.
	RetryPredicate func(error) bool
}

// DefaultConfig returns the retry policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxAttempts:     3,
		InitialDelay:    50 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		BackoffFactor:   2.0,
		JitterEnabled:   true,
		RetryOnDeadlock: true,
	}
}

// WithPredicate returns a copy of c that also retries errors matched by p.
func (c Config) WithPredicate(p func(error) bool) Config {
	prev := c.RetryPredicate
	c.RetryPredicate = func(err error) bool {
		return p(err) || (prev != nil && prev(err))
	}
	return c
}

// Backoff returns the delay before the given attempt (1-based).
func Backoff(attempt int, c Config) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.JitterEnabled {
		delay *= 0.8 + rand.Float64()*0.4
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// IsRetryable reports whether err is worth another attempt under c.
func IsRetryable(err error, c Config) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if c.RetryPredicate != nil && c.RetryPredicate(err) {
		return true
	}
	if !c.RetryOnDeadlock {
		return false
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock wait timeout") ||
		strings.Contains(msg, "database is locked")
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. The last error is returned.
func Do(ctx context.Context, c Config, fn func(ctx context.Context) error) error {
	if !c.Enabled || c.MaxAttempts <= 1 {
		return fn(ctx)
	}

	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err, c) || attempt == c.MaxAttempts {
			break
		}

		if delay := Backoff(attempt, c); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return lastErr
}
