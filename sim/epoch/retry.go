package epoch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bounds the exponential backoff used while waiting for counts.
type RetryConfig struct {
	// Attempts is the maximum number of pulls per epoch, including the first.
	Attempts int `yaml:"attempts"`
	// Initial is the wait before the second pull.
	Initial time.Duration `yaml:"initial"`
	// Max caps the wait between pulls.
	Max time.Duration `yaml:"max"`
	// Factor multiplies the wait after every failed pull.
	Factor float64 `yaml:"factor"`
}

// DefaultRetryConfig returns 5 attempts backing off from 20µs to 1ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 5,
		Initial:  20 * time.Microsecond,
		Max:      time.Millisecond,
		Factor:   2,
	}
}

// Validate checks the retry bounds.
func (c RetryConfig) Validate() error {
	if c.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", c.Attempts)
	}
	if c.Initial < 0 {
		return fmt.Errorf("retry.initial must be non-negative, got %v", c.Initial)
	}
	if c.Max < c.Initial {
		return fmt.Errorf("retry.max must be at least retry.initial, got %v < %v", c.Max, c.Initial)
	}
	if c.Factor < 1 {
		return fmt.Errorf("retry.factor must be at least 1, got %g", c.Factor)
	}
	return nil
}

// Budget is the worst-case time spent waiting between attempts.
func (c RetryConfig) Budget() time.Duration {
	var total time.Duration
	wait := c.Initial
	for i := 1; i < c.Attempts; i++ {
		total += wait
		wait = c.next(wait)
	}
	return total
}

func (c RetryConfig) next(wait time.Duration) time.Duration {
	wait = time.Duration(float64(wait) * c.Factor)
	if wait > c.Max {
		return c.Max
	}
	return wait
}

// backOff builds the library schedule for cfg. Waits are deterministic.
func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     c.Initial,
		RandomizationFactor: 0,
		Multiplier:          c.Factor,
		MaxInterval:         c.Max,
	}
}

// retry calls fn until it succeeds, returns an error other than ErrNotReady,
// or runs out of attempts. aborted is polled before every attempt.
func retry(ctx context.Context, cfg RetryConfig, aborted func() bool, fn func() error) (attempts int, err error) {
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if aborted() {
			return struct{}{}, backoff.Permanent(ErrAborted)
		}
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		attempts++
		err := fn()
		if err != nil && !errors.Is(err, ErrNotReady) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(cfg.backOff()), backoff.WithMaxTries(uint(cfg.Attempts)), backoff.WithMaxElapsedTime(0))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return attempts, err
}
