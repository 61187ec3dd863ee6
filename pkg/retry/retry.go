// Package retry runs external calls with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xhad/reliabledb/pkg/failure"
)

// Config configures retry behavior. MaxAttempts includes the first call.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	// Jitter is the backoff randomization factor, 0 disables it.
	Jitter float64 `yaml:"jitter"`

	IsRetryable func(error) bool                                 `yaml:"-"`
	OnRetry     func(attempt int, err error, wait time.Duration) `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.IsRetryable == nil {
		c.IsRetryable = failure.Retryable
	}
	return c
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget runs out. The last error is returned unchanged so callers
// can still classify it. A cancelled context stops the loop between
// attempts.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialDelay
	eb.MaxInterval = cfg.MaxDelay
	eb.Multiplier = cfg.Multiplier
	eb.RandomizationFactor = cfg.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.MaxAttempts-1)), ctx)

	attempt := 0
	var last error
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !cfg.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
	}

	err := backoff.RetryNotify(op, b, notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		if last != nil {
			return failure.New(failure.KindCancelled, "cancelled", last)
		}
		return failure.New(failure.KindCancelled, "cancelled", ctx.Err())
	}
	return err
}
