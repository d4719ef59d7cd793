// Package retry wraps backend calls with exponential backoff and a
// circuit breaker. Transient failures are retried until MaxElapsedTime;
// repeated failures open the breaker so a dead backend fails fast instead
// of stalling the whole run.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/weftlabs/weft/internal/debug"
)

// ErrBreakerOpen is returned when the circuit breaker is rejecting calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Config bounds the retry and breaker behavior for one backend.
type Config struct {
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	MaxElapsedTime   time.Duration
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = 2 * time.Minute
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Executor retries one backend's calls. Errors that do not implement
// Retryable are permanent and fail on the first attempt.
type Executor struct {
	name    string
	cfg     Config
	breaker *gobreaker.CircuitBreaker
}

// NewExecutor creates an executor for a backend. The breaker opens after
// BreakerThreshold consecutive failed calls (a call counts as failed only
// after its retries are exhausted) and allows a single trial call after
// BreakerCooldown.
func NewExecutor(name string, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not backend health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			debug.Logf("breaker %s: %s -> %s", name, from, to)
		},
	})
	return &Executor{name: name, cfg: cfg, breaker: cb}
}

// Do runs fn under the breaker, retrying transient failures with
// exponential backoff. op names the call for logging only.
func (e *Executor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.withRetry(ctx, op, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s %s: %w", e.name, op, ErrBreakerOpen)
	}
	return err
}

// DoValue is Do for calls that return a value.
func DoValue[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (e *Executor) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	hint := new(time.Duration)
	bo := backoff.WithContext(&hintBackoff{base: e.newBackoff(), max: e.cfg.MaxInterval, hint: hint}, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if d, ok := retryAfterHint(err); ok {
			*hint = d
			debug.Logf("retry: %s %s attempt %d rate limited, retry after %s", e.name, op, attempt, d)
			return err
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		debug.Logf("retry: %s %s attempt %d: %v", e.name, op, attempt, err)
		return err
	}, bo)
}

func (e *Executor) newBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialInterval
	bo.MaxInterval = e.cfg.MaxInterval
	bo.MaxElapsedTime = e.cfg.MaxElapsedTime
	return bo
}

// hintBackoff substitutes a server-provided retry-after interval for the
// next computed one. The hint is consumed once and capped at max; the
// base backoff still decides when the elapsed budget is exhausted.
type hintBackoff struct {
	base backoff.BackOff
	max  time.Duration
	hint *time.Duration
}

func (b *hintBackoff) NextBackOff() time.Duration {
	next := b.base.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if h := *b.hint; h > 0 {
		*b.hint = 0
		if h > b.max {
			h = b.max
		}
		return h
	}
	return next
}

func (b *hintBackoff) Reset() { b.base.Reset() }

func isRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

func retryAfterHint(err error) (time.Duration, bool) {
	var ra interface{ RetryAfterDuration() time.Duration }
	if errors.As(err, &ra) {
		if d := ra.RetryAfterDuration(); d > 0 {
			return d, true
		}
	}
	return 0, false
}
