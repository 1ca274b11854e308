package delivery

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts    = 3
	defaultBaseDelay      = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultAttemptTimeout = 5 * time.Second
	defaultAsyncTimeout   = time.Minute
)

// Policy bounds the retry loop for one logical delivery.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration // zero disables the cap
	AttemptTimeout time.Duration
}

// DefaultPolicy returns 3 attempts, 1s base delay, 30s cap, 5s per attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    defaultMaxAttempts,
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		AttemptTimeout: defaultAttemptTimeout,
	}
}

// Backoff returns the wait after the given 1-based failed attempt:
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
		if delay <= 0 {
			// overflow
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = defaultAttemptTimeout
	}
	return p
}

// Sleeper waits between attempts. Implementations return early with
// ctx.Err() when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleepFunc adapts a function to Sleeper.
type SleepFunc func(ctx context.Context, d time.Duration) error

func (f SleepFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// RealSleeper blocks on a timer.
var RealSleeper = SleepFunc(func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
})
