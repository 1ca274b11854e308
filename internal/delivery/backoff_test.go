package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Backoff(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 6, want: 30 * time.Second},
		{attempt: 80, want: 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicy_BackoffUncapped(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond}
	assert.Equal(t, 800*time.Millisecond, p.Backoff(4))
}

func TestPolicy_WithDefaults(t *testing.T) {
	p := Policy{MaxDelay: time.Minute}.withDefaults()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.Equal(t, 5*time.Second, p.AttemptTimeout)
}

func TestRealSleeper_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, RealSleeper.Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, RealSleeper.Sleep(context.Background(), time.Millisecond))
}
