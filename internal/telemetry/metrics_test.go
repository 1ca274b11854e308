package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRecorder(t *testing.T) {
	m := NewMetricsRecorder()
	require.NotNil(t, m)
	assert.Same(t, NewMetricsRecorder(), m)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordSessionTransition(ctx, "pending")
		m.RecordDeliveryAttempt(ctx, "")
		m.RecordDeliveryAttempt(ctx, "RateLimit")
		m.RecordDelivery(ctx, true, 3, 3*time.Second)
		m.RecordSweep(ctx, 2, 1)
	})
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	assert.NotPanics(t, func() {
		m.RecordDelivery(context.Background(), false, 1, 0)
	})
}

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer("relay", "test", false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.NotNil(t, Tracer())
}
