package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records relay metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSessionTransition counts a session entering status.
	RecordSessionTransition(ctx context.Context, status string)

	// RecordDeliveryAttempt counts one outbound attempt; kind is empty on success.
	RecordDeliveryAttempt(ctx context.Context, kind string)

	// RecordDelivery records a settled delivery.
	RecordDelivery(ctx context.Context, success bool, attempts int, duration time.Duration)

	// RecordSweep records one expiry sweep.
	RecordSweep(ctx context.Context, expired, purged int64)
}

type otelMetrics struct {
	transitions      metric.Int64Counter
	attempts         metric.Int64Counter
	deliveries       metric.Int64Counter
	deliveryLatency  metric.Float64Histogram
	deliveryAttempts metric.Int64Histogram
	swept            metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("conversion-relay")

	transitions, err := meter.Int64Counter("relay.session.transitions",
		metric.WithDescription("Session state transitions by resulting status"),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Counter("relay.delivery.attempts",
		metric.WithDescription("Outbound delivery attempts by failure kind"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("relay.delivery.settled",
		metric.WithDescription("Settled deliveries by outcome"),
	)
	if err != nil {
		return nil, err
	}

	deliveryLatency, err := meter.Float64Histogram("relay.delivery.latency_ms",
		metric.WithDescription("Delivery latency including backoff in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	deliveryAttempts, err := meter.Int64Histogram("relay.delivery.attempts_per_event",
		metric.WithDescription("Attempts needed to settle one delivery"),
	)
	if err != nil {
		return nil, err
	}

	swept, err := meter.Int64Counter("relay.reaper.sessions",
		metric.WithDescription("Sessions expired or purged by the reaper"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		transitions:      transitions,
		attempts:         attempts,
		deliveries:       deliveries,
		deliveryLatency:  deliveryLatency,
		deliveryAttempts: deliveryAttempts,
		swept:            swept,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel
// meter provider, or a no-op recorder if instrument creation fails.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordSessionTransition(ctx context.Context, status string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *otelMetrics) RecordDeliveryAttempt(ctx context.Context, kind string) {
	outcome := "success"
	if kind != "" {
		outcome = kind
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, success bool, attempts int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.deliveries.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.deliveryAttempts.Record(ctx, int64(attempts), attrs)
}

func (m *otelMetrics) RecordSweep(ctx context.Context, expired, purged int64) {
	m.swept.Add(ctx, expired, metric.WithAttributes(attribute.String("action", "expired")))
	m.swept.Add(ctx, purged, metric.WithAttributes(attribute.String("action", "purged")))
}

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordSessionTransition(context.Context, string)          {}
func (NoopMetrics) RecordDeliveryAttempt(context.Context, string)            {}
func (NoopMetrics) RecordDelivery(context.Context, bool, int, time.Duration) {}
func (NoopMetrics) RecordSweep(context.Context, int64, int64)                {}
