// Package delivery sends merged records downstream with bounded retries.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/conversion-relay/internal/classify"
	"github.com/tjfontaine/conversion-relay/internal/core/domain"
	"github.com/tjfontaine/conversion-relay/internal/core/ports"
	"github.com/tjfontaine/conversion-relay/internal/telemetry"
)

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithPolicy overrides the retry policy. Zero fields keep their defaults.
func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) {
		d.policy = p.withDefaults()
	}
}

// WithSleeper replaces the wait between attempts.
func WithSleeper(s Sleeper) Option {
	return func(d *Dispatcher) {
		d.sleeper = s
	}
}

// WithClassifier replaces the error classifier.
func WithClassifier(c classify.Classifier) Option {
	return func(d *Dispatcher) {
		d.classifier = c
	}
}

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.MetricsRecorder) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithAsyncTimeout bounds each DeliverAsync call, including backoff.
func WithAsyncTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.asyncTimeout = timeout
		}
	}
}

// Dispatcher delivers merged records through a Transport.
type Dispatcher struct {
	transport    Transport
	policy       Policy
	sleeper      Sleeper
	classifier   classify.Classifier
	logger       *slog.Logger
	metrics      telemetry.MetricsRecorder
	tracer       trace.Tracer
	asyncTimeout time.Duration

	// base is the parent of every detached delivery; Wait cancels it when
	// its own context expires.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ports.Deliverer = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher around transport.
func NewDispatcher(transport Transport, opts ...Option) *Dispatcher {
	base, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		transport:    transport,
		policy:       DefaultPolicy(),
		sleeper:      RealSleeper,
		classifier:   classify.New(),
		logger:       slog.Default(),
		metrics:      telemetry.NoopMetrics{},
		tracer:       telemetry.Tracer(),
		asyncTimeout: defaultAsyncTimeout,
		base:         base,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Policy returns the effective retry policy.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// Send delivers record, retrying retryable failures with exponential
// backoff. The same idempotencyKey is attached to every attempt.
func (d *Dispatcher) Send(ctx context.Context, record *domain.MergedRecord, idempotencyKey string) domain.DeliveryResult {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "delivery.send",
		trace.WithAttributes(
			attribute.String("relay.session_id", record.SessionID),
			attribute.String("relay.event_id", idempotencyKey),
			attribute.Int("relay.max_attempts", d.policy.MaxAttempts),
		),
	)
	defer span.End()

	logger := d.logger.With(
		slog.String("session_id", record.SessionID),
		slog.String("event_id", idempotencyKey),
	)

	result := domain.DeliveryResult{IdempotencyKey: idempotencyKey}
	var last domain.ErrorClassification

	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := d.attempt(ctx, record, idempotencyKey)
		if err == nil {
			d.metrics.RecordDeliveryAttempt(ctx, "")
			span.AddEvent("attempt", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.Bool("success", true),
			))
			result.Success = true
			result.Classification = nil
			break
		}

		last = d.classifier.Classify(err)
		d.metrics.RecordDeliveryAttempt(ctx, string(last.Kind))
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.Bool("success", false),
			attribute.String("kind", string(last.Kind)),
			attribute.Bool("retryable", last.Retryable),
		))
		logger.Warn("delivery attempt failed",
			slog.Int("attempt", attempt),
			slog.String("kind", string(last.Kind)),
			slog.Bool("retryable", last.Retryable),
			slog.String("error", err.Error()),
		)

		classification := last
		result.Classification = &classification

		if !last.Retryable || attempt == d.policy.MaxAttempts {
			break
		}

		delay := d.policy.Backoff(attempt)
		if err := d.sleeper.Sleep(ctx, delay); err != nil {
			// The last attempt's classification stands.
			span.AddEvent("backoff cancelled", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("error", err.Error()),
			))
			logger.Warn("delivery backoff cancelled",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			break
		}
	}

	result.Duration = time.Since(start)
	d.metrics.RecordDelivery(ctx, result.Success, result.Attempts, result.Duration)

	switch {
	case result.Success:
		span.SetStatus(codes.Ok, "")
		logger.Info("delivery succeeded",
			slog.Int("attempts", result.Attempts),
			slog.Duration("duration", result.Duration),
		)
	case result.Classification.RequiresOperator() || !result.Classification.Retryable:
		span.SetStatus(codes.Error, result.Classification.Message)
		logger.Error("delivery failed",
			slog.Int("attempts", result.Attempts),
			slog.String("kind", string(result.Classification.Kind)),
			slog.Bool("operator_action_required", true),
			slog.String("message", result.Classification.Message),
		)
	default:
		span.SetStatus(codes.Error, result.Classification.Message)
		logger.Warn("delivery retries exhausted",
			slog.Int("attempts", result.Attempts),
			slog.String("kind", string(result.Classification.Kind)),
			slog.String("message", result.Classification.Message),
		)
	}

	return result
}

func (d *Dispatcher) attempt(ctx context.Context, record *domain.MergedRecord, key string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.policy.AttemptTimeout)
	defer cancel()
	return d.transport.Send(attemptCtx, record, key)
}

// DeliverAsync runs Send on its own goroutine with a context detached from
// any request. onDone, if set, receives the result.
func (d *Dispatcher) DeliverAsync(record *domain.MergedRecord, idempotencyKey string, onDone func(domain.DeliveryResult)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.base, d.asyncTimeout)
		defer cancel()

		result := d.Send(ctx, record, idempotencyKey)
		if onDone != nil {
			onDone(result)
		}
	}()
}

// Wait blocks until in-flight deliveries finish. If ctx ends first, the
// remaining deliveries are cancelled and ctx.Err() is returned once they
// have unwound.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
