// Package correlation pairs intent events with their completion and hands the
// merged conversion to the delivery pipeline.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/conversion-relay/internal/core/domain"
	"github.com/tjfontaine/conversion-relay/internal/core/ports"
	"github.com/tjfontaine/conversion-relay/internal/idempotency"
	"github.com/tjfontaine/conversion-relay/internal/reaper"
	"github.com/tjfontaine/conversion-relay/internal/telemetry"
)

const (
	defaultSessionTTL = 24 * time.Hour

	// maxCompleteAttempts bounds re-reads when a concurrent intent replaces
	// the session between our read and the conditional write.
	maxCompleteAttempts = 3

	recordDeliveryTimeout = 5 * time.Second

	// defaultRedeliverAfter matches the dispatcher's default async timeout.
	defaultRedeliverAfter = time.Minute
)

// Sweeper runs one expiry pass.
type Sweeper interface {
	Sweep(ctx context.Context) (domain.SweepResult, error)
}

// Option configures the engine.
type Option func(*Engine)

// WithDeliverer enables downstream delivery of completed sessions.
func WithDeliverer(d ports.Deliverer) Option {
	return func(e *Engine) {
		e.deliverer = d
	}
}

// WithClock sets the time source.
func WithClock(c ports.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithSessionTTL sets how long a pending session accepts a completion.
func WithSessionTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// WithRedeliverAfter sets how long a queued delivery may go unsettled before
// Redeliver treats it as abandoned. It should not be shorter than the
// deliverer's own timeout.
func WithRedeliverAfter(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.redeliverAfter = d
		}
	}
}

// WithSweeper sets the sweeper used by PurgeExpired.
func WithSweeper(s Sweeper) Option {
	return func(e *Engine) {
		e.sweeper = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Engine owns the session state machine.
type Engine struct {
	store          ports.SessionStore
	deliverer      ports.Deliverer
	clock          ports.Clock
	ttl            time.Duration
	redeliverAfter time.Duration
	sweeper        Sweeper
	logger         *slog.Logger
	metrics        telemetry.MetricsRecorder
}

// New creates an engine over store. Without WithDeliverer, completions report
// delivery_status "disabled".
func New(store ports.SessionStore, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		clock:          ports.SystemClock,
		ttl:            defaultSessionTTL,
		redeliverAfter: defaultRedeliverAfter,
		logger:         slog.Default(),
		metrics:        telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sweeper == nil {
		e.sweeper = reaper.New(store,
			reaper.WithClock(e.clock),
			reaper.WithLogger(e.logger),
			reaper.WithMetrics(e.metrics),
		)
	}
	return e
}

// Create stores an intent as a pending session. An empty sessionID gets a
// generated one. A second Create for a pending session replaces its intent.
func (e *Engine) Create(ctx context.Context, sessionID string, intent *domain.IntentPayload) (*domain.SessionRef, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := e.clock.Now()
	if intent.EventTime == 0 {
		intent.EventTime = now.Unix()
	}
	if intent.EventName == "" {
		intent.EventName = domain.DefaultIntentEventName
	}

	payload, err := json.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("encode intent: %w", err)
	}

	session := &domain.CorrelationSession{
		ID:             sessionID,
		Status:         domain.SessionPending,
		IntentSnapshot: intent,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(e.ttl),
	}
	entry := &domain.EventLogEntry{
		EventID:    uuid.NewString(),
		SessionID:  sessionID,
		Kind:       domain.EventKindIntent,
		IngestedAt: now,
		Payload:    payload,
	}

	replaced, err := e.store.CreateOrReplacePending(ctx, session, entry)
	if err != nil {
		return nil, e.translate(sessionID, err)
	}

	e.metrics.RecordSessionTransition(ctx, string(domain.SessionPending))
	e.logger.Info("intent stored",
		slog.String("session_id", sessionID),
		slog.Bool("replaced", replaced),
		slog.Time("expires_at", session.ExpiresAt),
	)

	return &domain.SessionRef{
		SessionID: sessionID,
		Status:    "stored",
		ExpiresAt: session.ExpiresAt,
		Replaced:  replaced,
	}, nil
}

// Complete merges completion into the pending session and transitions it to
// completed exactly once. Delivery is queued asynchronously and never affects
// the result.
func (e *Engine) Complete(ctx context.Context, sessionID string, completion *domain.CompletionPayload) (*domain.CompletionOutcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domain.ErrValidation("session_id is required").WithParam("session_id")
	}
	if err := completion.Validate(); err != nil {
		return nil, err
	}
	if completion.EventTime == 0 {
		completion.EventTime = e.clock.Now().Unix()
	}
	if completion.EventName == "" {
		completion.EventName = domain.DefaultCompletionEventName
	}

	payload, err := json.Marshal(completion)
	if err != nil {
		return nil, fmt.Errorf("encode completion: %w", err)
	}

	for attempt := 1; attempt <= maxCompleteAttempts; attempt++ {
		session, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, e.translate(sessionID, err)
		}

		now := e.clock.Now()
		switch {
		case session.Status == domain.SessionCompleted:
			return nil, domain.ErrAlreadyCompleted(sessionID)
		case session.IsExpiredAt(now):
			e.markExpired(ctx, sessionID, now)
			return nil, domain.ErrExpired(sessionID)
		}

		merged := Merge(sessionID, session.IntentSnapshot, completion, now)
		merged.EventID = idempotency.Generate(merged)
		if merged.TimeToCompletion < 0 {
			e.logger.Warn("completion precedes intent",
				slog.String("session_id", sessionID),
				slog.Int64("time_to_completion", merged.TimeToCompletion),
			)
		}

		updated, err := e.store.CompareAndComplete(ctx, ports.CompleteParams{
			SessionID:        sessionID,
			ExpectedRevision: session.Revision,
			Now:              now,
			Completion:       completion,
			Merged:           merged,
			Entry: &domain.EventLogEntry{
				EventID:    uuid.NewString(),
				SessionID:  sessionID,
				Kind:       domain.EventKindCompletion,
				IngestedAt: now,
				Payload:    payload,
			},
		})
		if errors.Is(err, ports.ErrRevisionChanged) {
			e.logger.Debug("session changed during complete, retrying",
				slog.String("session_id", sessionID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if errors.Is(err, ports.ErrExpired) {
			e.markExpired(ctx, sessionID, now)
		}
		if err != nil {
			return nil, e.translate(sessionID, err)
		}

		e.metrics.RecordSessionTransition(ctx, string(domain.SessionCompleted))
		e.logger.Info("session completed",
			slog.String("session_id", sessionID),
			slog.String("event_id", updated.MergedRecord.EventID),
			slog.Int64("time_to_completion", updated.MergedRecord.TimeToCompletion),
		)

		return &domain.CompletionOutcome{
			MergedRecord:   updated.MergedRecord,
			DeliveryStatus: e.dispatch(ctx, updated.MergedRecord),
		}, nil
	}

	return nil, domain.ErrServer(fmt.Sprintf("session %s changed concurrently; retry the completion", sessionID))
}

// GetSession returns the session with its event log and latest delivery.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*domain.SessionView, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, e.translate(sessionID, err)
	}

	events, err := e.store.ListEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", sessionID, err)
	}

	view := &domain.SessionView{Session: session, EventLog: events}
	delivery, err := e.store.GetDelivery(ctx, sessionID)
	switch {
	case err == nil:
		view.Delivery = delivery
	case !errors.Is(err, ports.ErrNotFound):
		return nil, fmt.Errorf("get delivery for %s: %w", sessionID, err)
	}
	return view, nil
}

// PurgeExpired runs one expiry sweep.
func (e *Engine) PurgeExpired(ctx context.Context) (*domain.SweepResult, error) {
	result, err := e.sweeper.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Redeliver re-queues delivery of a completed session whose last delivery
// failed, or whose queued delivery has not settled within the redeliver
// window. The stored event id is reused so the downstream deduplicates.
// Delivered sessions and deliveries still in flight are left alone. Claiming
// the delivery is a conditional store write, so concurrent calls dispatch once.
func (e *Engine) Redeliver(ctx context.Context, sessionID string) (domain.DeliveryStatus, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", e.translate(sessionID, err)
	}
	if session.Status != domain.SessionCompleted || session.MergedRecord == nil {
		return "", domain.NewAPIError(domain.ErrorTypeConflict,
			fmt.Sprintf("session %s is %s, not completed", sessionID, session.Status)).
			WithCode(domain.ErrorCodeNotCompleted)
	}
	if e.deliverer == nil {
		return domain.DeliveryDisabled, nil
	}

	record := session.MergedRecord
	now := e.clock.Now()
	claimed, err := e.store.ClaimDelivery(ctx, queuedRecord(record, now), now.Add(-e.redeliverAfter))
	if err != nil {
		return "", fmt.Errorf("claim delivery for %s: %w", sessionID, err)
	}
	if !claimed {
		current, err := e.store.GetDelivery(ctx, sessionID)
		if err != nil {
			return "", fmt.Errorf("get delivery for %s: %w", sessionID, err)
		}
		return current.Status, nil
	}

	e.logger.Info("redelivering session",
		slog.String("session_id", sessionID),
		slog.String("event_id", record.EventID),
	)
	e.deliver(record)
	return domain.DeliveryQueued, nil
}

func queuedRecord(record *domain.MergedRecord, now time.Time) *domain.DeliveryRecord {
	return &domain.DeliveryRecord{
		SessionID: record.SessionID,
		EventID:   record.EventID,
		Status:    domain.DeliveryQueued,
		UpdatedAt: now,
	}
}

// dispatch marks the delivery queued and hands the record to the deliverer.
func (e *Engine) dispatch(ctx context.Context, record *domain.MergedRecord) domain.DeliveryStatus {
	if e.deliverer == nil {
		return domain.DeliveryDisabled
	}

	if err := e.store.RecordDelivery(ctx, queuedRecord(record, e.clock.Now())); err != nil {
		e.logger.Warn("failed to record queued delivery",
			slog.String("session_id", record.SessionID),
			slog.String("error", err.Error()),
		)
	}
	e.deliver(record)
	return domain.DeliveryQueued
}

func (e *Engine) deliver(record *domain.MergedRecord) {
	e.deliverer.DeliverAsync(record, record.EventID, func(result domain.DeliveryResult) {
		e.recordOutcome(record, result)
	})
}

// recordOutcome persists a settled delivery. Correlation state is untouched.
func (e *Engine) recordOutcome(record *domain.MergedRecord, result domain.DeliveryResult) {
	rec := &domain.DeliveryRecord{
		SessionID:      record.SessionID,
		EventID:        result.IdempotencyKey,
		Status:         domain.DeliveryDelivered,
		Attempts:       result.Attempts,
		Classification: result.Classification,
		UpdatedAt:      e.clock.Now(),
	}
	deliveryErr := result.Err()
	var failure *domain.DeliveryError
	if errors.As(deliveryErr, &failure) {
		// Failed records always carry a classification.
		rec.Status = domain.DeliveryFailed
		rec.Classification = &failure.Classification
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordDeliveryTimeout)
	defer cancel()
	if err := e.store.RecordDelivery(ctx, rec); err != nil {
		level := slog.LevelError
		if errors.Is(err, ports.ErrNotFound) {
			level = slog.LevelWarn
		}
		attrs := []any{
			slog.String("session_id", record.SessionID),
			slog.String("status", string(rec.Status)),
			slog.String("error", err.Error()),
		}
		if deliveryErr != nil {
			attrs = append(attrs, slog.String("delivery_error", deliveryErr.Error()))
		}
		e.logger.Log(ctx, level, "failed to record delivery outcome", attrs...)
	}
}

func (e *Engine) markExpired(ctx context.Context, sessionID string, now time.Time) {
	flipped, err := e.store.MarkExpired(ctx, sessionID, now)
	if err != nil {
		e.logger.Warn("failed to mark session expired",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if flipped {
		e.metrics.RecordSessionTransition(ctx, string(domain.SessionExpired))
	}
}

// translate maps store sentinels onto caller-facing errors.
func (e *Engine) translate(sessionID string, err error) error {
	switch {
	case errors.Is(err, ports.ErrNotFound):
		return domain.ErrNotFound(fmt.Sprintf("session %s not found", sessionID))
	case errors.Is(err, ports.ErrAlreadyCompleted):
		return domain.ErrAlreadyCompleted(sessionID)
	case errors.Is(err, ports.ErrExpired):
		return domain.ErrExpired(sessionID)
	default:
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
}
