package ports

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/conversion-relay/internal/core/domain"
)

// Sentinel errors returned by SessionStore implementations. The correlation
// engine translates them into domain errors.
var (
	ErrNotFound         = errors.New("session not found")
	ErrAlreadyCompleted = errors.New("session already completed")
	ErrExpired          = errors.New("session expired")
	ErrRevisionChanged  = errors.New("session revision changed")
)

// SessionStore persists correlation sessions and their event log.
//
// The only mutations of session state are CreateOrReplacePending,
// CompareAndComplete and the two expiry paths; each is a single conditional
// write keyed by session id.
type SessionStore interface {
	// CreateOrReplacePending inserts a pending session, or replaces the intent
	// of an existing pending, unexpired one. It reports whether an existing
	// session was replaced. session.UpdatedAt is taken as the current time for
	// the expiry check. entry is appended to the event log on success.
	CreateOrReplacePending(ctx context.Context, session *domain.CorrelationSession, entry *domain.EventLogEntry) (replaced bool, err error)

	// GetSession retrieves a session by ID
	GetSession(ctx context.Context, id string) (*domain.CorrelationSession, error)

	// CompareAndComplete performs the Pending -> Completed transition.
	CompareAndComplete(ctx context.Context, params CompleteParams) (*domain.CorrelationSession, error)

	// MarkExpired flips one pending session to expired if it is past expiresAt.
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)

	// ExpirePending flips every pending session past expiresAt.
	ExpirePending(ctx context.Context, now time.Time) (int64, error)

	// PurgeBefore removes sessions whose expiresAt is before cutoff, along
	// with their event log and delivery records.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// ListEvents returns a session's event log in insertion order.
	ListEvents(ctx context.Context, id string) ([]*domain.EventLogEntry, error)

	// RecordDelivery upserts the latest delivery outcome for a session.
	RecordDelivery(ctx context.Context, rec *domain.DeliveryRecord) error

	// ClaimDelivery stores rec only when the session has no delivery yet,
	// its last delivery failed, or a queued delivery was last touched before
	// staleBefore. It reports whether the claim was taken.
	ClaimDelivery(ctx context.Context, rec *domain.DeliveryRecord, staleBefore time.Time) (bool, error)

	// GetDelivery returns the latest delivery outcome or ErrNotFound.
	GetDelivery(ctx context.Context, sessionID string) (*domain.DeliveryRecord, error)

	// Close closes the storage connection
	Close() error
}

// CompleteParams describes the conditional write behind Complete. The write
// succeeds only if the stored session is still pending at ExpectedRevision
// and its expiresAt is after Now.
type CompleteParams struct {
	SessionID        string
	ExpectedRevision int64
	Now              time.Time
	Completion       *domain.CompletionPayload
	Merged           *domain.MergedRecord
	Entry            *domain.EventLogEntry
}
