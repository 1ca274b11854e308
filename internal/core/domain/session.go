package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a correlation session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// EventKind identifies which side of a correlation pair an event belongs to.
type EventKind string

const (
	EventKindIntent     EventKind = "intent"
	EventKindCompletion EventKind = "completion"
)

// CorrelationSession pairs an intent with its eventual completion.
//
// IntentSnapshot is written at creation (and replaced only while Pending).
// CompletionSnapshot and MergedRecord are written together by the single
// Pending -> Completed transition and are nil in every other state.
type CorrelationSession struct {
	ID                 string             `json:"session_id"`
	Status             SessionStatus      `json:"status"`
	Revision           int64              `json:"revision"`
	IntentSnapshot     *IntentPayload     `json:"intent"`
	CompletionSnapshot *CompletionPayload `json:"completion,omitempty"`
	MergedRecord       *MergedRecord      `json:"merged_record,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	ExpiresAt          time.Time          `json:"expires_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
}

// IsExpiredAt reports whether the session can no longer be completed at now.
func (s *CorrelationSession) IsExpiredAt(now time.Time) bool {
	if s.Status == SessionExpired {
		return true
	}
	return s.Status == SessionPending && !now.Before(s.ExpiresAt)
}

// SessionRef is returned to the caller after an intent is stored.
type SessionRef struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	Replaced  bool      `json:"replaced,omitempty"`
}

// EventLogEntry is one immutable row of the unified event log.
type EventLogEntry struct {
	Seq        int64           `json:"seq"`
	EventID    string          `json:"event_id"`
	SessionID  string          `json:"session_id"`
	Kind       EventKind       `json:"kind"`
	IngestedAt time.Time       `json:"ingested_at"`
	Payload    json.RawMessage `json:"payload"`
}

// SessionView is the read model served by GetSession.
type SessionView struct {
	Session  *CorrelationSession `json:"session"`
	EventLog []*EventLogEntry    `json:"event_log"`
	Delivery *DeliveryRecord     `json:"delivery,omitempty"`
}

// SweepResult reports what a single expiry sweep changed.
type SweepResult struct {
	Expired int64 `json:"expired_count"`
	Purged  int64 `json:"purged_count"`
}
