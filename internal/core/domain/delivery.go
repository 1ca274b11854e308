package domain

import (
	"fmt"
	"time"
)

// DeliveryStatus is reported next to a successful completion. It never
// affects the correlation outcome.
type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliveryDisabled  DeliveryStatus = "disabled"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryResult is what the dispatcher returns for one logical delivery.
type DeliveryResult struct {
	Success        bool                 `json:"success"`
	Attempts       int                  `json:"attempts"`
	Classification *ErrorClassification `json:"classification,omitempty"`
	IdempotencyKey string               `json:"idempotency_key"`
	Duration       time.Duration        `json:"duration"`
}

// Err returns a *DeliveryError for failed results and nil otherwise.
func (r DeliveryResult) Err() error {
	if r.Success {
		return nil
	}
	e := &DeliveryError{Attempts: r.Attempts}
	if r.Classification != nil {
		e.Classification = *r.Classification
	} else {
		e.Classification = ErrorClassification{Kind: KindUnknown, Retryable: true}
	}
	return e
}

// DeliveryError wraps the final classification of an exhausted or terminal
// delivery.
type DeliveryError struct {
	Classification ErrorClassification
	Attempts       int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempt(s): %s: %s",
		e.Attempts, e.Classification.Kind, e.Classification.Message)
}

// DeliveryRecord is the latest delivery outcome stored for a completed session.
type DeliveryRecord struct {
	SessionID      string               `json:"session_id"`
	EventID        string               `json:"event_id"`
	Status         DeliveryStatus       `json:"status"`
	Attempts       int                  `json:"attempts"`
	Classification *ErrorClassification `json:"classification,omitempty"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// CompletionOutcome is the synchronous result of a successful Complete.
type CompletionOutcome struct {
	MergedRecord   *MergedRecord  `json:"merged_record"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
}
