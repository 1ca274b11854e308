package domain

import "time"

// MergedRecord is the immutable conversion produced when a session completes.
// EventID is the idempotency key; it is assigned once, before the record is
// persisted, and every delivery attempt reuses it.
type MergedRecord struct {
	EventID   string `json:"event_id"`
	EventName string `json:"event_name"`
	SessionID string `json:"session_id"`

	// EventTime is the completion time; IntentEventTime is kept for audit.
	EventTime        int64 `json:"event_time"`
	IntentEventTime  int64 `json:"intent_event_time"`
	TimeToCompletion int64 `json:"time_to_completion"`
	SessionStartTime int64 `json:"session_start_time,omitempty"`

	EventSourceURL string   `json:"event_source_url,omitempty"`
	Value          float64  `json:"value"`
	Currency       string   `json:"currency"`
	ContentIDs     []string `json:"content_ids"`
	ContentType    string   `json:"content_type,omitempty"`
	ContentName    string   `json:"content_name,omitempty"`

	TransactionID       string   `json:"transaction_id,omitempty"`
	PaymentMethod       string   `json:"payment_method,omitempty"`
	NumItems            *int     `json:"num_items,omitempty"`
	PredictedLTV        *float64 `json:"predicted_ltv,omitempty"`
	ProductCondition    string   `json:"product_condition,omitempty"`
	ProductAvailability string   `json:"product_availability,omitempty"`

	UserData    UserContext    `json:"user_data"`
	Attribution Attribution    `json:"attribution"`
	Device      DeviceContext  `json:"device"`
	Timing      PageTiming     `json:"timing"`
	Journey     JourneyContext `json:"journey"`

	MergedAt time.Time `json:"merged_at"`
}
