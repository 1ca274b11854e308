package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"
)

const (
	DefaultIntentEventName     = "InitiateCheckout"
	DefaultCompletionEventName = "Purchase"
)

// UserContext carries opaque or pre-hashed identifiers only. Hashing happens
// upstream; values are forwarded as-is.
type UserContext struct {
	HashedEmail     string `json:"em,omitempty"`
	HashedPhone     string `json:"ph,omitempty"`
	HashedFirstName string `json:"fn,omitempty"`
	HashedLastName  string `json:"ln,omitempty"`
	HashedCity      string `json:"ct,omitempty"`
	HashedState     string `json:"st,omitempty"`
	HashedZip       string `json:"zp,omitempty"`
	HashedCountry   string `json:"country,omitempty"`
	ExternalID      string `json:"external_id,omitempty"`
	ClientIPAddress string `json:"client_ip_address,omitempty"`
	ClientUserAgent string `json:"client_user_agent,omitempty"`
	ClickID         string `json:"fbc,omitempty"`
	BrowserID       string `json:"fbp,omitempty"`
}

// Attribution is the campaign context captured with the intent.
type Attribution struct {
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
	UTMTerm     string `json:"utm_term,omitempty"`
	ClickID     string `json:"click_id,omitempty"`
	CampaignID  string `json:"campaign_id,omitempty"`
	AdSetID     string `json:"adset_id,omitempty"`
	AdID        string `json:"ad_id,omitempty"`
	Referrer    string `json:"referrer,omitempty"`
	LandingPage string `json:"landing_page,omitempty"`
}

// DeviceContext is the client/browser context captured with the intent.
type DeviceContext struct {
	UserAgent        string `json:"user_agent,omitempty"`
	Browser          string `json:"browser,omitempty"`
	BrowserVersion   string `json:"browser_version,omitempty"`
	OS               string `json:"os,omitempty"`
	DeviceType       string `json:"device_type,omitempty"`
	Platform         string `json:"platform,omitempty"`
	Language         string `json:"language,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
	Viewport         string `json:"viewport,omitempty"`
}

// PageTiming holds page performance metrics in milliseconds.
type PageTiming struct {
	PageLoadMs             int64 `json:"page_load_ms,omitempty"`
	DOMReadyMs             int64 `json:"dom_ready_ms,omitempty"`
	FirstContentfulPaintMs int64 `json:"first_contentful_paint_ms,omitempty"`
	TimeOnPageMs           int64 `json:"time_on_page_ms,omitempty"`
}

// JourneyContext marks where in the funnel the intent happened.
type JourneyContext struct {
	Stage          string   `json:"stage,omitempty"`
	Markers        []string `json:"markers,omitempty"`
	StepsCompleted int      `json:"steps_completed,omitempty"`
}

// IntentPayload is the full snapshot captured at checkout initiation.
// EventTime and SessionStartTime are unix seconds.
type IntentPayload struct {
	EventName           string         `json:"event_name,omitempty"`
	EventTime           int64          `json:"event_time,omitempty"`
	EventSourceURL      string         `json:"event_source_url,omitempty"`
	Value               *float64       `json:"value,omitempty"`
	Currency            string         `json:"currency,omitempty"`
	ContentIDs          []string       `json:"content_ids,omitempty"`
	ContentType         string         `json:"content_type,omitempty"`
	ContentName         string         `json:"content_name,omitempty"`
	NumItems            *int           `json:"num_items,omitempty"`
	TransactionID       string         `json:"transaction_id,omitempty"`
	PaymentMethod       string         `json:"payment_method,omitempty"`
	PredictedLTV        *float64       `json:"predicted_ltv,omitempty"`
	ProductCondition    string         `json:"product_condition,omitempty"`
	ProductAvailability string         `json:"product_availability,omitempty"`
	SessionStartTime    int64          `json:"session_start_time,omitempty"`
	UserData            UserContext    `json:"user_data"`
	Attribution         Attribution    `json:"attribution"`
	Device              DeviceContext  `json:"device"`
	Timing              PageTiming     `json:"timing"`
	Journey             JourneyContext `json:"journey"`
}

// Validate checks the minimum an intent must carry (value, currency and a
// content id set) and normalizes the currency code to upper case.
func (p *IntentPayload) Validate() error {
	if p == nil {
		return ErrValidation("intent payload is required")
	}
	if p.Value == nil {
		return ErrValidation("value is required").WithParam("value")
	}
	if *p.Value < 0 || math.IsNaN(*p.Value) || math.IsInf(*p.Value, 0) {
		return ErrValidation("value must be a non-negative number").WithParam("value")
	}
	if strings.TrimSpace(p.Currency) == "" {
		return ErrValidation("currency is required").WithParam("currency")
	}
	unit, err := currency.ParseISO(p.Currency)
	if err != nil {
		return ErrValidation(fmt.Sprintf("currency %q is not an ISO 4217 code", p.Currency)).WithParam("currency")
	}
	p.Currency = unit.String()

	if len(p.ContentIDs) == 0 {
		return ErrValidation("content_ids must contain at least one identifier").WithParam("content_ids")
	}
	for _, id := range p.ContentIDs {
		if strings.TrimSpace(id) == "" {
			return ErrValidation("content_ids must not contain blank identifiers").WithParam("content_ids")
		}
	}
	if p.NumItems != nil && *p.NumItems < 0 {
		return ErrValidation("num_items must not be negative").WithParam("num_items")
	}
	if p.EventTime < 0 {
		return ErrValidation("event_time must not be negative").WithParam("event_time")
	}
	return nil
}

// CompletionPayload is the snapshot captured at purchase confirmation.
type CompletionPayload struct {
	EventName           string      `json:"event_name,omitempty"`
	EventTime           int64       `json:"event_time,omitempty"`
	TransactionID       string      `json:"transaction_id,omitempty"`
	PaymentMethod       string      `json:"payment_method,omitempty"`
	NumItems            *int        `json:"num_items,omitempty"`
	PredictedLTV        *float64    `json:"predicted_ltv,omitempty"`
	ProductCondition    string      `json:"product_condition,omitempty"`
	ProductAvailability string      `json:"product_availability,omitempty"`
	UserData            UserContext `json:"user_data"`
}

// Validate rejects completion payloads with impossible values.
func (p *CompletionPayload) Validate() error {
	if p == nil {
		return ErrValidation("completion payload is required")
	}
	if p.NumItems != nil && *p.NumItems < 0 {
		return ErrValidation("num_items must not be negative").WithParam("num_items")
	}
	if p.PredictedLTV != nil && (*p.PredictedLTV < 0 || math.IsNaN(*p.PredictedLTV)) {
		return ErrValidation("predicted_ltv must be a non-negative number").WithParam("predicted_ltv")
	}
	if p.EventTime < 0 {
		return ErrValidation("event_time must not be negative").WithParam("event_time")
	}
	return nil
}

// Event is the tagged union accepted on the generic ingest endpoint.
// Exactly one of Intent or Completion is set after Decode.
type Event struct {
	Kind       EventKind          `json:"kind"`
	SessionID  string             `json:"session_id,omitempty"`
	Payload    json.RawMessage    `json:"payload"`
	Intent     *IntentPayload     `json:"-"`
	Completion *CompletionPayload `json:"-"`
}

// Decode resolves Payload into the typed variant named by Kind and validates it.
func (e *Event) Decode() error {
	if len(bytes.TrimSpace(e.Payload)) == 0 {
		return ErrValidation("payload is required").WithParam("payload")
	}

	switch e.Kind {
	case EventKindIntent:
		var p IntentPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return ErrValidation("malformed intent payload: " + err.Error()).WithParam("payload")
		}
		if err := p.Validate(); err != nil {
			return err
		}
		e.Intent = &p
	case EventKindCompletion:
		if strings.TrimSpace(e.SessionID) == "" {
			return ErrValidation("session_id is required for completion events").WithParam("session_id")
		}
		var p CompletionPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return ErrValidation("malformed completion payload: " + err.Error()).WithParam("payload")
		}
		if err := p.Validate(); err != nil {
			return err
		}
		e.Completion = &p
	default:
		return ErrValidation(fmt.Sprintf("unknown event kind %q", e.Kind)).WithParam("kind")
	}
	return nil
}
