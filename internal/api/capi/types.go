package capi

import (
	"encoding/json"
	"fmt"
)

// EventBatch is the request body of POST /{pixel_id}/events.
type EventBatch struct {
	Data          []ServerEvent `json:"data"`
	TestEventCode string        `json:"test_event_code,omitempty"`
}

// ServerEvent is one conversion as the attribution API expects it.
// EventID doubles as the deduplication key.
type ServerEvent struct {
	EventName      string     `json:"event_name"`
	EventTime      int64      `json:"event_time"`
	EventID        string     `json:"event_id"`
	ActionSource   string     `json:"action_source"`
	EventSourceURL string     `json:"event_source_url,omitempty"`
	UserData       UserData   `json:"user_data"`
	CustomData     CustomData `json:"custom_data"`
}

// UserData carries pre-hashed or opaque identifiers only.
type UserData struct {
	Email           []string `json:"em,omitempty"`
	Phone           []string `json:"ph,omitempty"`
	FirstName       []string `json:"fn,omitempty"`
	LastName        []string `json:"ln,omitempty"`
	City            []string `json:"ct,omitempty"`
	State           []string `json:"st,omitempty"`
	Zip             []string `json:"zp,omitempty"`
	Country         []string `json:"country,omitempty"`
	ExternalID      []string `json:"external_id,omitempty"`
	ClientIPAddress string   `json:"client_ip_address,omitempty"`
	ClientUserAgent string   `json:"client_user_agent,omitempty"`
	ClickID         string   `json:"fbc,omitempty"`
	BrowserID       string   `json:"fbp,omitempty"`
}

// CustomData carries the commercial details of the conversion.
type CustomData struct {
	Value               float64  `json:"value"`
	Currency            string   `json:"currency"`
	ContentIDs          []string `json:"content_ids,omitempty"`
	ContentType         string   `json:"content_type,omitempty"`
	ContentName         string   `json:"content_name,omitempty"`
	OrderID             string   `json:"order_id,omitempty"`
	NumItems            *int     `json:"num_items,omitempty"`
	PredictedLTV        *float64 `json:"predicted_ltv,omitempty"`
	PaymentMethod       string   `json:"payment_method,omitempty"`
	ProductCondition    string   `json:"product_condition,omitempty"`
	ProductAvailability string   `json:"product_availability,omitempty"`
	TimeToCompletion    *int64   `json:"time_to_completion,omitempty"`
	UTMSource           string   `json:"utm_source,omitempty"`
	UTMCampaign         string   `json:"utm_campaign,omitempty"`
}

// SendResponse is the success body.
type SendResponse struct {
	EventsReceived int      `json:"events_received"`
	Messages       []string `json:"messages,omitempty"`
	TraceID        string   `json:"fbtrace_id,omitempty"`
}

// ErrorResponse wraps the structured error body.
type ErrorResponse struct {
	Error *GraphError `json:"error"`
}

// GraphError is the vendor's {code, subcode, message} error shape.
type GraphError struct {
	Message     string `json:"message"`
	Type        string `json:"type,omitempty"`
	Code        int    `json:"code"`
	Subcode     int    `json:"error_subcode,omitempty"`
	IsTransient bool   `json:"is_transient,omitempty"`
	UserTitle   string `json:"error_user_title,omitempty"`
	UserMessage string `json:"error_user_msg,omitempty"`
	TraceID     string `json:"fbtrace_id,omitempty"`

	// StatusCode is the HTTP status the error arrived with.
	StatusCode int `json:"-"`
}

func (e *GraphError) Error() string {
	if e.Subcode != 0 {
		return fmt.Sprintf("graph error %d/%d: %s", e.Code, e.Subcode, e.Message)
	}
	return fmt.Sprintf("graph error %d: %s", e.Code, e.Message)
}

// HTTPError is returned for non-2xx responses whose body is not a GraphError.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*GraphError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if errResp.Error == nil {
		return nil, nil
	}
	return errResp.Error, nil
}
