// Package capi is a client for a Conversions API style attribution endpoint.
package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v21.0"
	userAgent         = "conversion-relay/1.0"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIVersion pins the versioned path segment, e.g. "v21.0".
func WithAPIVersion(version string) ClientOption {
	return func(c *Client) {
		if version != "" {
			c.apiVersion = version
		}
	}
}

// WithTestEventCode routes events to the vendor's test console.
func WithTestEventCode(code string) ClientOption {
	return func(c *Client) {
		c.testEventCode = code
	}
}

// Client sends server events for one pixel.
type Client struct {
	accessToken   string
	pixelID       string
	baseURL       string
	apiVersion    string
	testEventCode string
	httpClient    *http.Client
}

// NewClient creates a new client. Without WithHTTPClient, requests go through
// an otelhttp-instrumented default transport.
func NewClient(accessToken, pixelID string, opts ...ClientOption) *Client {
	c := &Client{
		accessToken: accessToken,
		pixelID:     pixelID,
		baseURL:     defaultBaseURL,
		apiVersion:  defaultAPIVersion,
		httpClient:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EventsURL returns the endpoint without credentials.
func (c *Client) EventsURL() string {
	return fmt.Sprintf("%s/%s/%s/events", c.baseURL, c.apiVersion, url.PathEscape(c.pixelID))
}

// redact swaps the credentialed URL echoed by *url.Error for EventsURL.
func (c *Client) redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = c.EventsURL()
	}
	return err
}

// SendEvents posts a batch. Non-2xx responses return *GraphError when the
// body carries one and *HTTPError otherwise; transport failures are returned
// wrapped so callers can still match net.Error and context errors.
func (c *Client) SendEvents(ctx context.Context, batch *EventBatch) (*SendResponse, error) {
	if batch.TestEventCode == "" {
		batch.TestEventCode = c.testEventCode
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.EventsURL() + "?" + url.Values{"access_token": {c.accessToken}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", c.redact(err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", c.redact(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if apiErr, err := ParseErrorResponse(respBody); err == nil && apiErr != nil {
			apiErr.StatusCode = resp.StatusCode
			return nil, apiErr
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result SendResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
