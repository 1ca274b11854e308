package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/conversion-relay/internal/core/domain"
	"github.com/tjfontaine/conversion-relay/internal/correlation"
	"github.com/tjfontaine/conversion-relay/internal/delivery"
	"github.com/tjfontaine/conversion-relay/internal/storage/memory"
	"github.com/tjfontaine/conversion-relay/internal/testutil"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testAPI struct {
	router     http.Handler
	clock      *testutil.FakeClock
	dispatcher *delivery.Dispatcher
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewFakeClock(base)

	dispatcher := delivery.NewDispatcher(
		delivery.TransportFunc(func(context.Context, *domain.MergedRecord, string) error { return nil }),
		delivery.WithLogger(logger),
	)
	engine := correlation.New(memory.New(),
		correlation.WithClock(clock),
		correlation.WithDeliverer(dispatcher),
		correlation.WithLogger(logger),
	)

	r := chi.NewRouter()
	r.Mount("/v1", NewHandler(engine, logger).Routes())
	return &testAPI{router: r, clock: clock, dispatcher: dispatcher}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const intentBody = `{"session_id":"s1","intent":{"event_time":1000,"value":39.90,"currency":"BRL","content_ids":["X1"]}}`

func TestHandler_CreateAndComplete(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/sessions", intentBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ref := decode[domain.SessionRef](t, rec)
	assert.Equal(t, "s1", ref.SessionID)
	assert.Equal(t, "stored", ref.Status)
	assert.Equal(t, base.Add(24*time.Hour), ref.ExpiresAt)

	rec = api.do(t, http.MethodPost, "/v1/sessions/s1/complete",
		`{"completion":{"event_time":1050,"transaction_id":"T1","payment_method":"pix"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	outcome := decode[domain.CompletionOutcome](t, rec)
	assert.Equal(t, domain.DeliveryQueued, outcome.DeliveryStatus)
	assert.Equal(t, 39.90, outcome.MergedRecord.Value)
	assert.Equal(t, "T1", outcome.MergedRecord.TransactionID)
	assert.Equal(t, int64(50), outcome.MergedRecord.TimeToCompletion)

	require.NoError(t, api.dispatcher.Wait(context.Background()))

	rec = api.do(t, http.MethodGet, "/v1/sessions/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[domain.SessionView](t, rec)
	assert.Equal(t, domain.SessionCompleted, view.Session.Status)
	assert.Len(t, view.EventLog, 2)
	require.NotNil(t, view.Delivery)
	assert.Equal(t, domain.DeliveryDelivered, view.Delivery.Status)
}

func TestHandler_CompleteUnknownSession(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/sessions/s-unknown/complete", `{"completion":{"transaction_id":"T"}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorEnvelope](t, rec).Error.Type)
}

func TestHandler_CompleteTwice(t *testing.T) {
	api := newTestAPI(t)

	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/v1/sessions",
		strings.Replace(intentBody, `"s1"`, `"s2"`, 1)).Code)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/v1/sessions/s2/complete",
		`{"completion":{"transaction_id":"T2"}}`).Code)

	rec := api.do(t, http.MethodPost, "/v1/sessions/s2/complete", `{"completion":{"transaction_id":"T2-dup"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode[errorEnvelope](t, rec)
	assert.Equal(t, "conflict", env.Error.Type)
	assert.Equal(t, "already_completed", env.Error.Code)
}

func TestHandler_CompleteExpired(t *testing.T) {
	api := newTestAPI(t)

	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/v1/sessions",
		strings.Replace(intentBody, `"s1"`, `"s3"`, 1)).Code)
	api.clock.Advance(25 * time.Hour)

	rec := api.do(t, http.MethodPost, "/v1/sessions/s3/complete", `{"completion":{"transaction_id":"T3"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode[errorEnvelope](t, rec)
	assert.Equal(t, "conflict", env.Error.Type)
	assert.Equal(t, "expired", env.Error.Code)
}

func TestHandler_Validation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name      string
		path      string
		body      string
		wantParam string
	}{
		{name: "empty body", path: "/v1/sessions", body: ""},
		{name: "malformed json", path: "/v1/sessions", body: `{"intent":`},
		{name: "missing intent", path: "/v1/sessions", body: `{"session_id":"x"}`, wantParam: "intent"},
		{name: "missing currency", path: "/v1/sessions", body: `{"intent":{"value":1,"content_ids":["A"]}}`, wantParam: "currency"},
		{name: "missing completion", path: "/v1/sessions/x/complete", body: `{}`, wantParam: "completion"},
		{name: "unknown event kind", path: "/v1/events", body: `{"kind":"refund","payload":{}}`, wantParam: "kind"},
		{name: "completion without session", path: "/v1/events", body: `{"kind":"completion","payload":{}}`, wantParam: "session_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			env := decode[errorEnvelope](t, rec)
			assert.Equal(t, "validation_error", env.Error.Type)
			assert.Equal(t, tt.wantParam, env.Error.Param)
		})
	}
}

func TestHandler_EventUnion(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/events",
		`{"kind":"intent","session_id":"u1","payload":{"event_time":1000,"value":10,"currency":"usd","content_ids":["SKU-1"]}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/v1/events",
		`{"kind":"completion","session_id":"u1","payload":{"event_time":1030,"transaction_id":"T-u1"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	outcome := decode[domain.CompletionOutcome](t, rec)
	assert.Equal(t, "USD", outcome.MergedRecord.Currency)
	assert.Equal(t, int64(30), outcome.MergedRecord.TimeToCompletion)
}

func TestHandler_PurgeAndRedeliver(t *testing.T) {
	api := newTestAPI(t)

	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/v1/sessions", intentBody).Code)

	rec := api.do(t, http.MethodPost, "/v1/sessions/s1/redeliver", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "not_completed", decode[errorEnvelope](t, rec).Error.Code)

	api.clock.Advance(25 * time.Hour)
	rec = api.do(t, http.MethodPost, "/v1/sessions/purge", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"expired_count":1,"purged_count":0}`, rec.Body.String())
}

func TestDecodeBody_TooLarge(t *testing.T) {
	big := bytes.Repeat([]byte("a"), maxBodyBytes+10)
	body := append([]byte(`{"session_id":"`), big...)
	body = append(body, []byte(`"}`)...)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	var v CreateSessionRequest
	err := decodeBody(rec, req, &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}
