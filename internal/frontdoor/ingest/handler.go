// Package ingest exposes the correlation engine over HTTP.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/conversion-relay/internal/codec"
	"github.com/tjfontaine/conversion-relay/internal/core/domain"
	"github.com/tjfontaine/conversion-relay/internal/server"
)

const maxBodyBytes = 1 << 20

// Engine is the subset of the correlation engine the handlers call.
type Engine interface {
	Create(ctx context.Context, sessionID string, intent *domain.IntentPayload) (*domain.SessionRef, error)
	Complete(ctx context.Context, sessionID string, completion *domain.CompletionPayload) (*domain.CompletionOutcome, error)
	GetSession(ctx context.Context, sessionID string) (*domain.SessionView, error)
	PurgeExpired(ctx context.Context) (*domain.SweepResult, error)
	Redeliver(ctx context.Context, sessionID string) (domain.DeliveryStatus, error)
}

// Handler serves the ingest API.
type Handler struct {
	engine Engine
	logger *slog.Logger
}

// NewHandler creates a new ingest handler.
func NewHandler(engine Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	SessionID string                `json:"session_id,omitempty"`
	Intent    *domain.IntentPayload `json:"intent"`
}

// CompleteSessionRequest is the body of POST /sessions/{id}/complete.
type CompleteSessionRequest struct {
	Completion *domain.CompletionPayload `json:"completion"`
}

// RedeliverResponse is returned by POST /sessions/{id}/redeliver.
type RedeliverResponse struct {
	SessionID      string                `json:"session_id"`
	DeliveryStatus domain.DeliveryStatus `json:"delivery_status"`
}

// Routes returns the ingest router, meant to be mounted under /v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sessions", h.CreateSession)
	r.Post("/sessions/purge", h.PurgeExpired)
	r.Get("/sessions/{id}", h.GetSession)
	r.Post("/sessions/{id}/complete", h.CompleteSession)
	r.Post("/sessions/{id}/redeliver", h.Redeliver)
	r.Post("/events", h.IngestEvent)
	return r
}

// CreateSession stores an intent.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Intent == nil {
		h.writeError(w, r, domain.ErrValidation("intent is required").WithParam("intent"))
		return
	}
	h.create(w, r, req.SessionID, req.Intent)
}

// CompleteSession completes a session.
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req CompleteSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Completion == nil {
		h.writeError(w, r, domain.ErrValidation("completion is required").WithParam("completion"))
		return
	}
	h.complete(w, r, chi.URLParam(r, "id"), req.Completion)
}

// GetSession returns the session, its event log and the latest delivery.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	server.AddLogField(r.Context(), "session_id", id)

	view, err := h.engine.GetSession(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	codec.WriteJSON(w, http.StatusOK, view)
}

// PurgeExpired runs one expiry sweep.
func (h *Handler) PurgeExpired(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.PurgeExpired(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	codec.WriteJSON(w, http.StatusOK, result)
}

// Redeliver re-queues delivery of a completed session.
func (h *Handler) Redeliver(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	server.AddLogField(r.Context(), "session_id", id)

	status, err := h.engine.Redeliver(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	codec.WriteJSON(w, http.StatusAccepted, RedeliverResponse{SessionID: id, DeliveryStatus: status})
}

// IngestEvent accepts the tagged union {kind, session_id, payload}.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	if err := decodeBody(w, r, &ev); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := ev.Decode(); err != nil {
		h.writeError(w, r, err)
		return
	}

	switch ev.Kind {
	case domain.EventKindIntent:
		h.create(w, r, ev.SessionID, ev.Intent)
	case domain.EventKindCompletion:
		h.complete(w, r, ev.SessionID, ev.Completion)
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, sessionID string, intent *domain.IntentPayload) {
	ref, err := h.engine.Create(r.Context(), sessionID, intent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "session_id", ref.SessionID)
	codec.WriteJSON(w, http.StatusCreated, ref)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request, sessionID string, completion *domain.CompletionPayload) {
	server.AddLogField(r.Context(), "session_id", sessionID)

	outcome, err := h.engine.Complete(r.Context(), sessionID, completion)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "event_id", outcome.MergedRecord.EventID)
	codec.WriteJSON(w, http.StatusOK, outcome)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		h.logger.Error("ingest request failed",
			slog.String("request_id", server.GetRequestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	codec.WriteError(w, err)
}

// decodeBody reads a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return domain.ErrValidation("request body is required")
		case errors.As(err, &maxErr):
			return domain.ErrValidation("request body too large")
		default:
			return domain.ErrValidation("malformed JSON: " + err.Error())
		}
	}
	return nil
}
