package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/conversion-relay/internal/auth"
	"github.com/tjfontaine/conversion-relay/internal/config"
)

// =============================================================================
// RequestIDMiddleware Tests
// =============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request ID is in context
		requestID := GetRequestID(r.Context())
		if requestID == "" {
			t.Error("Expected request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestIDMiddleware(handler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	// Verify X-Request-ID header is set
	requestID := rec.Header().Get("X-Request-ID")
	if requestID == "" {
		t.Error("Expected X-Request-ID header to be set")
	}
}

func TestRequestIDMiddleware_UniqueIDs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestIDMiddleware(handler)

	// Make two requests
	req1 := httptest.NewRequest("GET", "/", nil)
	rec1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec1, req1)

	req2 := httptest.NewRequest("GET", "/", nil)
	rec2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec2, req2)

	id1 := rec1.Header().Get("X-Request-ID")
	id2 := rec2.Header().Get("X-Request-ID")

	if id1 == id2 {
		t.Errorf("Expected unique request IDs, got same: %s", id1)
	}
}

func TestRequestIDMiddleware_KeepsInboundID(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	})

	wrapped := RequestIDMiddleware(handler)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "checkout-7f3a.01")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if seen != "checkout-7f3a.01" {
		t.Errorf("context request ID = %q, want inbound value", seen)
	}
	if got := rec.Header().Get(RequestIDHeader); got != "checkout-7f3a.01" {
		t.Errorf("X-Request-ID = %q, want inbound value", got)
	}
}

func TestRequestIDMiddleware_ReplacesMalformedID(t *testing.T) {
	wrapped := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, bad := range []string{"has space", "line\nbreak", strings.Repeat("a", 65)} {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(RequestIDHeader, bad)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)

		got := rec.Header().Get(RequestIDHeader)
		if got == bad || got == "" {
			t.Errorf("inbound %q: X-Request-ID = %q, want generated ID", bad, got)
		}
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	ctx := context.Background()
	if id := GetRequestID(ctx); id != "" {
		t.Errorf("Expected empty string, got %q", id)
	}
}

// =============================================================================
// TimeoutMiddleware Tests
// =============================================================================

func TestTimeoutMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check that context has deadline
		deadline, ok := r.Context().Deadline()
		if !ok {
			t.Error("Expected context to have deadline")
		}
		if deadline.IsZero() {
			t.Error("Expected non-zero deadline")
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := TimeoutMiddleware(30 * time.Second)(handler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestTimeoutMiddleware_ContextCancelled(t *testing.T) {
	// Create a handler that checks if context is cancelled
	contextCancelled := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			contextCancelled = true
		case <-time.After(100 * time.Millisecond):
			// Context should be cancelled before this
		}
		w.WriteHeader(http.StatusOK)
	})

	// Very short timeout
	wrapped := TimeoutMiddleware(10 * time.Millisecond)(handler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if !contextCancelled {
		t.Error("Expected context to be cancelled due to timeout")
	}
}

// =============================================================================
// AuthMiddleware Tests
// =============================================================================

func newTestAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator([]config.APIKeyConfig{
		{KeyHash: auth.HashAPIKey("valid-key-123"), Description: "checkout"},
	})
}

func TestAuthMiddleware_ValidAPIKey(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify key is in context
		key := GetAPIKey(r.Context())
		if key == nil || key.Description != "checkout" {
			t.Errorf("Expected API key in context, got %+v", key)
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := AuthMiddleware(newTestAuthenticator())(handler)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer valid-key-123")
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestAuthMiddleware_InvalidAPIKey(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called for invalid API key")
	})

	wrapped := AuthMiddleware(newTestAuthenticator())(handler)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer invalid-key")
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"type":"unauthorized"`) {
		t.Errorf("Expected JSON error body, got %s", rec.Body.String())
	}
}

func TestAuthMiddleware_MissingAuthHeader(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called without auth header")
	})

	wrapped := AuthMiddleware(newTestAuthenticator())(handler)

	req := httptest.NewRequest("GET", "/", nil)
	// No Authorization header
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Missing Authorization") {
		t.Errorf("Expected 'Missing Authorization' in response, got %s", rec.Body.String())
	}
}

func TestAuthMiddleware_WithoutBearerPrefix(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := AuthMiddleware(newTestAuthenticator())(handler)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "valid-key-123")
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	// Should still work (API key without Bearer prefix)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestAuthMiddleware_OpenMode(t *testing.T) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	wrapped := AuthMiddleware(auth.NewAuthenticator(nil))(handler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if !called || rec.Code != http.StatusOK {
		t.Errorf("Expected open mode to pass through, got status %d", rec.Code)
	}
}

func TestGetAPIKey_NotSet(t *testing.T) {
	if key := GetAPIKey(context.Background()); key != nil {
		t.Errorf("Expected nil, got %v", key)
	}
}

// =============================================================================
// Server Tests
// =============================================================================

func TestServer_HealthzSkipsAuth(t *testing.T) {
	s := New(Options{Authenticator: newTestAuthenticator(), Logger: slog.New(slog.NewTextHandler(&strings.Builder{}, nil))})
	s.Mount("/v1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/anything", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("GET /v1/anything without key status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest("GET", "/v1/anything", nil)
	req.Header.Set("Authorization", "Bearer valid-key-123")
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("GET /v1/anything with key status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
}

func TestTimeoutMiddleware_WritesErrorWhenHandlerGivesUp(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	wrapped := TimeoutMiddleware(10 * time.Millisecond)(handler)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/sessions", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "request timed out") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

// =============================================================================
// LoggingMiddleware Tests
// =============================================================================

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Chain RequestIDMiddleware -> LoggingMiddleware -> handler
	wrapped := RequestIDMiddleware(LoggingMiddleware(logger)(testHandler))

	req := httptest.NewRequest("GET", "/test-path", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	output := buf.String()

	if strings.Count(output, "\n") != 1 {
		t.Errorf("Expected a single log line, got: %s", output)
	}
	if !strings.Contains(output, "request completed") {
		t.Error("Expected 'request completed' in log output")
	}
	if !strings.Contains(output, "/test-path") {
		t.Error("Expected path in log output")
	}
}

func TestLoggingMiddleware_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "level=INFO"},
		{http.StatusNotFound, "level=WARN"},
		{http.StatusBadGateway, "level=ERROR"},
	}

	for _, tt := range tests {
		var buf strings.Builder
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		wrapped := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

		if !strings.Contains(buf.String(), tt.level) {
			t.Errorf("status %d: expected %s, got: %s", tt.status, tt.level, buf.String())
		}
	}
}

func TestAddLogField(t *testing.T) {
	var buf strings.Builder
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "custom_field", "custom_value")
		w.WriteHeader(http.StatusOK)
	})

	wrapped := LoggingMiddleware(logger)(testHandler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	output := buf.String()
	if !strings.Contains(output, "custom_field") || !strings.Contains(output, "custom_value") {
		t.Errorf("Expected custom field in log output, got: %s", output)
	}
}

func TestAddLogField_EmptyValue(t *testing.T) {
	var buf strings.Builder
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "empty_field", "")
		w.WriteHeader(http.StatusOK)
	})

	wrapped := LoggingMiddleware(logger)(testHandler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	output := buf.String()
	// Empty values should not be added
	if strings.Contains(output, "empty_field") {
		t.Errorf("Empty field should not be in log output, got: %s", output)
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	// Should not panic when called with a context that doesn't have log fields
	ctx := context.Background()
	AddLogField(ctx, "key", "value") // Should be a no-op
}

func TestAddError(t *testing.T) {
	var buf strings.Builder
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddError(r.Context(), errors.New("test error message"))
		w.WriteHeader(http.StatusInternalServerError)
	})

	wrapped := LoggingMiddleware(logger)(testHandler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	output := buf.String()
	if !strings.Contains(output, "error") || !strings.Contains(output, "test error message") {
		t.Errorf("Expected error in log output, got: %s", output)
	}
}

func TestAddError_Nil(t *testing.T) {
	// Should not panic when called with nil error
	ctx := context.Background()
	AddError(ctx, nil) // Should be a no-op
}
