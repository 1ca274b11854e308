package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tjfontaine/conversion-relay/internal/codec"
	"github.com/tjfontaine/conversion-relay/internal/core/domain"
)

// TimeoutMiddleware bounds each request with a context deadline. Handlers
// cancel cooperatively; if one gives up on the deadline without writing a
// response, a 503 error body is written for it.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &headerTracker{ResponseWriter: w}
			next.ServeHTTP(tw, r.WithContext(ctx))

			if !tw.wrote && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				codec.WriteError(w, domain.NewAPIError(domain.ErrorTypeServer, "request timed out").
					WithStatusCode(http.StatusServiceUnavailable))
			}
		})
	}
}

type headerTracker struct {
	http.ResponseWriter
	wrote bool
}

func (t *headerTracker) WriteHeader(code int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *headerTracker) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}
