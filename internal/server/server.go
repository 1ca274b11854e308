package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/conversion-relay/internal/auth"
	"github.com/tjfontaine/conversion-relay/internal/codec"
)

const defaultRequestTimeout = 30 * time.Second

// Options configures the HTTP server.
type Options struct {
	Port           int
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Authenticator  *auth.Authenticator // nil disables auth
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger

	api  chi.Router
	http *http.Server
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "conversion-relay")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		codec.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	api := r.With(TimeoutMiddleware(timeout))
	if opts.Authenticator != nil {
		api = api.With(AuthMiddleware(opts.Authenticator))
	}

	s := &Server{
		Router: r,
		Port:   opts.Port,
		logger: logger,
		api:    api,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout + 5*time.Second,
	}
	return s
}

// Mount attaches h under pattern behind the timeout and auth middleware.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.api.Mount(pattern, h)
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
