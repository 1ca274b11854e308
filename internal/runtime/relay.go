// Package runtime wires the relay's components together and manages their
// lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/conversion-relay/internal/api/capi"
	"github.com/tjfontaine/conversion-relay/internal/auth"
	"github.com/tjfontaine/conversion-relay/internal/config"
	"github.com/tjfontaine/conversion-relay/internal/core/ports"
	"github.com/tjfontaine/conversion-relay/internal/correlation"
	"github.com/tjfontaine/conversion-relay/internal/delivery"
	"github.com/tjfontaine/conversion-relay/internal/frontdoor/ingest"
	"github.com/tjfontaine/conversion-relay/internal/pkg/safehttp"
	"github.com/tjfontaine/conversion-relay/internal/reaper"
	"github.com/tjfontaine/conversion-relay/internal/server"
	"github.com/tjfontaine/conversion-relay/internal/storage"
	"github.com/tjfontaine/conversion-relay/internal/telemetry"
)

const (
	serviceName     = "conversion-relay"
	shutdownTimeout = 10 * time.Second
	dialTimeout     = 5 * time.Second
)

// Relay owns the store, correlation engine, delivery dispatcher, reaper and
// HTTP server. It can be embedded in a larger program or run standalone.
type Relay struct {
	cfg      *config.Config
	provider ports.ConfigProvider

	store      ports.SessionStore
	transport  delivery.Transport
	sleeper    delivery.Sleeper
	dispatcher *delivery.Dispatcher
	engine     *correlation.Engine
	reaper     *reaper.Reaper
	auth       *auth.Authenticator
	server     *server.Server

	clock   ports.Clock
	logger  *slog.Logger
	metrics telemetry.MetricsRecorder
	version string

	shutdownTracer func(context.Context) error
	shutdownOnce   sync.Once
	shutdownErr    error
}

// New builds a Relay. Configuration comes from WithConfig, WithFileConfig or
// WithConfigProvider; everything else has a default derived from it.
func New(opts ...Option) (*Relay, error) {
	r := &Relay{
		logger:  slog.Default(),
		clock:   ports.SystemClock,
		version: "dev",
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	if r.cfg == nil {
		if r.provider == nil {
			return nil, errors.New("config required (use WithConfig or WithFileConfig)")
		}
		cfg, err := r.provider.Load(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		r.cfg = cfg
	}
	cfg := r.cfg

	shutdownTracer, err := telemetry.InitTracer(serviceName, r.version, cfg.Telemetry.Tracing, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	r.shutdownTracer = shutdownTracer

	if r.metrics == nil {
		r.metrics = telemetry.NewMetricsRecorder()
	}

	if r.store == nil {
		store, err := storage.Open(cfg.Storage)
		if err != nil {
			return nil, err
		}
		r.store = store
	}

	if r.transport == nil && cfg.Delivery.Enabled {
		clientOpts := []capi.ClientOption{
			capi.WithBaseURL(cfg.Delivery.BaseURL),
			capi.WithAPIVersion(cfg.Delivery.APIVersion),
			capi.WithTestEventCode(cfg.Delivery.TestEventCode),
		}
		if !cfg.Delivery.AllowPrivateNetwork {
			clientOpts = append(clientOpts, capi.WithHTTPClient(&http.Client{
				Transport: otelhttp.NewTransport(safehttp.Transport(dialTimeout)),
			}))
		}
		client := capi.NewClient(cfg.Delivery.AccessToken, cfg.Delivery.PixelID, clientOpts...)
		r.transport = delivery.NewCAPITransport(client, cfg.Delivery.ActionSource)
	}

	r.reaper = reaper.New(r.store,
		reaper.WithClock(r.clock),
		reaper.WithInterval(cfg.Reaper.Interval),
		reaper.WithRetention(cfg.Correlation.Retention),
		reaper.WithLogger(r.logger),
		reaper.WithMetrics(r.metrics),
	)

	engineOpts := []correlation.Option{
		correlation.WithClock(r.clock),
		correlation.WithSessionTTL(cfg.Correlation.SessionTTL),
		correlation.WithSweeper(r.reaper),
		correlation.WithLogger(r.logger),
		correlation.WithMetrics(r.metrics),
	}
	if r.transport != nil {
		r.dispatcher = r.newDispatcher()
		engineOpts = append(engineOpts,
			correlation.WithDeliverer(r.dispatcher),
			correlation.WithRedeliverAfter(cfg.Delivery.RedeliveryTimeout),
		)
	} else {
		r.logger.Info("delivery disabled, merged records are stored only")
	}
	r.engine = correlation.New(r.store, engineOpts...)

	r.auth = auth.NewAuthenticator(cfg.Auth.APIKeys)
	if r.auth.Open() {
		r.logger.Warn("no API keys configured, ingest endpoints are unauthenticated")
	}

	r.server = server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         r.logger,
		Authenticator:  r.auth,
	})
	r.server.Mount("/v1", ingest.NewHandler(r.engine, r.logger).Routes())

	return r, nil
}

func (r *Relay) newDispatcher() *delivery.Dispatcher {
	d := r.cfg.Delivery
	opts := []delivery.Option{
		delivery.WithPolicy(delivery.Policy{
			MaxAttempts:    d.MaxAttempts,
			BaseDelay:      d.BaseDelay,
			MaxDelay:       d.MaxDelay,
			AttemptTimeout: d.AttemptTimeout,
		}),
		delivery.WithAsyncTimeout(d.RedeliveryTimeout),
		delivery.WithLogger(r.logger),
		delivery.WithMetrics(r.metrics),
	}
	if r.sleeper != nil {
		opts = append(opts, delivery.WithSleeper(r.sleeper))
	}
	return delivery.NewDispatcher(r.transport, opts...)
}

// Config returns the configuration the relay was built with.
func (r *Relay) Config() *config.Config { return r.cfg }

// Engine exposes the correlation engine for in-process callers.
func (r *Relay) Engine() *correlation.Engine { return r.engine }

// Store exposes the session store.
func (r *Relay) Store() ports.SessionStore { return r.store }

// WaitDeliveries blocks until queued deliveries settle or ctx is done.
func (r *Relay) WaitDeliveries(ctx context.Context) error {
	if r.dispatcher == nil {
		return nil
	}
	return r.dispatcher.Wait(ctx)
}

// Handler returns the full HTTP handler, middleware included.
func (r *Relay) Handler() http.Handler { return r.server.Router }

// Start serves HTTP and runs the reaper until ctx is cancelled or one of
// them fails. It does not release resources; call Shutdown afterwards.
func (r *Relay) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if r.provider != nil {
		if err := r.provider.Watch(gctx, r.reload); err != nil {
			r.logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		}
	}

	g.Go(r.server.Start)

	if r.cfg.Reaper.Enabled {
		g.Go(func() error { return r.reaper.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return r.server.Shutdown(sctx)
	})

	r.logger.Info("relay started",
		slog.Int("port", r.cfg.Server.Port),
		slog.String("storage", r.cfg.Storage.Type),
		slog.Bool("delivery", r.dispatcher != nil),
		slog.Bool("reaper", r.cfg.Reaper.Enabled))

	return g.Wait()
}

// reload applies the parts of a new configuration that are safe to swap
// without a restart. Only API keys qualify.
func (r *Relay) reload(cfg *config.Config) {
	r.auth.Update(cfg.Auth.APIKeys)
	r.logger.Info("reload complete", slog.Int("api_keys", len(cfg.Auth.APIKeys)))
}

// Shutdown stops the server, waits for in-flight deliveries, then closes the
// store and flushes traces. It is safe to call more than once.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.shutdownErr = r.shutdown(ctx)
	})
	return r.shutdownErr
}

func (r *Relay) shutdown(ctx context.Context) error {
	r.logger.Info("shutting down relay")
	var errs []error

	if err := r.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	if r.dispatcher != nil {
		if err := r.dispatcher.Wait(ctx); err != nil {
			r.logger.Warn("in-flight deliveries abandoned", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("drain deliveries: %w", err))
		}
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if r.provider != nil {
		if err := r.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close config: %w", err))
		}
	}
	if r.shutdownTracer != nil {
		if err := r.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}

	r.logger.Info("relay shutdown complete")
	return errors.Join(errs...)
}
