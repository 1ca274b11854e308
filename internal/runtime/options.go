package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/conversion-relay/internal/adapters/config/file"
	"github.com/tjfontaine/conversion-relay/internal/config"
	"github.com/tjfontaine/conversion-relay/internal/core/ports"
	"github.com/tjfontaine/conversion-relay/internal/delivery"
	"github.com/tjfontaine/conversion-relay/internal/telemetry"
)

// Option is a functional option for configuring a Relay.
type Option func(*Relay) error

// WithFileConfig loads config.yaml style configuration from path and
// watches it for API key changes.
func WithFileConfig(path string) Option {
	return func(r *Relay) error {
		provider, err := file.NewProvider(path, r.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		r.provider = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(r *Relay) error {
		r.provider = provider
		return nil
	}
}

// WithConfig uses an already loaded configuration. No hot reload.
func WithConfig(cfg *config.Config) Option {
	return func(r *Relay) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		r.cfg = cfg
		return nil
	}
}

// WithStore replaces the store selected by storage.type.
func WithStore(store ports.SessionStore) Option {
	return func(r *Relay) error {
		r.store = store
		return nil
	}
}

// WithTransport replaces the Conversions API transport. Delivery is enabled
// whenever a transport is supplied.
func WithTransport(t delivery.Transport) Option {
	return func(r *Relay) error {
		r.transport = t
		return nil
	}
}

// WithSleeper replaces the backoff sleeper used between delivery attempts.
func WithSleeper(s delivery.Sleeper) Option {
	return func(r *Relay) error {
		r.sleeper = s
		return nil
	}
}

// WithClock sets the time source for sessions and the reaper.
func WithClock(c ports.Clock) Option {
	return func(r *Relay) error {
		r.clock = c
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		r.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics recorder shared by every component.
func WithMetrics(m telemetry.MetricsRecorder) Option {
	return func(r *Relay) error {
		r.metrics = m
		return nil
	}
}

// WithVersion is reported as service.version on traces.
func WithVersion(version string) Option {
	return func(r *Relay) error {
		r.version = version
		return nil
	}
}
