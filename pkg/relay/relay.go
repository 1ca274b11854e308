// Package relay is the public API for embedding the conversion relay.
package relay

import (
	"github.com/tjfontaine/conversion-relay/internal/runtime"
)

// Relay correlates intent and completion events and delivers the merged
// record downstream. See internal/runtime.Relay for full documentation.
type Relay = runtime.Relay

// Option is a functional option for configuring a Relay.
type Option = runtime.Option

// New creates a new Relay with the given options.
// Example:
//
//	r, err := relay.New(
//	    relay.WithFileConfig("config.yaml"),
//	    relay.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Components
	WithStore     = runtime.WithStore
	WithTransport = runtime.WithTransport
	WithSleeper   = runtime.WithSleeper
	WithClock     = runtime.WithClock

	// Observability
	WithLogger  = runtime.WithLogger
	WithMetrics = runtime.WithMetrics
	WithVersion = runtime.WithVersion
)
