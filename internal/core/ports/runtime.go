package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/conversion-relay/internal/config"
	"github.com/tjfontaine/conversion-relay/internal/core/domain"
)

// ConfigProvider loads and watches configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// Clock abstracts time so expiry can be exercised deterministically.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// Deliverer hands a merged record to the downstream pipeline without
// blocking the caller. onDone runs once the delivery settles.
type Deliverer interface {
	DeliverAsync(record *domain.MergedRecord, key string, onDone func(domain.DeliveryResult))
	Wait(ctx context.Context) error
}
