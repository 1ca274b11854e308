package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes environment overrides, e.g. RELAY_SERVER__PORT=9000.
const EnvPrefix = "RELAY_"

// DefaultPath is read when Load is given no explicit path.
const DefaultPath = "config.yaml"

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Storage     StorageConfig     `koanf:"storage"`
	Correlation CorrelationConfig `koanf:"correlation"`
	Reaper      ReaperConfig      `koanf:"reaper"`
	Delivery    DeliveryConfig    `koanf:"delivery"`
	Auth        AuthConfig        `koanf:"auth"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

type StorageConfig struct {
	Type     string         `koanf:"type"` // memory, sql
	Database DatabaseConfig `koanf:"database"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, mysql
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

type CorrelationConfig struct {
	SessionTTL time.Duration `koanf:"session_ttl"`
	Retention  time.Duration `koanf:"retention"` // how long past expiry a session is kept
}

type ReaperConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

type DeliveryConfig struct {
	Enabled           bool          `koanf:"enabled"`
	BaseURL           string        `koanf:"base_url"`
	APIVersion        string        `koanf:"api_version"`
	PixelID           string        `koanf:"pixel_id"`
	AccessToken       string        `koanf:"access_token"` // supports ${VAR}
	TestEventCode     string        `koanf:"test_event_code"`
	ActionSource      string        `koanf:"action_source"`
	MaxAttempts       int           `koanf:"max_attempts"`
	BaseDelay         time.Duration `koanf:"base_delay"`
	MaxDelay          time.Duration `koanf:"max_delay"`
	AttemptTimeout    time.Duration `koanf:"attempt_timeout"`
	RedeliveryTimeout time.Duration `koanf:"redelivery_timeout"`

	// AllowPrivateNetwork lets base_url resolve to loopback or private
	// addresses, e.g. a local mock endpoint.
	AllowPrivateNetwork bool `koanf:"allow_private_network"`
}

type AuthConfig struct {
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

type TelemetryConfig struct {
	Tracing bool `koanf:"tracing"`
}

var defaults = map[string]any{
	"server.port":                    8080,
	"server.request_timeout":         "30s",
	"log.level":                      "info",
	"storage.type":                   "memory",
	"storage.database.driver":        "sqlite",
	"storage.database.dsn":           "relay.db",
	"correlation.session_ttl":        "24h",
	"correlation.retention":          "168h",
	"reaper.enabled":                 true,
	"reaper.interval":                "5m",
	"delivery.enabled":               false,
	"delivery.base_url":              "https://graph.facebook.com",
	"delivery.api_version":           "v21.0",
	"delivery.action_source":         "website",
	"delivery.max_attempts":          3,
	"delivery.base_delay":            "1s",
	"delivery.max_delay":             "30s",
	"delivery.attempt_timeout":       "5s",
	"delivery.redelivery_timeout":    "1m",
	"delivery.allow_private_network": false,
	"telemetry.tracing":              false,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (or config.yaml when empty), then environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	// Try to load from the config file first
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in secrets
	cfg.Delivery.AccessToken = substituteEnvVars(cfg.Delivery.AccessToken)
	cfg.Delivery.PixelID = substituteEnvVars(cfg.Delivery.PixelID)
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "sql":
	default:
		return fmt.Errorf("storage.type must be memory or sql, got %q", c.Storage.Type)
	}
	if c.Correlation.SessionTTL <= 0 {
		return fmt.Errorf("correlation.session_ttl must be positive")
	}
	if c.Correlation.Retention < 0 {
		return fmt.Errorf("correlation.retention must not be negative")
	}
	if c.Reaper.Enabled && c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive when the reaper is enabled")
	}
	if !c.Delivery.Enabled {
		return nil
	}
	if c.Delivery.PixelID == "" || c.Delivery.AccessToken == "" {
		return fmt.Errorf("delivery.pixel_id and delivery.access_token are required when delivery is enabled")
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	if c.Delivery.BaseDelay <= 0 || c.Delivery.AttemptTimeout <= 0 {
		return fmt.Errorf("delivery.base_delay and delivery.attempt_timeout must be positive")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
