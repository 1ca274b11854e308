package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/conversion-relay/internal/auth"
	"github.com/tjfontaine/conversion-relay/internal/config"
	"github.com/tjfontaine/conversion-relay/internal/core/domain"
	"github.com/tjfontaine/conversion-relay/internal/core/ports"
	"github.com/tjfontaine/conversion-relay/internal/correlation"
	"github.com/tjfontaine/conversion-relay/internal/storage"
	"github.com/tjfontaine/conversion-relay/internal/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// seededConfig writes a config pointing at a fresh SQLite file holding one
// session that expired two days ago and one that is still pending.
func seededConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relay.db")
	configPath := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("storage:\n  type: sql\n  database:\n    driver: sqlite\n    dsn: %q\n", dbPath)
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0o644))

	store, err := storage.Open(config.StorageConfig{
		Type:     "sql",
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: dbPath},
	})
	require.NoError(t, err)
	defer store.Close()

	value := 10.0
	intent := func() *domain.IntentPayload {
		return &domain.IntentPayload{EventTime: 1000, Value: &value, Currency: "USD"}
	}

	past := testutil.NewFakeClock(time.Now().UTC().Add(-72 * time.Hour))
	_, err = correlation.New(store, correlation.WithClock(past)).Create(context.Background(), "s-old", intent())
	require.NoError(t, err)

	_, err = correlation.New(store, correlation.WithClock(ports.SystemClock)).Create(context.Background(), "s-live", intent())
	require.NoError(t, err)

	return configPath
}

func TestRoot_InvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "keygen", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestKeygen_HashesGivenKey(t *testing.T) {
	out, err := execute(t, "keygen", "sk-test")
	require.NoError(t, err)

	assert.Contains(t, out, "API Key: sk-test")
	assert.Contains(t, out, auth.HashAPIKey("sk-test"))
	assert.Contains(t, out, "api_keys:")
}

func TestKeygen_GeneratesKeyJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "keygen", "--description", "ci")
	require.NoError(t, err)

	var res keygenResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, strings.HasPrefix(res.APIKey, keyPrefix))
	assert.Len(t, res.APIKey, len(keyPrefix)+48)
	assert.Equal(t, auth.HashAPIKey(res.APIKey), res.KeyHash)
	assert.Equal(t, "ci", res.Description)
}

func TestSweep_ExpiresOverdueSessions(t *testing.T) {
	configPath := seededConfig(t)

	out, err := execute(t, "--config", configPath, "--format", "json", "sweep")
	require.NoError(t, err)

	var res domain.SweepResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, int64(1), res.Expired)
	assert.Equal(t, int64(0), res.Purged)

	out, err = execute(t, "--config", configPath, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "expired 0, purged 0\n", out)
}

func TestSessionGet(t *testing.T) {
	configPath := seededConfig(t)

	out, err := execute(t, "--config", configPath, "--format", "json", "session", "get", "s-live")
	require.NoError(t, err)

	var view domain.SessionView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "s-live", view.Session.ID)
	assert.Equal(t, domain.SessionPending, view.Session.Status)
	assert.Len(t, view.EventLog, 1)

	out, err = execute(t, "--config", configPath, "session", "get", "s-live")
	require.NoError(t, err)
	assert.Contains(t, out, "Session:  s-live")
	assert.Contains(t, out, "Events:   1")
}

func TestSessionGet_Unknown(t *testing.T) {
	configPath := seededConfig(t)

	_, err := execute(t, "--config", configPath, "session", "get", "nope")
	require.Error(t, err)
}

func TestSessionRedeliver_RequiresCompletion(t *testing.T) {
	configPath := seededConfig(t)

	_, err := execute(t, "--config", configPath, "session", "redeliver", "s-live")
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err, ""), "err = %v", err)
}

// deliveryConfig writes a config with delivery pointed at baseURL and a
// completed session "s-done" that was never delivered.
func deliveryConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relay.db")
	configPath := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`storage:
  type: sql
  database:
    driver: sqlite
    dsn: %q
delivery:
  enabled: true
  base_url: %q
  pixel_id: "123456"
  access_token: test-token
  max_attempts: 1
  allow_private_network: true
`, dbPath, baseURL)
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0o644))

	store, err := storage.Open(config.StorageConfig{
		Type:     "sql",
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: dbPath},
	})
	require.NoError(t, err)
	defer store.Close()

	value := 10.0
	engine := correlation.New(store)
	_, err = engine.Create(context.Background(), "s-done", &domain.IntentPayload{EventTime: 1000, Value: &value, Currency: "USD"})
	require.NoError(t, err)
	_, err = engine.Complete(context.Background(), "s-done", &domain.CompletionPayload{TransactionID: "T1"})
	require.NoError(t, err)

	return configPath
}

func TestSessionRedeliver_ReportsSettledOutcome(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"delivered", http.StatusOK, `{"events_received":1}`, "s-done: delivered\n"},
		{"failed", http.StatusBadGateway, "upstream down", "s-done: failed (TransientApiError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()
			configPath := deliveryConfig(t, server.URL)

			out, err := execute(t, "--config", configPath, "session", "redeliver", "s-done")
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
			assert.Equal(t, int32(1), requests.Load())
		})
	}
}

func TestSessionRedeliver_JSONCarriesClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	configPath := deliveryConfig(t, server.URL)

	out, err := execute(t, "--config", configPath, "--format", "json", "session", "redeliver", "s-done")
	require.NoError(t, err)

	var res redeliverResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "s-done", res.SessionID)
	assert.Equal(t, domain.DeliveryFailed, res.DeliveryStatus)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Classification)
	assert.Equal(t, domain.KindTransient, res.Classification.Kind)
}
