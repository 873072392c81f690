package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, storage string) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := Defaults()
	cfg.Storage = storage
	cfg.DBPath = filepath.Join(dir, "keyauth.sqlite")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.OwnerID = "owner"
	cfg.AppSecret = "secret"
	cfg.APIKey = "api"
	return cfg
}

func TestNewServerServesBothBackends(t *testing.T) {
	for _, storage := range []string{StorageSQLite, StorageJSONFile} {
		t.Run(storage, func(t *testing.T) {
			cfg := testConfig(t, storage)
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))

			server, closer, err := NewServer(context.Background(), cfg, logger)
			require.NoError(t, err)
			t.Cleanup(func() { _ = closer.Close() })

			req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"username":"ops"}`))
			req.Header.Set("X-Owner-Id", "owner")
			req.Header.Set("X-Secret", "secret")
			req.Header.Set("X-Api-Key", "api")
			rr := httptest.NewRecorder()
			server.Handler.ServeHTTP(rr, req)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

			var out struct {
				Key string `json:"key"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))

			req = httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader(`{"key":"`+out.Key+`","hwid":"HW"}`))
			rr = httptest.NewRecorder()
			server.Handler.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Contains(t, rr.Body.String(), `"status":"success"`)
		})
	}
}

func TestOpenStoresRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t, "memcached")
	_, _, err := OpenStores(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestNewServicesWarnsAboutSynchronousWebhook(t *testing.T) {
	cfg := testConfig(t, StorageJSONFile)
	stores, closer, err := OpenStores(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closer.Close() })

	var buf bytes.Buffer
	NewServices(cfg, stores, slog.New(slog.NewTextHandler(&buf, nil)))
	assert.NotContains(t, buf.String(), "webhook")

	cfg.WebhookURL = "https://hooks.example.com/keyauth"
	cfg.WebhookSecret = "s3cret"
	cfg.WebhookTimeout = 2 * time.Second
	NewServices(cfg, stores, slog.New(slog.NewTextHandler(&buf, nil)))
	assert.Contains(t, buf.String(), "webhook delivery is synchronous")
	assert.Contains(t, buf.String(), "webhook_timeout=2s")
}
