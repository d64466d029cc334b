package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/carscope/internal/cache"
	"github.com/kiranshivaraju/carscope/internal/config"
	"github.com/kiranshivaraju/carscope/internal/enrichment/mock"
	"github.com/kiranshivaraju/carscope/internal/store/storetest"
	"github.com/kiranshivaraju/carscope/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type testPinger struct {
	pingErr error
}

func (p *testPinger) Ping(_ context.Context) error { return p.pingErr }

type testCache struct {
	*cache.MemoryCache
	pingErr error
}

func (c *testCache) Ping(_ context.Context) error { return c.pingErr }

func newTestCache(pingErr error) *testCache {
	return &testCache{MemoryCache: cache.NewMemoryCache(), pingErr: pingErr}
}

// ─── health handler tests ───────────────────────────────────────────────────

func TestHealthHandler_AllOK(t *testing.T) {
	h := healthHandler(&testPinger{}, newTestCache(nil))

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	services := data["services"].(map[string]any)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["cache"])
}

func TestHealthHandler_DatabaseDegraded(t *testing.T) {
	h := healthHandler(&testPinger{pingErr: errors.New("connection refused")}, newTestCache(nil))

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "degraded", details["database"])
	assert.Equal(t, "ok", details["cache"])
}

func TestHealthHandler_CacheDegraded(t *testing.T) {
	h := healthHandler(&testPinger{}, newTestCache(errors.New("redis down")))

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ─── wiring tests ───────────────────────────────────────────────────────────

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RateLimitPerMin: 100},
		Batch: config.BatchConfig{
			MaxSize:            config.MaxBatchSize,
			MaxPhotos:          2,
			CDNHosts:           []string{"img1.example.com"},
			TrackerConcurrency: 2,
			PriceInputPerMTok:  1,
			PriceOutputPerMTok: 2,
		},
	}
}

func TestNewApp_ServesAuthenticatedRoutes(t *testing.T) {
	s := storetest.NewMemoryStore()
	a := newApp(testConfig(), s, cache.NewMemoryCache(), mock.NewProvider())

	raw, err := createAdminKey(context.Background(), s, "bootstrap")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "cs_"))

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/api/v1/admin/keys", nil)
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/api/v1/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	keys := body["data"].([]any)
	require.Len(t, keys, 1)
	key := keys[0].(map[string]any)
	assert.Equal(t, "bootstrap", key["name"])
	assert.Equal(t, []any{models.ScopeAdmin}, key["scopes"])
}

func TestNewApp_NothingToSubmit(t *testing.T) {
	s := storetest.NewMemoryStore()
	a := newApp(testConfig(), s, cache.NewMemoryCache(), mock.NewProvider())

	raw, err := createAdminKey(context.Background(), s, "ops")
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/v1/batches", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "REDIS_URL", "ENRICHMENT_PROVIDER",
	} {
		t.Setenv(key, "")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("ENRICHMENT_PROVIDER", "mock")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

// ─── shutdown timeout constant test ─────────────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
