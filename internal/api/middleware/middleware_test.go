package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/carscope/internal/api/middleware"
	"github.com/kiranshivaraju/carscope/internal/cache"
	"github.com/kiranshivaraju/carscope/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock Store ---

type mockStore struct {
	keys []*models.APIKey
	err  error
}

func (m *mockStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return m.keys, m.err
}
func (m *mockStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (m *mockStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error    { return nil }
func (m *mockStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error)   { return nil, nil }
func (m *mockStore) RevokeAPIKey(_ context.Context, _ uuid.UUID) error         { return nil }

// --- Failing Cache ---

type failingCache struct {
	*cache.MemoryCache
}

func (failingCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func keyStore(t *testing.T, rawKey string, scopes ...string) (*mockStore, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	return &mockStore{keys: []*models.APIKey{{
		ID:        id,
		Name:      "ops",
		KeyHash:   hashKey(t, rawKey),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    scopes,
	}}}, id
}

func serve(h http.Handler, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_RejectsBadHeaders(t *testing.T) {
	auth := mw.NewAuth(&mockStore{})
	handler := auth.Authenticate(okHandler())

	tests := []struct {
		name  string
		authz string
	}{
		{"missing", ""},
		{"basic scheme", "Basic abc123"},
		{"too short", "Bearer short"},
		{"unknown key", "Bearer cs_test1234567890"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(handler, tt.authz)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
		})
	}
}

func TestAuth_WrongSecret(t *testing.T) {
	rawKey := "cs_test1234567890abcdef"
	ms, _ := keyStore(t, rawKey, models.ScopeOperator)
	ms.keys[0].KeyHash = hashKey(t, "different_key_entirely")
	handler := mw.NewAuth(ms).Authenticate(okHandler())

	w := serve(handler, "Bearer "+rawKey)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_StoreError(t *testing.T) {
	handler := mw.NewAuth(&mockStore{err: errors.New("db down")}).Authenticate(okHandler())

	w := serve(handler, "Bearer cs_test1234567890")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "cs_test1234567890abcdef"
	ms, keyID := keyStore(t, rawKey, models.ScopeOperator)
	auth := mw.NewAuth(ms)

	var gotID uuid.UUID
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotOK = mw.GetKeyID(r)
		w.WriteHeader(http.StatusOK)
	})

	w := serve(auth.Authenticate(inner), "Bearer "+rawKey)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOK)
	assert.Equal(t, keyID, gotID)
}

func TestAuth_RequireScope(t *testing.T) {
	tests := []struct {
		name     string
		scopes   []string
		required string
		want     int
	}{
		{"operator on operator route", []string{models.ScopeOperator}, models.ScopeOperator, http.StatusOK},
		{"operator on admin route", []string{models.ScopeOperator}, models.ScopeAdmin, http.StatusForbidden},
		{"admin on admin route", []string{models.ScopeAdmin}, models.ScopeAdmin, http.StatusOK},
		{"admin implies operator", []string{models.ScopeAdmin}, models.ScopeOperator, http.StatusOK},
		{"no scopes", nil, models.ScopeOperator, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rawKey := "cs_scope_1234567890abcdef"
			ms, _ := keyStore(t, rawKey, tt.scopes...)
			auth := mw.NewAuth(ms)
			handler := auth.Authenticate(auth.RequireScope(tt.required)(okHandler()))

			w := serve(handler, "Bearer "+rawKey)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusForbidden {
				assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
			}
		})
	}
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func limitedRequest(prefix string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	return req.WithContext(mw.WithKeyPrefix(req.Context(), prefix))
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	handler := mw.NewRateLimit(cache.NewMemoryCache(), 60).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, limitedRequest("cs_test1"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	handler := mw.NewRateLimit(cache.NewMemoryCache(), 2).Limit(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, limitedRequest("cs_over1"))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, limitedRequest("cs_over1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])

	// Other keys have their own window.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, limitedRequest("cs_other"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	handler := mw.NewRateLimit(failingCache{cache.NewMemoryCache()}, 1).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, limitedRequest("cs_test1"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	handler := mw.NewRateLimit(cache.NewMemoryCache(), 60).Limit(okHandler())

	w := serve(handler, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := serve(mw.Recovery(panicking), "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_NoPanic(t *testing.T) {
	w := serve(mw.Recovery(okHandler()), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_PassesThrough(t *testing.T) {
	w := serve(mw.Logger(okHandler()), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}
