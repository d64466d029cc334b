package httpx_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/carscope/internal/enrichment/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(maxElapsed time.Duration) *httpx.Client {
	return httpx.New(5*time.Second, maxElapsed, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer test")
	}).WithInitialInterval(time.Millisecond)
}

func TestDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"id":"b1"}`))
	}))
	defer srv.Close()

	var out struct {
		ID string `json:"id"`
	}
	err := newClient(time.Second).PostJSON(context.Background(), srv.URL, map[string]string{"a": "b"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "b1", out.ID)
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(`ok`))
		}
	}))
	defer srv.Close()

	body, err := newClient(5*time.Second).Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	_, err := newClient(5*time.Second).Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, httpx.ErrRequestRejected)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_GivesUpAfterMaxElapsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newClient(50*time.Millisecond).Do(context.Background(), http.MethodGet, srv.URL, nil)
	assert.ErrorIs(t, err, httpx.ErrServiceUnavailable)
}

func TestDo_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newClient(20*time.Millisecond).Do(context.Background(), http.MethodGet, url, nil)
	assert.ErrorIs(t, err, httpx.ErrServiceUnavailable)
}

func TestGetJSON_InvalidBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	var out map[string]any
	err := newClient(time.Second).GetJSON(context.Background(), srv.URL, &out)
	assert.ErrorIs(t, err, httpx.ErrInvalidResponse)
}
