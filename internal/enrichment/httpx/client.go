// Package httpx is the shared HTTP transport of the enrichment clients:
// retries with exponential backoff and sentinel error classification.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sentinel errors for enrichment service failures.
var (
	ErrServiceUnavailable = errors.New("enrichment service unavailable")
	ErrRequestRejected    = errors.New("enrichment service rejected request")
	ErrInvalidResponse    = errors.New("enrichment service returned invalid response")
)

// maxErrorBody caps how much of an error response is kept in messages.
const maxErrorBody = 512

// Client sends requests with retries. Transport errors, 429 and 5xx are
// retried until MaxElapsed; any other non-2xx status is permanent.
type Client struct {
	http       *http.Client
	maxElapsed time.Duration
	setHeaders func(*http.Request)

	// initialInterval is lowered by tests.
	initialInterval time.Duration
}

// New creates a Client. setHeaders is applied to every request and may be nil.
func New(timeout, maxElapsed time.Duration, setHeaders func(*http.Request)) *Client {
	return &Client{
		http:            &http.Client{Timeout: timeout},
		maxElapsed:      maxElapsed,
		setHeaders:      setHeaders,
		initialInterval: time.Second,
	}
}

// WithInitialInterval returns a copy of c whose first retry waits d.
func (c *Client) WithInitialInterval(d time.Duration) *Client {
	cp := *c
	cp.initialInterval = d
	return &cp
}

// Body builds a fresh request body for each attempt.
type Body func() (io.Reader, string, error)

// JSONBody encodes v as a JSON request body.
func JSONBody(v any) Body {
	return func() (io.Reader, string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

// Do performs method on url and returns the body of a 2xx response.
func (c *Client) Do(ctx context.Context, method, url string, body Body) ([]byte, error) {
	var respBody []byte

	operation := func() error {
		var reader io.Reader
		var contentType string
		if body != nil {
			var err error
			reader, contentType, err = body()
			if err != nil {
				return backoff.Permanent(fmt.Errorf("building request body: %w", err))
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.setHeaders != nil {
			c.setHeaders(req)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(classifyError(err))
			}
			return classifyError(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading body: %v", ErrServiceUnavailable, err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			respBody = data
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d: %s", ErrServiceUnavailable, resp.StatusCode, truncate(data))
		default:
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRequestRejected, resp.StatusCode, truncate(data)))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = c.maxElapsed
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5

	var attempts int
	notify := func(err error, next time.Duration) {
		attempts++
		slog.Warn("enrichment request failed, retrying",
			"method", method, "url", url, "attempt", attempts, "next_retry_in", next, "error", err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return respBody, nil
}

// GetJSON decodes a GET response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	data, err := c.Do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return Decode(data, out)
}

// PostJSON sends in as JSON and decodes the response into out, which may be nil.
func (c *Client) PostJSON(ctx context.Context, url string, in, out any) error {
	data, err := c.Do(ctx, http.MethodPost, url, JSONBody(in))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return Decode(data, out)
}

// Decode unmarshals data, wrapping failures in ErrInvalidResponse.
func Decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrServiceUnavailable, err)
	}

	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
