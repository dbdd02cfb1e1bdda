package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport posts a payload and reports the peer's status code, or
// StatusUnreachable when no response was received.
type Transport interface {
	Post(ctx context.Context, url, contentType string, body []byte) (int, error)
}

// HTTPTransport is the Transport used by the built-in families.
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport creates a transport with the given per-request timeout.
func NewHTTPTransport(timeout time.Duration, userAgent string) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = "fedqueue"
	}
	return &HTTPTransport{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Post implements Transport
func (t *HTTPTransport) Post(ctx context.Context, url, contentType string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("invalid delivery target %q: %w", url, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return StatusUnreachable, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}
