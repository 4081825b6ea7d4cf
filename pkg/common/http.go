package common

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/log"

	"github.com/cenkalti/backoff/v4"
)

//go:embed VERSION
var version string

// Version returns the build version.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	v := strings.TrimSpace(version)
	userAgent := "TariffPilot/" + v

	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: userAgent,
		},
		Timeout: timeout,
	}
}

// RetryableStatus reports whether a response status is worth retrying.
// Only upstream unavailability (502/503/504) and explicit throttling/timeouts
// (408/429) qualify; other 4xx are caller errors and retrying cannot help.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return false
}

// StatusError is returned by DoRetry when the final response had a non-2xx
// status. Body holds a short excerpt for diagnostics.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

const retryAttempts = 3

// DoRetry performs an HTTP request with exponential backoff (2s, 4s, 8s) on
// transient failures: connect/read timeouts and 502/503/504 (plus 408/429).
// newReq must return a fresh request each attempt since bodies are consumed.
// The response body is fully read and returned so the caller never has to
// worry about draining or closing.
func DoRetry(ctx context.Context, client *http.Client, newReq func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 8 * time.Second

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		req, err := newReq(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := client.Do(req)
		if err != nil {
			// timeouts and connection resets are transient, anything else
			// (bad URL, canceled context) is permanent
			var netErr net.Error
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Ctx(ctx).DebugContext(ctx, "retrying request after timeout", slog.String("url", req.URL.String()), slog.Int("attempt", attempt))
				return err
			}
			return err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		serr := &StatusError{StatusCode: resp.StatusCode, Body: excerpt(body)}
		if RetryableStatus(resp.StatusCode) {
			log.Ctx(ctx).DebugContext(
				ctx,
				"retrying request after transient status",
				slog.String("url", req.URL.String()),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
			)
			return serr
		}
		return backoff.Permanent(serr)
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts), ctx))
	if err != nil {
		return body, err
	}
	return body, nil
}

// excerpt truncates a response body for inclusion in errors and logs.
func excerpt(b []byte) string {
	const maxLen = 256
	s := strings.TrimSpace(string(b))
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
