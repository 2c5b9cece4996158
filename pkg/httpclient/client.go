// Package httpclient provides an HTTP client with bounded retry for the
// provider and memory transports. Only transient failures are retried:
// timeouts, connection resets and 5xx responses. A request is retried at
// most once, with a short exponential backoff capped so a failing call
// never adds more than two seconds of waiting.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 120 * time.Second

	// maxRetries is the number of retries after the first attempt.
	maxRetries = 1

	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// TransportError wraps a transport-level failure and records whether it is
// transient. Callers use Transient to decide between retrying and failing
// the turn.
type TransportError struct {
	Op        string
	Err       error
	Status    int
	Transient bool
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transport error worth retrying.
func IsTransient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Transient
	}
	return false
}

// Client wraps http.Client with the retry policy.
type Client struct {
	httpClient *http.Client
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.httpClient.Transport = rt }
}

func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends the request, retrying once on transient failure. The request
// must have a GetBody func (http.NewRequest sets one for the common body
// types) so it can be replayed.
//
// On a non-2xx response the body is consumed and closed and a
// TransportError is returned; on success the caller owns the body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(req.Context(), attempt); err != nil {
				return nil, err
			}
			replay, err := replayRequest(req)
			if err != nil {
				return nil, lastErr
			}
			req = replay
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &TransportError{
				Op:        req.Method + " " + req.URL.Path,
				Err:       err,
				Transient: transientNetErr(err),
			}
			if !IsTransient(lastErr) || req.GetBody == nil && req.Body != nil {
				return nil, lastErr
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = &TransportError{
			Op:        req.Method + " " + req.URL.Path,
			Err:       fmt.Errorf("%s", strings.TrimSpace(string(body))),
			Status:    resp.StatusCode,
			Transient: resp.StatusCode >= 500,
		}
		if !IsTransient(lastErr) {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

func sleepBackoff(ctx context.Context, attempt int) error {
	backoff := initialBackoff << (attempt - 1)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}

func replayRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}

func transientNetErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF")
}
