// Package backend is the HTTP client for the persistence API: messages,
// history pages, reactions, chess state and attachments.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-chat/internal/chat"
	"github.com/park285/cheese-chat/internal/obslog"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned alongside chat.ErrRejected for 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks transient failures that survived every retry.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrUnauthorized means the session is no longer accepted.
	ErrUnauthorized = errors.New("unauthorized")
)

// HeaderProvider allows injecting per-request headers
type HeaderProvider func() map[string]string

type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider
	logger  *zap.Logger

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithDial replaces the dialer, e.g. with an in-memory listener.
func WithDial(d fasthttp.DialFunc) Option {
	return func(c *Client) { c.http.Dial = d }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = obslog.Or(c.logger, "backend")
	return c
}

// request describes one call; idempotent calls are retried on 5xx and
// network errors.
type request struct {
	method      string
	path        string
	body        []byte
	contentType string
	headers     map[string]string
	retry       bool
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	r := request{method: method, path: path, contentType: "application/json", retry: retry}
	if in != nil {
		payload, err := marshal(in)
		if err != nil {
			return err
		}
		r.body = payload
	}
	return c.do(ctx, r, out)
}

func marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return b, nil
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	url := c.baseURL + r.path
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(r.method)
	req.SetRequestURI(url)
	if r.contentType != "" {
		req.Header.SetContentType(r.contentType)
	}
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	if r.body != nil {
		req.SetBody(r.body)
	}

	attempts := 1
	if r.retry {
		attempts = c.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		deadline := c.computeDeadline(ctx)
		err := c.http.DoDeadline(req, resp, deadline)
		if err != nil {
			lastErr = fmt.Errorf("%w: %s %s: %w", ErrUnavailable, r.method, r.path, err)
			if attempt == attempts {
				return lastErr
			}
			c.logger.Warn("backend_request_retry", zap.String("path", r.path), zap.Int("attempt", attempt), zap.Error(err))
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			err := statusError(status, string(resp.Body()))
			if attempt == attempts || !shouldRetryStatus(status) {
				return err
			}
			lastErr = err
			c.logger.Warn("backend_request_retry", zap.String("path", r.path), zap.Int("attempt", attempt), zap.Int("status", status))
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil && len(resp.Body()) > 0 {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

// statusError maps a non-2xx status: 4xx is a confirmed failure, the rest is
// transient.
func statusError(status int, body string) error {
	body = truncate(body, 512)
	switch {
	case status == fasthttp.StatusUnauthorized:
		return fmt.Errorf("%w: %w: status=%d body=%s", chat.ErrRejected, ErrUnauthorized, status, body)
	case status == fasthttp.StatusNotFound:
		return fmt.Errorf("%w: %w: status=%d body=%s", chat.ErrRejected, ErrNotFound, status, body)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: status=%d body=%s", chat.ErrRejected, status, body)
	default:
		return fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, status, body)
	}
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func (c *Client) sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
