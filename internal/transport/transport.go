// Package transport provides the retrying HTTP transport used for
// idempotent gateway calls: registry refreshes, reachability checks,
// anything safe to repeat. Completion calls never go through it;
// retrying paid inference duplicates work, so the backend clients make
// a single attempt.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/conduit-ai/conduit/internal/errors"
)

// Response is a fully drained HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client is an HTTP client with bounded retry/backoff for idempotent
// verbs and a circuit breaker shared across calls.
type Client struct {
	http    *http.Client
	policy  *errors.Policy
	breaker *errors.CircuitBreaker
	log     zerolog.Logger
}

// New creates a retrying transport. A nil policy uses the default
// bounded backoff.
func New(policy *errors.Policy, log zerolog.Logger) *Client {
	if policy == nil {
		policy = errors.DefaultPolicy()
	}
	return &Client{
		http:    &http.Client{},
		policy:  policy,
		breaker: errors.NewCircuitBreaker("transport", nil),
		log:     log.With().Str("component", "transport").Logger(),
	}
}

// idempotent reports whether a verb is safe to retry.
func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// Request performs an HTTP call. Idempotent verbs are retried under
// the configured policy; other verbs get a single attempt.
func (c *Client) Request(ctx context.Context, method, url string, body []byte, headers map[string]string, timeout time.Duration) (*Response, error) {
	policy := c.policy
	if !idempotent(method) {
		policy = errors.NoRetry()
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return errors.DoWithResult(ctx, policy, func() (*Response, error) {
		var resp *Response
		err := c.breaker.Execute(func() error {
			var attemptErr error
			resp, attemptErr = c.attempt(ctx, method, url, body, headers)
			return attemptErr
		})
		return resp, err
	})
}

// attempt performs one HTTP round trip.
func (c *Client) attempt(ctx context.Context, method, url string, body []byte, headers map[string]string) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "failed to create request", errors.CategoryPermanent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("url", url).Msg("request failed")
		return nil, errors.Wrap(err, errors.CodeNetworkUnavailable, "request failed", errors.CategoryTemporary)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNetworkUnavailable, "failed to read response", errors.CategoryTemporary)
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: respBody}

	switch {
	case resp.StatusCode >= 500:
		return nil, errors.Temporary(errors.CodeBackendUnavailable, fmt.Sprintf("server error: %s", resp.Status))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.RateLimit(errors.CodeBackendRateLimit, "rate limited", 2*time.Second)
	case resp.StatusCode >= 400:
		e := errors.Permanent(errors.CodeBackendRejected, fmt.Sprintf("rejected: %s", resp.Status))
		e.Status = resp.StatusCode
		return nil, e
	}

	return out, nil
}
