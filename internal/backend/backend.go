// Package backend provides HTTP clients for the inference tiers.
//
// Supports:
// - Non-streaming chat completions with routing metadata tagging
// - Streaming relay of incremental completion chunks
// - OpenAI-compatible wire format across all tiers
//
// Completion calls are never retried here: once a response byte has
// been consumed a retry would duplicate paid, non-idempotent
// inference. Bounded retry for idempotent calls lives in the
// transport package.
package backend

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/conduit-ai/conduit/internal/router"
	"github.com/conduit-ai/conduit/pkg/protocol"
)

// Config configures a tier client.
type Config struct {
	// Name identifies the tier in logs and errors.
	Name string

	// BaseURL is the backend root, e.g. http://tier-a:8000/v1.
	BaseURL string

	APIKey string

	// DefaultModel is the backend-internal model path used when the
	// registry supplies none.
	DefaultModel string

	// Timeout bounds a non-streaming completion end to end.
	Timeout time.Duration

	// ConnectTimeout bounds stream connection establishment. Reads on
	// an open stream are unbounded.
	ConnectTimeout time.Duration
}

// DefaultConfig returns a tier client configuration with bounded
// timeouts.
func DefaultConfig(name, baseURL string) *Config {
	return &Config{
		Name:           name,
		BaseURL:        baseURL,
		Timeout:        60 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Client sends chat completions to one backend tier.
type Client struct {
	cfg *Config

	// client bounds non-streaming calls end to end.
	client *http.Client

	// streamClient has no overall deadline; only the dial is bounded.
	streamClient *http.Client

	log zerolog.Logger
}

// NewClient creates a tier client.
func NewClient(cfg *Config, log zerolog.Logger) *Client {
	if cfg == nil {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		streamClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		log: log.With().Str("component", "backend").Str("tier", cfg.Name).Logger(),
	}
}

// Name returns the tier name.
func (c *Client) Name() string {
	if c == nil || c.cfg == nil {
		return ""
	}
	return c.cfg.Name
}

// Request is a shaped completion request bound for one tier.
type Request struct {
	// Chat is the caller's request with any bridge-injected messages.
	Chat *protocol.ChatRequest

	// BackendModel is the backend-internal model path. Empty means the
	// tier's default model.
	BackendModel string

	// Decision is the routing outcome tagged onto the response.
	Decision router.Decision
}

// backendModel resolves the model path sent on the wire.
func (c *Client) backendModel(req *Request) string {
	if req.BackendModel != "" {
		return req.BackendModel
	}
	if c.cfg.DefaultModel != "" {
		return c.cfg.DefaultModel
	}
	return req.Chat.Model
}

// metadata builds the router metadata stamped on responses.
func metadata(req *Request, backendModel string, started time.Time) *protocol.RouterMetadata {
	return &protocol.RouterMetadata{
		Target:       req.Decision.Target.String(),
		Reason:       req.Decision.Reason.String(),
		LatencyMs:    time.Since(started).Milliseconds(),
		BackendModel: backendModel,
	}
}

// newRequest builds the outbound HTTP request.
func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return httpReq, nil
}
