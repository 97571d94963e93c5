package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/conduit-ai/conduit/internal/errors"
	"github.com/conduit-ai/conduit/pkg/protocol"
)

// Complete sends a shaped request to the tier and returns the parsed
// completion, tagged with routing metadata and end-to-end latency.
// The caller-visible model name is restored to what was requested; the
// backend-internal id is kept only in the metadata.
func (c *Client) Complete(ctx context.Context, req *Request) (*protocol.ChatResponse, error) {
	if c == nil {
		return nil, errors.New(errors.CodeBackendUnavailable, "tier client not initialized", errors.CategorySystem)
	}

	started := time.Now()
	backendModel := c.backendModel(req)

	body, err := json.Marshal(c.buildBody(req, backendModel))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "failed to marshal completion request", errors.CategoryPermanent)
	}

	httpReq, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNetworkUnavailable, "failed to create HTTP request", errors.CategoryPermanent)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.log.Warn().Err(err).Msg("backend unreachable")
		return nil, errors.NewBuilder(errors.CodeBackendUnavailable, fmt.Sprintf("backend %s unreachable", c.cfg.Name)).
			Temporary().
			Wrap(err).
			WithStatus(http.StatusServiceUnavailable).
			Build()
	}

	respBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, errors.Wrap(readErr, errors.CodeNetworkUnavailable, "failed to read backend response", errors.CategoryTemporary)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.rejectionError(resp, respBody)
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, errors.NewBuilder(errors.CodeBackendParseError, "failed to parse backend response").
			Permanent().
			Wrap(err).
			WithContext("response_body", string(respBody)).
			Build()
	}

	if len(wire.Choices) == 0 {
		return nil, errors.New(errors.CodeBackendParseError, "backend response contained no choices", errors.CategoryPermanent)
	}

	out := &protocol.ChatResponse{
		ID:      wire.ID,
		Object:  "chat.completion",
		Created: wire.Created,
		Model:   req.Chat.Model, // restore the requested name
		Router:  metadata(req, backendModel, started),
	}
	for _, ch := range wire.Choices {
		out.Choices = append(out.Choices, protocol.ChatChoice{
			Index: ch.Index,
			Message: protocol.ChatMessage{
				Role:    ch.Message.Role,
				Content: ch.Message.Content,
			},
			FinishReason: ch.FinishReason,
		})
	}
	out.Usage = protocol.Usage{
		PromptTokens:     wire.Usage.PromptTokens,
		CompletionTokens: wire.Usage.CompletionTokens,
		TotalTokens:      wire.Usage.TotalTokens,
	}

	c.log.Debug().
		Str("model", backendModel).
		Int("total_tokens", out.Usage.TotalTokens).
		Int64("latency_ms", out.Router.LatencyMs).
		Msg("completion served")

	return out, nil
}

// buildBody shapes the outbound OpenAI-compatible request body.
func (c *Client) buildBody(req *Request, backendModel string) map[string]any {
	messages := make([]map[string]string, 0, len(req.Chat.Messages))
	for _, m := range req.Chat.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	body := map[string]any{
		"model":    backendModel,
		"messages": messages,
	}
	if req.Chat.MaxTokens > 0 {
		body["max_tokens"] = req.Chat.MaxTokens
	}
	if req.Chat.Temperature > 0 {
		body["temperature"] = req.Chat.Temperature
	}
	if req.Chat.Stream {
		body["stream"] = true
	}

	// Tools ride natively only when the gateway left them on the
	// request; bridged requests carry them inside the system prompt
	// instead.
	if len(req.Chat.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Chat.Tools))
		for _, tool := range req.Chat.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}
		body["tools"] = tools
	}

	return body
}

// rejectionError maps a non-success backend status to a gateway error,
// preserving the backend status for the caller.
func (c *Client) rejectionError(resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 2 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		e := errors.RateLimit(errors.CodeBackendRateLimit, fmt.Sprintf("backend %s rate limited", c.cfg.Name), retryAfter)
		e.Status = resp.StatusCode
		return e
	}

	return errors.NewBuilder(errors.CodeBackendRejected, fmt.Sprintf("backend %s rejected request: %s", c.cfg.Name, resp.Status)).
		Permanent().
		WithStatus(resp.StatusCode).
		WithContext("response_body", string(body)).
		Build()
}

// ============================================================
// Backend wire types (OpenAI-compatible)
// ============================================================

type wireResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
