package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conduit-ai/conduit/internal/errors"
)

// StreamEvent is one element of a streaming relay.
type StreamEvent struct {
	// Data is the raw chunk payload, forwarded verbatim.
	Data []byte

	// Done marks the backend's terminal chunk. Exactly one Done event
	// is delivered per successful stream.
	Done bool

	// Err reports a mid-stream failure. The relay terminates without
	// fabricating a terminal chunk.
	Err error
}

// doneMarker is the terminal sentinel of the chat-completion stream
// protocol.
const doneMarker = "[DONE]"

// CompleteStream opens an incremental completion and relays chunks as
// the backend produces them. Chunks are forwarded in order without
// buffering the whole completion; a slow consumer stalls the upstream
// read. Connection establishment and the opening status are checked
// synchronously; after that, events arrive on the returned channel
// until the terminal marker, a mid-stream error, or context
// cancellation. The channel is always closed.
func (c *Client) CompleteStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if c == nil {
		return nil, errors.New(errors.CodeBackendUnavailable, "tier client not initialized", errors.CategorySystem)
	}

	backendModel := c.backendModel(req)

	shaped := *req.Chat
	shaped.Stream = true
	streamReq := &Request{Chat: &shaped, BackendModel: req.BackendModel, Decision: req.Decision}

	body, err := json.Marshal(c.buildBody(streamReq, backendModel))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "failed to marshal stream request", errors.CategoryPermanent)
	}

	httpReq, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNetworkUnavailable, "failed to create HTTP request", errors.CategoryPermanent)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, errors.NewBuilder(errors.CodeBackendUnavailable, fmt.Sprintf("backend %s unreachable", c.cfg.Name)).
			Temporary().
			Wrap(err).
			WithStatus(http.StatusServiceUnavailable).
			Build()
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, c.rejectionError(resp, respBody)
	}

	events := make(chan StreamEvent)
	go c.relay(ctx, resp.Body, events)
	return events, nil
}

// relay forwards SSE data payloads from the backend body to the event
// channel, preserving order and propagating exactly one terminal
// marker.
func (c *Client) relay(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	started := time.Now()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		if payload == doneMarker {
			select {
			case events <- StreamEvent{Done: true}:
			case <-ctx.Done():
			}
			c.log.Debug().Int64("latency_ms", time.Since(started).Milliseconds()).Msg("stream completed")
			return
		}

		select {
		case events <- StreamEvent{Data: []byte(payload)}:
		case <-ctx.Done():
			return
		}
	}

	// The backend closed without a terminal marker, or the read
	// failed. Terminate without fabricating a Done event.
	if err := scanner.Err(); err != nil {
		c.log.Warn().Err(err).Msg("stream interrupted")
		select {
		case events <- StreamEvent{Err: errors.Wrap(err, errors.CodeStreamInterrupted, "stream interrupted", errors.CategoryTemporary)}:
		case <-ctx.Done():
		}
	}
}
