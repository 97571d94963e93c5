package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/conduit-ai/conduit/internal/backend"
	"github.com/conduit-ai/conduit/pkg/protocol"
)

// streamCompletion relays an incremental completion to the caller over
// SSE. Chunks are forwarded verbatim in order as the backend produces
// them; one trailing metadata chunk carries the routing outcome before
// the single terminal marker. A mid-stream backend failure terminates
// the relay without fabricating a terminal chunk.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, client *backend.Client, breq *backend.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	started := time.Now()

	events, err := client.CompleteStream(r.Context(), breq)
	if err != nil {
		// Connection or opening-status failure: the stream never
		// started, so a normal JSON error is still possible.
		s.writeAppError(w, err)
		return
	}

	// Intermediary buffering and caching defeat incremental delivery.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Router-Target", breq.Decision.Target.String())
	w.Header().Set("X-Router-Reason", breq.Decision.Reason.String())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	chunkCount := 0
	for ev := range events {
		switch {
		case ev.Err != nil:
			s.log.Warn().Err(ev.Err).Msg("stream interrupted")
			s.stats.RecordError()
			return

		case ev.Done:
			latencyMs := time.Since(started).Milliseconds()
			s.sendRouterChunk(w, flusher, breq, latencyMs)
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()

			s.stats.RecordRequest(r.Context(), breq.Decision, 0, latencyMs)
			s.log.Info().
				Str("target", breq.Decision.Target.String()).
				Str("reason", breq.Decision.Reason.String()).
				Int("chunks", chunkCount).
				Int64("latency_ms", latencyMs).
				Msg("stream served")
			return

		default:
			chunkCount++
			fmt.Fprintf(w, "data: %s\n\n", ev.Data)
			flusher.Flush()
		}
	}

	// Channel closed without a terminal marker: upstream went away.
	s.stats.RecordError()
}

// sendRouterChunk emits the routing-metadata chunk that precedes the
// terminal marker.
func (s *Server) sendRouterChunk(w http.ResponseWriter, flusher http.Flusher, breq *backend.Request, latencyMs int64) {
	chunk := protocol.StreamChunk{
		ID:      newResponseID(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   breq.Chat.Model,
		Choices: []protocol.StreamChoice{},
		Router: &protocol.RouterMetadata{
			Target:    breq.Decision.Target.String(),
			Reason:    breq.Decision.Reason.String(),
			LatencyMs: latencyMs,
		},
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
