package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/conduit-ai/conduit/internal/errors"
	"github.com/conduit-ai/conduit/pkg/protocol"
)

// registerSessionRequest is the body of POST /v1/insight/sessions.
type registerSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// transcriptRequest is the body of the transcript endpoint. Text is the
// full running transcript, not a delta.
type transcriptRequest struct {
	Text string `json:"text"`
}

// handleRegisterSession handles POST /v1/insight/sessions.
func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		s.writeError(w, http.StatusServiceUnavailable, "insight trigger disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	// An empty body is fine: the trigger assigns a fresh id.
	var req registerSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}

	id, err := s.trigger.RegisterSession(req.SessionID, func(ev protocol.InsightEvent) error {
		s.latestInsights.Store(ev.SessionID, ev)
		s.stats.RecordInsight(context.Background())
		return nil
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

// handleTranscript handles POST /v1/insight/sessions/{id}/transcript.
// Always returns promptly: summarization runs in the background.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		s.writeError(w, http.StatusServiceUnavailable, "insight trigger disabled")
		return
	}

	id := r.PathValue("id")
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req transcriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}

	if err := s.trigger.HandleTranscript(id, req.Text); err != nil {
		s.writeAppError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleLatestInsight handles GET /v1/insight/sessions/{id}/latest.
func (s *Server) handleLatestInsight(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	v, ok := s.latestInsights.Load(id)
	if !ok {
		s.writeAppError(w, errors.NewBuilder(errors.CodeSessionUnknown, "no insight for session: "+id).
			User().
			WithStatus(http.StatusNotFound).
			Build())
		return
	}

	s.writeJSON(w, http.StatusOK, v.(protocol.InsightEvent))
}

// handleCloseSession handles DELETE /v1/insight/sessions/{id}.
// Closing is idempotent.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		s.writeError(w, http.StatusServiceUnavailable, "insight trigger disabled")
		return
	}

	id := r.PathValue("id")
	s.trigger.CloseSession(id)
	s.latestInsights.Delete(id)

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
