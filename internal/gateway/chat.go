package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-ai/conduit/internal/backend"
	"github.com/conduit-ai/conduit/internal/bridge"
	"github.com/conduit-ai/conduit/internal/errors"
	"github.com/conduit-ai/conduit/internal/registry"
	"github.com/conduit-ai/conduit/internal/router"
	"github.com/conduit-ai/conduit/internal/tokens"
	"github.com/conduit-ai/conduit/pkg/protocol"
)

// validRoles is the set of acceptable message roles.
var validRoles = map[string]bool{
	protocol.RoleSystem:    true,
	protocol.RoleUser:      true,
	protocol.RoleAssistant: true,
}

// handleChatCompletions handles POST /v1/chat/completions.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Debug().Err(err).Msg("invalid request body")
		s.writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}

	if err := s.validateRequest(&req); err != nil {
		s.writeAppError(w, err)
		return
	}

	// Unit accounting: prompt units cover the whole message list, the
	// latest user message drives the latency heuristic.
	promptUnits := 0
	lastUserUnits := 0
	for _, msg := range req.Messages {
		n := tokens.Count(msg.Content)
		promptUnits += n
		if msg.Role == protocol.RoleUser {
			lastUserUnits = n
		}
	}

	// Context ceiling: reject before any backend call.
	if total := promptUnits + req.MaxTokens; total > s.ceiling {
		s.writeAppError(w, errors.NewBuilder(errors.CodeContextLimitExceeded,
			fmt.Sprintf("context limit exceeded: %d > %d (prompt_units=%d, max_output=%d)",
				total, s.ceiling, promptUnits, req.MaxTokens)).
			User().
			WithStatus(http.StatusBadRequest).
			Build())
		return
	}

	decision, entry := s.resolve(&req, lastUserUnits, promptUnits)

	client, ok := s.clients[decision.Target]
	if !ok || client == nil {
		s.writeAppError(w, errors.New(errors.CodeBackendUnavailable,
			"no backend configured for "+decision.Target.String(), errors.CategorySystem))
		return
	}

	// Engage the bridge when the serving backend lacks native function
	// calling: tools move into the system prompt and the reply is
	// parsed for the call envelope.
	shaped := req
	bridged := false
	if len(req.Tools) > 0 && !s.targetSupportsTools(decision.Target, entry) {
		shaped.Messages = bridge.Inject(req.Messages, req.Tools)
		shaped.Tools = nil
		bridged = true
	}

	breq := &backend.Request{
		Chat:         &shaped,
		BackendModel: entry.BackendModel,
		Decision:     decision,
	}

	if req.Stream {
		s.streamCompletion(w, r, client, breq)
		return
	}

	resp, err := client.Complete(r.Context(), breq)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	if resp.ID == "" {
		resp.ID = newResponseID()
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}

	if bridged && len(resp.Choices) > 0 {
		if call := bridge.Extract(resp.Choices[0].Message.Content); call != nil {
			resp.FunctionCall = call
		}
	}

	s.stats.RecordRequest(r.Context(), decision, resp.Usage.TotalTokens, resp.Router.LatencyMs)
	s.log.Info().
		Str("target", decision.Target.String()).
		Str("reason", decision.Reason.String()).
		Int("tokens", resp.Usage.TotalTokens).
		Int64("latency_ms", resp.Router.LatencyMs).
		Msg("completion served")

	s.writeJSON(w, http.StatusOK, resp)
}

// resolve picks the serving target. Caller overrides always win over
// the routing engine: an explicit provider, then a registry model
// pinned to a tier.
func (s *Server) resolve(req *protocol.ChatRequest, promptUnits, contextUnits int) (router.Decision, registry.Entry) {
	entry, found := s.registry.Lookup(req.Model)

	if req.Provider != "" {
		if !found || entry.Target != router.ExternalProvider {
			entry = registry.Entry{Target: router.ExternalProvider, BackendModel: req.Model}
		}
		return router.Decision{Target: router.ExternalProvider, Reason: router.ReasonRequestedProvider}, entry
	}

	if found && entry.Pinned {
		return router.Decision{Target: entry.Target, Reason: router.ReasonRequestedModel}, entry
	}

	decision := s.engine.Route(promptUnits, contextUnits, req.QualityPriority)

	// An unpinned registry entry contributes its backend model path
	// only when routing landed on its own tier.
	if !found || entry.Target != decision.Target {
		entry = registry.Entry{Target: decision.Target}
	}
	return decision, entry
}

// targetSupportsTools reports whether the serving backend handles
// structured tool calls natively.
func (s *Server) targetSupportsTools(target router.Target, entry registry.Entry) bool {
	if entry.NativeTools {
		return true
	}
	return s.nativeTools[target]
}

// validateRequest enforces the endpoint's request limits.
func (s *Server) validateRequest(req *protocol.ChatRequest) error {
	if len(req.Messages) == 0 {
		return errors.User(errors.CodeInvalidInput, "request must contain at least one message")
	}
	if len(req.Messages) > MaxMessageCount {
		return errors.User(errors.CodeInvalidInput, fmt.Sprintf("too many messages: maximum is %d", MaxMessageCount))
	}
	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			return errors.User(errors.CodeInvalidInput,
				fmt.Sprintf("invalid role %q at message %d: must be system, user or assistant", msg.Role, i))
		}
	}
	if req.MaxTokens < 0 {
		return errors.User(errors.CodeInvalidInput, "max_tokens must be non-negative")
	}
	if req.Temperature < MinTemperature || req.Temperature > MaxTemperature {
		return errors.User(errors.CodeInvalidInput,
			fmt.Sprintf("temperature must be between %.1f and %.1f", MinTemperature, MaxTemperature))
	}
	for _, tool := range req.Tools {
		if tool.Name == "" {
			return errors.User(errors.CodeInvalidInput, "tool definitions must carry a name")
		}
	}
	return nil
}

// newResponseID generates a unique response id.
func newResponseID() string {
	return "chatcmpl-" + uuid.NewString()
}
