package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-ai/conduit/internal/backend"
	"github.com/conduit-ai/conduit/internal/insight"
	"github.com/conduit-ai/conduit/internal/registry"
	"github.com/conduit-ai/conduit/internal/router"
	"github.com/conduit-ai/conduit/pkg/protocol"
)

// captured records what a fake backend saw.
type captured struct {
	Model    string
	Messages []protocol.ChatMessage
	HasTools bool
}

// fakeBackend serves a fixed completion and records the last request.
func fakeBackend(t *testing.T, reply string) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model    string                 `json:"model"`
			Messages []protocol.ChatMessage `json:"messages"`
			Tools    []any                  `json:"tools"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		got.Model = body.Model
		got.Messages = body.Messages
		got.HasTools = len(body.Tools) > 0

		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-upstream",
			"created": 1700000000,
			"model":   body.Model,
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": reply}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
		})
	}))
	t.Cleanup(server.Close)
	return server, got
}

func tierTestClient(t *testing.T, name, baseURL string) *backend.Client {
	t.Helper()
	cfg := backend.DefaultConfig(name, baseURL)
	cfg.Timeout = 5 * time.Second
	return backend.NewClient(cfg, zerolog.Nop())
}

// gatewayFixture bundles a server with its fake backends.
type gatewayFixture struct {
	server *Server
	tierA  *captured
	tierB  *captured
	ext    *captured
}

func newFixture(t *testing.T, opts func(*Options)) *gatewayFixture {
	t.Helper()

	tierASrv, tierACap := fakeBackend(t, "tier A reply")
	tierBSrv, tierBCap := fakeBackend(t, "tier B reply")
	extSrv, extCap := fakeBackend(t, "external reply")

	reg := registry.New()
	reg.Register("smart", registry.Entry{Target: router.TierA, BackendModel: "tier-a/quality-70b", Pinned: true})
	reg.Register("fast", registry.Entry{Target: router.TierB, BackendModel: "tier-b/throughput-8b"})

	o := Options{
		Engine:   router.NewEngine(&router.Config{Strategy: router.StrategyAuto}),
		Registry: reg,
		Clients: map[router.Target]*backend.Client{
			router.TierA:            tierTestClient(t, "tier_a", tierASrv.URL+"/v1"),
			router.TierB:            tierTestClient(t, "tier_b", tierBSrv.URL+"/v1"),
			router.ExternalProvider: tierTestClient(t, "external", extSrv.URL+"/v1"),
		},
		NativeTools: map[router.Target]bool{
			router.ExternalProvider: true,
		},
		ContextCeilingUnits: 32768,
		Log:                 zerolog.Nop(),
	}
	if opts != nil {
		opts(&o)
	}

	return &gatewayFixture{
		server: NewServer("127.0.0.1", 0, o),
		tierA:  tierACap,
		tierB:  tierBCap,
		ext:    extCap,
	}
}

func (f *gatewayFixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *gatewayFixture) chat(t *testing.T, req protocol.ChatRequest) (*httptest.ResponseRecorder, *protocol.ChatResponse) {
	t.Helper()
	rec := f.post(t, "/v1/chat/completions", req)
	if rec.Code != http.StatusOK {
		return rec, nil
	}
	var resp protocol.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, &resp
}

func userMessage(words int) []protocol.ChatMessage {
	return []protocol.ChatMessage{
		{Role: protocol.RoleUser, Content: strings.TrimSpace(strings.Repeat("word ", words))},
	}
}

func TestChat_RoutesShortPromptToTierB(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.chat(t, protocol.ChatRequest{Model: "auto", Messages: userMessage(10)})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "tier B reply", resp.Choices[0].Message.Content)
	assert.Equal(t, "auto", resp.Model)
	require.NotNil(t, resp.Router)
	assert.Equal(t, "tierB", resp.Router.Target)
	assert.Equal(t, "short_prompt_latency", resp.Router.Reason)
}

func TestChat_QualityPriorityGoesToTierA(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.chat(t, protocol.ChatRequest{
		Model:           "auto",
		Messages:        userMessage(10),
		QualityPriority: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "tier A reply", resp.Choices[0].Message.Content)
	assert.Equal(t, "quality_priority", resp.Router.Reason)
}

func TestChat_LongContextGoesToTierA(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.chat(t, protocol.ChatRequest{Model: "auto", Messages: userMessage(9000)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tierA", resp.Router.Target)
	assert.Equal(t, "long_context", resp.Router.Reason)
}

func TestChat_ProviderOverrideAlwaysWins(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.chat(t, protocol.ChatRequest{
		Model:           "anthropic/claude-3.5-sonnet",
		Provider:        "openrouter",
		Messages:        userMessage(10),
		QualityPriority: true, // would otherwise force tier A
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "external reply", resp.Choices[0].Message.Content)
	assert.Equal(t, "external_provider", resp.Router.Target)
	assert.Equal(t, "requested_provider", resp.Router.Reason)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", f.ext.Model)
}

func TestChat_PinnedModelOverride(t *testing.T) {
	f := newFixture(t, nil)

	// "smart" is pinned to tier A; a tiny prompt would otherwise route
	// to tier B.
	rec, resp := f.chat(t, protocol.ChatRequest{Model: "smart", Messages: userMessage(3)})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "tierA", resp.Router.Target)
	assert.Equal(t, "requested_model", resp.Router.Reason)
	assert.Equal(t, "tier-a/quality-70b", f.tierA.Model)
	assert.Equal(t, "smart", resp.Model)
}

func TestChat_UnpinnedModelFollowsEngine(t *testing.T) {
	f := newFixture(t, nil)

	// "fast" is bound to tier B but unpinned; routing agrees here, so
	// its backend model path is used.
	rec, resp := f.chat(t, protocol.ChatRequest{Model: "fast", Messages: userMessage(3)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tierB", resp.Router.Target)
	assert.Equal(t, "short_prompt_latency", resp.Router.Reason)
	assert.Equal(t, "tier-b/throughput-8b", f.tierB.Model)
}

func TestChat_UnknownModelPassesThrough(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.chat(t, protocol.ChatRequest{Model: "never-heard-of-it", Messages: userMessage(3)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "never-heard-of-it", resp.Model)
	assert.Equal(t, "tierB", resp.Router.Target)
}

func TestChat_ContextCeiling(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.post(t, "/v1/chat/completions", protocol.ChatRequest{
		Model:     "auto",
		Messages:  userMessage(5000),
		MaxTokens: 30000,
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "context limit exceeded")
	assert.Contains(t, body, "35000")
	assert.Contains(t, body, "prompt_units=5000")
	assert.Contains(t, body, "max_output=30000")

	// No backend saw the request.
	assert.Empty(t, f.tierA.Model)
	assert.Empty(t, f.tierB.Model)
}

func TestChat_Validation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		req  protocol.ChatRequest
	}{
		{"no messages", protocol.ChatRequest{Model: "auto"}},
		{"bad role", protocol.ChatRequest{Model: "auto", Messages: []protocol.ChatMessage{{Role: "tool", Content: "x"}}}},
		{"negative max_tokens", protocol.ChatRequest{Model: "auto", Messages: userMessage(2), MaxTokens: -1}},
		{"temperature too high", protocol.ChatRequest{Model: "auto", Messages: userMessage(2), Temperature: 3.5}},
		{"unnamed tool", protocol.ChatRequest{Model: "auto", Messages: userMessage(2), Tools: []protocol.ToolDefinition{{Description: "x"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.post(t, "/v1/chat/completions", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{nope"))
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestChat_BridgeEngagedForNonNativeTier(t *testing.T) {
	f := newFixture(t, nil)

	tools := []protocol.ToolDefinition{{
		Name:        "get_weather",
		Description: "weather lookup",
		Parameters:  map[string]any{"type": "object"},
	}}

	rec, _ := f.chat(t, protocol.ChatRequest{Model: "auto", Messages: userMessage(5), Tools: tools})
	require.Equal(t, http.StatusOK, rec.Code)

	// Tier B lacks native tool support: the definitions moved into a
	// system message and never rode the wire as structured tools.
	assert.False(t, f.tierB.HasTools)
	require.NotEmpty(t, f.tierB.Messages)
	assert.Equal(t, protocol.RoleSystem, f.tierB.Messages[0].Role)
	assert.Contains(t, f.tierB.Messages[0].Content, "Tool: get_weather")
}

func TestChat_NativeToolsPassThrough(t *testing.T) {
	f := newFixture(t, nil)

	tools := []protocol.ToolDefinition{{Name: "get_weather", Parameters: map[string]any{"type": "object"}}}
	rec, _ := f.chat(t, protocol.ChatRequest{
		Model:    "ext/model",
		Provider: "openrouter",
		Messages: userMessage(5),
		Tools:    tools,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.True(t, f.ext.HasTools)
	for _, msg := range f.ext.Messages {
		assert.NotContains(t, msg.Content, "Tool: get_weather")
	}
}

func TestChat_BridgeExtractsFunctionCall(t *testing.T) {
	reply := "```json\n" +
		`{"function_call": {"name": "get_weather", "arguments": {"location": "Oslo"}}}` +
		"\n```"

	upstream, _ := fakeBackend(t, reply)
	f := newFixture(t, func(o *Options) {
		o.Clients[router.TierB] = tierTestClient(t, "tier_b", upstream.URL+"/v1")
	})

	tools := []protocol.ToolDefinition{{Name: "get_weather", Parameters: map[string]any{"type": "object"}}}
	rec, resp := f.chat(t, protocol.ChatRequest{Model: "auto", Messages: userMessage(5), Tools: tools})
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, resp.FunctionCall)
	assert.Equal(t, "get_weather", resp.FunctionCall.Name)
	assert.JSONEq(t, `{"location":"Oslo"}`, resp.FunctionCall.Arguments)
}

func TestChat_BridgePlainTextReplyIsNotACall(t *testing.T) {
	f := newFixture(t, nil)

	tools := []protocol.ToolDefinition{{Name: "get_weather", Parameters: map[string]any{"type": "object"}}}
	rec, resp := f.chat(t, protocol.ChatRequest{Model: "auto", Messages: userMessage(5), Tools: tools})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Nil(t, resp.FunctionCall)
	assert.Equal(t, "tier B reply", resp.Choices[0].Message.Content)
}

func TestChat_BackendUnavailable(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Clients[router.TierB] = tierTestClient(t, "tier_b", "http://127.0.0.1:1/v1")
	})

	rec := f.post(t, "/v1/chat/completions", protocol.ChatRequest{Model: "auto", Messages: userMessage(3)})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unreachable")
}

func TestChat_Streaming(t *testing.T) {
	chunks := []string{
		`{"choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(upstream.Close)

	f := newFixture(t, func(o *Options) {
		o.Clients[router.TierB] = tierTestClient(t, "tier_b", upstream.URL+"/v1")
	})

	rec := f.post(t, "/v1/chat/completions", protocol.ChatRequest{
		Model:    "auto",
		Messages: userMessage(3),
		Stream:   true,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Equal(t, "tierB", rec.Header().Get("X-Router-Target"))

	var payloads []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "data: ") {
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
		}
	}

	// Chunks verbatim, then one metadata chunk, then one terminal marker.
	require.Len(t, payloads, len(chunks)+2)
	assert.Equal(t, chunks, payloads[:len(chunks)])
	assert.Equal(t, "[DONE]", payloads[len(payloads)-1])

	var meta protocol.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(payloads[len(payloads)-2]), &meta))
	require.NotNil(t, meta.Router)
	assert.Equal(t, "tierB", meta.Router.Target)
	assert.Equal(t, "short_prompt_latency", meta.Router.Reason)
}

func TestChat_StreamingMidFailureHasNoTerminalMarker(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
		}
	}))
	t.Cleanup(upstream.Close)

	f := newFixture(t, func(o *Options) {
		o.Clients[router.TierB] = tierTestClient(t, "tier_b", upstream.URL+"/v1")
	})

	rec := f.post(t, "/v1/chat/completions", protocol.ChatRequest{
		Model:    "auto",
		Messages: userMessage(3),
		Stream:   true,
	})

	assert.NotContains(t, rec.Body.String(), "[DONE]")
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	_, resp := f.chat(t, protocol.ChatRequest{Model: "auto", Messages: userMessage(3)})
	require.NotNil(t, resp)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap StatsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.TierBRequests)
	assert.Equal(t, int64(7), snap.TotalTokens)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestModelsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"auto"`)
	assert.Contains(t, body, `"smart"`)
	assert.Contains(t, body, `"fast"`)
}

// fixedSummarizer returns a constant summary.
type fixedSummarizer struct{ text string }

func (s fixedSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return s.text, nil
}

func TestInsightEndpoints(t *testing.T) {
	trigger := insight.NewTrigger(&insight.Config{
		MinTokens:    3,
		MinInterval:  0,
		RetainTokens: 2,
	}, fixedSummarizer{text: "The user is renaming a package."}, zerolog.Nop())
	require.NoError(t, trigger.Startup())
	t.Cleanup(trigger.Shutdown)

	f := newFixture(t, func(o *Options) {
		o.Trigger = trigger
	})

	// Register.
	rec := f.post(t, "/v1/insight/sessions", map[string]string{"session_id": "conv-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "conv-1", created["session_id"])

	// Nothing yet.
	req := httptest.NewRequest(http.MethodGet, "/v1/insight/sessions/conv-1/latest", nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Push enough transcript to open the gate.
	rec = f.post(t, "/v1/insight/sessions/conv-1/transcript",
		map[string]string{"text": "please rename the whole package tree now"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The emission is asynchronous; poll the latest endpoint.
	deadline := time.Now().Add(2 * time.Second)
	var ev protocol.InsightEvent
	for {
		req = httptest.NewRequest(http.MethodGet, "/v1/insight/sessions/conv-1/latest", nil)
		w = httptest.NewRecorder()
		f.server.Handler().ServeHTTP(w, req)
		if w.Code == http.StatusOK {
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ev))
			break
		}
		require.True(t, time.Now().Before(deadline), "no insight emitted before deadline")
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, protocol.EventInsight, ev.Event)
	assert.Equal(t, "conv-1", ev.SessionID)
	assert.Equal(t, "The user is renaming a package.", ev.Text)

	// Close; further transcripts are rejected and the cache is cleared.
	req = httptest.NewRequest(http.MethodDelete, "/v1/insight/sessions/conv-1", nil)
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	rec = f.post(t, "/v1/insight/sessions/conv-1/transcript", map[string]string{"text": "more"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/insight/sessions/conv-1/latest", nil)
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInsightEndpointsDisabled(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.post(t, "/v1/insight/sessions", map[string]string{})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.post(t, "/v1/insight/sessions/x/transcript", map[string]string{"text": "y"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
