// Package gateway composes the routing engine, tool-calling bridge,
// completion clients and insight trigger behind an OpenAI-compatible
// HTTP surface.
//
// Endpoints:
//   - POST /v1/chat/completions          - chat completions (streaming and not)
//   - GET  /v1/models                    - registered model names
//   - POST /v1/insight/sessions          - register an insight session
//   - POST /v1/insight/sessions/{id}/transcript - push a running transcript
//   - GET  /v1/insight/sessions/{id}/latest     - latest emitted insight
//   - DELETE /v1/insight/sessions/{id}   - close a session
//   - GET  /health                       - liveness
//   - GET  /stats                        - per-tier usage counters
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/conduit-ai/conduit/internal/backend"
	"github.com/conduit-ai/conduit/internal/errors"
	"github.com/conduit-ai/conduit/internal/insight"
	"github.com/conduit-ai/conduit/internal/registry"
	"github.com/conduit-ai/conduit/internal/router"
)

const (
	// MaxRequestBodySize bounds a request body.
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageCount bounds the messages in one request.
	MaxMessageCount = 100

	// Temperature bounds.
	MinTemperature = 0.0
	MaxTemperature = 2.0

	// Version is the gateway version.
	Version = "0.3.0"
)

// Options wires the gateway's collaborators.
type Options struct {
	Engine   *router.Engine
	Registry *registry.Registry

	// Clients maps each routing target to its tier client.
	Clients map[router.Target]*backend.Client

	// NativeTools marks targets whose backends support structured
	// function calling; the bridge is engaged for the rest.
	NativeTools map[router.Target]bool

	// Trigger is optional; without it the insight endpoints report
	// service unavailable.
	Trigger *insight.Trigger

	// ContextCeilingUnits caps prompt plus requested output units.
	ContextCeilingUnits int

	Log zerolog.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	host string
	port int

	mux    *http.ServeMux
	server *http.Server

	engine      *router.Engine
	registry    *registry.Registry
	clients     map[router.Target]*backend.Client
	nativeTools map[router.Target]bool
	trigger     *insight.Trigger
	ceiling     int

	stats *Stats
	log   zerolog.Logger

	// latestInsights holds the most recent emitted event per session
	// for the polling endpoint. Keyed by session id.
	latestInsights sync.Map
}

// NewServer creates a gateway server.
func NewServer(host string, port int, opts Options) *Server {
	ceiling := opts.ContextCeilingUnits
	if ceiling <= 0 {
		ceiling = 32768
	}

	s := &Server{
		host:        host,
		port:        port,
		mux:         http.NewServeMux(),
		engine:      opts.Engine,
		registry:    opts.Registry,
		clients:     opts.Clients,
		nativeTools: opts.NativeTools,
		trigger:     opts.Trigger,
		ceiling:     ceiling,
		stats:       NewStats(),
		log:         opts.Log.With().Str("component", "gateway").Logger(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("GET /v1/models", s.handleModels)

	s.mux.HandleFunc("POST /v1/insight/sessions", s.handleRegisterSession)
	s.mux.HandleFunc("POST /v1/insight/sessions/{id}/transcript", s.handleTranscript)
	s.mux.HandleFunc("GET /v1/insight/sessions/{id}/latest", s.handleLatestInsight)
	s.mux.HandleFunc("DELETE /v1/insight/sessions/{id}", s.handleCloseSession)

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: streaming relays hold the connection for as
		// long as the backend produces chunks.
		IdleTimeout: 120 * time.Second,
	}

	s.log.Info().Str("addr", addr).Str("version", Version).Msg("server starting")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info().Msg("server shutting down")
	return s.server.Shutdown(ctx)
}

// Stats exposes the collector, for wiring the insight emission counter.
func (s *Server) Stats() *Stats {
	return s.stats
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tiers := make(map[string]bool, len(s.clients))
	for target, client := range s.clients {
		tiers[target.String()] = client != nil
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"tiers":   tiers,
		"insight": s.trigger != nil,
	})
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

// handleModels handles GET /v1/models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelInfo struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	models := []modelInfo{{ID: "auto", Object: "model", OwnedBy: "conduit"}}
	for _, name := range s.registry.Names() {
		models = append(models, modelInfo{ID: name, Object: "model", OwnedBy: "conduit"})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    status,
		},
	})
}

// writeAppError maps an AppError to a diagnosable HTTP response.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	s.stats.RecordError()

	status := errors.GetStatus(err)
	if status == 0 {
		switch errors.GetCategory(err) {
		case errors.CategoryUser:
			status = http.StatusBadRequest
		case errors.CategoryRateLimit:
			status = http.StatusTooManyRequests
		case errors.CategoryTemporary:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
	}

	s.log.Warn().Err(err).Int("status", status).Msg("request failed")
	s.writeError(w, status, err.Error())
}
