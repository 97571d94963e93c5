// Package insight watches accumulating conversation transcripts and
// asynchronously raises short summaries once enough new content has
// arrived.
//
// Each live conversation registers a session. Transcript updates
// replace the session's accumulated text; when growth crosses the
// content threshold and the time gate has elapsed, a background
// summarization is scheduled over a bounded tail window. The pending
// flag guarantees at most one in-flight emission per session, and
// sessions are otherwise fully independent.
package insight

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/conduit-ai/conduit/internal/errors"
	"github.com/conduit-ai/conduit/internal/tokens"
	"github.com/conduit-ai/conduit/pkg/protocol"
)

// maxWindowUnits bounds the text handed to the summarizer regardless
// of transcript growth.
const maxWindowUnits = 2048

// maxInsightRunes caps the derived insight text.
const maxInsightRunes = 240

// Config configures the debounce gate. Immutable after construction.
type Config struct {
	// MinTokens is the transcript growth, in units, required before an
	// emission is considered.
	MinTokens int

	// MinInterval is the minimum time between emissions per session.
	MinInterval time.Duration

	// RetainTokens is how many trailing units survive the post-emission
	// trim, kept for continuity with the next window.
	RetainTokens int
}

// DefaultConfig returns the default gate parameters.
func DefaultConfig() *Config {
	return &Config{
		MinTokens:    200,
		MinInterval:  45 * time.Second,
		RetainTokens: 80,
	}
}

// Summarizer produces a summary for a transcript window.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// EmitFunc delivers an insight event to the session's owner. A non-nil
// error is logged, never retried.
type EmitFunc func(protocol.InsightEvent) error

// session is the per-conversation state. All field mutation is
// serialized by mu.
type session struct {
	mu sync.Mutex

	id   string
	emit EmitFunc

	accumulated    string
	lastEmittedLen int
	lastEmitTime   time.Time
	pending        bool
	closed         bool

	// cancel aborts the in-flight emission, if any.
	cancel context.CancelFunc
}

// Trigger owns the session store and schedules emissions.
type Trigger struct {
	cfg       *Config
	summarize Summarizer
	log       zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

// NewTrigger creates an insight trigger. Call Startup before
// registering sessions.
func NewTrigger(cfg *Config, summarizer Summarizer, log zerolog.Logger) *Trigger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Trigger{
		cfg:       cfg,
		summarize: summarizer,
		sessions:  make(map[string]*session),
		log:       log.With().Str("component", "insight").Logger(),
	}
}

// Startup prepares the trigger for use.
func (t *Trigger) Startup() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	t.baseCtx, t.baseCancel = context.WithCancel(context.Background())
	t.started = true
	return nil
}

// Shutdown cancels in-flight emissions, waits for them to drain, and
// discards all sessions.
func (t *Trigger) Shutdown() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	t.baseCancel()
	for id, s := range t.sessions {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		delete(t.sessions, id)
	}
	t.mu.Unlock()

	t.wg.Wait()
}

// RegisterSession creates a session. An empty id is assigned a fresh
// one; the chosen id is returned.
func (t *Trigger) RegisterSession(id string, emit EmitFunc) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return "", errors.New(errors.CodeSessionClosed, "insight trigger not started", errors.CategorySystem)
	}
	if _, ok := t.sessions[id]; ok {
		return "", errors.User(errors.CodeInvalidInput, "session already registered: "+id)
	}

	t.sessions[id] = &session{
		id:   id,
		emit: emit,
		// lastEmitTime stays at the zero value so the first emission is
		// gated by content growth only.
	}
	t.log.Debug().Str("session_id", id).Msg("session registered")
	return id, nil
}

// HandleTranscript replaces the session's accumulated transcript with
// the supplied running text and schedules a background summarization
// if the debounce gate opens. Returns immediately either way.
func (t *Trigger) HandleTranscript(id, fullText string) error {
	t.mu.RLock()
	s, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return errors.User(errors.CodeSessionUnknown, "unknown session: "+id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.User(errors.CodeSessionClosed, "session closed: "+id)
	}

	s.accumulated = fullText

	count := tokens.Count(fullText)
	growth := count - s.lastEmittedLen
	if growth < t.cfg.MinTokens {
		return nil
	}
	if time.Since(s.lastEmitTime) < t.cfg.MinInterval {
		return nil
	}
	if s.pending {
		return nil
	}

	// Gate open: claim the slot and schedule. The check-and-set runs
	// under the session lock so two concurrent updates cannot both
	// observe pending=false.
	s.pending = true

	windowUnits := growth + t.cfg.RetainTokens
	if windowUnits > maxWindowUnits {
		windowUnits = maxWindowUnits
	}
	window := tokens.Tail(fullText, windowUnits)

	ctx, cancel := context.WithCancel(t.baseCtx)
	s.cancel = cancel

	t.wg.Add(1)
	go t.summarizeAndEmit(ctx, s, window)

	return nil
}

// CloseSession discards a session. An in-flight emission is cancelled;
// if it completes anyway, its result is dropped before callback
// delivery.
func (t *Trigger) CloseSession(id string) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	delete(t.sessions, id)
	t.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	t.log.Debug().Str("session_id", id).Msg("session closed")
}

// summarizeAndEmit runs in the background; it never propagates
// failures to the transcript-update caller, and it always resets the
// pending flag so later transcripts can re-arm the gate.
func (t *Trigger) summarizeAndEmit(ctx context.Context, s *session, window string) {
	defer t.wg.Done()

	summary, err := t.summarize.Summarize(ctx, window)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if s.closed || ctx.Err() != nil {
		// Closed while in flight: drop silently.
		return
	}

	if err != nil {
		t.log.Error().Err(err).Str("session_id", s.id).Msg("summarization failed")
		return
	}

	text := deriveInsight(summary)
	if text == "" {
		t.log.Debug().Str("session_id", s.id).Msg("empty summary, skipping emission")
		return
	}

	s.lastEmittedLen = tokens.Count(s.accumulated)
	s.lastEmitTime = time.Now()

	// Trim the accumulated transcript, keeping the most recent
	// RetainTokens units for continuity.
	s.accumulated = tokens.Tail(s.accumulated, t.cfg.RetainTokens)

	event := protocol.InsightEvent{
		Event:     protocol.EventInsight,
		Text:      text,
		SessionID: s.id,
	}
	if s.emit != nil {
		if err := s.emit(event); err != nil {
			t.log.Error().Err(err).Str("session_id", s.id).Msg("insight emission failed")
		}
	}
}

// deriveInsight reduces a summarizer reply to a short insight text:
// the first non-empty line, capped.
func deriveInsight(summary string) string {
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > maxInsightRunes {
			line = string(runes[:maxInsightRunes])
		}
		return line
	}
	return ""
}
