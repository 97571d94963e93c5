package insight

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/conduit-ai/conduit/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// summarizeFunc adapts a function to the Summarizer interface.
type summarizeFunc func(ctx context.Context, text string) (string, error)

func (f summarizeFunc) Summarize(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// echoSummarizer returns a fixed summary and counts invocations.
type echoSummarizer struct {
	calls   atomic.Int32
	summary string
}

func (s *echoSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	s.calls.Add(1)
	return s.summary, nil
}

func fastConfig() *Config {
	return &Config{
		MinTokens:    6,
		MinInterval:  0,
		RetainTokens: 3,
	}
}

func startedTrigger(t *testing.T, cfg *Config, s Summarizer) *Trigger {
	t.Helper()
	tr := NewTrigger(cfg, s, zerolog.Nop())
	require.NoError(t, tr.Startup())
	t.Cleanup(tr.Shutdown)
	return tr
}

func waitEvent(t *testing.T, ch <-chan protocol.InsightEvent) protocol.InsightEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for insight event")
		return protocol.InsightEvent{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan protocol.InsightEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected insight event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTrigger_EmitsWhenGateOpens(t *testing.T) {
	summarizer := &echoSummarizer{summary: "The user is debugging a router."}
	tr := startedTrigger(t, fastConfig(), summarizer)

	events := make(chan protocol.InsightEvent, 4)
	id, err := tr.RegisterSession("s1", func(ev protocol.InsightEvent) error {
		events <- ev
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	// First update is below the growth threshold.
	require.NoError(t, tr.HandleTranscript("s1", "one two three"))
	assertNoEvent(t, events)

	// Second update grows past it.
	require.NoError(t, tr.HandleTranscript("s1", "one two three four five six seven eight nine ten"))

	ev := waitEvent(t, events)
	assert.Equal(t, protocol.EventInsight, ev.Event)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "The user is debugging a router.", ev.Text)
	assert.Equal(t, int32(1), summarizer.calls.Load())

	// Same transcript again: no growth, gate stays shut.
	require.NoError(t, tr.HandleTranscript("s1", "one two three four five six seven eight nine ten"))
	assertNoEvent(t, events)
	assert.Equal(t, int32(1), summarizer.calls.Load())
}

func TestTrigger_BelowGrowthThreshold(t *testing.T) {
	summarizer := &echoSummarizer{summary: "short"}
	tr := startedTrigger(t, fastConfig(), summarizer)

	events := make(chan protocol.InsightEvent, 1)
	_, err := tr.RegisterSession("s1", func(ev protocol.InsightEvent) error {
		events <- ev
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tr.HandleTranscript("s1", "only three words"))
	assertNoEvent(t, events)
	assert.Equal(t, int32(0), summarizer.calls.Load())
}

func TestTrigger_MinIntervalGate(t *testing.T) {
	cfg := fastConfig()
	cfg.MinInterval = time.Hour
	summarizer := &echoSummarizer{summary: "first insight"}
	tr := startedTrigger(t, cfg, summarizer)

	events := make(chan protocol.InsightEvent, 4)
	_, err := tr.RegisterSession("s1", func(ev protocol.InsightEvent) error {
		events <- ev
		return nil
	})
	require.NoError(t, err)

	// First emission is gated by growth only.
	require.NoError(t, tr.HandleTranscript("s1", strings.Repeat("word ", 10)))
	waitEvent(t, events)

	// Plenty of growth, but within the interval.
	require.NoError(t, tr.HandleTranscript("s1", strings.Repeat("word ", 40)))
	assertNoEvent(t, events)
	assert.Equal(t, int32(1), summarizer.calls.Load())
}

func TestTrigger_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	blocking := summarizeFunc(func(ctx context.Context, text string) (string, error) {
		calls.Add(1)
		<-release
		return "done", nil
	})
	tr := startedTrigger(t, fastConfig(), blocking)

	events := make(chan protocol.InsightEvent, 4)
	_, err := tr.RegisterSession("s1", func(ev protocol.InsightEvent) error {
		events <- ev
		return nil
	})
	require.NoError(t, err)

	// Both updates open the gate, but the pending flag admits one.
	require.NoError(t, tr.HandleTranscript("s1", strings.Repeat("a ", 10)))
	require.NoError(t, tr.HandleTranscript("s1", strings.Repeat("a ", 20)))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	waitEvent(t, events)
}

func TestTrigger_CloseDropsInFlightEmission(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := summarizeFunc(func(ctx context.Context, text string) (string, error) {
		close(entered)
		<-release
		return "late summary", nil
	})
	tr := startedTrigger(t, fastConfig(), blocking)

	var emitted atomic.Int32
	_, err := tr.RegisterSession("s1", func(ev protocol.InsightEvent) error {
		emitted.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tr.HandleTranscript("s1", strings.Repeat("a ", 10)))
	<-entered

	// Close while the summarization is still running, then let it finish.
	tr.CloseSession("s1")
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), emitted.Load())

	// The session is gone.
	err = tr.HandleTranscript("s1", "more text")
	assert.Error(t, err)
}

func TestTrigger_RegisterSession(t *testing.T) {
	tr := startedTrigger(t, fastConfig(), &echoSummarizer{summary: "x"})

	// Empty id gets a generated one.
	id, err := tr.RegisterSession("", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Duplicate registration is rejected.
	_, err = tr.RegisterSession(id, nil)
	assert.Error(t, err)

	// Unknown sessions are rejected.
	err = tr.HandleTranscript("nope", "text")
	assert.Error(t, err)
}

func TestTrigger_NotStarted(t *testing.T) {
	tr := NewTrigger(fastConfig(), &echoSummarizer{summary: "x"}, zerolog.Nop())
	_, err := tr.RegisterSession("s1", nil)
	assert.Error(t, err)
}

func TestTrigger_ShutdownCancelsInFlight(t *testing.T) {
	blocking := summarizeFunc(func(ctx context.Context, text string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	tr := NewTrigger(fastConfig(), blocking, zerolog.Nop())
	require.NoError(t, tr.Startup())

	var emitted atomic.Int32
	_, err := tr.RegisterSession("s1", func(ev protocol.InsightEvent) error {
		emitted.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, tr.HandleTranscript("s1", strings.Repeat("a ", 10)))

	// Shutdown waits for the drained goroutine; goleak verifies nothing
	// is left behind.
	tr.Shutdown()
	assert.Equal(t, int32(0), emitted.Load())
}

func TestDeriveInsight(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"single line", "The user wants caching.", "The user wants caching."},
		{"skips leading blank lines", "\n\n  \nActual insight here", "Actual insight here"},
		{"first line only", "line one\nline two", "line one"},
		{"trims whitespace", "  padded  \n", "padded"},
		{"empty", "\n \n", ""},
		{"caps long lines", strings.Repeat("x", 500), strings.Repeat("x", 240)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveInsight(tt.in))
		})
	}
}
