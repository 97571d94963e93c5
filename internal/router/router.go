// Package router decides which inference tier serves a chat-completion
// request.
//
// The engine is a pure decision function: no I/O, no locks, no state
// mutation. It is safe under arbitrary concurrency and always returns
// a decision via exhaustive fallback.
package router

// Target identifies the backend tier a request is routed to.
type Target int

const (
	// TierA is the high-quality, long-context tier.
	TierA Target = iota

	// TierB is the high-throughput, low-latency tier.
	TierB

	// ExternalProvider is the hosted third-party provider.
	ExternalProvider
)

// String returns the wire name of the target.
func (t Target) String() string {
	switch t {
	case TierA:
		return "tierA"
	case TierB:
		return "tierB"
	case ExternalProvider:
		return "external_provider"
	default:
		return "unknown"
	}
}

// Reason is the fixed vocabulary explaining a routing decision.
type Reason int

const (
	ReasonForcedTierA Reason = iota
	ReasonForcedTierB
	ReasonQualityPriority
	ReasonLongContext
	ReasonShortPromptLatency
	ReasonDefaultThroughput
	ReasonRequestedProvider
	ReasonRequestedModel
)

// String returns the wire name of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonForcedTierA:
		return "forced_tierA"
	case ReasonForcedTierB:
		return "forced_tierB"
	case ReasonQualityPriority:
		return "quality_priority"
	case ReasonLongContext:
		return "long_context"
	case ReasonShortPromptLatency:
		return "short_prompt_latency"
	case ReasonDefaultThroughput:
		return "default_throughput"
	case ReasonRequestedProvider:
		return "requested_provider"
	case ReasonRequestedModel:
		return "requested_model"
	default:
		return "unknown"
	}
}

// Decision is the immutable outcome of a routing call.
type Decision struct {
	Target Target
	Reason Reason
}

// Strategy selects the routing mode.
type Strategy string

const (
	StrategyAuto  Strategy = "auto"
	StrategyTierA Strategy = "tierA"
	StrategyTierB Strategy = "tierB"
)

// Default thresholds for the auto strategy, in whitespace-delimited
// units.
const (
	DefaultLongContextUnits = 8192
	DefaultShortPromptUnits = 512
)

// Config configures the routing engine.
type Config struct {
	Strategy Strategy

	// LongContextUnits is the context size at or above which a request
	// goes to TierA.
	LongContextUnits int

	// ShortPromptUnits is the prompt size below which a request goes to
	// TierB on the latency path.
	ShortPromptUnits int
}

// Engine is the routing decision function.
type Engine struct {
	strategy    Strategy
	longContext int
	shortPrompt int
}

// NewEngine creates a routing engine.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{Strategy: StrategyAuto}
	}
	e := &Engine{
		strategy:    cfg.Strategy,
		longContext: cfg.LongContextUnits,
		shortPrompt: cfg.ShortPromptUnits,
	}
	if e.strategy == "" {
		e.strategy = StrategyAuto
	}
	if e.longContext <= 0 {
		e.longContext = DefaultLongContextUnits
	}
	if e.shortPrompt <= 0 {
		e.shortPrompt = DefaultShortPromptUnits
	}
	return e
}

// Route decides which tier serves a request.
//
// Priority order: forced strategy, quality priority, long context,
// short prompt, default throughput. The gateway may override the
// decision entirely when the caller names an explicit provider or a
// tier-bound model; that override always wins and is recorded with
// ReasonRequestedProvider / ReasonRequestedModel.
func (e *Engine) Route(promptUnits, contextUnits int, qualityPriority bool) Decision {
	switch e.strategy {
	case StrategyTierA:
		return Decision{Target: TierA, Reason: ReasonForcedTierA}
	case StrategyTierB:
		return Decision{Target: TierB, Reason: ReasonForcedTierB}
	}

	if qualityPriority {
		return Decision{Target: TierA, Reason: ReasonQualityPriority}
	}

	if contextUnits > e.longContext {
		return Decision{Target: TierA, Reason: ReasonLongContext}
	}

	if promptUnits < e.shortPrompt {
		return Decision{Target: TierB, Reason: ReasonShortPromptLatency}
	}

	return Decision{Target: TierB, Reason: ReasonDefaultThroughput}
}

// Strategy returns the configured strategy.
func (e *Engine) Strategy() Strategy {
	return e.strategy
}
