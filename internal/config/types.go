// Package config handles Conduit configuration loading and management.
package config

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Routing  RoutingConfig  `toml:"routing"`
	Backends BackendsConfig `toml:"backends"`
	Insight  InsightConfig  `toml:"insight"`
	Models   []ModelConfig  `toml:"models"`
}

// ServerConfig configures the gateway HTTP server.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// ContextCeilingUnits is the hard cap on prompt plus requested
	// output units; requests over it are rejected before any backend
	// call.
	ContextCeilingUnits int `toml:"context_ceiling_units"`
}

// RoutingConfig configures the routing engine.
type RoutingConfig struct {
	// Strategy is "auto", "tierA" or "tierB".
	Strategy string `toml:"strategy"`

	LongContextUnits int `toml:"long_context_units"`
	ShortPromptUnits int `toml:"short_prompt_units"`
}

// BackendsConfig holds the per-tier backend endpoints.
type BackendsConfig struct {
	TierA    BackendConfig `toml:"tier_a"`
	TierB    BackendConfig `toml:"tier_b"`
	External BackendConfig `toml:"external"`
}

// BackendConfig configures one inference backend.
type BackendConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`

	// Model is the backend-internal default model path.
	Model string `toml:"model"`

	// NativeTools reports whether the backend supports structured
	// function calling. When false the tool-calling bridge emulates it.
	NativeTools bool `toml:"native_tools"`

	TimeoutSeconds        int `toml:"timeout_seconds"`
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
}

// InsightConfig configures the per-conversation insight trigger.
type InsightConfig struct {
	Enabled            bool `toml:"enabled"`
	MinTokens          int  `toml:"min_tokens"`
	MinIntervalSeconds int  `toml:"min_interval_seconds"`
	RetainTokens       int  `toml:"retain_tokens"`
}

// ModelConfig binds a caller-visible model name to a tier.
type ModelConfig struct {
	Name string `toml:"name"`

	// Tier is "tierA", "tierB" or "external".
	Tier string `toml:"tier"`

	// BackendModel overrides the tier's default model path.
	BackendModel string `toml:"backend_model"`

	NativeTools bool `toml:"native_tools"`

	// Pinned models bypass the routing engine.
	Pinned bool `toml:"pinned"`
}
