package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/conduit-ai/conduit/internal/errors"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                8790,
			ContextCeilingUnits: 32768,
		},
		Routing: RoutingConfig{
			Strategy:         "auto",
			LongContextUnits: 8192,
			ShortPromptUnits: 512,
		},
		Backends: BackendsConfig{
			TierA: BackendConfig{
				BaseURL:               "http://127.0.0.1:8001/v1",
				Model:                 "tier-a/quality-70b",
				TimeoutSeconds:        60,
				ConnectTimeoutSeconds: 10,
			},
			TierB: BackendConfig{
				BaseURL:               "http://127.0.0.1:8002/v1",
				Model:                 "tier-b/throughput-8b",
				TimeoutSeconds:        45,
				ConnectTimeoutSeconds: 10,
			},
			External: BackendConfig{
				BaseURL:               "https://openrouter.ai/api/v1",
				Model:                 "anthropic/claude-3.5-sonnet",
				NativeTools:           true,
				TimeoutSeconds:        90,
				ConnectTimeoutSeconds: 10,
			},
		},
		Insight: InsightConfig{
			Enabled:            true,
			MinTokens:          200,
			MinIntervalSeconds: 45,
			RetainTokens:       80,
		},
	}
}

// Load loads the configuration from the given path.
// If the file doesn't exist, returns defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, errors.CodeConfigInvalid, "failed to read config", errors.CategorySystem)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigInvalid, "failed to parse config", errors.CategorySystem)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to the given path.
func (c *Config) Save(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	file, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	return encoder.Encode(c)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Routing.Strategy {
	case "auto", "tierA", "tierB":
	default:
		return errors.User(errors.CodeConfigInvalid, "routing.strategy must be auto, tierA or tierB")
	}

	if c.Server.ContextCeilingUnits <= 0 {
		return errors.User(errors.CodeConfigInvalid, "server.context_ceiling_units must be positive")
	}

	if c.Insight.Enabled {
		if c.Insight.MinTokens < 0 || c.Insight.RetainTokens < 0 || c.Insight.MinIntervalSeconds < 0 {
			return errors.User(errors.CodeConfigInvalid, "insight thresholds must be non-negative")
		}
	}

	for _, m := range c.Models {
		switch m.Tier {
		case "tierA", "tierB", "external":
		default:
			return errors.User(errors.CodeConfigInvalid, "model "+m.Name+": tier must be tierA, tierB or external")
		}
	}

	return nil
}
