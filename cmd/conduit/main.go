// Conduit - the intelligence core of an AI-service gateway.
//
// Routes chat completions across local inference tiers and an external
// provider, emulates tool calling for backends without native support,
// relays streaming completions, and raises per-conversation insights.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/conduit-ai/conduit/internal/backend"
	"github.com/conduit-ai/conduit/internal/config"
	"github.com/conduit-ai/conduit/internal/gateway"
	"github.com/conduit-ai/conduit/internal/insight"
	"github.com/conduit-ai/conduit/internal/registry"
	"github.com/conduit-ai/conduit/internal/router"
	"github.com/conduit-ai/conduit/internal/transport"
)

var (
	cfgPath  string
	logLevel string

	cfg *config.Config
	log zerolog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "Routing and tool-bridging core for local-first LLM serving",
		Long: `Conduit sits between chat clients and a set of inference backends:
a high-quality tier, a high-throughput tier and an external hosted
provider. It routes each request by size and quality priority,
emulates structured tool calling for backends without native support,
relays streaming completions, and raises per-conversation insights.

Examples:
  conduit serve
  conduit serve --port 9000
  conduit config init
  conduit config show`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}

			level, lerr := zerolog.ParseLevel(logLevel)
			if lerr != nil {
				level = zerolog.InfoLevel
			}
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).
				With().
				Timestamp().
				Logger()

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "conduit.toml"
	}
	return filepath.Join(home, ".config", "conduit", "config.toml")
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				cfg.Server.Port = port
			}
			return runServe()
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conduit %s\n", gateway.Version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Default().Save(cfgPath); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("config:   %s\n", cfgPath)
			fmt.Printf("server:   %s:%d (ceiling %d units)\n",
				cfg.Server.Host, cfg.Server.Port, cfg.Server.ContextCeilingUnits)
			fmt.Printf("routing:  %s (long_context=%d, short_prompt=%d)\n",
				cfg.Routing.Strategy, cfg.Routing.LongContextUnits, cfg.Routing.ShortPromptUnits)
			fmt.Printf("tier_a:   %s (%s)\n", cfg.Backends.TierA.BaseURL, cfg.Backends.TierA.Model)
			fmt.Printf("tier_b:   %s (%s)\n", cfg.Backends.TierB.BaseURL, cfg.Backends.TierB.Model)
			fmt.Printf("external: %s (%s)\n", cfg.Backends.External.BaseURL, cfg.Backends.External.Model)
			fmt.Printf("insight:  enabled=%v min_tokens=%d min_interval=%ds\n",
				cfg.Insight.Enabled, cfg.Insight.MinTokens, cfg.Insight.MinIntervalSeconds)
			for _, m := range cfg.Models {
				fmt.Printf("model:    %s -> %s (pinned=%v)\n", m.Name, m.Tier, m.Pinned)
			}
			return nil
		},
	})

	return cmd
}

// tierClient builds one backend client from its config section.
func tierClient(name string, bc config.BackendConfig) *backend.Client {
	c := backend.DefaultConfig(name, bc.BaseURL)
	c.APIKey = bc.APIKey
	c.DefaultModel = bc.Model
	if bc.TimeoutSeconds > 0 {
		c.Timeout = time.Duration(bc.TimeoutSeconds) * time.Second
	}
	if bc.ConnectTimeoutSeconds > 0 {
		c.ConnectTimeout = time.Duration(bc.ConnectTimeoutSeconds) * time.Second
	}
	return backend.NewClient(c, log)
}

// tierTarget parses a config tier name.
func tierTarget(tier string) (router.Target, bool) {
	switch tier {
	case "tierA":
		return router.TierA, true
	case "tierB":
		return router.TierB, true
	case "external":
		return router.ExternalProvider, true
	}
	return 0, false
}

// probeBackends checks tier reachability at startup. Advisory only:
// an unreachable tier is logged, not fatal, since backends come and go
// independently of the gateway.
func probeBackends(tiers map[string]string) {
	tc := transport.New(nil, log)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for tier, baseURL := range tiers {
		if baseURL == "" {
			continue
		}
		if _, err := tc.Request(ctx, http.MethodGet, baseURL+"/models", nil, nil, 5*time.Second); err != nil {
			log.Warn().Str("tier", tier).Str("url", baseURL).Err(err).Msg("backend unreachable at startup")
			continue
		}
		log.Info().Str("tier", tier).Str("url", baseURL).Msg("backend reachable")
	}
}

func runServe() error {
	engine := router.NewEngine(&router.Config{
		Strategy:         router.Strategy(cfg.Routing.Strategy),
		LongContextUnits: cfg.Routing.LongContextUnits,
		ShortPromptUnits: cfg.Routing.ShortPromptUnits,
	})

	clients := map[router.Target]*backend.Client{
		router.TierA:            tierClient("tier_a", cfg.Backends.TierA),
		router.TierB:            tierClient("tier_b", cfg.Backends.TierB),
		router.ExternalProvider: tierClient("external", cfg.Backends.External),
	}
	nativeTools := map[router.Target]bool{
		router.TierA:            cfg.Backends.TierA.NativeTools,
		router.TierB:            cfg.Backends.TierB.NativeTools,
		router.ExternalProvider: cfg.Backends.External.NativeTools,
	}

	reg := registry.New()
	for _, m := range cfg.Models {
		target, ok := tierTarget(m.Tier)
		if !ok {
			continue
		}
		reg.Register(m.Name, registry.Entry{
			Target:       target,
			BackendModel: m.BackendModel,
			NativeTools:  m.NativeTools,
			Pinned:       m.Pinned,
		})
	}

	var trigger *insight.Trigger
	if cfg.Insight.Enabled {
		trigger = insight.NewTrigger(&insight.Config{
			MinTokens:    cfg.Insight.MinTokens,
			MinInterval:  time.Duration(cfg.Insight.MinIntervalSeconds) * time.Second,
			RetainTokens: cfg.Insight.RetainTokens,
		}, insight.NewCompletionSummarizer(clients[router.TierB]), log)

		if err := trigger.Startup(); err != nil {
			return err
		}
		defer trigger.Shutdown()
	}

	probeBackends(map[string]string{
		"tier_a":   cfg.Backends.TierA.BaseURL,
		"tier_b":   cfg.Backends.TierB.BaseURL,
		"external": cfg.Backends.External.BaseURL,
	})

	server := gateway.NewServer(cfg.Server.Host, cfg.Server.Port, gateway.Options{
		Engine:              engine,
		Registry:            reg,
		Clients:             clients,
		NativeTools:         nativeTools,
		Trigger:             trigger,
		ContextCeilingUnits: cfg.Server.ContextCeilingUnits,
		Log:                 log,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
