// Package config owns the file-based configuration surface: load,
// validate, apply defaults, and watch for changes. Behavior knobs like
// tier ranges, retry budgets, and queue capacities live here so they
// never get hardcoded at call sites.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/pipeline"
	"github.com/haasonsaas/relay/internal/router"
)

// Config is the full runtime configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Providers ProvidersConfig `yaml:"providers"`
	Routing   RoutingConfig   `yaml:"routing"`
	Retry     RetryConfig     `yaml:"retry"`
	Tools     ToolsConfig     `yaml:"tools"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Bus       BusConfig       `yaml:"bus"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

type ProviderConfig struct {
	// APIKey supports ${ENV_VAR} expansion at load time.
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// Enabled reports whether the provider has credentials configured.
func (p ProviderConfig) Enabled() bool {
	return p.APIKey != ""
}

type RoutingConfig struct {
	Tiers            []TierConfig  `yaml:"tiers"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	QualityFloor     float64       `yaml:"quality_floor"`
}

type TierConfig struct {
	Name       string            `yaml:"name"`
	Min        float64           `yaml:"min"`
	Max        float64           `yaml:"max"`
	Strategy   string            `yaml:"strategy"`
	Escalate   bool              `yaml:"escalate"`
	Candidates []CandidateConfig `yaml:"candidates"`
}

type CandidateConfig struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	InputCostPerMTok  float64 `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `yaml:"output_cost_per_mtok"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type ToolsConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxResultBytes int           `yaml:"max_result_bytes"`
}

type PipelineConfig struct {
	SystemPrompt  string `yaml:"system_prompt"`
	MaxTokens     int    `yaml:"max_tokens"`
	MaxToolRounds int    `yaml:"max_tool_rounds"`
}

type BusConfig struct {
	// InboundCapacity and OutboundCapacity bound each queue
	// independently.
	InboundCapacity  int    `yaml:"inbound_capacity"`
	OutboundCapacity int    `yaml:"outbound_capacity"`
	Policy           string `yaml:"policy"`
}

type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a runnable configuration with free/standard/premium
// tiers over the bundled providers.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Routing: RoutingConfig{
			Tiers: []TierConfig{
				{
					Name: "free", Min: 0, Max: 0.3, Escalate: true,
					Candidates: []CandidateConfig{
						{Provider: "openai", Model: "gpt-4o-mini", InputCostPerMTok: 0.15, OutputCostPerMTok: 0.6},
					},
				},
				{
					Name: "standard", Min: 0.3, Max: 0.7, Escalate: true,
					Candidates: []CandidateConfig{
						{Provider: "anthropic", Model: "claude-sonnet-4-20250514", InputCostPerMTok: 3, OutputCostPerMTok: 15},
						{Provider: "openai", Model: "gpt-4o", InputCostPerMTok: 2.5, OutputCostPerMTok: 10},
					},
				},
				{
					Name: "premium", Min: 0.7, Max: 1,
					Candidates: []CandidateConfig{
						{Provider: "anthropic", Model: "claude-opus-4-20250514", InputCostPerMTok: 15, OutputCostPerMTok: 75},
					},
				},
			},
			FailureThreshold: router.DefaultFailureThreshold,
			Cooldown:         router.DefaultCooldown,
			QualityFloor:     router.DefaultQualityFloor,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			Jitter:         0.1,
			AttemptTimeout: 2 * time.Minute,
		},
		Tools: ToolsConfig{
			MaxConcurrent:  5,
			CallTimeout:    30 * time.Second,
			MaxResultBytes: 64 * 1024,
		},
		Pipeline: PipelineConfig{
			MaxTokens:     4096,
			MaxToolRounds: pipeline.DefaultMaxToolRounds,
		},
		Bus: BusConfig{
			InboundCapacity:  bus.DefaultCapacity,
			OutboundCapacity: bus.DefaultCapacity,
			Policy:           string(bus.Block),
		},
		Storage: StorageConfig{Backend: "memory"},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsAddr: ":9090",
		},
	}
}

// Validate checks cross-field consistency. Tier range errors surface
// here at load time, never at request time.
func (c *Config) Validate() error {
	if err := router.ValidateTiers(c.RouterTiers()); err != nil {
		return err
	}

	for _, tier := range c.Routing.Tiers {
		for _, cand := range tier.Candidates {
			switch cand.Provider {
			case "anthropic", "openai":
			default:
				return fmt.Errorf("config: tier %q references unknown provider %q", tier.Name, cand.Provider)
			}
		}
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: retry.max_retries must not be negative")
	}
	if c.Retry.Multiplier < 1 && c.Retry.Multiplier != 0 {
		return fmt.Errorf("config: retry.multiplier must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("config: retry.jitter must be in [0,1]")
	}

	if c.Pipeline.MaxToolRounds < 0 {
		return fmt.Errorf("config: pipeline.max_tool_rounds must not be negative")
	}

	switch c.Bus.Policy {
	case "", string(bus.Block), string(bus.DropNew), string(bus.DropOldest):
	default:
		return fmt.Errorf("config: unknown bus policy %q", c.Bus.Policy)
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage.path is required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}

	return nil
}

// RouterTiers converts the tier configuration into router tier
// definitions.
func (c *Config) RouterTiers() []router.Tier {
	out := make([]router.Tier, 0, len(c.Routing.Tiers))
	for _, t := range c.Routing.Tiers {
		tier := router.Tier{
			Name:     t.Name,
			Min:      t.Min,
			Max:      t.Max,
			Strategy: router.Strategy(t.Strategy),
			Escalate: t.Escalate,
		}
		for _, cand := range t.Candidates {
			tier.Candidates = append(tier.Candidates, router.Candidate{
				Provider:          cand.Provider,
				Model:             cand.Model,
				InputCostPerMTok:  cand.InputCostPerMTok,
				OutputCostPerMTok: cand.OutputCostPerMTok,
			})
		}
		out = append(out, tier)
	}
	return out
}
