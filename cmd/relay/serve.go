package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/pipeline"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/toolexec"
	"github.com/haasonsaas/relay/internal/transport"
	"github.com/haasonsaas/relay/pkg/models"
)

// buildServeCmd creates the "serve" command that starts the routing
// server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Relay routing server",
		Long: `Start the Relay routing server.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Initialize the configured LLM providers
3. Start the HTTP API on server.listen_addr
4. Start the Prometheus metrics endpoint on server.metrics_addr

Routing and retry settings reload on config file changes; provider
credentials and storage settings require a restart.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with built-in defaults and API keys from the environment
  relay serve

  # Start with a config file
  relay serve --config /etc/relay/relay.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// stack holds the components rebuilt on a config reload. Everything
// else in app survives reloads.
type stack struct {
	router    *router.Router
	transport *transport.Transport
	executor  *toolexec.Executor
	pipeline  *pipeline.Pipeline
}

// app wires the long-lived pieces of the server together.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	provs   []providers.Provider
	tools   *toolexec.Registry
	store   storage.CompletionStore
	cost    *router.CostTracker

	cur atomic.Pointer[stack]

	// inbound accepts API traffic once runServe has built the queues.
	inbound *bus.Queue

	// pending maps an inbound message ID to the waiter expecting its
	// reply from the outbound queue.
	pending sync.Map
}

func newApp(cfg *config.Config, debug bool) (*app, *prometheus.Registry, error) {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	provs, err := buildProviders(cfg)
	if err != nil {
		return nil, nil, err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		provs:   provs,
		tools:   toolexec.NewRegistry(),
		store:   store,
		cost:    router.NewCostTracker(),
	}
	a.rebuild(cfg)
	return a, registry, nil
}

func buildProviders(cfg *config.Config) ([]providers.Provider, error) {
	var provs []providers.Provider

	if cfg.Providers.Anthropic.Enabled() {
		p, err := providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			DefaultModel: cfg.Providers.Anthropic.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		provs = append(provs, p)
	}

	if cfg.Providers.OpenAI.Enabled() {
		p, err := providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		provs = append(provs, p)
	}

	if len(provs) == 0 {
		return nil, fmt.Errorf("no providers configured: set an API key for anthropic or openai")
	}
	return provs, nil
}

func buildStore(cfg *config.Config) (storage.CompletionStore, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.Storage.Path)
	default:
		return storage.NewMemoryStore(), nil
	}
}

func retryPolicy(cfg config.RetryConfig) transport.RetryPolicy {
	return transport.RetryPolicy{
		Backoff: backoff.Policy{
			Initial:    cfg.InitialBackoff,
			Max:        cfg.MaxBackoff,
			Multiplier: cfg.Multiplier,
			Jitter:     cfg.Jitter,
		},
		MaxRetries:     cfg.MaxRetries,
		AttemptTimeout: cfg.AttemptTimeout,
	}
}

// rebuild constructs a fresh routing stack from cfg and swaps it in.
// In-flight requests keep the stack they started with.
func (a *app) rebuild(cfg *config.Config) {
	rt := router.New(cfg.RouterTiers(), router.Config{
		FailureThreshold: cfg.Routing.FailureThreshold,
		Cooldown:         cfg.Routing.Cooldown,
		QualityFloor:     cfg.Routing.QualityFloor,
	}, a.logger)

	tp := transport.New(a.provs, retryPolicy(cfg.Retry), a.logger, a.metrics)

	ex := toolexec.NewExecutor(a.tools, toolexec.Config{
		MaxConcurrent:  cfg.Tools.MaxConcurrent,
		CallTimeout:    cfg.Tools.CallTimeout,
		MaxResultBytes: cfg.Tools.MaxResultBytes,
	}, a.logger, a.metrics)

	p := pipeline.New(pipeline.Config{
		SystemPrompt:  cfg.Pipeline.SystemPrompt,
		MaxTokens:     cfg.Pipeline.MaxTokens,
		MaxToolRounds: cfg.Pipeline.MaxToolRounds,
	}, rt, tp, ex, a.cost, a.store, a.logger)

	a.cfg = cfg
	a.cur.Store(&stack{router: rt, transport: tp, executor: ex, pipeline: p})
}

// reload applies a changed config file. Provider and storage changes
// need process restart; everything else swaps in live.
func (a *app) reload(cfg *config.Config) {
	ctx := context.Background()
	if cfg.Providers != a.cfg.Providers {
		a.logger.Warn(ctx, "provider configuration changed; restart to apply")
	}
	if cfg.Storage != a.cfg.Storage {
		a.logger.Warn(ctx, "storage configuration changed; restart to apply")
	}
	a.rebuild(cfg)
	a.logger.Info(ctx, "configuration reloaded",
		"tiers", len(cfg.Routing.Tiers),
		"max_retries", cfg.Retry.MaxRetries)
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	a, registry, err := newApp(cfg, debug)
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.logger.Info(ctx, "starting relay server",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"metrics_addr", cfg.Server.MetricsAddr,
		"tiers", len(cfg.Routing.Tiers))

	policy := bus.OverflowPolicy(cfg.Bus.Policy)
	inbound := bus.NewQueue("inbound", bus.Config{
		Capacity: cfg.Bus.InboundCapacity,
		Policy:   policy,
	}, a.logger, a.metrics)
	outbound := bus.NewQueue("outbound", bus.Config{
		Capacity: cfg.Bus.OutboundCapacity,
		Policy:   policy,
	}, a.logger, a.metrics)
	a.inbound = inbound

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.processLoop(ctx, inbound, outbound)
	}()
	go func() {
		defer wg.Done()
		a.dispatchLoop(outbound)
	}()

	apiSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.apiHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsHandler(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	if configPath != "" {
		go func() {
			if err := config.Watch(ctx, configPath, a.logger, a.reload); err != nil {
				a.logger.Warn(ctx, "config watch stopped", "error", err.Error())
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	a.logger.Info(context.Background(), "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn(shutdownCtx, "api server shutdown", "error", err.Error())
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn(shutdownCtx, "metrics server shutdown", "error", err.Error())
	}

	inbound.Close()
	outbound.Close()
	wg.Wait()

	a.logger.Info(context.Background(), "relay server stopped")
	return runErr
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// processLoop drains the inbound queue through the current pipeline.
// The pipeline is re-resolved per message so config reloads take
// effect without restarting the loop.
func (a *app) processLoop(ctx context.Context, in, out *bus.Queue) {
	for msg := range in.Consume() {
		p := a.cur.Load().pipeline
		reply, err := p.Process(ctx, msg)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			a.logger.Error(ctx, "message processing failed",
				"message_id", msg.ID,
				"error", err.Error())
			reply = models.NewMessage(msg.Channel, models.DirectionOutbound, models.RoleAssistant, "")
			reply.ChannelID = msg.ChannelID
			reply.Metadata = map[string]any{"error": err.Error()}
		}
		if err := out.Publish(ctx, *reply); err != nil {
			a.logger.Warn(ctx, "failed to publish reply",
				"message_id", msg.ID,
				"error", err.Error())
		}
	}
}

// dispatchLoop hands outbound replies to the HTTP waiters that
// published the matching inbound message.
func (a *app) dispatchLoop(out *bus.Queue) {
	for msg := range out.Consume() {
		if ch, ok := a.pending.LoadAndDelete(msg.ChannelID); ok {
			ch.(chan models.Message) <- msg
		}
	}
}
