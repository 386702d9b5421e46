package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for the routing core.
//
// Tracked series:
//   - Provider call latency, attempts, and token usage
//   - Retry, failover, and stream reset counts
//   - Tool execution outcomes and durations
//   - Bus depth and overflow drops
type Metrics struct {
	// CompletionDuration measures provider call latency in seconds.
	// Labels: provider, model.
	CompletionDuration *prometheus.HistogramVec

	// CompletionCounter counts provider calls.
	// Labels: provider, model, status (success|error).
	CompletionCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output).
	TokensUsed *prometheus.CounterVec

	// RetryCounter counts retry attempts. Labels: provider.
	RetryCounter *prometheus.CounterVec

	// FailoverCounter counts cross-candidate failovers. Labels: tier.
	FailoverCounter *prometheus.CounterVec

	// StreamResetCounter counts abandoned stream attempts. Labels: provider.
	StreamResetCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|timeout).
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool.
	ToolExecutionDuration *prometheus.HistogramVec

	// BusDropCounter counts messages dropped by overflow policy.
	// Labels: queue (inbound|outbound), policy.
	BusDropCounter *prometheus.CounterVec

	// BusDepth is the current number of queued messages.
	// Labels: queue (inbound|outbound).
	BusDepth *prometheus.GaugeVec
}

// NewMetrics creates and registers metrics on the given registerer.
// Passing nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		CompletionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_completion_duration_seconds",
			Help:    "Provider call latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		CompletionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_completions_total",
			Help: "Provider calls by provider, model, and status.",
		}, []string{"provider", "model", "status"}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Token consumption by provider, model, and type.",
		}, []string{"provider", "model", "type"}),
		RetryCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_retries_total",
			Help: "Retry attempts by provider.",
		}, []string{"provider"}),
		FailoverCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_failovers_total",
			Help: "Cross-candidate failovers by tier.",
		}, []string{"tier"}),
		StreamResetCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_stream_resets_total",
			Help: "Abandoned stream attempts by provider.",
		}, []string{"provider"}),
		ToolExecutionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_executions_total",
			Help: "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_tool_duration_seconds",
			Help:    "Tool execution time in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		BusDropCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bus_drops_total",
			Help: "Messages dropped by overflow policy.",
		}, []string{"queue", "policy"}),
		BusDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_bus_depth",
			Help: "Current number of queued bus messages.",
		}, []string{"queue"}),
	}

	factory.MustRegister(
		m.CompletionDuration,
		m.CompletionCounter,
		m.TokensUsed,
		m.RetryCounter,
		m.FailoverCounter,
		m.StreamResetCounter,
		m.ToolExecutionCounter,
		m.ToolExecutionDuration,
		m.BusDropCounter,
		m.BusDepth,
	)

	return m
}

// NewTestMetrics creates metrics on a private registry, for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ObserveCompletion records the metric side of a completion event.
func (m *Metrics) ObserveCompletion(ev CompletionEvent) {
	status := "success"
	if !ev.Success {
		status = "error"
	}
	m.CompletionCounter.WithLabelValues(ev.Provider, ev.Model, status).Inc()
	m.CompletionDuration.WithLabelValues(ev.Provider, ev.Model).Observe(ev.Latency.Seconds())
	if ev.InputTokens > 0 {
		m.TokensUsed.WithLabelValues(ev.Provider, ev.Model, "input").Add(float64(ev.InputTokens))
	}
	if ev.OutputTokens > 0 {
		m.TokensUsed.WithLabelValues(ev.Provider, ev.Model, "output").Add(float64(ev.OutputTokens))
	}
}
