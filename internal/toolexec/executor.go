package toolexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	DefaultMaxConcurrent  = 5
	DefaultCallTimeout    = 30 * time.Second
	DefaultMaxResultBytes = 64 * 1024

	// truncationPreviewBytes is how much of an oversized result is kept.
	truncationPreviewBytes = 4 * 1024
)

// Config tunes the executor.
type Config struct {
	// MaxConcurrent bounds tool calls running at once across one
	// ExecuteAll invocation.
	MaxConcurrent int

	// CallTimeout caps each individual call.
	CallTimeout time.Duration

	// MaxResultBytes bounds result content sent back to the model.
	// Longer results are truncated with a notice.
	MaxResultBytes int
}

func (c Config) sanitized() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.MaxResultBytes <= 0 {
		c.MaxResultBytes = DefaultMaxResultBytes
	}
	return c
}

// Executor runs batches of tool calls concurrently. A global semaphore
// bounds parallelism; per-resource mutexes serialize calls that declare
// the same resource key. Safe for concurrent use across requests.
type Executor struct {
	registry *Registry
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics

	sem chan struct{}

	resourceMu sync.Mutex
	resources  map[string]*resourceLock
}

// resourceLock serializes calls sharing a resource key. refs counts
// holders and waiters so the entry can be dropped once uncontended.
type resourceLock struct {
	mu   sync.Mutex
	refs int
}

func NewExecutor(registry *Registry, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Executor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	cfg = cfg.sanitized()
	return &Executor{
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		resources: make(map[string]*resourceLock),
	}
}

// ExecuteAll runs every call and returns results in call order. A
// failed call produces an error result; it never fails the batch.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()

			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				results[idx] = e.errorResult(call, newToolError(KindCancelled, call.Name, call.ID, ctx.Err()))
				return
			}

			results[idx] = e.executeOne(ctx, call)
		}(i, call)
	}
	wg.Wait()

	return results
}

func (e *Executor) executeOne(ctx context.Context, call models.ToolCall) models.ToolResult {
	ctx = observability.AddToolCallID(ctx, call.ID)
	start := time.Now()

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		e.observe(call.Name, "not_found", start)
		return e.errorResult(call, newToolError(KindNotFound, call.Name, call.ID,
			fmt.Errorf("no tool named %q is registered", call.Name)))
	}

	if err := e.registry.ValidateArgs(call.Name, call.Input); err != nil {
		e.observe(call.Name, "invalid_args", start)
		return e.errorResult(call, newToolError(KindInvalidArgs, call.Name, call.ID, err))
	}

	if keyer, ok := tool.(ResourceKeyer); ok {
		if key := keyer.ResourceKey(call.Input); key != "" {
			unlock := e.lockResource(key)
			defer unlock()
		}
	}

	content, err := e.executeWithTimeout(ctx, tool, call)
	if err != nil {
		terr, ok := AsToolError(err)
		if !ok {
			terr = newToolError(KindExecution, call.Name, call.ID, err)
		}
		e.observe(call.Name, string(terr.Kind), start)
		e.logger.Warn(ctx, "tool call failed",
			"tool", call.Name,
			"kind", string(terr.Kind),
			"error", terr.Error())
		return e.errorResult(call, terr)
	}

	e.observe(call.Name, "ok", start)
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    e.boundResult(ctx, call.Name, content),
	}
}

// executeWithTimeout runs the tool in its own goroutine under the call
// deadline, recovering panics. On timeout the goroutine is abandoned;
// its buffered result channel lets it finish without blocking.
func (e *Executor) executeWithTimeout(ctx context.Context, tool Tool, call models.ToolCall) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: newToolError(KindPanic, call.Name, call.ID,
					fmt.Errorf("panic: %v", r))}
			}
		}()
		content, err := tool.Execute(callCtx, call.Input)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		return out.content, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return "", newToolError(KindCancelled, call.Name, call.ID, ctx.Err())
		}
		return "", newToolError(KindTimeout, call.Name, call.ID,
			fmt.Errorf("execution exceeded %s", e.cfg.CallTimeout))
	}
}

// boundResult truncates oversized tool output, keeping a prefix and
// appending a notice so the model knows content was cut.
func (e *Executor) boundResult(ctx context.Context, tool, content string) string {
	if len(content) <= e.cfg.MaxResultBytes {
		return content
	}

	preview := truncationPreviewBytes
	if preview > e.cfg.MaxResultBytes {
		preview = e.cfg.MaxResultBytes
	}
	// Back off to a rune boundary so the preview stays valid UTF-8.
	for preview > 0 && (content[preview]&0xC0) == 0x80 {
		preview--
	}

	e.logger.Warn(ctx, "tool result truncated",
		"tool", tool,
		"size", len(content),
		"limit", e.cfg.MaxResultBytes)

	return fmt.Sprintf("%s\n\n[result truncated: %d of %d bytes shown]",
		content[:preview], preview, len(content))
}

func (e *Executor) errorResult(call models.ToolCall, terr *ToolError) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    marshalError(terr),
		IsError:    true,
	}
}

func (e *Executor) lockResource(key string) func() {
	e.resourceMu.Lock()
	l, ok := e.resources[key]
	if !ok {
		l = &resourceLock{}
		e.resources[key] = l
	}
	l.refs++
	e.resourceMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.resourceMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.resources, key)
		}
		e.resourceMu.Unlock()
	}
}

func (e *Executor) observe(tool, status string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	e.metrics.ToolExecutionDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
}

// Registry returns the executor's tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}
