// Package pipeline orchestrates the full request path: classify the
// incoming message, route it to a tier, execute it through the
// transport, run any requested tools, and feed the outcome back into
// routing, cost tracking, and storage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/classify"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/toolexec"
	"github.com/haasonsaas/relay/internal/transport"
	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultMaxToolRounds bounds completion/tool-execution iterations per
// request so a model that keeps requesting tools cannot loop forever.
const DefaultMaxToolRounds = 10

// Config tunes the pipeline.
type Config struct {
	SystemPrompt  string
	MaxTokens     int
	MaxToolRounds int
}

func (c Config) sanitized() Config {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	return c
}

// Pipeline processes messages end to end. Safe for concurrent use; each
// Process call is independent.
type Pipeline struct {
	cfg       Config
	router    *router.Router
	transport *transport.Transport
	executor  *toolexec.Executor
	cost      *router.CostTracker
	store     storage.CompletionStore
	logger    *observability.Logger
}

func New(cfg Config, rt *router.Router, tp *transport.Transport, ex *toolexec.Executor, cost *router.CostTracker, store storage.CompletionStore, logger *observability.Logger) *Pipeline {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cost == nil {
		cost = router.NewCostTracker()
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	return &Pipeline{
		cfg:       cfg.sanitized(),
		router:    rt,
		transport: tp,
		executor:  ex,
		cost:      cost,
		store:     store,
		logger:    logger,
	}
}

// Process handles one inbound message and returns the reply message.
func (p *Pipeline) Process(ctx context.Context, msg models.Message) (*models.Message, error) {
	return p.process(ctx, msg, nil)
}

// ProcessStream handles one inbound message, streaming response text to
// onChunk as it arrives. A chunk whose Text is transport.StreamResetMarker
// tells the consumer to discard everything received before it.
func (p *Pipeline) ProcessStream(ctx context.Context, msg models.Message, onChunk providers.ChunkFunc) (*models.Message, error) {
	return p.process(ctx, msg, onChunk)
}

func (p *Pipeline) process(ctx context.Context, msg models.Message, onChunk providers.ChunkFunc) (*models.Message, error) {
	runID := uuid.NewString()
	ctx = observability.AddRunID(ctx, runID)
	ctx = observability.AddSenderID(ctx, msg.SenderID)

	score := classify.Classify(msg.Content)
	decision := p.router.Select(ctx, score)

	p.logger.Info(ctx, "request routed",
		"score", score.Value,
		"tier", decision.Tier,
		"provider", decision.Provider,
		"model", decision.Model,
		"escalated", decision.Escalated)

	req := &providers.Request{
		System:    p.cfg.SystemPrompt,
		Messages:  []providers.Message{{Role: "user", Content: msg.Content}},
		Tools:     p.executor.Registry().Definitions(),
		MaxTokens: p.cfg.MaxTokens,
	}

	start := time.Now()
	var (
		final        *transport.Result
		totalIn      int
		totalOut     int
		attempts     int
		failovers    int
		streamResets int
	)

	for round := 0; ; round++ {
		result, err := p.complete(ctx, decision, req, onChunk)
		if result != nil {
			attempts += result.Attempts
			failovers += result.Failovers
			streamResets += result.StreamResets
			if result.Response != nil {
				totalIn += result.Response.InputTokens
				totalOut += result.Response.OutputTokens
			}
		}
		if err != nil {
			p.feedback(ctx, decision, result, router.Outcome{
				Success:   false,
				LatencyMS: time.Since(start).Milliseconds(),
			})
			p.record(ctx, msg, runID, score, decision, result, start, totalIn, totalOut, false)
			return nil, fmt.Errorf("pipeline: completion failed: %w", err)
		}

		final = result
		if len(result.Response.ToolCalls) == 0 {
			break
		}
		if round+1 >= p.cfg.MaxToolRounds {
			p.logger.Warn(ctx, "tool round budget exhausted, returning partial answer",
				"rounds", round+1)
			break
		}

		toolResults := p.executor.ExecuteAll(ctx, result.Response.ToolCalls)

		req.Messages = append(req.Messages,
			providers.Message{
				Role:      "assistant",
				Content:   result.Response.Text,
				ToolCalls: result.Response.ToolCalls,
			},
			providers.Message{
				Role:        "user",
				ToolResults: toolResults,
			},
		)
	}

	latencyMS := time.Since(start).Milliseconds()
	quality := scoreQuality(final, failovers, streamResets)
	p.feedback(ctx, decision, final, router.Outcome{
		Success:      true,
		Quality:      quality,
		LatencyMS:    latencyMS,
		InputTokens:  totalIn,
		OutputTokens: totalOut,
	})
	p.record(ctx, msg, runID, score, decision, final, start, totalIn, totalOut, true)

	reply := models.NewMessage(msg.Channel, models.DirectionOutbound, models.RoleAssistant, final.Response.Text)
	reply.ChannelID = msg.ChannelID
	reply.Metadata = map[string]any{
		"run_id":   runID,
		"tier":     decision.Tier,
		"provider": final.Provider,
		"model":    final.Model,
	}
	return reply, nil
}

func (p *Pipeline) complete(ctx context.Context, decision router.Decision, req *providers.Request, onChunk providers.ChunkFunc) (*transport.Result, error) {
	if onChunk == nil {
		return p.transport.Complete(ctx, decision, req)
	}
	return p.transport.Stream(ctx, decision, req, onChunk)
}

// feedback reports health to the router: failure for each candidate the
// transport skipped past, then the final outcome for the candidate that
// served (or last tried) the request.
func (p *Pipeline) feedback(ctx context.Context, decision router.Decision, result *transport.Result, outcome router.Outcome) {
	if result == nil {
		p.router.Update(ctx, decision, router.Outcome{Success: false})
		return
	}

	for i := 0; i < result.Failovers && i < len(decision.Candidates); i++ {
		skipped := decision
		skipped.Provider = decision.Candidates[i].Provider
		skipped.Model = decision.Candidates[i].Model
		p.router.Update(ctx, skipped, router.Outcome{Success: false, LatencyMS: outcome.LatencyMS})
	}

	served := decision
	if result.Provider != "" {
		served.Provider = result.Provider
		served.Model = result.Model
	}
	p.router.Update(ctx, served, outcome)
}

func (p *Pipeline) record(ctx context.Context, msg models.Message, runID string, score classify.Score, decision router.Decision, result *transport.Result, start time.Time, totalIn, totalOut int, success bool) {
	rec := &storage.CompletionRecord{
		RunID:        runID,
		Sender:       msg.SenderID,
		Channel:      string(msg.Channel),
		Tier:         decision.Tier,
		Provider:     decision.Provider,
		Model:        decision.Model,
		Score:        score.Value,
		Success:      success,
		LatencyMS:    time.Since(start).Milliseconds(),
		InputTokens:  totalIn,
		OutputTokens: totalOut,
	}
	if result != nil {
		rec.Attempts = result.Attempts
		rec.Failovers = result.Failovers
		if result.Provider != "" {
			rec.Provider = result.Provider
			rec.Model = result.Model
		}
	}

	if cand, ok := p.candidateFor(decision, rec.Provider, rec.Model); ok {
		costRec := p.cost.Record(msg.SenderID, decision.Tier, cand, totalIn, totalOut)
		rec.CostUSD = costRec.CostUSD
	}

	if err := p.store.Record(ctx, rec); err != nil {
		p.logger.Warn(ctx, "failed to persist completion record",
			"run_id", runID,
			"error", err.Error())
	}
}

func (p *Pipeline) candidateFor(decision router.Decision, provider, model string) (router.Candidate, bool) {
	for _, c := range decision.Candidates {
		if c.Provider == provider && c.Model == model {
			return c, true
		}
	}
	return router.Candidate{}, false
}

// scoreQuality derives the routing feedback signal from how hard the
// transport had to work. A clean first-attempt answer scores 1.0.
func scoreQuality(result *transport.Result, failovers, streamResets int) float64 {
	q := 1.0
	q -= 0.2 * float64(failovers)
	q -= 0.1 * float64(streamResets)
	if result.Response == nil || (result.Response.Text == "" && len(result.Response.ToolCalls) == 0) {
		q = 0.1
	}
	if q < 0 {
		q = 0
	}
	return q
}

// Run consumes inbound messages from a queue until ctx is cancelled,
// publishing replies to out. Processing failures are logged and the
// message is dropped; the loop keeps going.
func (p *Pipeline) Run(ctx context.Context, in *bus.Queue, out *bus.Queue) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in.Consume():
			if !ok {
				return nil
			}
			reply, err := p.Process(ctx, msg)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				p.logger.Error(ctx, "message processing failed",
					"message_id", msg.ID,
					"error", err.Error())
				continue
			}
			if out != nil {
				if err := out.Publish(ctx, *reply); err != nil {
					p.logger.Warn(ctx, "failed to publish reply",
						"message_id", msg.ID,
						"error", err.Error())
				}
			}
		}
	}
}
