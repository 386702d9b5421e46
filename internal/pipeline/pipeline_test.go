package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/toolexec"
	"github.com/haasonsaas/relay/internal/transport"
	"github.com/haasonsaas/relay/pkg/models"
)

// scriptedProvider returns canned responses in order; calls past the
// script fail.
type scriptedProvider struct {
	name      string
	responses []*providers.Response
	errs      []error
	calls     int
	lastReq   *providers.Request
}

func (s *scriptedProvider) Name() string              { return s.name }
func (s *scriptedProvider) Models() []providers.Model { return nil }
func (s *scriptedProvider) SupportsTools() bool       { return true }

func (s *scriptedProvider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	cp := *req
	s.lastReq = &cp
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return nil, errors.New("script exhausted")
}

func (s *scriptedProvider) CompleteStream(ctx context.Context, req *providers.Request, onChunk providers.ChunkFunc) error {
	resp, err := s.Complete(ctx, req)
	if err != nil {
		return err
	}
	if resp.Text != "" {
		if !onChunk(providers.Chunk{Text: resp.Text}) {
			return nil
		}
	}
	for i := range resp.ToolCalls {
		if !onChunk(providers.Chunk{ToolCall: &resp.ToolCalls[i]}) {
			return nil
		}
	}
	onChunk(providers.Chunk{Done: true, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens})
	return nil
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input" }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)
}
func (echoTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	return "echo: " + args.Text, nil
}

func singleTierRouter(provider, model string) *router.Router {
	tiers := []router.Tier{{
		Name: "only", Min: 0, Max: 1,
		Candidates: []router.Candidate{{
			Provider: provider, Model: model,
			InputCostPerMTok: 3, OutputCostPerMTok: 15,
		}},
	}}
	return router.New(tiers, router.Config{}, nil)
}

func newTestPipeline(t *testing.T, prov providers.Provider, store storage.CompletionStore) (*Pipeline, *router.CostTracker) {
	t.Helper()

	registry := toolexec.NewRegistry()
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}
	executor := toolexec.NewExecutor(registry, toolexec.Config{}, nil, nil)

	policy := transport.RetryPolicy{
		Backoff:    backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
		MaxRetries: 0,
	}
	tp := transport.New([]providers.Provider{prov}, policy, nil, nil)

	cost := router.NewCostTracker()
	p := New(Config{SystemPrompt: "be helpful"}, singleTierRouter(prov.Name(), "test-model"), tp, executor, cost, store, nil)
	return p, cost
}

func inboundMessage(content string) models.Message {
	msg := models.NewMessage(models.ChannelAPI, models.DirectionInbound, models.RoleUser, content)
	msg.SenderID = "user-1"
	return *msg
}

func TestProcessSimpleAnswer(t *testing.T) {
	prov := &scriptedProvider{name: "fake", responses: []*providers.Response{
		{Text: "the answer", InputTokens: 100, OutputTokens: 20},
	}}
	store := storage.NewMemoryStore()
	p, cost := newTestPipeline(t, prov, store)

	reply, err := p.Process(context.Background(), inboundMessage("what is the answer?"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Content != "the answer" {
		t.Errorf("reply = %q", reply.Content)
	}
	if reply.Direction != models.DirectionOutbound || reply.Role != models.RoleAssistant {
		t.Errorf("reply direction/role = %s/%s", reply.Direction, reply.Role)
	}
	if reply.Metadata["tier"] != "only" {
		t.Errorf("metadata = %v", reply.Metadata)
	}

	// System prompt and tool definitions reached the provider.
	if prov.lastReq.System != "be helpful" {
		t.Errorf("system = %q", prov.lastReq.System)
	}
	if len(prov.lastReq.Tools) != 1 || prov.lastReq.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", prov.lastReq.Tools)
	}

	recs, err := store.ListBySender(context.Background(), "user-1", 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("records = %d, err = %v", len(recs), err)
	}
	if !recs[0].Success || recs[0].InputTokens != 100 {
		t.Errorf("record = %+v", recs[0])
	}
	if recs[0].CostUSD <= 0 {
		t.Error("cost should be attributed")
	}
	if cost.SenderTotals("user-1").Requests != 1 {
		t.Error("cost tracker not updated")
	}
}

func TestProcessRunsToolRound(t *testing.T) {
	prov := &scriptedProvider{name: "fake", responses: []*providers.Response{
		{
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "echo", Input: json.RawMessage(`{"text":"hi"}`)},
			},
			InputTokens: 50, OutputTokens: 10,
		},
		{Text: "done with tools", InputTokens: 80, OutputTokens: 15},
	}}
	store := storage.NewMemoryStore()
	p, _ := newTestPipeline(t, prov, store)

	reply, err := p.Process(context.Background(), inboundMessage("use the tool"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Content != "done with tools" {
		t.Errorf("reply = %q", reply.Content)
	}
	if prov.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", prov.calls)
	}

	// Second round carried the tool exchange.
	msgs := prov.lastReq.Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want user + assistant + results", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].Role != "assistant" {
		t.Errorf("assistant turn = %+v", msgs[1])
	}
	if len(msgs[2].ToolResults) != 1 || msgs[2].ToolResults[0].Content != "echo: hi" {
		t.Errorf("tool results = %+v", msgs[2].ToolResults)
	}

	// Token totals span both rounds.
	recs, _ := store.ListBySender(context.Background(), "user-1", 10)
	if recs[0].InputTokens != 130 || recs[0].OutputTokens != 25 {
		t.Errorf("token totals = %d/%d", recs[0].InputTokens, recs[0].OutputTokens)
	}
}

func TestToolRoundBudgetStopsLoop(t *testing.T) {
	loop := &providers.Response{
		Text: "still working",
		ToolCalls: []models.ToolCall{
			{ID: "c", Name: "echo", Input: json.RawMessage(`{"text":"again"}`)},
		},
	}
	prov := &scriptedProvider{name: "fake", responses: []*providers.Response{loop, loop, loop, loop, loop}}
	p, _ := newTestPipeline(t, prov, storage.NewMemoryStore())
	p.cfg.MaxToolRounds = 3

	reply, err := p.Process(context.Background(), inboundMessage("loop forever"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if prov.calls != 3 {
		t.Errorf("provider calls = %d, want bounded at 3", prov.calls)
	}
	if reply.Content != "still working" {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestProcessFailureRecordsOutcome(t *testing.T) {
	failure := providers.NewError("fake", "test-model", errors.New("down")).WithStatus(503)
	prov := &scriptedProvider{name: "fake", errs: []error{failure}}
	store := storage.NewMemoryStore()
	p, _ := newTestPipeline(t, prov, store)

	_, err := p.Process(context.Background(), inboundMessage("hello"))
	if err == nil {
		t.Fatal("expected error")
	}

	recs, _ := store.ListBySender(context.Background(), "user-1", 10)
	if len(recs) != 1 || recs[0].Success {
		t.Errorf("failure should be recorded: %+v", recs)
	}
}

func TestFailedFailoverChargesEachCandidateOnce(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha", errs: []error{
		providers.NewError("alpha", "model-a", errors.New("down")).WithStatus(503),
	}}
	beta := &scriptedProvider{name: "beta", errs: []error{
		providers.NewError("beta", "model-b", errors.New("down")).WithStatus(503),
	}}

	tiers := []router.Tier{{
		Name: "only", Min: 0, Max: 1,
		Candidates: []router.Candidate{
			{Provider: "alpha", Model: "model-a"},
			{Provider: "beta", Model: "model-b"},
		},
	}}
	rt := router.New(tiers, router.Config{}, nil)

	executor := toolexec.NewExecutor(toolexec.NewRegistry(), toolexec.Config{}, nil, nil)
	policy := transport.RetryPolicy{
		Backoff:    backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
		MaxRetries: 0,
	}
	tp := transport.New([]providers.Provider{alpha, beta}, policy, nil, nil)
	p := New(Config{}, rt, tp, executor, router.NewCostTracker(), storage.NewMemoryStore(), nil)

	if _, err := p.Process(context.Background(), inboundMessage("hello")); err == nil {
		t.Fatal("expected error when every candidate fails")
	}

	for _, st := range rt.Stats() {
		if st.Failures != 1 {
			t.Errorf("%s/%s failures = %d, want exactly 1", st.Provider, st.Model, st.Failures)
		}
	}
}

func TestProcessStreamForwardsChunks(t *testing.T) {
	prov := &scriptedProvider{name: "fake", responses: []*providers.Response{
		{Text: "streamed answer", InputTokens: 10, OutputTokens: 5},
	}}
	p, _ := newTestPipeline(t, prov, storage.NewMemoryStore())

	var streamed string
	reply, err := p.ProcessStream(context.Background(), inboundMessage("stream it"), func(c providers.Chunk) bool {
		streamed += c.Text
		return true
	})
	if err != nil {
		t.Fatalf("ProcessStream() error = %v", err)
	}
	if streamed != "streamed answer" || reply.Content != "streamed answer" {
		t.Errorf("streamed = %q, reply = %q", streamed, reply.Content)
	}
}

func TestRunConsumesQueueAndReplies(t *testing.T) {
	prov := &scriptedProvider{name: "fake", responses: []*providers.Response{
		{Text: "queued reply"},
	}}
	p, _ := newTestPipeline(t, prov, storage.NewMemoryStore())

	in := bus.NewQueue("inbound", bus.Config{Capacity: 4}, nil, nil)
	out := bus.NewQueue("outbound", bus.Config{Capacity: 4}, nil, nil)
	defer in.Close()
	defer out.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, in, out)

	if err := in.Publish(ctx, inboundMessage("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case reply := <-out.Consume():
		if reply.Content != "queued reply" {
			t.Errorf("reply = %q", reply.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply published")
	}
}
