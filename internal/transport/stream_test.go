package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/providers"
)

func doneChunk() providers.Chunk {
	return providers.Chunk{Done: true, InputTokens: 10, OutputTokens: 5}
}

func TestStreamSuccess(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", script: []scriptedCall{
		{chunks: []providers.Chunk{{Text: "hello "}, {Text: "world"}, doneChunk()}},
	}}
	tr, _ := newTestTransport(t, testPolicy(0), alpha)

	var got strings.Builder
	decision := testDecision()
	decision.Candidates = decision.Candidates[:1]

	result, err := tr.Stream(context.Background(), decision, &providers.Request{}, func(c providers.Chunk) bool {
		got.WriteString(c.Text)
		return true
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if got.String() != "hello world" {
		t.Errorf("streamed text = %q", got.String())
	}
	if result.Response.Text != "hello world" || result.StreamResets != 0 {
		t.Errorf("unexpected result: %+v", result.Response)
	}
	if result.Response.OutputTokens != 5 {
		t.Errorf("output tokens = %d, want 5", result.Response.OutputTokens)
	}
}

func TestStreamMidFailureEmitsOneResetMarker(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", script: []scriptedCall{
		{chunks: []providers.Chunk{{Text: "partial out"}}, err: serverError(503)},
		{chunks: []providers.Chunk{{Text: "full answer"}, doneChunk()}},
	}}
	tr, _ := newTestTransport(t, testPolicy(1), alpha)

	var chunks []string
	decision := testDecision()
	decision.Candidates = decision.Candidates[:1]

	result, err := tr.Stream(context.Background(), decision, &providers.Request{}, func(c providers.Chunk) bool {
		if c.Text != "" {
			chunks = append(chunks, c.Text)
		}
		return true
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	markers := 0
	for _, c := range chunks {
		if c == StreamResetMarker {
			markers++
		}
	}
	if markers != 1 {
		t.Fatalf("reset markers = %d, want exactly 1", markers)
	}
	if chunks[len(chunks)-1] != "full answer" {
		t.Errorf("final chunk = %q", chunks[len(chunks)-1])
	}
	if result.StreamResets != 1 {
		t.Errorf("StreamResets = %d, want 1", result.StreamResets)
	}
	if result.Response.Text != "full answer" {
		t.Errorf("accumulated text = %q, must not contain discarded output", result.Response.Text)
	}
}

func TestStreamFailureBeforeOutputIsSilent(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", script: []scriptedCall{
		{err: serverError(503)},
		{chunks: []providers.Chunk{{Text: "answer"}, doneChunk()}},
	}}
	tr, _ := newTestTransport(t, testPolicy(1), alpha)

	var sawMarker bool
	decision := testDecision()
	decision.Candidates = decision.Candidates[:1]

	result, err := tr.Stream(context.Background(), decision, &providers.Request{}, func(c providers.Chunk) bool {
		if c.Text == StreamResetMarker {
			sawMarker = true
		}
		return true
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if sawMarker {
		t.Error("reset with no prior output must be invisible to the consumer")
	}
	if result.StreamResets != 0 {
		t.Errorf("StreamResets = %d, want 0", result.StreamResets)
	}
}

func TestStreamFailoverAcrossCandidates(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", script: []scriptedCall{
		{chunks: []providers.Chunk{{Text: "alpha partial"}}, err: serverError(503)},
	}}
	beta := &fakeProvider{name: "beta", script: []scriptedCall{
		{chunks: []providers.Chunk{{Text: "beta answer"}, doneChunk()}},
	}}
	tr, _ := newTestTransport(t, testPolicy(0), alpha, beta)

	var chunks []string
	result, err := tr.Stream(context.Background(), testDecision(), &providers.Request{}, func(c providers.Chunk) bool {
		if c.Text != "" {
			chunks = append(chunks, c.Text)
		}
		return true
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if result.Provider != "beta" || result.Failovers != 1 {
		t.Errorf("unexpected result: provider=%s failovers=%d", result.Provider, result.Failovers)
	}
	want := []string{"alpha partial", StreamResetMarker, "beta answer"}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %q, want %q", chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestStreamEarlyStopIsNotAnError(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", script: []scriptedCall{
		{chunks: []providers.Chunk{{Text: "one"}, {Text: "two"}, doneChunk()}},
	}}
	tr, _ := newTestTransport(t, testPolicy(0), alpha)

	count := 0
	decision := testDecision()
	decision.Candidates = decision.Candidates[:1]

	_, err := tr.Stream(context.Background(), decision, &providers.Request{}, func(c providers.Chunk) bool {
		count++
		return count < 1 // stop after the first chunk
	})
	if err != nil {
		t.Fatalf("early stop should not error, got %v", err)
	}
	if count != 1 {
		t.Errorf("chunks delivered after stop: %d", count)
	}
}

func TestResetMarkerIsInvalidUTF8(t *testing.T) {
	for _, r := range StreamResetMarker {
		if r != '�' {
			t.Fatalf("marker decodes as %q; it must not be valid UTF-8", r)
		}
	}
}

func TestStreamControllerResetTwice(t *testing.T) {
	ctrl := &streamController{onChunk: func(providers.Chunk) bool { return true }}

	ctrl.forward(providers.Chunk{Text: "partial"})
	info := ctrl.Reset()
	if !info.HadOutput || info.PartialText != "partial" {
		t.Errorf("first reset = %+v", info)
	}

	info = ctrl.Reset()
	if info.HadOutput || info.PartialText != "" {
		t.Errorf("second reset without new output = %+v", info)
	}
}

func TestStreamRetryAfterRespectedAcrossAttempts(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", script: []scriptedCall{
		{err: rateLimited(2 * time.Second)},
		{chunks: []providers.Chunk{{Text: "ok"}, doneChunk()}},
	}}
	tr, slept := newTestTransport(t, testPolicy(1), alpha)

	decision := testDecision()
	decision.Candidates = decision.Candidates[:1]
	_, err := tr.Stream(context.Background(), decision, &providers.Request{}, func(providers.Chunk) bool { return true })
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 2*time.Second {
		t.Errorf("backoff waits = %v, want one 2s wait", *slept)
	}
}
