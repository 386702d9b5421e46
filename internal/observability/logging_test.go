package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "text", Output: &buf})

	logger.Info(context.Background(), "configured provider",
		"detail", "api_key=sk-aVeryLongSecretKeyValue1234567890")

	out := buf.String()
	if strings.Contains(out, "aVeryLongSecretKeyValue") {
		t.Errorf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[redacted]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
}

func TestLoggerAddsRunID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := AddRunID(context.Background(), "run-123")
	logger.Info(ctx, "hello")

	if !strings.Contains(buf.String(), "run-123") {
		t.Errorf("expected run_id in output: %s", buf.String())
	}
}

func TestLoggerAddsToolCallID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := AddToolCallID(context.Background(), "call-42")
	logger.Warn(ctx, "tool call failed")

	if !strings.Contains(buf.String(), "tool_call_id") || !strings.Contains(buf.String(), "call-42") {
		t.Errorf("expected tool_call_id in output: %s", buf.String())
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug(context.Background(), "quiet")
	logger.Info(context.Background(), "also quiet")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got: %s", buf.String())
	}

	logger.Warn(context.Background(), "loud")
	if buf.Len() == 0 {
		t.Error("expected warn output")
	}
}
