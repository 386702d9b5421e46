package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateCommandAcceptsGoodConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	cfg := `
routing:
  tiers:
    - name: free
      min: 0
      max: 1
      candidates:
        - provider: openai
          model: gpt-4o-mini
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"validate", "--config", path})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out.String(), "configuration ok") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestValidateCommandRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	cfg := `
routing:
  tiers:
    - name: broken
      min: 0.5
      max: 0.2
      candidates:
        - provider: openai
          model: gpt-4o-mini
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := buildRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"validate", "--config", path})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadConfigDefaultsWithoutPath(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Providers.Anthropic.Enabled() {
		t.Error("expected anthropic enabled from environment")
	}
	if cfg.Providers.OpenAI.Enabled() {
		t.Error("expected openai disabled without key")
	}
	if enabledProviderCount(cfg) != 1 {
		t.Errorf("enabledProviderCount = %d, want 1", enabledProviderCount(cfg))
	}
}
