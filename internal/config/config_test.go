package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
input_data: queries.json
sparql_endpoint: http://localhost:7200/repos/test
models:
  gpt-4o:
    provider: openai
    model_name: gpt-4o
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OutputDir != "outputs" {
		t.Errorf("expected default output dir, got %q", cfg.OutputDir)
	}
	if cfg.Batch.MetadataFile != filepath.Join("raw_outputs", "batch_jobs.json") {
		t.Errorf("unexpected metadata file %q", cfg.Batch.MetadataFile)
	}
	if cfg.Batch.MaxTokens != 1024 {
		t.Errorf("expected default max_tokens 1024, got %d", cfg.Batch.MaxTokens)
	}
	if cfg.Execution.Timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", cfg.Execution.Timeout)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_SPARQL_ENDPOINT", "http://example.org/sparql")
	path := writeConfig(t, `
input_data: queries.json
sparql_endpoint: ${TEST_SPARQL_ENDPOINT}
models:
  claude:
    provider: anthropic
    model_name: claude-sonnet-4-20250514
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SPARQLEndpoint != "http://example.org/sparql" {
		t.Errorf("env not expanded: %q", cfg.SPARQLEndpoint)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, `
input_data: queries.json
models:
  bad:
    provider: cohere
    model_name: command-r
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestLoadRequiresModels(t *testing.T) {
	path := writeConfig(t, `
input_data: queries.json
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty model map")
	}
}

func TestLoadRequiresModelName(t *testing.T) {
	path := writeConfig(t, `
input_data: queries.json
models:
  gem:
    provider: google
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing model_name")
	}
}

func TestAPIKeyResolution(t *testing.T) {
	t.Setenv("CUSTOM_KEY", "sk-custom")
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	mc := ModelConfig{Provider: ProviderOpenAI, EnvKey: "CUSTOM_KEY"}
	if got := mc.APIKey(); got != "sk-custom" {
		t.Errorf("env_key override: got %q", got)
	}

	mc = ModelConfig{Provider: ProviderOpenAI}
	if got := mc.APIKey(); got != "sk-openai" {
		t.Errorf("provider fallback: got %q", got)
	}
}

func TestTokenBudget(t *testing.T) {
	cfg := &Config{Batch: BatchConfig{MaxTokens: 1024}}
	if got := cfg.TokenBudget(ModelConfig{}); got != 1024 {
		t.Errorf("expected batch default, got %d", got)
	}
	if got := cfg.TokenBudget(ModelConfig{MaxTokens: 4096}); got != 4096 {
		t.Errorf("expected model override, got %d", got)
	}
}
