package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Database.Driver)
	}
	if cfg.Experience.MaxItemsPerQuery != 5 {
		t.Errorf("expected 5, got %d", cfg.Experience.MaxItemsPerQuery)
	}
	if cfg.Experience.MaxContentLength != 2000 {
		t.Errorf("expected 2000, got %d", cfg.Experience.MaxContentLength)
	}
	if cfg.Experience.InMemory.TTLSeconds != -1 {
		t.Errorf("expected -1, got %d", cfg.Experience.InMemory.TTLSeconds)
	}
	if !cfg.Trigger.Async {
		t.Error("expected async triggers by default")
	}
	if cfg.Runtime.MaxIterations != 8 {
		t.Errorf("expected 8, got %d", cfg.Runtime.MaxIterations)
	}
	if cfg.Evaluation.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Evaluation.Workers)
	}
	if got := cfg.Evaluation.CriterionTimeout(); got != 30*time.Second {
		t.Errorf("expected 30s criterion timeout, got %v", got)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[model]
model = "gpt-4o-mini"

[experience]
max_items_per_query = 3
fast_intent_allowed_tools = ["search", "reply"]

[sandbox]
execution_timeout_ms = 5000
allow_io = true
`), 0o644)

	cfg := Load(path)
	if cfg.Model.Model != "gpt-4o-mini" {
		t.Errorf("expected gpt-4o-mini, got %s", cfg.Model.Model)
	}
	if cfg.Experience.MaxItemsPerQuery != 3 {
		t.Errorf("expected 3, got %d", cfg.Experience.MaxItemsPerQuery)
	}
	if len(cfg.Experience.FastIntentAllowedTools) != 2 {
		t.Errorf("expected 2 allowed tools, got %v", cfg.Experience.FastIntentAllowedTools)
	}
	if !cfg.Sandbox.AllowIO {
		t.Error("expected allow_io from file")
	}
	if got := cfg.Sandbox.ExecutionTimeout(); got != 5*time.Second {
		t.Errorf("expected 5s, got %v", got)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Experience.MaxContentLength != 2000 {
		t.Errorf("expected default 2000, got %d", cfg.Experience.MaxContentLength)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Database.Path != "acton.db" {
		t.Errorf("expected acton.db, got %s", cfg.Database.Path)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ACTON_MODEL_API_KEY", "sk-test")
	t.Setenv("ACTON_DATABASE_DRIVER", "postgres")
	t.Setenv("ACTON_SANDBOX_TIMEOUT_MS", "1500")

	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Model.APIKey != "sk-test" {
		t.Errorf("expected env api key, got %s", cfg.Model.APIKey)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Sandbox.ExecutionTimeoutMS != 1500 {
		t.Errorf("expected 1500, got %d", cfg.Sandbox.ExecutionTimeoutMS)
	}
}

func TestTTLConversion(t *testing.T) {
	c := InMemoryExperienceConfig{TTLSeconds: -1}
	if c.TTL() != 0 {
		t.Errorf("expected 0 for never-expire, got %v", c.TTL())
	}
	c.TTLSeconds = 60
	if c.TTL() != time.Minute {
		t.Errorf("expected 1m, got %v", c.TTL())
	}
}
