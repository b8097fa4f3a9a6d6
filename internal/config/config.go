package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Model      ModelConfig      `toml:"model"`
	Database   DatabaseConfig   `toml:"database"`
	Runtime    RuntimeConfig    `toml:"runtime"`
	Experience ExperienceConfig `toml:"experience"`
	Evaluation EvaluationConfig `toml:"evaluation"`
	Search     SearchConfig     `toml:"search"`
	Sandbox    SandboxConfig    `toml:"sandbox"`
	Trigger    TriggerConfig    `toml:"trigger"`
	Observer   ObserverConfig   `toml:"observer"`
}

type ModelConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: memory, sqlite or postgres.
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type RuntimeConfig struct {
	SystemPrompt  string `toml:"system_prompt"`
	MaxIterations int    `toml:"max_iterations"`
}

type ExperienceConfig struct {
	Enabled                bool     `toml:"enabled"`
	CodeExperienceEnabled  bool     `toml:"code_experience_enabled"`
	ReactExperienceEnabled bool     `toml:"react_experience_enabled"`
	FastIntentEnabled      bool     `toml:"fast_intent_enabled"`
	FastIntentReactEnabled bool     `toml:"fast_intent_react_enabled"`
	FastIntentCodeEnabled  bool     `toml:"fast_intent_code_enabled"`
	FastIntentAllowedTools []string `toml:"fast_intent_allowed_tools"`
	MaxItemsPerQuery       int      `toml:"max_items_per_query"`
	MaxContentLength       int      `toml:"max_content_length"`
	MaxQueryTextLength     int      `toml:"max_query_text_length"`

	InMemory InMemoryExperienceConfig `toml:"in_memory"`
}

type InMemoryExperienceConfig struct {
	MaxTotalExperiences int `toml:"max_total_experiences"`
	// TTLSeconds of -1 means entries never expire.
	TTLSeconds int `toml:"ttl_seconds"`
}

type EvaluationConfig struct {
	Workers            int    `toml:"workers"`
	CriterionTimeoutMS int    `toml:"criterion_timeout_ms"`
	SuitePath          string `toml:"suite_path"`
}

type SearchConfig struct {
	Enabled                bool `toml:"enabled"`
	ProjectSearchEnabled   bool `toml:"project_search_enabled"`
	KnowledgeSearchEnabled bool `toml:"knowledge_search_enabled"`
	WebSearchEnabled       bool `toml:"web_search_enabled"`
	DefaultTopK            int  `toml:"default_top_k"`
	SearchTimeoutMS        int  `toml:"search_timeout_ms"`
}

type SandboxConfig struct {
	AllowIO            bool   `toml:"allow_io"`
	AllowNativeAccess  bool   `toml:"allow_native_access"`
	ExecutionTimeoutMS int    `toml:"execution_timeout_ms"`
	WorkspacePath      string `toml:"workspace_path"`
}

type TriggerConfig struct {
	Async         bool `toml:"async"`
	ExecTimeoutMS int  `toml:"exec_timeout_ms"`
	MaxRetries    int  `toml:"max_retries"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// ExecutionTimeout returns the sandbox timeout as a duration.
func (c SandboxConfig) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutMS) * time.Millisecond
}

// CriterionTimeout returns the per-criterion evaluation bound as a
// duration.
func (c EvaluationConfig) CriterionTimeout() time.Duration {
	return time.Duration(c.CriterionTimeoutMS) * time.Millisecond
}

// SearchTimeout returns the search timeout as a duration.
func (c SearchConfig) SearchTimeout() time.Duration {
	return time.Duration(c.SearchTimeoutMS) * time.Millisecond
}

// ExecTimeout returns the trigger execution timeout as a duration.
func (c TriggerConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutMS) * time.Millisecond
}

// TTL returns the in-memory experience TTL, or zero when entries never
// expire.
func (c InMemoryExperienceConfig) TTL() time.Duration {
	if c.TTLSeconds < 0 {
		return 0
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Model:    ModelConfig{Provider: "openai", Model: "gpt-4.1"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "acton.db"},
		Runtime:  RuntimeConfig{MaxIterations: 8},
		Experience: ExperienceConfig{
			Enabled:                true,
			CodeExperienceEnabled:  true,
			ReactExperienceEnabled: true,
			FastIntentEnabled:      true,
			FastIntentReactEnabled: true,
			FastIntentCodeEnabled:  true,
			MaxItemsPerQuery:       5,
			MaxContentLength:       2000,
			MaxQueryTextLength:     256,
			InMemory:               InMemoryExperienceConfig{MaxTotalExperiences: 1000, TTLSeconds: -1},
		},
		Evaluation: EvaluationConfig{Workers: 4, CriterionTimeoutMS: 30000},
		Search: SearchConfig{
			Enabled:          true,
			WebSearchEnabled: true,
			DefaultTopK:      5,
			SearchTimeoutMS:  10000,
		},
		Sandbox: SandboxConfig{
			ExecutionTimeoutMS: 30000,
			WorkspacePath:      filepath.Join(home, "acton-workspace"),
		},
		Trigger:  TriggerConfig{Async: true, ExecTimeoutMS: 60000, MaxRetries: 1},
		Observer: ObserverConfig{ServiceName: "acton"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "acton.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ACTON_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("ACTON_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("ACTON_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ACTON_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ACTON_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("ACTON_SANDBOX_WORKSPACE"); v != "" {
		cfg.Sandbox.WorkspacePath = v
	}
	if v := os.Getenv("ACTON_SANDBOX_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.ExecutionTimeoutMS = n
		}
	}
	if v := os.Getenv("ACTON_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
