// Package config loads and validates the sparqleval pipeline configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider identities accepted in model configuration entries.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// Config is the top-level pipeline configuration.
type Config struct {
	// SPARQLEndpoint is the knowledge-graph query endpoint URL.
	SPARQLEndpoint string `yaml:"sparql_endpoint"`

	// OntologyFile is the RDF ontology appended to every system prompt.
	OntologyFile string `yaml:"ontology_file"`

	// InputData is the JSON evaluation query set.
	InputData string `yaml:"input_data"`

	// SystemPromptFile is the prompt template; the builtin template is
	// used when the file is absent.
	SystemPromptFile string `yaml:"system_prompt_file"`

	// OutputDir holds the clean per-model/per-trial output tree.
	OutputDir string `yaml:"output_dir"`

	// RawOutputDir holds batch inputs, raw vendor payloads and the ledger.
	RawOutputDir string `yaml:"raw_output_dir"`

	Batch     BatchConfig            `yaml:"batch"`
	Execution ExecutionConfig        `yaml:"execution"`
	Models    map[string]ModelConfig `yaml:"models"`
}

// BatchConfig tunes batch submission and polling.
type BatchConfig struct {
	// MetadataFile is the trial ledger path. Defaults to
	// <raw_output_dir>/batch_jobs.json.
	MetadataFile string `yaml:"metadata_file"`

	// PollConcurrency bounds parallel provider polls during a sweep.
	PollConcurrency int `yaml:"poll_concurrency"`

	// MaxTokens caps model output per query unless the model overrides it.
	MaxTokens int `yaml:"max_tokens"`
}

// ExecutionConfig tunes SPARQL endpoint access during reconciliation.
type ExecutionConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`

	// RateLimit is the maximum endpoint requests per second; 0 disables
	// limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// Concurrency bounds parallel query executions per (model, trial).
	Concurrency int `yaml:"concurrency"`
}

// ModelConfig describes one model under evaluation.
type ModelConfig struct {
	// Provider selects the batch adapter: openai, anthropic or google.
	Provider string `yaml:"provider"`

	// ModelName is the vendor-side model identifier.
	ModelName string `yaml:"model_name"`

	// EnvKey names the environment variable holding the API key.
	EnvKey string `yaml:"env_key"`

	// BaseURL overrides the vendor API base URL (OpenAI-compatible
	// gateways).
	BaseURL string `yaml:"base_url"`

	// MaxTokens overrides batch.max_tokens for this model.
	MaxTokens int `yaml:"max_tokens"`
}

// Load reads the configuration file, expands ${ENV} references, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "outputs"
	}
	if cfg.RawOutputDir == "" {
		cfg.RawOutputDir = "raw_outputs"
	}
	if cfg.Batch.MetadataFile == "" {
		cfg.Batch.MetadataFile = filepath.Join(cfg.RawOutputDir, "batch_jobs.json")
	}
	if cfg.Batch.PollConcurrency <= 0 {
		cfg.Batch.PollConcurrency = 4
	}
	if cfg.Batch.MaxTokens <= 0 {
		cfg.Batch.MaxTokens = 1024
	}
	if cfg.Execution.Timeout <= 0 {
		cfg.Execution.Timeout = 30 * time.Second
	}
	if cfg.Execution.MaxRetries <= 0 {
		cfg.Execution.MaxRetries = 3
	}
	if cfg.Execution.Concurrency <= 0 {
		cfg.Execution.Concurrency = 4
	}
}

// Validate checks structural requirements. Credential presence is checked
// lazily at submission time so that read-only operations work without keys.
func (c *Config) Validate() error {
	if c.InputData == "" {
		return fmt.Errorf("config: input_data is required")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("config: at least one model must be configured")
	}
	for key, mc := range c.Models {
		if err := mc.validate(); err != nil {
			return fmt.Errorf("config: model %q: %w", key, err)
		}
	}
	return nil
}

func (mc ModelConfig) validate() error {
	switch mc.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle:
	case "":
		return fmt.Errorf("provider is required")
	default:
		return fmt.Errorf("unknown provider %q", mc.Provider)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("model_name is required")
	}
	return nil
}

// APIKey resolves the model's credential from the environment. Falls back
// to the conventional variable for the provider when env_key is unset.
func (mc ModelConfig) APIKey() string {
	if mc.EnvKey != "" {
		return os.Getenv(mc.EnvKey)
	}
	switch mc.Provider {
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderGoogle:
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

// TokenBudget returns the effective max-tokens for the model.
func (c *Config) TokenBudget(mc ModelConfig) int {
	if mc.MaxTokens > 0 {
		return mc.MaxTokens
	}
	return c.Batch.MaxTokens
}
