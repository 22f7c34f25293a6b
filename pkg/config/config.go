// Package config loads the YAML run configuration: which provider/model to
// target, the admission limits, and where secrets come from. Uses a
// model-name-keyed table of RPM/TPM/cost defaults as the bootstrap fallback
// of last resort, loaded via gopkg.in/yaml.v3. There is no package-level
// config singleton: every tracker, and the config a run loads, is
// constructed fresh per run and passed by reference.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names recognized by cmd/llmbatch when selecting an adapter.
const (
	ProviderOpenAICompat = "openaicompat"
	ProviderAnthropic    = "anthropic"
	ProviderOllama       = "ollama"
)

// Config is the YAML-decoded shape of a run's configuration file.
type Config struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`

	MaxRequestsPerMinute      int    `yaml:"max_requests_per_minute"`
	MaxTokensPerMinute        int    `yaml:"max_tokens_per_minute"`
	MaxOutputTokensPerMinute  int    `yaml:"max_output_tokens_per_minute"`
	TokenLimitStrategy        string `yaml:"token_limit_strategy"`
	MaxConcurrentRequests     int    `yaml:"max_concurrent_requests"`
	MaxBatch                  int    `yaml:"max_batch"`
	MaxRetries                int    `yaml:"max_retries"`
	SecondsToPauseOnRateLimit int    `yaml:"seconds_to_pause_on_rate_limit"`

	// MaxTokensHint is the per-request output-token ceiling: the anthropic
	// adapter sends it as max_tokens, and the openaicompat and anthropic
	// adapters derive the output-side pre-call token estimate from it
	// (pkg/tokenest, a quarter of the hint). The ollama adapter does not use
	// it. Kept distinct from MaxOutputTokensPerMinute, which bounds the
	// separated strategy's output-TPM bucket across the whole run.
	MaxTokensHint int `yaml:"max_tokens_hint"`

	InvalidFinishReasons    []string `yaml:"invalid_finish_reasons"`
	ReturnCompletionsObject bool     `yaml:"return_completions_object"`
}

// Load reads and YAML-decodes the config file at path, then fills in
// built-in defaults for the zero-valued tuning fields applyDefaults covers.
// Zero RPM/TPM limits are left at zero for bootstrap to resolve.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.TokenLimitStrategy == "" {
		cfg.TokenLimitStrategy = "total"
	}
	if cfg.MaxConcurrentRequests == 0 {
		cfg.MaxConcurrentRequests = 10
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = cfg.MaxConcurrentRequests
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.SecondsToPauseOnRateLimit == 0 {
		cfg.SecondsToPauseOnRateLimit = 15
	}
	if len(cfg.InvalidFinishReasons) == 0 {
		cfg.InvalidFinishReasons = []string{"length", "content_filter"}
	}
	if cfg.MaxTokensHint == 0 {
		cfg.MaxTokensHint = 1000
	}
}

// SecondsToPauseOnRateLimitDuration converts the config's integer-seconds
// field into a time.Duration for use by pkg/status.
func (c *Config) SecondsToPauseOnRateLimitDuration() time.Duration {
	return time.Duration(c.SecondsToPauseOnRateLimit) * time.Second
}

// APIKey resolves the API key for this run: the encrypted secrets store
// (see secrets.go) takes precedence, then the environment variable named by
// APIKeyEnv.
func (c *Config) APIKey() (string, error) {
	if key, err := GetSecret(c.APIKeyEnv); err == nil && key != "" {
		return key, nil
	}
	if c.APIKeyEnv != "" {
		if v := os.Getenv(c.APIKeyEnv); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no API key available: checked secrets store and $%s", c.APIKeyEnv)
}

// ModelDefault is the bootstrap fallback table entry: RPM/TPM/cost assumed
// when neither explicit config nor a header probe yields a limit.
type ModelDefault struct {
	MaxRequestsPerMinute int
	MaxTokensPerMinute   int
	CostPerMillionInput  float64
	CostPerMillionOutput float64
}

// ModelDefaults is the per-provider-model bootstrap table of last resort: a
// model name keyed map of RPM/TPM/cost defaults, with at least one
// representative model per adapter this repo ships.
var ModelDefaults = map[string]ModelDefault{
	"gpt-4o": {
		MaxRequestsPerMinute: 5000,
		MaxTokensPerMinute:   450000,
		CostPerMillionInput:  2.5,
		CostPerMillionOutput: 10.0,
	},
	"gpt-4o-mini": {
		MaxRequestsPerMinute: 5000,
		MaxTokensPerMinute:   2000000,
		CostPerMillionInput:  0.15,
		CostPerMillionOutput: 0.6,
	},
	"claude-3-5-sonnet-20241022": {
		MaxRequestsPerMinute: 4000,
		MaxTokensPerMinute:   400000,
		CostPerMillionInput:  3.0,
		CostPerMillionOutput: 15.0,
	},
	"llama3": {
		// Local model: no billing, and no vendor-imposed ceiling beyond the
		// hardware it runs on, so these are generous stand-ins rather than
		// a vendor-published number.
		MaxRequestsPerMinute: 1000,
		MaxTokensPerMinute:   1000000,
	},
}

// DefaultFor returns the bootstrap default for a model, or a conservative
// built-in fallback if the model isn't in the table at all.
func DefaultFor(model string) ModelDefault {
	if d, ok := ModelDefaults[model]; ok {
		return d
	}
	return ModelDefault{MaxRequestsPerMinute: 60, MaxTokensPerMinute: 40000}
}
