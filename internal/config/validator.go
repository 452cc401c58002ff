package config

import (
	"fmt"
	"strings"

	"github.com/harun/memorygraph/pkg/backup"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(kind, value string, valid ...string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", kind, value, strings.Join(valid, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateStoreDriver validates the fact store driver
func (v *Validator) ValidateStoreDriver(driver string) error {
	return oneOf("store driver", driver, "sqlite", "postgres")
}

// ValidateEmbeddingProvider validates the embedding provider name
func (v *Validator) ValidateEmbeddingProvider(provider string) error {
	return oneOf("embedding provider", provider, "hash", "openai", "none")
}

// ValidateLLMProvider validates the LLM provider name
func (v *Validator) ValidateLLMProvider(provider string) error {
	return oneOf("llm provider", provider, "anthropic", "openai")
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateUnitInterval checks that a ranking constant lies in [0, 1]
func (v *Validator) ValidateUnitInterval(name string, value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("ranking.%s must be between 0 and 1, got %g", name, value)
	}
	return nil
}

// ValidateSchedule validates a backup cron expression
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return nil // Scheduling disabled
	}
	if _, err := backup.ParseSchedule(expr); err != nil {
		return fmt.Errorf("backup.schedule: %w", err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Server
	add(v.ValidatePort(cfg.Server.Port))
	if cfg.Server.RateLimitPerMinute < 0 {
		add(fmt.Errorf("server.rate_limit_per_minute must be >= 0"))
	}
	if cfg.Server.RequestTimeoutSeconds < 0 {
		add(fmt.Errorf("server.request_timeout_seconds must be >= 0"))
	}

	// Store
	add(v.ValidateStoreDriver(cfg.Store.Driver))
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		add(fmt.Errorf("store.dsn is required for the postgres driver"))
	}

	// Embedding
	add(v.ValidateEmbeddingProvider(cfg.Embedding.Provider))
	if cfg.Embedding.Provider != "none" && cfg.Embedding.Dimension <= 0 {
		add(fmt.Errorf("embedding.dimension must be positive, got %d", cfg.Embedding.Dimension))
	}
	if cfg.Embedding.Provider == "openai" {
		add(v.ValidateAPIKey(cfg.Embedding.APIKey, "openai"))
	}
	if cfg.Embedding.TimeoutMs < 0 {
		add(fmt.Errorf("embedding.timeout_ms must be >= 0"))
	}
	if cfg.Embedding.CacheSize < 0 {
		add(fmt.Errorf("embedding.cache_size must be >= 0"))
	}

	// LLM: the key is optional; without it only templated replies are served.
	add(v.ValidateLLMProvider(cfg.LLM.Provider))
	if cfg.LLM.APIKey != "" {
		add(v.ValidateAPIKey(cfg.LLM.APIKey, cfg.LLM.Provider))
	}
	add(v.ValidateMaxTokens(cfg.LLM.MaxTokens))
	add(v.ValidateTemperature(cfg.LLM.Temperature))
	if cfg.LLM.TimeoutSeconds < 0 {
		add(fmt.Errorf("llm.timeout_seconds must be >= 0"))
	}
	if cfg.LLM.MaxRetries < 0 {
		add(fmt.Errorf("llm.max_retries must be >= 0"))
	}

	// Ranking
	r := cfg.Ranking
	for _, c := range []struct {
		name  string
		value float64
	}{
		{"importance", r.Importance},
		{"scene_match", r.SceneMatch},
		{"intent_bonus", r.IntentBonus},
		{"assoc_bonus", r.AssocBonus},
		{"semantic", r.Semantic},
		{"heuristic", r.Heuristic},
		{"feedback_rate", r.FeedbackRate},
	} {
		add(v.ValidateUnitInterval(c.name, c.value))
	}

	// Backup
	add(v.ValidateSchedule(cfg.Backup.Schedule))
	if cfg.Backup.Retain < 0 {
		add(fmt.Errorf("backup.retain must be >= 0"))
	}

	// Logging
	add(v.ValidateLogLevel(cfg.Logging.Level))

	// Tracing
	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRatio <= 0 || cfg.Tracing.SampleRatio > 1) {
		add(fmt.Errorf("tracing.sample_ratio must be in (0, 1], got %g", cfg.Tracing.SampleRatio))
	}

	return errs
}
