package config

import (
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/harun/memorygraph/pkg/memory"
)

// Config represents the main memorygraph configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Store     StoreConfig     `json:"store" mapstructure:"store"`
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
	LLM       LLMConfig       `json:"llm" mapstructure:"llm"`
	Ranking   RankingConfig   `json:"ranking" mapstructure:"ranking"`
	Seed      SeedConfig      `json:"seed" mapstructure:"seed"`
	Backup    BackupConfig    `json:"backup" mapstructure:"backup"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Host                  string   `json:"host" mapstructure:"host"`
	Port                  int      `json:"port" mapstructure:"port"`
	AllowedOrigins        []string `json:"allowed_origins" mapstructure:"allowed_origins"`
	RateLimitPerMinute    int      `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	RequestTimeoutSeconds int      `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
}

// StoreConfig selects the fact store
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite, postgres
	DSN    string `json:"dsn" mapstructure:"dsn"`
}

// EmbeddingConfig holds embedding provider settings
type EmbeddingConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // hash, openai, none
	Model     string `json:"model" mapstructure:"model"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	TimeoutMs int    `json:"timeout_ms" mapstructure:"timeout_ms"`
	CacheSize int64  `json:"cache_size" mapstructure:"cache_size"`
}

// LLMConfig holds the reply generator's provider settings
type LLMConfig struct {
	Provider       string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey         string  `json:"api_key" mapstructure:"api_key"`
	BaseURL        string  `json:"base_url" mapstructure:"base_url"`
	Model          string  `json:"model" mapstructure:"model"`
	MaxTokens      int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature    float64 `json:"temperature" mapstructure:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxRetries     int     `json:"max_retries" mapstructure:"max_retries"`
}

// RankingConfig holds the scoring constants
type RankingConfig struct {
	Importance   float64 `json:"importance" mapstructure:"importance"`
	SceneMatch   float64 `json:"scene_match" mapstructure:"scene_match"`
	IntentBonus  float64 `json:"intent_bonus" mapstructure:"intent_bonus"`
	AssocBonus   float64 `json:"assoc_bonus" mapstructure:"assoc_bonus"`
	Semantic     float64 `json:"semantic" mapstructure:"semantic"`
	Heuristic    float64 `json:"heuristic" mapstructure:"heuristic"`
	FeedbackRate float64 `json:"feedback_rate" mapstructure:"feedback_rate"`
}

// SeedConfig holds the seed directory watcher settings
type SeedConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// BackupConfig holds scheduled snapshot settings
type BackupConfig struct {
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression, empty disables
	Dir      string `json:"dir" mapstructure:"dir"`
	Retain   int    `json:"retain" mapstructure:"retain"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Console   bool   `json:"console" mapstructure:"console"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	w := memory.DefaultWeights()
	return &Config{
		Server: ServerConfig{
			Host:                  "0.0.0.0",
			Port:                  8000,
			AllowedOrigins:        []string{"http://localhost:5174"},
			RateLimitPerMinute:    600,
			RequestTimeoutSeconds: 30,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			Dimension: 384,
			TimeoutMs: 5000,
			CacheSize: 10000,
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			Model:          "claude-sonnet-4-20250514",
			MaxTokens:      300,
			Temperature:    0.8,
			TimeoutSeconds: 30,
			MaxRetries:     2,
		},
		Ranking: RankingConfig{
			Importance:   w.Importance,
			SceneMatch:   w.SceneMatch,
			IntentBonus:  w.IntentBonus,
			AssocBonus:   w.AssocBonus,
			Semantic:     w.Semantic,
			Heuristic:    w.Heuristic,
			FeedbackRate: w.FeedbackRate,
		},
		Backup: BackupConfig{
			Retain: 7,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Console:   true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "memorygraph",
			SampleRatio: 1,
		},
	}
}

// Weights converts the ranking section to engine weights.
func (r RankingConfig) Weights() memory.Weights {
	return memory.Weights{
		Importance:   r.Importance,
		SceneMatch:   r.SceneMatch,
		IntentBonus:  r.IntentBonus,
		AssocBonus:   r.AssocBonus,
		Semantic:     r.Semantic,
		Heuristic:    r.Heuristic,
		FeedbackRate: r.FeedbackRate,
	}
}

// RequestTimeout returns the per-request deadline.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// Timeout returns the embedding call deadline.
func (e EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// Timeout returns the LLM call deadline.
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Embedding.APIKey = maskSecret(c.Embedding.APIKey)
	masked.LLM.APIKey = maskSecret(c.LLM.APIKey)
	masked.Store.DSN = maskDSN(c.Store.DSN)
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// maskDSN hides the password of URL-style DSNs.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
