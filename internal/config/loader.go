package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MEMORYGRAPH_SERVER_PORT.
const EnvPrefix = "MEMORYGRAPH"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and environment. A missing file
// yields the defaults with environment overrides applied.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Register every key so AutomaticEnv can override values absent from the file.
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyPathDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPathDefaults fills paths derived from the data directory.
func applyPathDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".memorygraph")
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(cfg.DataDir, "memorygraph.db")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "memorygraph.log")
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.DataDir, "backups")
	}
	return nil
}

// setDefaults registers cfg's values as viper defaults under their dotted keys.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	flatten("", tree, v.SetDefault)
	return nil
}

func flatten(prefix string, m map[string]interface{}, set func(string, interface{})) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok {
			flatten(key, nested, set)
			continue
		}
		set(key, val)
	}
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("server", cfg.Server)
	v.Set("store", cfg.Store)
	v.Set("embedding", cfg.Embedding)
	v.Set("llm", cfg.LLM)
	v.Set("ranking", cfg.Ranking)
	v.Set("seed", cfg.Seed)
	v.Set("backup", cfg.Backup)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".memorygraph", "memorygraph.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
