package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// envBindings maps config keys to the environment variables that override them.
// Viper's AutomaticEnv only sees keys present in the file, so secrets and
// deployment knobs are bound explicitly.
var envBindings = map[string][]string{
	"data_dir":             {"VICE_DATA_DIR"},
	"gateway.host":         {"VICE_GATEWAY_HOST"},
	"gateway.port":         {"VICE_GATEWAY_PORT", "PORT"},
	"store.sessions":       {"VICE_STORE_SESSIONS"},
	"store.message_log":    {"VICE_STORE_MESSAGE_LOG"},
	"store.redis.addr":     {"VICE_STORE_REDIS_ADDR", "REDIS_ADDR"},
	"store.redis.password": {"VICE_STORE_REDIS_PASSWORD"},
	"responder.provider":   {"VICE_RESPONDER_PROVIDER"},
	"responder.model":      {"VICE_RESPONDER_MODEL"},
	"responder.api_key":    {"VICE_RESPONDER_API_KEY"},
	"logging.level":        {"VICE_LOGGING_LEVEL"},
}

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

// Path returns the resolved config file path
func (l *Loader) Path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".vice", "vice.json"), nil
}

// Load loads the configuration from file, .env and environment.
// A missing config file yields defaults with environment overrides applied.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.Path()
	if err != nil {
		return nil, err
	}

	loadDotEnv(filepath.Join(filepath.Dir(configPath), ".env"), ".env")

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("VICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyProviderKey(cfg)

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".vice")
	}
	if cfg.Uploads.Dir == "" {
		cfg.Uploads.Dir = filepath.Join(cfg.DataDir, "uploads")
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.DataDir, "messages.db")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "vice.log")
	}

	return cfg, nil
}

// Save writes the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.Path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// loadDotEnv loads the first existing .env file. Variables already set win.
func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
		return
	}
}

// applyProviderKey falls back to the provider SDK's conventional env var.
func applyProviderKey(cfg *Config) {
	if cfg.Responder.APIKey != "" {
		return
	}
	switch cfg.Responder.Provider {
	case "anthropic":
		cfg.Responder.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		cfg.Responder.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}
