package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Replay policies applied when a channel binds to a session
const (
	ReplayPending = "pending"
	ReplaySince   = "since"
	ReplayTail    = "tail"
)

// Config represents the main vice configuration
type Config struct {
	// Data directory for the message database, uploads and PID file
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Session   SessionConfig   `json:"session" mapstructure:"session"`
	Store     StoreConfig     `json:"store" mapstructure:"store"`
	Uploads   UploadsConfig   `json:"uploads" mapstructure:"uploads"`
	Responder ResponderConfig `json:"responder" mapstructure:"responder"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
}

// GatewayConfig holds HTTP/WebSocket server configuration
type GatewayConfig struct {
	Host              string        `json:"host" mapstructure:"host"`
	Port              int           `json:"port" mapstructure:"port"`
	AllowedOrigins    []string      `json:"allowed_origins" mapstructure:"allowed_origins"`
	RequestsPerMinute int           `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxFrameBytes     int64         `json:"max_frame_bytes" mapstructure:"max_frame_bytes"`
	WriteTimeout      time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	PingInterval      time.Duration `json:"ping_interval" mapstructure:"ping_interval"`
}

// SessionConfig holds session lifecycle and delivery policy
type SessionConfig struct {
	IdleTimeout     time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	Retention       time.Duration `json:"retention" mapstructure:"retention"`
	SweepSchedule   string        `json:"sweep_schedule" mapstructure:"sweep_schedule"` // cron spec
	Replay          string        `json:"replay" mapstructure:"replay"`                 // pending, since, tail
	ReplayTail      int           `json:"replay_tail" mapstructure:"replay_tail"`
	MaxMessageBytes int           `json:"max_message_bytes" mapstructure:"max_message_bytes"`
	HistoryWindow   int           `json:"history_window" mapstructure:"history_window"`
	DedupTTL        time.Duration `json:"dedup_ttl" mapstructure:"dedup_ttl"`
}

// StoreConfig selects session store and message log backends
type StoreConfig struct {
	Sessions   string      `json:"sessions" mapstructure:"sessions"`       // memory, redis
	MessageLog string      `json:"message_log" mapstructure:"message_log"` // memory, sqlite
	SQLitePath string      `json:"sqlite_path" mapstructure:"sqlite_path"`
	Redis      RedisConfig `json:"redis" mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings for the session store
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
	Prefix   string `json:"prefix" mapstructure:"prefix"`
}

// UploadsConfig holds blob storage settings
type UploadsConfig struct {
	Dir      string `json:"dir" mapstructure:"dir"`
	MaxBytes int64  `json:"max_bytes" mapstructure:"max_bytes"`
}

// ResponderConfig holds AI provider configuration
type ResponderConfig struct {
	Provider     string        `json:"provider" mapstructure:"provider"` // anthropic, openai, echo
	Model        string        `json:"model" mapstructure:"model"`
	APIKey       string        `json:"api_key" mapstructure:"api_key"`
	BaseURL      string        `json:"base_url" mapstructure:"base_url"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxTokens    int           `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64       `json:"temperature" mapstructure:"temperature"`
	SystemPrompt string        `json:"system_prompt" mapstructure:"system_prompt"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              5000,
			AllowedOrigins:    []string{"*"},
			RequestsPerMinute: 60,
			MaxFrameBytes:     64 * 1024,
			WriteTimeout:      10 * time.Second,
			PingInterval:      30 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:     30 * time.Minute,
			Retention:       24 * time.Hour,
			SweepSchedule:   "@every 30s",
			Replay:          ReplayPending,
			ReplayTail:      50,
			MaxMessageBytes: 16 * 1024,
			HistoryWindow:   10,
			DedupTTL:        5 * time.Minute,
		},
		Store: StoreConfig{
			Sessions:   "memory",
			MessageLog: "sqlite",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "vice",
			},
		},
		Uploads: UploadsConfig{
			MaxBytes: 5 * 1024 * 1024,
		},
		Responder: ResponderConfig{
			Provider:    "echo",
			Model:       "gpt-4.1-mini",
			Timeout:     60 * time.Second,
			MaxTokens:   1000,
			Temperature: 0.7,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// Addr returns the gateway listen address
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidatePort(c.Gateway.Port); err != nil {
		return err
	}
	if c.Gateway.RequestsPerMinute <= 0 {
		return fmt.Errorf("gateway.requests_per_minute must be positive")
	}

	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be positive")
	}
	if c.Session.Retention < 0 {
		return fmt.Errorf("session.retention cannot be negative")
	}
	if err := v.ValidateSchedule(c.Session.SweepSchedule); err != nil {
		return err
	}
	if err := v.ValidateReplayPolicy(c.Session.Replay, c.Session.ReplayTail); err != nil {
		return err
	}
	if c.Session.MaxMessageBytes <= 0 {
		return fmt.Errorf("session.max_message_bytes must be positive")
	}

	if err := v.ValidateStore(c.Store); err != nil {
		return err
	}

	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("uploads.max_bytes must be positive")
	}

	if err := v.ValidateResponder(c.Responder); err != nil {
		return err
	}

	return nil
}
