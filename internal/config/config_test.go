package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Gateway.Port = 70000 }, "invalid port"},
		{"zero idle timeout", func(c *Config) { c.Session.IdleTimeout = 0 }, "idle_timeout"},
		{"bad schedule", func(c *Config) { c.Session.SweepSchedule = "every so often" }, "sweep_schedule"},
		{"unknown replay", func(c *Config) { c.Session.Replay = "everything" }, "session.replay"},
		{"tail without count", func(c *Config) { c.Session.Replay = ReplayTail; c.Session.ReplayTail = 0 }, "replay_tail"},
		{"unknown session store", func(c *Config) { c.Store.Sessions = "etcd" }, "store.sessions"},
		{"redis without addr", func(c *Config) { c.Store.Sessions = "redis"; c.Store.Redis.Addr = "" }, "store.redis.addr"},
		{"unknown message log", func(c *Config) { c.Store.MessageLog = "postgres" }, "store.message_log"},
		{"zero upload limit", func(c *Config) { c.Uploads.MaxBytes = 0 }, "uploads.max_bytes"},
		{"unknown provider", func(c *Config) { c.Responder.Provider = "gemini" }, "responder.provider"},
		{"anthropic without key", func(c *Config) { c.Responder.Provider = "anthropic" }, "API key cannot be empty"},
		{"anthropic bad key", func(c *Config) { c.Responder.Provider = "anthropic"; c.Responder.APIKey = "sk-foo" }, "sk-ant-"},
		{"openai ok", func(c *Config) { c.Responder.Provider = "openai"; c.Responder.APIKey = "sk-foo" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestGatewayAddr(t *testing.T) {
	g := GatewayConfig{Host: "127.0.0.1", Port: 5000}
	assert.Equal(t, "127.0.0.1:5000", g.Addr())
}

func TestConfigString(t *testing.T) {
	s := DefaultConfig().String()
	assert.Contains(t, s, `"replay": "pending"`)
}
