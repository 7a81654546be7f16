package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateSchedule validates a sweep schedule using the cron parser the sweeper uses
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return fmt.Errorf("session.sweep_schedule cannot be empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid session.sweep_schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateReplayPolicy validates the reconnect replay policy
func (v *Validator) ValidateReplayPolicy(policy string, tail int) error {
	switch policy {
	case ReplayPending, ReplaySince:
		return nil
	case ReplayTail:
		if tail <= 0 {
			return fmt.Errorf("session.replay_tail must be positive when replay is %q", ReplayTail)
		}
		return nil
	default:
		return fmt.Errorf("invalid session.replay %q (must be: pending, since, tail)", policy)
	}
}

// ValidateStore validates backend selections
func (v *Validator) ValidateStore(store StoreConfig) error {
	switch store.Sessions {
	case "memory":
	case "redis":
		if store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required when store.sessions is redis")
		}
	default:
		return fmt.Errorf("invalid store.sessions %q (must be: memory, redis)", store.Sessions)
	}

	switch store.MessageLog {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("invalid store.message_log %q (must be: memory, sqlite)", store.MessageLog)
	}
	return nil
}

// ValidateResponder validates provider selection and credentials
func (v *Validator) ValidateResponder(r ResponderConfig) error {
	if r.Timeout <= 0 {
		return fmt.Errorf("responder.timeout must be positive")
	}

	switch r.Provider {
	case "echo":
		return nil
	case "anthropic", "openai":
		if r.Model == "" {
			return fmt.Errorf("responder.model is required for provider %s", r.Provider)
		}
		return v.ValidateAPIKey(r.APIKey, r.Provider)
	default:
		return fmt.Errorf("invalid responder.provider %q (must be: anthropic, openai, echo)", r.Provider)
	}
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
