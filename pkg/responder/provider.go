package responder

import (
	"context"
	"fmt"
)

// Provider is a chat-completion backend
type Provider interface {
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)
	Name() string
}

// Role of a conversation turn sent to a provider
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of provider context
type Turn struct {
	Role    Role
	Content string
}

// LLMRequest contains the request parameters for a provider call
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Turns        []Turn
	MaxTokens    int
	Temperature  float64
}

// LLMResponse contains the provider reply
type LLMResponse struct {
	Content string
	Usage   TokenUsage
}

// TokenUsage reports token consumption when the provider returns it
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ProviderConfig selects and authenticates a provider
type ProviderConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
}

// NewProvider creates a provider by name
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL), nil
	case "echo", "":
		return NewEchoProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
