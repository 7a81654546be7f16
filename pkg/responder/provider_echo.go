package responder

import (
	"context"
	"fmt"
	"strings"
)

// EchoProvider answers without a network call. It is used for local
// development and when no API key is configured.
type EchoProvider struct{}

// NewEchoProvider creates an echo provider
func NewEchoProvider() *EchoProvider {
	return &EchoProvider{}
}

// Name returns the provider name
func (p *EchoProvider) Name() string {
	return "echo"
}

// Call replies with the last user turn
func (p *EchoProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	last := ""
	for i := len(request.Turns) - 1; i >= 0; i-- {
		if request.Turns[i].Role == RoleUser {
			last = request.Turns[i].Content
			break
		}
	}

	return &LLMResponse{
		Content: fmt.Sprintf("You said: %s", strings.TrimSpace(last)),
	}, nil
}
