package responder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harun/vice/pkg/chat"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	reply   string
	err     error
	delay   time.Duration
	calls   int
	lastReq LLMRequest
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	s.calls++
	s.lastReq = request
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &LLMResponse{Content: s.reply}, nil
}

func TestLLMGateway_Respond(t *testing.T) {
	provider := &stubProvider{reply: "hi there"}
	g := NewLLMGateway(provider, Config{Model: "m"}, zerolog.Nop())

	history := []chat.Message{
		{Sender: chat.SenderAI, Type: chat.TypeText, Content: "welcome"},
		{Sender: chat.SenderUser, Type: chat.TypeFile, Content: "File sent: a.txt", FileRef: &chat.FileRef{Name: "a.txt"}},
	}
	reply, err := g.Respond(context.Background(), Request{SessionID: "s1", Prompt: "hello", History: history})

	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)
	require.Len(t, provider.lastReq.Turns, 3)
	assert.Equal(t, RoleAssistant, provider.lastReq.Turns[0].Role)
	assert.Equal(t, "[File sent: a.txt] File sent: a.txt", provider.lastReq.Turns[1].Content)
	assert.Equal(t, Turn{Role: RoleUser, Content: "hello"}, provider.lastReq.Turns[2])
	assert.Equal(t, chatSystemPrompt, provider.lastReq.SystemPrompt)
	assert.Equal(t, "m", provider.lastReq.Model)
}

func TestLLMGateway_ErrorClassification(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		provider := &stubProvider{reply: "late", delay: time.Second}
		g := NewLLMGateway(provider, Config{Timeout: 20 * time.Millisecond}, zerolog.Nop())

		_, err := g.Respond(context.Background(), Request{Prompt: "hello"})
		assert.ErrorIs(t, err, chat.ErrGatewayTimeout)
	})

	t.Run("failure", func(t *testing.T) {
		provider := &stubProvider{err: errors.New("503 overloaded")}
		g := NewLLMGateway(provider, Config{}, zerolog.Nop())

		_, err := g.Respond(context.Background(), Request{Prompt: "hello"})
		assert.ErrorIs(t, err, chat.ErrGatewayFailure)
		assert.Contains(t, err.Error(), "503 overloaded")
	})

	t.Run("empty reply", func(t *testing.T) {
		provider := &stubProvider{reply: "  "}
		g := NewLLMGateway(provider, Config{}, zerolog.Nop())

		_, err := g.Respond(context.Background(), Request{Prompt: "hello"})
		assert.ErrorIs(t, err, chat.ErrGatewayFailure)
	})
}

func TestLLMGateway_AnalyzeFile(t *testing.T) {
	t.Run("text file is sent with excerpt", func(t *testing.T) {
		provider := &stubProvider{reply: "summary"}
		g := NewLLMGateway(provider, Config{}, zerolog.Nop())

		content := []byte(strings.Repeat("a", 5000))
		reply, err := g.AnalyzeFile(context.Background(), FileRequest{
			FileRef: chat.FileRef{Name: "Notes.TXT"},
			Content: content,
		})

		require.NoError(t, err)
		assert.Equal(t, "summary", reply)
		assert.Equal(t, analysisSystemPrompt, provider.lastReq.SystemPrompt)
		assert.Equal(t, analysisMaxTokens, provider.lastReq.MaxTokens)
		prompt := provider.lastReq.Turns[0].Content
		assert.True(t, strings.HasPrefix(prompt, "Analyze this file (Notes.TXT):"))
		assert.Equal(t, analysisExcerptBytes, strings.Count(prompt, "a")-strings.Count("Analyze this file (Notes.TXT):", "a"))
	})

	t.Run("binary file gets fixed reply", func(t *testing.T) {
		provider := &stubProvider{reply: "unused"}
		g := NewLLMGateway(provider, Config{}, zerolog.Nop())

		reply, err := g.AnalyzeFile(context.Background(), FileRequest{FileRef: chat.FileRef{Name: "photo.png"}})

		require.NoError(t, err)
		assert.Contains(t, reply, "photo.png")
		assert.Contains(t, reply, ".png")
		assert.Zero(t, provider.calls)
	})
}

func TestExcerptKeepsValidUTF8(t *testing.T) {
	s := excerpt([]byte("ab€"), 3)
	assert.Equal(t, "ab", s)
}

func TestWelcomeMessageDeterministic(t *testing.T) {
	g := NewLLMGateway(NewEchoProvider(), Config{}, zerolog.Nop())
	assert.Equal(t, g.WelcomeMessage(), g.WelcomeMessage())
	assert.Contains(t, g.WelcomeMessage(), "AI Vice")
}

func TestEchoProvider(t *testing.T) {
	p := NewEchoProvider()
	resp, err := p.Call(context.Background(), LLMRequest{Turns: []Turn{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "ok"},
		{Role: RoleUser, Content: " second "},
	}})
	require.NoError(t, err)
	assert.Equal(t, "You said: second", resp.Content)
}

func TestNewProvider(t *testing.T) {
	for _, name := range []string{"anthropic", "openai", "echo", ""} {
		p, err := NewProvider(ProviderConfig{Provider: name, APIKey: "sk-test"})
		require.NoError(t, err, name)
		assert.NotNil(t, p)
	}

	_, err := NewProvider(ProviderConfig{Provider: "gemini"})
	assert.Error(t, err)
}
