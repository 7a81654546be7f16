package responder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/vice/internal/observability"
	"github.com/harun/vice/internal/tracing"
	"github.com/harun/vice/pkg/chat"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultHistoryWindow = 10
	// analysisExcerptBytes bounds how much of a file is sent for analysis.
	analysisExcerptBytes = 4000
	analysisMaxTokens    = 500
	analysisTemperature  = 0.3
)

var analyzableExtensions = map[string]bool{
	".txt": true, ".md": true, ".py": true, ".js": true, ".html": true, ".css": true,
	".json": true, ".go": true, ".csv": true, ".yaml": true, ".yml": true,
}

// Gateway produces replies. Implementations must honour ctx cancellation.
type Gateway interface {
	Respond(ctx context.Context, req Request) (string, error)
	AnalyzeFile(ctx context.Context, req FileRequest) (string, error)
	WelcomeMessage() string
}

// Request asks for a reply to Prompt given earlier History
type Request struct {
	SessionID string
	Prompt    string
	// History is the recent log, oldest first, excluding Prompt.
	History []chat.Message
}

// FileRequest asks for an analysis of an uploaded file
type FileRequest struct {
	SessionID string
	FileRef   chat.FileRef
	Content   []byte
}

// Config configures an LLMGateway
type Config struct {
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	// SystemPrompt overrides the default chat prompt when set.
	SystemPrompt string
}

// LLMGateway implements Gateway on top of a chat-completion Provider
type LLMGateway struct {
	provider Provider
	cfg      Config
	logger   zerolog.Logger
}

var _ Gateway = (*LLMGateway)(nil)

// NewLLMGateway creates a gateway
func NewLLMGateway(provider Provider, cfg Config, logger zerolog.Logger) *LLMGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = chatSystemPrompt
	}
	return &LLMGateway{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With().Str("component", "responder").Str("provider", provider.Name()).Logger(),
	}
}

// WelcomeMessage returns the greeting appended to every new session
func (g *LLMGateway) WelcomeMessage() string {
	return welcomeMessage
}

// Respond generates a reply to a user message
func (g *LLMGateway) Respond(ctx context.Context, req Request) (string, error) {
	turns := make([]Turn, 0, len(req.History)+1)
	for _, msg := range req.History {
		turns = append(turns, historyTurn(msg))
	}
	turns = append(turns, Turn{Role: RoleUser, Content: req.Prompt})

	return g.call(ctx, "respond", req.SessionID, LLMRequest{
		Model:        g.cfg.Model,
		SystemPrompt: g.cfg.SystemPrompt,
		Turns:        turns,
		MaxTokens:    g.cfg.MaxTokens,
		Temperature:  g.cfg.Temperature,
	})
}

// AnalyzeFile summarises text-like files. Other types get a fixed reply
// without a provider call.
func (g *LLMGateway) AnalyzeFile(ctx context.Context, req FileRequest) (string, error) {
	name := req.FileRef.Name
	ext := strings.ToLower(filepath.Ext(name))
	if !analyzableExtensions[ext] {
		return fmt.Sprintf("I received the file '%s'. This file type (%s) cannot be analyzed automatically, but it was saved successfully.", name, displayExt(ext)), nil
	}

	prompt := fmt.Sprintf("Analyze this file (%s):\n\n%s", name, excerpt(req.Content, analysisExcerptBytes))
	return g.call(ctx, "analyze", req.SessionID, LLMRequest{
		Model:        g.cfg.Model,
		SystemPrompt: analysisSystemPrompt,
		Turns:        []Turn{{Role: RoleUser, Content: prompt}},
		MaxTokens:    analysisMaxTokens,
		Temperature:  analysisTemperature,
	})
}

func (g *LLMGateway) call(ctx context.Context, operation, sessionID string, request LLMRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "vice.responder", "responder."+operation,
		attribute.String("provider", g.provider.Name()),
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, g.logger)
	start := time.Now()

	resp, err := g.provider.Call(ctx, request)
	duration := time.Since(start)

	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = errors.New("provider returned an empty reply")
	}
	observability.RecordResponderCall(g.provider.Name(), operation, duration, err == nil)

	if err != nil {
		classified := classify(ctx, err)
		logger.Warn().Err(err).
			Str("operation", operation).
			Str("code", string(classified.Code)).
			Dur("duration", duration).
			Msg("Responder call failed")
		return "", tracing.Fail(span, classified)
	}

	logger.Debug().
		Str("operation", operation).
		Dur("duration", duration).
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Msg("Responder call completed")
	return resp.Content, nil
}

// classify maps provider failures onto gateway error codes
func classify(ctx context.Context, err error) *chat.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return chat.Errorf(chat.CodeGatewayTimeout, "responder did not answer in time")
	}
	return chat.Errorf(chat.CodeGatewayFailure, "responder failed: %v", err)
}

func historyTurn(msg chat.Message) Turn {
	role := RoleAssistant
	if msg.Sender == chat.SenderUser {
		role = RoleUser
	}
	content := msg.Content
	if msg.Type == chat.TypeFile && msg.FileRef != nil {
		content = fmt.Sprintf("[File sent: %s] %s", msg.FileRef.Name, content)
	}
	return Turn{Role: role, Content: content}
}

func excerpt(data []byte, limit int) string {
	if len(data) > limit {
		data = data[:limit]
		// Drop a rune split by the cut.
		for i := 0; i < utf8.UTFMax && len(data) > 0 && !utf8.Valid(data); i++ {
			data = data[:len(data)-1]
		}
	}
	return string(data)
}

func displayExt(ext string) string {
	if ext == "" {
		return "no extension"
	}
	return ext
}
