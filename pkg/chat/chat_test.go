package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageIDOrdering(t *testing.T) {
	assert.Less(t, FormatMessageID(9), FormatMessageID(10))
	assert.Less(t, FormatMessageID(99), FormatMessageID(100))

	seq, err := ParseMessageID(FormatMessageID(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)

	seq, err = ParseMessageID("")
	require.NoError(t, err)
	assert.Zero(t, seq)

	_, err = ParseMessageID("abc")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestMessageBefore(t *testing.T) {
	now := time.Now()
	a := Message{ID: FormatMessageID(1), Timestamp: now}
	b := Message{ID: FormatMessageID(2), Timestamp: now}
	c := Message{ID: FormatMessageID(3), Timestamp: now.Add(time.Millisecond)}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, b.Before(c))
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Errorf(CodeSessionExpired, "session %s", "abc"))

	assert.True(t, errors.Is(err, ErrSessionExpired))
	assert.False(t, errors.Is(err, ErrSessionNotFound))
	assert.Equal(t, CodeSessionExpired, CodeOf(err))
	assert.Equal(t, CodeGatewayTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))

	converted := AsError(errors.New("boom"))
	assert.Equal(t, CodeInternal, converted.Code)
	assert.Equal(t, "boom", converted.Detail)
}

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		kind    InboundKind
		errCode Code
	}{
		{"message", `{"type":"message","content":"hello","user_id":"u1"}`, InboundMessage, ""},
		{"blank message", `{"type":"message","content":"   "}`, "", CodeInvalidInput},
		{"analyze", `{"type":"analyze_file","file":{"stored_path":"s/a.txt"},"file_name":"a.txt"}`, InboundAnalyzeFile, ""},
		{"analyze without file", `{"type":"analyze_file","file_name":"a.txt"}`, "", CodeInvalidFile},
		{"unknown kind", `{"type":"subscribe"}`, "", CodeInvalidInput},
		{"not json", `{`, "", CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeInbound([]byte(tt.frame))
			if tt.errCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.errCode, CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
		})
	}
}

func TestDecodeInbound_FileNameFallback(t *testing.T) {
	ev, err := DecodeInbound([]byte(`{"type":"analyze_file","file":{"stored_path":"s/a.txt"},"file_name":"a.txt"}`))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", ev.FileRef.Name)
}

func TestEventConstructors(t *testing.T) {
	ev := TypingEvent("s1", true)
	require.NotNil(t, ev.Typing)
	assert.True(t, *ev.Typing)
	assert.Equal(t, "typing", ev.String())

	msg := Message{ID: FormatMessageID(1), SessionID: "s1"}
	ev = MessageEvent(msg)
	assert.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, "message:"+msg.ID, ev.String())

	ev = ErrorEvent("s1", Errorf(CodeGatewayFailure, "upstream"))
	assert.Equal(t, "error:gateway_failure", ev.String())
}
