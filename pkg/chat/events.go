package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind enumerates outbound events
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventMessage   EventKind = "message"
	EventTyping    EventKind = "typing"
	EventError     EventKind = "error"
)

// Event is an outbound event delivered to a session's bound channel
type Event struct {
	Kind      EventKind `json:"type"`
	SessionID string    `json:"session_id"`
	Message   *Message  `json:"message,omitempty"`
	Error     *Error    `json:"error,omitempty"`
	Typing    *bool     `json:"typing,omitempty"`
	// RequestID ties an error back to the analysis request or client message that caused it.
	RequestID string `json:"request_id,omitempty"`
}

// MessageEvent wraps a message for delivery
func MessageEvent(msg Message) Event {
	m := msg
	return Event{Kind: EventMessage, SessionID: msg.SessionID, Message: &m}
}

// ErrorEvent wraps an error for delivery
func ErrorEvent(sessionID string, err error) Event {
	return Event{Kind: EventError, SessionID: sessionID, Error: AsError(err)}
}

// TypingEvent signals whether a reply is being produced
func TypingEvent(sessionID string, typing bool) Event {
	return Event{Kind: EventTyping, SessionID: sessionID, Typing: &typing}
}

// ConnectedEvent acknowledges a channel binding
func ConnectedEvent(sessionID string) Event {
	return Event{Kind: EventConnected, SessionID: sessionID}
}

// InboundKind enumerates events a client may send over its channel
type InboundKind string

const (
	InboundMessage     InboundKind = "message"
	InboundAnalyzeFile InboundKind = "analyze_file"
)

// InboundEvent is a decoded client frame
type InboundEvent struct {
	Kind            InboundKind `json:"type"`
	SessionID       string      `json:"session_id,omitempty"`
	Content         string      `json:"content,omitempty"`
	UserID          string      `json:"user_id,omitempty"`
	ClientMessageID string      `json:"client_message_id,omitempty"`
	FileRef         *FileRef    `json:"file,omitempty"`
	FileName        string      `json:"file_name,omitempty"`
}

// DecodeInbound parses a raw client frame. Schema validation happens at the
// transport; this only enforces the closed kind set and kind-specific fields.
func DecodeInbound(data []byte) (InboundEvent, error) {
	var ev InboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return InboundEvent{}, Errorf(CodeInvalidInput, "malformed frame: %v", err)
	}

	switch ev.Kind {
	case InboundMessage:
		if strings.TrimSpace(ev.Content) == "" {
			return InboundEvent{}, Errorf(CodeInvalidInput, "message content is required")
		}
	case InboundAnalyzeFile:
		if ev.FileRef == nil || ev.FileRef.StoredPath == "" {
			return InboundEvent{}, Errorf(CodeInvalidFile, "file reference is required")
		}
		if ev.FileRef.Name == "" {
			ev.FileRef.Name = ev.FileName
		}
	default:
		return InboundEvent{}, Errorf(CodeInvalidInput, "unknown event type %q", ev.Kind)
	}

	return ev, nil
}

// String is used in log fields
func (e Event) String() string {
	switch e.Kind {
	case EventMessage:
		if e.Message != nil {
			return fmt.Sprintf("message:%s", e.Message.ID)
		}
	case EventError:
		if e.Error != nil {
			return fmt.Sprintf("error:%s", e.Error.Code)
		}
	}
	return string(e.Kind)
}
