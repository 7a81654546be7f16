package chat

import (
	"fmt"
	"strconv"
	"time"
)

// SessionState is the lifecycle state of a session
type SessionState string

const (
	StateActive  SessionState = "active"
	StateExpired SessionState = "expired"
)

// Sender identifies who produced a message
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAI     Sender = "ai"
	SenderSystem Sender = "system"
)

// MessageType identifies the payload kind of a message
type MessageType string

const (
	TypeText MessageType = "text"
	TypeFile MessageType = "file"
)

// AnalysisStatus is the state of an analysis request
type AnalysisStatus string

const (
	AnalysisPending   AnalysisStatus = "pending"
	AnalysisCompleted AnalysisStatus = "completed"
	AnalysisFailed    AnalysisStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s AnalysisStatus) Terminal() bool {
	return s == AnalysisCompleted || s == AnalysisFailed
}

// Session is a bounded conversational context
type Session struct {
	ID             string       `json:"id"`
	OwnerID        string       `json:"owner_id"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	ExpiredAt      *time.Time   `json:"expired_at,omitempty"`
}

// Active reports whether message and file operations are allowed.
func (s *Session) Active() bool {
	return s != nil && s.State == StateActive
}

// FileRef references a stored upload
type FileRef struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	StoredPath string `json:"stored_path"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mime_type,omitempty"`
}

// Message is an immutable entry in a session's log
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Seq       int64       `json:"seq"`
	Sender    Sender      `json:"sender"`
	Type      MessageType `json:"message_type"`
	Content   string      `json:"content"`
	UserID    string      `json:"user_id,omitempty"`
	FileRef   *FileRef    `json:"file,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Before reports whether m sorts before other by (Timestamp, ID).
func (m Message) Before(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID < other.ID
}

// AnalysisRequest tracks an asynchronous file analysis
type AnalysisRequest struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	FileRef     FileRef        `json:"file"`
	RequestedAt time.Time      `json:"requested_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Status      AnalysisStatus `json:"status"`
	MessageID   string         `json:"message_id,omitempty"`
	Error       *Error         `json:"error,omitempty"`
}

const messageIDWidth = 10

// FormatMessageID renders a per-session sequence number as a message id.
func FormatMessageID(seq int64) string {
	return fmt.Sprintf("%0*d", messageIDWidth, seq)
}

// ParseMessageID returns the sequence number encoded in a message id.
// An empty id parses as 0, meaning "before the first message".
func ParseMessageID(id string) (int64, error) {
	if id == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(id, 10, 64)
	if err != nil || seq < 0 {
		return 0, Errorf(CodeInvalidInput, "invalid message id %q", id)
	}
	return seq, nil
}
