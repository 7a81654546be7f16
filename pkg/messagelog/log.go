package messagelog

import (
	"context"
	"sync"
	"time"

	"github.com/harun/vice/pkg/chat"
)

const (
	DefaultPerPage = 50
	MaxPerPage     = 200
)

// Log stores messages per session in append order
type Log interface {
	// Append assigns Seq, ID and a clamped Timestamp to msg and stores it.
	Append(ctx context.Context, msg *chat.Message) error
	// ListSince returns messages after afterID in order. limit <= 0 means all.
	ListSince(ctx context.Context, sessionID, afterID string, limit int) ([]chat.Message, error)
	// Tail returns the last n messages in order.
	Tail(ctx context.Context, sessionID string, n int) ([]chat.Message, error)
	// Page returns a page counted from the newest message, oldest first.
	Page(ctx context.Context, sessionID string, page, perPage int) (Page, error)
	// DeleteSession removes every message of the session.
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// Page is one page of history
type Page struct {
	Messages []chat.Message `json:"messages"`
	Page     int            `json:"page"`
	PerPage  int            `json:"per_page"`
	Total    int            `json:"total"`
	HasMore  bool           `json:"has_more"`
}

func normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return page, perPage
}

// pageBounds returns the [start, end) indexes into an oldest-first slice
// of total messages for the given newest-first page.
func pageBounds(total, page, perPage int) (int, int) {
	end := total - (page-1)*perPage
	if end < 0 {
		end = 0
	}
	start := end - perPage
	if start < 0 {
		start = 0
	}
	return start, end
}

func validate(msg *chat.Message) error {
	if msg == nil || msg.SessionID == "" {
		return chat.Errorf(chat.CodeInvalidInput, "message session id is required")
	}
	if msg.Type == chat.TypeFile && msg.FileRef == nil {
		return chat.Errorf(chat.CodeInvalidFile, "file message requires a file reference")
	}
	if msg.Type != chat.TypeFile && msg.FileRef != nil {
		return chat.Errorf(chat.CodeInvalidInput, "only file messages carry a file reference")
	}
	return nil
}

// stamp assigns ordering fields given the session's last message.
func stamp(msg *chat.Message, lastSeq int64, lastTS time.Time) {
	msg.Seq = lastSeq + 1
	msg.ID = chat.FormatMessageID(msg.Seq)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Timestamp.Before(lastTS) {
		msg.Timestamp = lastTS
	}
}

// writeLocks serializes appends per session
type writeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newWriteLocks() *writeLocks {
	return &writeLocks{locks: make(map[string]*sync.Mutex)}
}

func (w *writeLocks) get(sessionID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()

	if lock, ok := w.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	w.locks[sessionID] = lock
	return lock
}

func (w *writeLocks) release(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.locks, sessionID)
}
