package messagelog

import (
	"context"
	"sync"

	"github.com/harun/vice/pkg/chat"
)

// MemoryLog is an in-process Log
type MemoryLog struct {
	mu       sync.RWMutex
	sessions map[string][]chat.Message
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{sessions: make(map[string][]chat.Message)}
}

func (l *MemoryLog) Append(ctx context.Context, msg *chat.Message) error {
	if err := validate(msg); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := l.sessions[msg.SessionID]
	if n := len(msgs); n > 0 {
		stamp(msg, msgs[n-1].Seq, msgs[n-1].Timestamp)
	} else {
		stamp(msg, 0, msg.Timestamp)
	}

	stored := *msg
	if msg.FileRef != nil {
		ref := *msg.FileRef
		stored.FileRef = &ref
	}
	l.sessions[msg.SessionID] = append(msgs, stored)
	return nil
}

func (l *MemoryLog) ListSince(ctx context.Context, sessionID, afterID string, limit int) ([]chat.Message, error) {
	after, err := chat.ParseMessageID(afterID)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.sessions[sessionID]
	// Seq starts at 1 and has no gaps, so index == seq-1.
	start := int(after)
	if start > len(msgs) {
		start = len(msgs)
	}
	end := len(msgs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return copyMessages(msgs[start:end]), nil
}

func (l *MemoryLog) Tail(ctx context.Context, sessionID string, n int) ([]chat.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.sessions[sessionID]
	if n <= 0 {
		return []chat.Message{}, nil
	}
	start := len(msgs) - n
	if start < 0 {
		start = 0
	}
	return copyMessages(msgs[start:]), nil
}

func (l *MemoryLog) Page(ctx context.Context, sessionID string, page, perPage int) (Page, error) {
	page, perPage = normalizePage(page, perPage)

	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.sessions[sessionID]
	total := len(msgs)
	start, end := pageBounds(total, page, perPage)

	return Page{
		Messages: copyMessages(msgs[start:end]),
		Page:     page,
		PerPage:  perPage,
		Total:    total,
		HasMore:  start > 0,
	}, nil
}

func (l *MemoryLog) DeleteSession(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
	return nil
}

func (l *MemoryLog) Close() error {
	return nil
}

func copyMessages(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out
}
