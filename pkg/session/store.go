package session

import (
	"context"
	"time"

	"github.com/harun/vice/pkg/chat"
)

// Store persists sessions and their pending outbound events
type Store interface {
	// Create persists a new session. Creating an existing id fails with invalid_input.
	Create(ctx context.Context, s *chat.Session) error
	// Get returns a copy of the session or session_not_found.
	Get(ctx context.Context, id string) (*chat.Session, error)
	// Touch advances LastActivityAt. Expired sessions return session_expired.
	Touch(ctx context.Context, id string, at time.Time) error
	// Expire moves an active session to expired. Expiring twice is a no-op.
	Expire(ctx context.Context, id string, at time.Time) error
	// Delete removes the session and its pending queue.
	Delete(ctx context.Context, id string) error
	// List returns all sessions.
	List(ctx context.Context) ([]*chat.Session, error)

	// PushPending appends an event to the session's pending queue.
	PushPending(ctx context.Context, id string, ev chat.Event) error
	// DrainPending returns and clears the pending queue in push order.
	DrainPending(ctx context.Context, id string) ([]chat.Event, error)
	// PendingCount returns the pending queue length.
	PendingCount(ctx context.Context, id string) (int, error)

	Close() error
}

func notFound(id string) error {
	return chat.Errorf(chat.CodeSessionNotFound, "session %s not found", id)
}

func expired(id string) error {
	return chat.Errorf(chat.CodeSessionExpired, "session %s has expired", id)
}

func touch(s *chat.Session, at time.Time) error {
	if !s.Active() {
		return expired(s.ID)
	}
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
	return nil
}

func expire(s *chat.Session, at time.Time) {
	if s.State == chat.StateExpired {
		return
	}
	s.State = chat.StateExpired
	s.ExpiredAt = &at
}

func clone(s *chat.Session) *chat.Session {
	c := *s
	if s.ExpiredAt != nil {
		t := *s.ExpiredAt
		c.ExpiredAt = &t
	}
	return &c
}
