// Package session stores session lifecycle state and each session's pending
// outbound queue.
//
// Invariants:
// - A session moves active -> expired exactly once; Expire is idempotent.
// - LastActivityAt never moves backwards.
// - The pending queue preserves push order and is drained atomically.
//
// Usage:
//
//	store := session.NewMemoryStore()
//	_ = store.Create(ctx, &chat.Session{ID: id, OwnerID: "u1", State: chat.StateActive})
//	_ = store.PushPending(ctx, id, chat.TypingEvent(id, true))
//	events, _ := store.DrainPending(ctx, id)
package session
