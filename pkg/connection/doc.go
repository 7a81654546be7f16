// Package connection binds live client channels to sessions and routes
// outbound events to them.
//
// Invariants:
//   - A session has at most one live binding; binding a new channel closes
//     the previous one.
//   - Events for an unbound session are queued in the session store's pending
//     queue and flushed in order on the next bind.
//   - A failed send unbinds the channel and queues the event, so delivery is
//     at-least-once across reconnects.
//   - Events for expired sessions are dropped.
package connection
