// Package protocol implements the session state machine: session creation,
// message acceptance, uploads, file analysis, reply ordering, typing
// signals and idle expiry.
//
// Every mutating operation for a session runs in that session's command
// queue lane, so operations on one session are serialized while sessions
// proceed in parallel. Responder calls run on their own goroutines; their
// results re-enter the lane through a per-session reply sequencer that
// releases replies strictly in the order the requests were accepted.
//
// Invariants:
//   - Replies are delivered in acceptance order even when the responder
//     resolves them out of order.
//   - typing{true} is delivered when the first reply becomes outstanding and
//     typing{false} when the last outstanding reply is delivered.
//   - Nothing is delivered for a session after it expires; analysis requests
//     still reach a terminal state.
package protocol
