// Package messagelog is the append-only, per-session ordered record of
// messages.
//
// Invariants:
//   - Seq is assigned on append, starts at 1 and has no gaps within a session.
//   - Timestamps never decrease within a session, so ordering by
//     (Timestamp, ID) equals append order.
//   - Appended messages are never modified.
package messagelog
