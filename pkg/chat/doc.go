// Package chat defines the shared session, message and event types exchanged
// between the session store, message log, responder gateway, connection
// manager and protocol engine.
//
// Invariants:
//   - Message ids are zero-padded per-session sequence numbers, so ordering by
//     (Timestamp, ID) equals append order.
//   - A Message carries a FileRef if and only if Type == TypeFile.
//   - Event and InboundEvent kinds are closed sets; consumers switch on Kind.
package chat
