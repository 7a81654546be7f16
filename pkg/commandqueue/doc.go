// Package commandqueue runs tasks in named lanes, one task at a time per lane.
//
// The protocol engine uses one lane per session so that inbound events for a
// session are handled in arrival order while different sessions proceed in
// parallel.
//
// Invariants:
//   - Tasks in the same lane execute in FIFO order, never concurrently.
//   - Tasks in different lanes may execute concurrently.
//   - A task with a DedupKey that already succeeded in its lane is not run again
//     until the key expires or the lane is dropped.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Options{})
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, sessionID, func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
