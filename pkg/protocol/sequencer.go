package protocol

import (
	"sync"

	"github.com/harun/vice/pkg/chat"
)

type slotKind string

const (
	slotReply    slotKind = "reply"
	slotAnalysis slotKind = "analysis"
)

// slot is a reserved position in a session's reply order
type slot struct {
	id       uint64
	kind     slotKind
	resolved bool

	// outcome
	content string
	err     error

	// requestID correlates error events with the inbound request
	requestID string
	analysis  *chat.AnalysisRequest
}

// sequencer releases resolved slots in reservation order
type sequencer struct {
	mu     sync.Mutex
	nextID uint64
	slots  []*slot
}

func newSequencer() *sequencer {
	return &sequencer{}
}

// reserve appends s and reports whether it is the only outstanding slot
func (q *sequencer) reserve(s *slot) (first bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	s.id = q.nextID
	q.slots = append(q.slots, s)
	return len(q.slots) == 1
}

// resolve marks s resolved and pops every leading resolved slot. ok is
// false when s is not held by this sequencer. idle reports whether no
// slots remain outstanding after the pop.
func (q *sequencer) resolve(s *slot) (ready []*slot, idle bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	found := false
	for _, held := range q.slots {
		if held == s {
			found = true
			break
		}
	}
	if !found {
		return nil, len(q.slots) == 0, false
	}

	s.resolved = true
	n := 0
	for n < len(q.slots) && q.slots[n].resolved {
		n++
	}
	ready = append(ready, q.slots[:n]...)
	q.slots = q.slots[n:]
	return ready, len(q.slots) == 0, true
}

func (q *sequencer) outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}
