package detector

import (
	"sync"

	"github.com/meshlog-network/meshlog/internal/domain"
)

// pendingPing correlates an outstanding probe with the ack that resolves
// it. The entry lives from send until the probe path removes it — never
// removed on timeout, so a late ack can still complete it and prevent a
// false-positive failure.
type pendingPing struct {
	target   domain.NodeID
	sequence uint32
	sentAtMs int64

	mu        sync.Mutex
	completed bool
	acked     chan struct{}
}

// tryComplete marks the entry completed exactly once. The winner records
// the RTT and signals the waker; losers (a racing direct and indirect ack)
// see false.
func (p *pendingPing) tryComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return false
	}
	p.completed = true
	return true
}

// isCompleted reports whether an ack has already resolved this probe.
func (p *pendingPing) isCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// signal wakes the waiting probe. Call only after winning tryComplete.
func (p *pendingPing) signal() { close(p.acked) }

// pendingTable holds every outstanding probe keyed by sequence. Sequences
// are unique node-wide (one monotonic allocator covers locally-initiated
// probes and intermediary-forwarded pings), so a single map suffices.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint32]*pendingPing
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint32]*pendingPing)}
}

// add registers a new outstanding probe.
func (t *pendingTable) add(target domain.NodeID, sequence uint32, sentAtMs int64) *pendingPing {
	p := &pendingPing{
		target:   target,
		sequence: sequence,
		sentAtMs: sentAtMs,
		acked:    make(chan struct{}),
	}
	t.mu.Lock()
	t.entries[sequence] = p
	t.mu.Unlock()
	return p
}

// get returns the entry for a sequence, or nil.
func (t *pendingTable) get(sequence uint32) *pendingPing {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[sequence]
}

// remove erases the entry for a sequence.
func (t *pendingTable) remove(sequence uint32) {
	t.mu.Lock()
	delete(t.entries, sequence)
	t.mu.Unlock()
}

// size reports the number of outstanding probes.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
