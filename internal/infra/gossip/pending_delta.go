package gossip

import (
	"sync"

	"github.com/meshlog-network/meshlog/internal/domain"
)

// deltaKey identifies one stream's outstanding delta request.
type deltaKey struct {
	channel domain.ChannelID
	stream  domain.StreamID
}

// pendingDelta records an in-flight delta request so digest comparisons
// don't fire duplicates while the response is still travelling.
type pendingDelta struct {
	peer          domain.NodeID
	requestedAtMs int64
}

// pendingDeltaTable is the single-flight guard: at most one outstanding
// delta request per (channel, stream) within the TTL. Entries older than
// the TTL are abandoned (the peer never replied) and may be replaced.
type pendingDeltaTable struct {
	mu      sync.Mutex
	entries map[deltaKey]pendingDelta
}

func newPendingDeltaTable() *pendingDeltaTable {
	return &pendingDeltaTable{entries: make(map[deltaKey]pendingDelta)}
}

// tryAcquire claims the slot for (channel, stream). It fails while a
// fresh request is outstanding — even to a different peer — and succeeds
// when the slot is free or the previous request has gone stale.
func (t *pendingDeltaTable) tryAcquire(peer domain.NodeID, ch domain.ChannelID, st domain.StreamID, nowMs, ttlMs int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := deltaKey{channel: ch, stream: st}
	if existing, ok := t.entries[key]; ok {
		if nowMs-existing.requestedAtMs < ttlMs {
			return false
		}
	}
	t.entries[key] = pendingDelta{peer: peer, requestedAtMs: nowMs}
	return true
}

// clear releases the slot for (channel, stream), typically on response.
func (t *pendingDeltaTable) clear(ch domain.ChannelID, st domain.StreamID) {
	t.mu.Lock()
	delete(t.entries, deltaKey{channel: ch, stream: st})
	t.mu.Unlock()
}

// clearForPeer drops every outstanding request addressed to a departing
// peer.
func (t *pendingDeltaTable) clearForPeer(peer domain.NodeID) {
	t.mu.Lock()
	for key, entry := range t.entries {
		if entry.peer == peer {
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()
}

// size reports the number of outstanding requests.
func (t *pendingDeltaTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
