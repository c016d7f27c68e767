// Package registry tracks every known peer: liveness status, probe
// failures, last contact, per-peer RTT estimate and rolling traffic
// metrics. It is the one piece of state shared between the failure
// detector and the gossip engine, so every operation is atomic with
// respect to the others.
package registry

import (
	"sync"
	"time"

	"github.com/meshlog-network/meshlog/internal/domain"
	"github.com/meshlog-network/meshlog/internal/infra/rtt"
)

// trafficEvent is one send or receive inside the metrics window.
type trafficEvent struct {
	atMs     int64
	bytes    uint64
	received bool
}

// peerEntry is the registry's mutable record for one peer.
type peerEntry struct {
	id               domain.NodeID
	status           domain.PeerStatus
	failedProbeCount uint32
	lastContactMs    int64
	incarnation      uint64
	rtt              *rtt.Tracker // nil until the first sample
	traffic          []trafficEvent
}

// Registry is the shared peer table. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers map[domain.NodeID]*peerEntry
	order []domain.NodeID // insertion order, for stable selection tie-breaks
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{peers: make(map[domain.NodeID]*peerEntry)}
}

// ─── Membership ─────────────────────────────────────────────────────────────

// AddPeer inserts a peer as Reachable with zeroed counters. Idempotent:
// re-adding an existing peer changes nothing.
func (r *Registry) AddPeer(id domain.NodeID, nowMs int64) {
	if !id.Valid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; ok {
		return
	}
	r.peers[id] = &peerEntry{
		id:            id,
		status:        domain.PeerReachable,
		lastContactMs: nowMs,
	}
	r.order = append(r.order, id)
}

// RemovePeer erases all state for a peer. Idempotent.
func (r *Registry) RemovePeer(id domain.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return
	}
	delete(r.peers, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a read-only snapshot of a peer, or nil if unknown.
func (r *Registry) Get(id domain.NodeID) *domain.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return nil
	}
	p := r.snapshot(e)
	return &p
}

// Count returns the number of registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// ─── Liveness Updates ───────────────────────────────────────────────────────

// UpdateContact records proof of life: last contact moves forward (never
// back), the failed-probe counter resets, and a Suspected or Unreachable
// peer returns to Reachable.
func (r *Registry) UpdateContact(id domain.NodeID, atMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return
	}
	if atMs > e.lastContactMs {
		e.lastContactMs = atMs
	}
	e.failedProbeCount = 0
	if e.status != domain.PeerReachable {
		e.status = domain.PeerReachable
	}
}

// IncrementFailedProbe bumps the failed-probe counter. Status transitions
// are the caller's decision (via UpdateStatus), not a side effect here.
func (r *Registry) IncrementFailedProbe(id domain.NodeID) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return 0
	}
	e.failedProbeCount++
	return e.failedProbeCount
}

// UpdateStatus applies a forward transition in Reachable < Suspected <
// Unreachable. Reverse transitions happen only through UpdateContact.
// Returns true when the status actually changed.
func (r *Registry) UpdateStatus(id domain.NodeID, status domain.PeerStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return false
	}
	if status <= e.status {
		return false
	}
	e.status = status
	return true
}

// RecordPeerRTT feeds one round-trip sample into the peer's estimator,
// creating it on first use.
func (r *Registry) RecordPeerRTT(id domain.NodeID, sample time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return
	}
	if e.rtt == nil {
		e.rtt = rtt.NewTracker()
	}
	e.rtt.RecordSample(sample)
}

// SetIncarnation stores a peer's incarnation counter. The registry
// persists it for the membership layer but does not interpret it.
func (r *Registry) SetIncarnation(id domain.NodeID, incarnation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[id]; ok {
		e.incarnation = incarnation
	}
}

// ─── Traffic Metrics ────────────────────────────────────────────────────────

// RecordMessageSent accounts one outbound message inside the rolling window.
func (r *Registry) RecordMessageSent(id domain.NodeID, bytes uint64, nowMs, windowMs int64) {
	r.recordTraffic(id, bytes, nowMs, windowMs, false)
}

// RecordMessageReceived accounts one inbound message inside the rolling
// window. Bytes are counted even for frames that later fail to decode.
func (r *Registry) RecordMessageReceived(id domain.NodeID, bytes uint64, nowMs, windowMs int64) {
	r.recordTraffic(id, bytes, nowMs, windowMs, true)
}

func (r *Registry) recordTraffic(id domain.NodeID, bytes uint64, nowMs, windowMs int64, received bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return
	}
	e.traffic = append(e.traffic, trafficEvent{atMs: nowMs, bytes: bytes, received: received})
	e.pruneTraffic(nowMs, windowMs)
}

func (e *peerEntry) pruneTraffic(nowMs, windowMs int64) {
	cutoff := nowMs - windowMs
	i := 0
	for i < len(e.traffic) && e.traffic[i].atMs < cutoff {
		i++
	}
	if i > 0 {
		e.traffic = append(e.traffic[:0], e.traffic[i:]...)
	}
}

// ─── Selection Queries ──────────────────────────────────────────────────────

// ProbablePeers returns peers that are Reachable or Suspected, in
// insertion order. Unreachable peers are excluded: they cannot refute
// suspicion without contacting us out of band.
func (r *Registry) ProbablePeers() []domain.Peer {
	return r.selectPeers(func(e *peerEntry) bool {
		return e.status == domain.PeerReachable || e.status == domain.PeerSuspected
	})
}

// ReachablePeers returns only Reachable peers, in insertion order. Used by
// gossip target selection and by intermediary selection.
func (r *Registry) ReachablePeers() []domain.Peer {
	return r.selectPeers(func(e *peerEntry) bool {
		return e.status == domain.PeerReachable
	})
}

// AllPeers returns every registered peer, in insertion order.
func (r *Registry) AllPeers() []domain.Peer {
	return r.selectPeers(func(*peerEntry) bool { return true })
}

func (r *Registry) selectPeers(keep func(*peerEntry) bool) []domain.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Peer, 0, len(r.order))
	for _, id := range r.order {
		e := r.peers[id]
		if keep(e) {
			out = append(out, r.snapshot(e))
		}
	}
	return out
}

// snapshot copies an entry into an immutable domain.Peer. Caller holds at
// least a read lock.
func (r *Registry) snapshot(e *peerEntry) domain.Peer {
	p := domain.Peer{
		ID:               e.id,
		Status:           e.status,
		FailedProbeCount: e.failedProbeCount,
		LastContactMs:    e.lastContactMs,
		Incarnation:      e.incarnation,
	}
	if e.rtt != nil && e.rtt.HasSamples() {
		est := e.rtt.Estimate()
		p.Rtt = &est
	}
	for _, ev := range e.traffic {
		if ev.received {
			p.Metrics.MessagesReceived++
			p.Metrics.BytesReceived += ev.bytes
		} else {
			p.Metrics.MessagesSent++
			p.Metrics.BytesSent += ev.bytes
		}
	}
	return p
}
