// Package transport provides message-port implementations: an in-process
// memory transport for deterministic tests and a UDP transport for real
// deployments. Both deliver whole frames — one Send is one frame on the
// receiving side.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshlog-network/meshlog/internal/domain"
)

// Network is an in-process hub connecting memory ports by node ID.
type Network struct {
	mu    sync.Mutex
	nodes map[domain.NodeID]*MemoryPort
}

// NewNetwork creates an empty hub.
func NewNetwork() *Network {
	return &Network{nodes: make(map[domain.NodeID]*MemoryPort)}
}

// Port registers (or returns) the memory port for a node.
func (n *Network) Port(id domain.NodeID) *MemoryPort {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.nodes[id]; ok {
		return p
	}
	p := &MemoryPort{
		id:       id,
		net:      n,
		incoming: make(chan domain.InboundFrame, 1024),
		pending:  make(map[domain.NodeID]int),
		linkDown: make(map[domain.NodeID]bool),
		sendErr:  make(map[domain.NodeID]error),
	}
	n.nodes[id] = p
	return p
}

func (n *Network) lookup(id domain.NodeID) *MemoryPort {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}

// MemoryPort is one node's endpoint on a Network. Delivery is immediate
// unless a link is marked down; tests steer congestion and failures by
// hand.
type MemoryPort struct {
	id       domain.NodeID
	net      *Network
	incoming chan domain.InboundFrame

	mu       sync.Mutex
	closed   bool
	pending  map[domain.NodeID]int
	linkDown map[domain.NodeID]bool
	sendErr  map[domain.NodeID]error
}

// Send delivers a frame to dest's incoming stream. Frames to unknown or
// downed destinations vanish silently — delivery is best-effort, exactly
// like a datagram transport.
func (m *MemoryPort) Send(ctx context.Context, dest domain.NodeID, frame []byte, pri domain.Priority) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("port %s closed", m.id)
	}
	if err := m.sendErr[dest]; err != nil {
		m.mu.Unlock()
		return err
	}
	down := m.linkDown[dest]
	m.mu.Unlock()

	if down {
		return nil
	}
	peer := m.net.lookup(dest)
	if peer == nil {
		return nil
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case peer.incoming <- domain.InboundFrame{Sender: m.id, Payload: buf}:
	default:
		// Receiver queue full: drop, as a saturated datagram socket would.
	}
	return nil
}

// Incoming returns this port's receive stream.
func (m *MemoryPort) Incoming() <-chan domain.InboundFrame { return m.incoming }

// PendingSendCount reports the hand-set congestion figure for a peer.
func (m *MemoryPort) PendingSendCount(peer domain.NodeID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[peer]
}

// Close shuts the port; further sends fail and the incoming stream ends.
func (m *MemoryPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.incoming)
	return nil
}

// ─── Test Controls ──────────────────────────────────────────────────────────

// SetPendingSendCount pins the congestion figure reported for a peer.
func (m *MemoryPort) SetPendingSendCount(peer domain.NodeID, n int) {
	m.mu.Lock()
	m.pending[peer] = n
	m.mu.Unlock()
}

// SetLinkDown silently drops frames to dest when down is true.
func (m *MemoryPort) SetLinkDown(dest domain.NodeID, down bool) {
	m.mu.Lock()
	m.linkDown[dest] = down
	m.mu.Unlock()
}

// SetSendError makes sends to dest fail with err (nil clears it).
func (m *MemoryPort) SetSendError(dest domain.NodeID, err error) {
	m.mu.Lock()
	if err == nil {
		delete(m.sendErr, dest)
	} else {
		m.sendErr[dest] = err
	}
	m.mu.Unlock()
}

// Drain empties and returns everything currently queued on the incoming
// stream without blocking.
func (m *MemoryPort) Drain() []domain.InboundFrame {
	var out []domain.InboundFrame
	for {
		select {
		case f, ok := <-m.incoming:
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}
