package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/meshlog-network/meshlog/internal/domain"
)

const (
	// maxFrameSize bounds one datagram; delta responses are capped below
	// this by the gossip engine's MaxDeltaBytes budget.
	maxFrameSize = 65_507

	// perPeerQueueDepth bounds the outbound queue per peer and priority.
	perPeerQueueDepth = 64
)

// UDPPort is a message port over UDP datagrams: one frame per datagram,
// per-peer outbound queues with a high-priority lane so probe traffic is
// never starved behind bulk deltas. Peer addresses are registered by the
// surrounding system as it discovers them.
type UDPPort struct {
	conn     *net.UDPConn
	incoming chan domain.InboundFrame

	mu      sync.Mutex
	closed  bool
	peers   map[domain.NodeID]*udpPeer
	byAddr  map[string]domain.NodeID
	closing chan struct{}
	wg      sync.WaitGroup
}

type udpPeer struct {
	addr   *net.UDPAddr
	high   chan []byte
	normal chan []byte
	// pending counts frames queued but not yet written to the socket.
	pending int
}

// NewUDPPort binds a UDP socket and starts the receive loop.
func NewUDPPort(bindAddr string) (*UDPPort, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	p := &UDPPort{
		conn:     conn,
		incoming: make(chan domain.InboundFrame, 1024),
		peers:    make(map[domain.NodeID]*udpPeer),
		byAddr:   make(map[string]domain.NodeID),
		closing:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.receiveLoop()
	return p, nil
}

// LocalAddr returns the bound socket address.
func (p *UDPPort) LocalAddr() string { return p.conn.LocalAddr().String() }

// RegisterPeer maps a node ID to its UDP address and starts its sender.
// Re-registering updates the address in place.
func (p *UDPPort) RegisterPeer(id domain.NodeID, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve peer %s: %w", id, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("port closed")
	}
	if existing, ok := p.peers[id]; ok {
		delete(p.byAddr, existing.addr.String())
		existing.addr = udpAddr
		p.byAddr[udpAddr.String()] = id
		return nil
	}
	peer := &udpPeer{
		addr:   udpAddr,
		high:   make(chan []byte, perPeerQueueDepth),
		normal: make(chan []byte, perPeerQueueDepth),
	}
	p.peers[id] = peer
	p.byAddr[udpAddr.String()] = id
	p.wg.Add(1)
	go p.sendLoop(peer)
	return nil
}

// UnregisterPeer forgets a peer's address. Its sender exits once the
// high-priority lane has drained; frames still queued after that are
// dropped.
func (p *UDPPort) UnregisterPeer(id domain.NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peer, ok := p.peers[id]; ok {
		delete(p.byAddr, peer.addr.String())
		delete(p.peers, id)
		close(peer.high)
	}
}

// Send queues one frame for dest. High-priority frames jump the normal
// lane. A full queue rejects the frame rather than blocking the caller.
func (p *UDPPort) Send(ctx context.Context, dest domain.NodeID, frame []byte, pri domain.Priority) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds datagram limit", len(frame))
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("port closed")
	}
	peer, ok := p.peers[dest]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("no address registered for peer %s", dest)
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)

	lane := peer.normal
	if pri == domain.PriorityHigh {
		lane = peer.high
	}
	select {
	case lane <- buf:
		peer.pending++
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		return fmt.Errorf("send queue full for peer %s", dest)
	}
}

// PendingSendCount reports frames queued for a peer but not yet written
// to the socket. The gossip engine reads this for backpressure.
func (p *UDPPort) PendingSendCount(peer domain.NodeID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.peers[peer]; ok {
		return entry.pending
	}
	return 0
}

// Incoming returns the receive stream. Frames from unregistered addresses
// carry an empty sender; the codec still identifies the node from the
// frame itself.
func (p *UDPPort) Incoming() <-chan domain.InboundFrame { return p.incoming }

// Close stops the loops and closes the socket.
func (p *UDPPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	err := p.conn.Close()
	p.wg.Wait()
	close(p.incoming)
	return err
}

func (p *UDPPort) sendLoop(peer *udpPeer) {
	defer p.wg.Done()
	for {
		var frame []byte
		var ok bool
		// Drain the high lane first.
		select {
		case frame, ok = <-peer.high:
		case <-p.closing:
			return
		default:
			select {
			case frame, ok = <-peer.high:
			case frame, ok = <-peer.normal:
			case <-p.closing:
				return
			}
		}
		if !ok {
			return
		}
		p.mu.Lock()
		peer.pending--
		addr := peer.addr
		p.mu.Unlock()

		_, _ = p.conn.WriteToUDP(frame, addr)
	}
}

func (p *UDPPort) receiveLoop() {
	defer p.wg.Done()
	buf := make([]byte, maxFrameSize)
	for {
		n, remote, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-p.closing:
				return
			default:
				continue
			}
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		p.mu.Lock()
		sender := p.byAddr[remote.String()]
		p.mu.Unlock()

		select {
		case p.incoming <- domain.InboundFrame{Sender: sender, Payload: frame}:
		default:
			// Receiver saturated: drop the datagram.
		}
	}
}
