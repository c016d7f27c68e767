// Package node wires the failure detector and the gossip engine into one
// mesh node: a shared peer registry, one receive loop dispatching frames
// by tag, and lifecycle management for both schedules.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshlog-network/meshlog/internal/domain"
	"github.com/meshlog-network/meshlog/internal/infra/detector"
	"github.com/meshlog-network/meshlog/internal/infra/gossip"
	"github.com/meshlog-network/meshlog/internal/infra/hlc"
	"github.com/meshlog-network/meshlog/internal/infra/observability"
	"github.com/meshlog-network/meshlog/internal/infra/registry"
	"github.com/meshlog-network/meshlog/internal/infra/rtt"
	"github.com/meshlog-network/meshlog/internal/infra/wire"
)

// Options configures a node.
type Options struct {
	Detector detector.Config
	Gossip   gossip.Config

	// ConnectHold excludes a freshly connected peer from probe selection
	// while its transport link stabilises.
	ConnectHold time.Duration

	OnError  domain.ErrorFunc
	OnLog    domain.LogFunc
	OnMerged domain.MergedFunc
	Metrics  *observability.Metrics
}

// DefaultOptions returns standard node parameters.
func DefaultOptions() Options {
	return Options{
		Detector:    detector.DefaultConfig(),
		Gossip:      gossip.DefaultConfig(),
		ConnectHold: 3 * time.Second,
	}
}

// Node is one mesh participant: its identity, registry, detector, gossip
// engine and the receive loop binding them to the message port.
type Node struct {
	identity domain.Identity
	opts     Options

	registry *registry.Registry
	tracker  *rtt.Tracker
	detector *detector.Detector
	gossip   *gossip.Engine
	clock    domain.TimePort
	hlc      *hlc.Clock
	port     domain.MessagePort
	repo     domain.EntryRepository
	catalog  domain.ChannelCatalog

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles a node from its collaborators. The repository and catalog
// are typically the SQLite entry store; the port is the UDP or in-memory
// transport.
func New(identity domain.Identity, opts Options, repo domain.EntryRepository, catalog domain.ChannelCatalog, port domain.MessagePort, clock domain.TimePort) *Node {
	n := &Node{
		identity: identity,
		opts:     opts,
		registry: registry.New(),
		tracker:  rtt.NewTracker(),
		clock:    clock,
		hlc:      hlc.New(clock),
		port:     port,
		repo:     repo,
		catalog:  catalog,
	}

	n.detector = detector.New(identity.ID, opts.Detector, n.registry, n.tracker, port, clock)
	n.detector.OnError(opts.OnError)
	n.detector.OnLog(opts.OnLog)
	n.detector.SetMetrics(opts.Metrics)

	n.gossip = gossip.New(identity.ID, opts.Gossip, n.registry, repo, catalog, port, clock)
	n.gossip.OnError(opts.OnError)
	n.gossip.OnLog(opts.OnLog)
	n.gossip.OnEntriesMerged(opts.OnMerged)
	n.gossip.SetLogicalClock(n.hlc)
	n.gossip.SetMetrics(opts.Metrics)

	return n
}

// ID returns the node's identity.
func (n *Node) ID() domain.NodeID { return n.identity.ID }

// Registry exposes the shared peer registry (read-mostly: status APIs).
func (n *Node) Registry() *registry.Registry { return n.registry }

// Detector exposes the failure detector (probing holds, bootstrap probes).
func (n *Node) Detector() *detector.Detector { return n.detector }

// Gossip exposes the gossip engine (manual rounds, pending stats).
func (n *Node) Gossip() *gossip.Engine { return n.gossip }

// Clock exposes the node's hybrid logical clock.
func (n *Node) Clock() *hlc.Clock { return n.hlc }

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Start launches the receive loop and both schedules. Idempotent.
func (n *Node) Start(ctx context.Context) {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.running = true

	n.wg.Add(1)
	go n.receiveLoop(loopCtx)
	n.detector.Start(loopCtx)
	n.gossip.Start(loopCtx)
}

// Stop halts the schedules and the receive loop. Frames arriving after
// Stop are discarded. Idempotent.
func (n *Node) Stop() {
	n.runMu.Lock()
	if !n.running {
		n.runMu.Unlock()
		return
	}
	n.running = false
	cancel := n.cancel
	n.runMu.Unlock()

	// Cancel first: in-flight intermediary waits park on this context's
	// sleeps, and the detector's Stop joins them.
	cancel()
	n.detector.Stop()
	n.gossip.Stop()
	n.wg.Wait()
}

// Close stops the node and closes the message port. No callback fires
// afterwards.
func (n *Node) Close() error {
	n.Stop()
	return n.port.Close()
}

// ─── Membership ─────────────────────────────────────────────────────────────

// ConnectPeer registers a peer, shields it from probing while the link
// warms up, and fires a best-effort RTT bootstrap probe.
func (n *Node) ConnectPeer(ctx context.Context, id domain.NodeID) error {
	if id == n.identity.ID {
		return domain.ErrSelfPeer
	}
	now := n.clock.NowMillis()
	n.registry.AddPeer(id, now)
	if n.opts.ConnectHold > 0 {
		n.detector.SetProbingHold(id, now+n.opts.ConnectHold.Milliseconds())
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.detector.ProbeNewPeer(ctx, id)
	}()
	return nil
}

// DisconnectPeer removes a peer and drops its in-flight sync state.
func (n *Node) DisconnectPeer(id domain.NodeID) {
	n.detector.ClearProbingHold(id)
	n.gossip.ClearPendingRequests(id)
	n.registry.RemovePeer(id)
}

// ─── Local Writes ───────────────────────────────────────────────────────────

// Append writes a local entry: the node is the author, the sequence is
// the next for this node in the stream, and the timestamp comes from the
// hybrid logical clock. The entry propagates through subsequent gossip
// rounds.
func (n *Node) Append(ctx context.Context, ch domain.ChannelID, st domain.StreamID, payload []byte) (domain.LogEntry, error) {
	vv, err := n.repo.VersionVector(ctx, ch, st)
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("next sequence: %w", err)
	}
	entry := domain.LogEntry{
		Author:    n.identity.ID,
		Sequence:  vv.Get(n.identity.ID) + 1,
		Timestamp: n.hlc.Now(),
		Payload:   payload,
	}
	if err := n.repo.Append(ctx, ch, st, entry); err != nil {
		return domain.LogEntry{}, err
	}
	return entry, nil
}

// ─── Receive Loop ───────────────────────────────────────────────────────────

// receiveLoop pulls frames off the message port and dispatches by tag.
// Frames from one peer are processed in arrival order. Bytes are counted
// before decode so malformed traffic still shows up in the accounting.
func (n *Node) receiveLoop(ctx context.Context) {
	defer n.wg.Done()
	incoming := n.port.Incoming()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-incoming:
			if !ok {
				return
			}
			n.handleFrame(ctx, frame)
		}
	}
}

func (n *Node) handleFrame(ctx context.Context, frame domain.InboundFrame) {
	n.opts.Metrics.MessageReceived(len(frame.Payload))
	if frame.Sender.Valid() {
		n.registry.RecordMessageReceived(frame.Sender, uint64(len(frame.Payload)), n.clock.NowMillis(), n.opts.Detector.MetricsWindowMs)
	}

	msg, err := wire.Decode(frame.Payload)
	if err != nil {
		n.opts.Metrics.DecodeFailure()
		n.emitError(domain.NewSyncError(domain.MessageCorrupted, frame.Sender, err))
		return
	}
	// Traffic from an address the transport could not attribute is still
	// accounted to the node named in the frame.
	if !frame.Sender.Valid() {
		n.registry.RecordMessageReceived(msg.Sender(), uint64(len(frame.Payload)), n.clock.NowMillis(), n.opts.Detector.MetricsWindowMs)
	}

	switch m := msg.(type) {
	case *wire.Ping:
		n.detector.HandlePing(ctx, m)
	case *wire.Ack:
		n.detector.HandleAck(m)
	case *wire.PingReq:
		n.detector.HandlePingReq(ctx, m)
	case *wire.DigestRequest:
		n.gossip.HandleDigestRequest(ctx, m)
	case *wire.DigestResponse:
		n.gossip.HandleDigestResponse(ctx, m)
	case *wire.DeltaRequest:
		n.gossip.HandleDeltaRequest(ctx, m)
	case *wire.DeltaResponse:
		n.gossip.HandleDeltaResponse(ctx, m)
	}
}

func (n *Node) emitError(err *domain.SyncError) {
	if n.opts.OnError != nil {
		n.opts.OnError(err)
	}
}
