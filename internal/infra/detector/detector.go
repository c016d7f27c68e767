// Package detector implements the adaptive SWIM-style failure detector.
//
// Probe cycle:
//  1. Pick a random probable peer → PING (high priority)
//  2. No ACK within the peer's adaptive timeout → PING_REQ to up to 3
//     reachable intermediaries
//  3. No direct or indirect ACK → count a probe failure
//  4. failure_threshold misses → SUSPECTED; unreachable_threshold → UNREACHABLE
//
// Timeouts adapt per peer from a Jacobson/Karels RTT estimate; the probe
// interval derives from the global estimate so a slow mesh is probed
// gently and a fast one aggressively.
package detector

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshlog-network/meshlog/internal/domain"
	"github.com/meshlog-network/meshlog/internal/infra/observability"
	"github.com/meshlog-network/meshlog/internal/infra/registry"
	"github.com/meshlog-network/meshlog/internal/infra/rtt"
	"github.com/meshlog-network/meshlog/internal/infra/wire"
)

// Config controls probe behaviour and state-machine thresholds.
type Config struct {
	FailureThreshold     uint32        // probe failures before SUSPECTED (default 3)
	UnreachableThreshold uint32        // probe failures before UNREACHABLE (default 9)
	PingTimeout          time.Duration // static override; 0 = adapt from RTT
	ProbeInterval        time.Duration // static override; 0 = adapt from RTT
	IntermediaryTimeout  time.Duration // wait for a forwarded ping's ack (default 200ms)
	MinPingTimeout       time.Duration // adaptive timeout floor (default 200ms)
	MaxPingTimeout       time.Duration // adaptive timeout ceiling (default 10s)
	MinProbeInterval     time.Duration // adaptive interval floor (default 500ms)
	MaxProbeInterval     time.Duration // adaptive interval ceiling (default 30s)
	IndirectPeerCount    int           // intermediaries per indirect phase (default 3)
	MetricsWindowMs      int64         // sliding window for traffic metrics (default 10s)
}

// DefaultConfig returns the standard detector parameters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     3,
		UnreachableThreshold: 9,
		IntermediaryTimeout:  200 * time.Millisecond,
		MinPingTimeout:       200 * time.Millisecond,
		MaxPingTimeout:       10 * time.Second,
		MinProbeInterval:     500 * time.Millisecond,
		MaxProbeInterval:     30 * time.Second,
		IndirectPeerCount:    3,
		MetricsWindowMs:      10_000,
	}
}

// Detector runs probe rounds and reacts to incoming pings and acks. The
// surrounding system owns the receive loop and dispatches frames to
// HandlePing / HandleAck / HandlePingReq; the detector owns the probe
// schedule.
type Detector struct {
	cfg    Config
	self   domain.NodeID
	reg    *registry.Registry
	global *rtt.Tracker
	port   domain.MessagePort
	clock  domain.TimePort

	seq     atomic.Uint32
	pending *pendingTable

	rngMu sync.Mutex
	rng   *rand.Rand

	holdsMu sync.Mutex
	holds   map[domain.NodeID]int64 // peer → hold expiry (monotonic ms)

	onError domain.ErrorFunc
	onLog   domain.LogFunc
	metrics *observability.Metrics

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a detector. The registry and global RTT tracker are shared
// with the gossip engine; port and clock are the node's two abstract ports.
func New(self domain.NodeID, cfg Config, reg *registry.Registry, global *rtt.Tracker, port domain.MessagePort, clock domain.TimePort) *Detector {
	return &Detector{
		cfg:     cfg,
		self:    self,
		reg:     reg,
		global:  global,
		port:    port,
		clock:   clock,
		pending: newPendingTable(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		holds:   make(map[domain.NodeID]int64),
	}
}

// OnError sets the recoverable-fault callback.
func (d *Detector) OnError(fn domain.ErrorFunc) { d.onError = fn }

// OnLog sets the diagnostic log callback.
func (d *Detector) OnLog(fn domain.LogFunc) { d.onLog = fn }

// SetMetrics attaches a Prometheus metric set.
func (d *Detector) SetMetrics(m *observability.Metrics) { d.metrics = m }

// SetRand pins the selection RNG (tests use a fixed seed).
func (d *Detector) SetRand(r *rand.Rand) {
	d.rngMu.Lock()
	d.rng = r
	d.rngMu.Unlock()
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Start launches the probe schedule. Idempotent.
func (d *Detector) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.wg.Add(1)
	go d.probeLoop(loopCtx)
}

// Stop halts new probe rounds; in-flight rounds complete naturally.
// Idempotent.
func (d *Detector) Stop() {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.runMu.Unlock()

	cancel()
	d.wg.Wait()
}

func (d *Detector) probeLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		// Re-read each tick: the interval adapts with the RTT estimate.
		if err := d.clock.Sleep(ctx, d.EffectiveProbeInterval()); err != nil {
			return
		}
		if err := d.ProbeRound(ctx); err != nil && ctx.Err() == nil {
			d.emitError(domain.NewSyncError(domain.ProtocolError, "", err))
		}
	}
}

// ─── Timing ─────────────────────────────────────────────────────────────────

// EffectivePingTimeoutFor derives the direct-ping timeout for one peer:
// the static override if configured, else the peer's own RTT estimate,
// else the global estimate.
func (d *Detector) EffectivePingTimeoutFor(id domain.NodeID) time.Duration {
	if d.cfg.PingTimeout > 0 {
		return d.cfg.PingTimeout
	}
	if p := d.reg.Get(id); p != nil && p.Rtt != nil {
		return p.Rtt.SuggestedTimeout(d.cfg.MinPingTimeout, d.cfg.MaxPingTimeout)
	}
	return d.global.SuggestedTimeout(d.cfg.MinPingTimeout, d.cfg.MaxPingTimeout)
}

// EffectiveProbeInterval derives the inter-probe delay: the static
// override if configured, else 3× the global ping timeout clamped to
// [MinProbeInterval, MaxProbeInterval]. The ×3 factor reserves head-room
// for a direct timeout plus an indirect round within one interval.
func (d *Detector) EffectiveProbeInterval() time.Duration {
	if d.cfg.ProbeInterval > 0 {
		return d.cfg.ProbeInterval
	}
	interval := 3 * d.global.SuggestedTimeout(d.cfg.MinPingTimeout, d.cfg.MaxPingTimeout)
	if interval < d.cfg.MinProbeInterval {
		return d.cfg.MinProbeInterval
	}
	if interval > d.cfg.MaxProbeInterval {
		return d.cfg.MaxProbeInterval
	}
	return interval
}

// ─── Probe Rounds ───────────────────────────────────────────────────────────

// ProbeRound probes one randomly selected probable peer, escalating to
// indirect probing when the direct ack does not arrive in time.
func (d *Detector) ProbeRound(ctx context.Context) error {
	target, ok := d.selectProbeTarget()
	if !ok {
		return nil
	}
	d.metrics.ProbeRound()

	seq := d.nextSequence()
	p := d.pending.add(target, seq, d.clock.NowMillis())
	defer d.pending.remove(seq)

	d.sendMessage(ctx, target, &wire.Ping{From: d.self, Sequence: seq}, domain.PriorityHigh)

	acked := d.waitAck(ctx, p, d.EffectivePingTimeoutFor(target))
	indirectAcked := false
	if !acked {
		indirectAcked = d.performIndirect(ctx, target, p)
	}

	switch {
	case p.isCompleted():
		// A late direct ack landed during the indirect phase. No failure.
		if !acked {
			d.logf(domain.LogDebug, "peer %s recovered during indirect ping phase", target)
		}
	case indirectAcked:
		// Alive via some path. No failure.
	default:
		d.handleProbeFailure(target)
	}
	return ctx.Err()
}

// performIndirect asks up to IndirectPeerCount reachable peers to probe
// target on our behalf, and waits for any of their echoed acks.
func (d *Detector) performIndirect(ctx context.Context, target domain.NodeID, direct *pendingPing) bool {
	intermediaries := d.selectIntermediaries(target)
	if len(intermediaries) == 0 {
		// Two-device mesh: nobody to ask, but give the direct ack a grace
		// window before counting a failure.
		d.waitAck(ctx, direct, d.EffectivePingTimeoutFor(target))
		return false
	}
	d.metrics.IndirectProbe()

	seq := d.nextSequence()
	p := d.pending.add(target, seq, d.clock.NowMillis())
	defer d.pending.remove(seq)

	for _, via := range intermediaries {
		d.sendMessage(ctx, via.ID, &wire.PingReq{From: d.self, Sequence: seq, Target: target}, domain.PriorityHigh)
	}
	return d.waitAck(ctx, p, d.EffectivePingTimeoutFor(target))
}

// ProbeNewPeer is a best-effort RTT bootstrap for a freshly connected
// peer: one direct ping, record the RTT on ack, record nothing on timeout.
func (d *Detector) ProbeNewPeer(ctx context.Context, target domain.NodeID) {
	seq := d.nextSequence()
	p := d.pending.add(target, seq, d.clock.NowMillis())
	defer d.pending.remove(seq)

	d.sendMessage(ctx, target, &wire.Ping{From: d.self, Sequence: seq}, domain.PriorityHigh)
	d.waitAck(ctx, p, d.EffectivePingTimeoutFor(target))
}

// waitAck blocks until the pending entry is acked, the timeout elapses, or
// ctx is cancelled. Returns whether the ack arrived.
func (d *Detector) waitAck(ctx context.Context, p *pendingPing, timeout time.Duration) bool {
	sleepCtx, cancelSleep := context.WithCancel(ctx)
	defer cancelSleep()

	expired := make(chan struct{})
	go func() {
		defer close(expired)
		_ = d.clock.Sleep(sleepCtx, timeout)
	}()

	select {
	case <-p.acked:
		return true
	case <-expired:
		return p.isCompleted()
	}
}

// handleProbeFailure counts one miss and applies the state machine.
func (d *Detector) handleProbeFailure(target domain.NodeID) {
	d.metrics.ProbeFailure()
	count := d.reg.IncrementFailedProbe(target)
	d.logf(domain.LogDebug, "probe failure %d for peer %s", count, target)
	d.checkPeerHealth(target)
}

// checkPeerHealth applies threshold transitions for one peer:
// Reachable → Suspected at FailureThreshold, Suspected → Unreachable at
// UnreachableThreshold. Recovery happens only through incoming contact.
func (d *Detector) checkPeerHealth(target domain.NodeID) {
	p := d.reg.Get(target)
	if p == nil {
		return
	}
	switch {
	case p.Status == domain.PeerReachable && p.FailedProbeCount >= d.cfg.FailureThreshold:
		if d.reg.UpdateStatus(target, domain.PeerSuspected) {
			d.metrics.PeerTransition(domain.PeerSuspected.String())
			d.logf(domain.LogInfo, "peer %s is now SUSPECTED after %d failed probes", target, p.FailedProbeCount)
		}
	case p.Status == domain.PeerSuspected && p.FailedProbeCount >= d.cfg.UnreachableThreshold:
		if d.reg.UpdateStatus(target, domain.PeerUnreachable) {
			d.metrics.PeerTransition(domain.PeerUnreachable.String())
			d.logf(domain.LogWarn, "peer %s is now UNREACHABLE after %d failed probes", target, p.FailedProbeCount)
		}
	}
}

// ─── Incoming Frames ────────────────────────────────────────────────────────

// HandlePing records proof of life for the sender (reviving even an
// Unreachable peer) and replies with an ack. No pending entry is created.
func (d *Detector) HandlePing(ctx context.Context, msg *wire.Ping) {
	d.reg.UpdateContact(msg.From, d.clock.NowMillis())
	d.sendMessage(ctx, msg.From, &wire.Ack{From: d.self, Sequence: msg.Sequence}, domain.PriorityHigh)
}

// HandleAck resolves the pending probe matching the ack's sequence. The
// RTT sample is attributed to the pending entry's target — never to the
// ack's sender, which for an indirect ack is the intermediary. Late or
// unknown acks still count as contact but are otherwise ignored.
func (d *Detector) HandleAck(msg *wire.Ack) {
	now := d.clock.NowMillis()
	d.reg.UpdateContact(msg.From, now)

	p := d.pending.get(msg.Sequence)
	if p == nil || !p.tryComplete() {
		d.metrics.LateAck()
		return
	}
	d.metrics.AckMatched()

	sample := time.Duration(now-p.sentAtMs) * time.Millisecond
	if sample > 0 && sample <= d.EffectivePingTimeoutFor(p.target) {
		d.global.RecordSample(sample)
		d.reg.RecordPeerRTT(p.target, sample)
	}
	p.signal()
}

// HandlePingReq forwards a probe on behalf of the requester. The forwarded
// ping uses a fresh local sequence — reusing the requester's sequence
// would collide with unrelated locally-initiated probes in the pending
// table. The requester's sequence is echoed back only in the final ack.
func (d *Detector) HandlePingReq(ctx context.Context, msg *wire.PingReq) {
	requester := msg.From
	requesterSeq := msg.Sequence
	target := msg.Target

	localSeq := d.nextSequence()
	p := d.pending.add(target, localSeq, d.clock.NowMillis())

	d.sendMessage(ctx, target, &wire.Ping{From: d.self, Sequence: localSeq}, domain.PriorityHigh)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.pending.remove(localSeq)
		if d.waitAck(ctx, p, d.cfg.IntermediaryTimeout) {
			d.sendMessage(ctx, requester, &wire.Ack{From: d.self, Sequence: requesterSeq}, domain.PriorityHigh)
		}
	}()
}

// ─── Probing Holds ──────────────────────────────────────────────────────────

// SetProbingHold excludes a peer from probe selection until the given
// monotonic time, e.g. while its transport link stabilises. Incoming
// pings and acks are always processed regardless of holds.
func (d *Detector) SetProbingHold(id domain.NodeID, untilMs int64) {
	d.holdsMu.Lock()
	d.holds[id] = untilMs
	d.holdsMu.Unlock()
}

// ClearProbingHold removes a peer's probing hold.
func (d *Detector) ClearProbingHold(id domain.NodeID) {
	d.holdsMu.Lock()
	delete(d.holds, id)
	d.holdsMu.Unlock()
}

func (d *Detector) heldNow(id domain.NodeID, nowMs int64) bool {
	d.holdsMu.Lock()
	defer d.holdsMu.Unlock()
	until, ok := d.holds[id]
	if !ok {
		return false
	}
	if until <= nowMs {
		delete(d.holds, id)
		return false
	}
	return true
}

// ─── Selection ──────────────────────────────────────────────────────────────

func (d *Detector) selectProbeTarget() (domain.NodeID, bool) {
	now := d.clock.NowMillis()
	candidates := d.reg.ProbablePeers()
	eligible := candidates[:0]
	for _, p := range candidates {
		if !d.heldNow(p.ID, now) {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}
	d.rngMu.Lock()
	pick := eligible[d.rng.Intn(len(eligible))]
	d.rngMu.Unlock()
	return pick.ID, true
}

func (d *Detector) selectIntermediaries(target domain.NodeID) []domain.Peer {
	reachable := d.reg.ReachablePeers()
	candidates := reachable[:0]
	for _, p := range reachable {
		if p.ID != target {
			candidates = append(candidates, p)
		}
	}
	d.rngMu.Lock()
	d.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	d.rngMu.Unlock()

	k := d.cfg.IndirectPeerCount
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// nextSequence allocates a node-wide unique probe sequence.
func (d *Detector) nextSequence() uint32 {
	return d.seq.Add(1)
}

func (d *Detector) sendMessage(ctx context.Context, dest domain.NodeID, msg wire.Message, pri domain.Priority) {
	frame := wire.Encode(msg)
	if err := d.port.Send(ctx, dest, frame, pri); err != nil {
		// A failed send is the transport's problem, not a probe failure;
		// peer status only moves through the probe state machine.
		d.metrics.SendFailure()
		d.emitError(domain.NewSyncError(domain.PeerSendFailed, dest, err))
		return
	}
	d.metrics.MessageSent(msg.Type().String(), len(frame))
	d.reg.RecordMessageSent(dest, uint64(len(frame)), d.clock.NowMillis(), d.cfg.MetricsWindowMs)
}

func (d *Detector) emitError(err *domain.SyncError) {
	if d.onError != nil {
		d.onError(err)
	}
}

func (d *Detector) logf(level domain.LogLevel, format string, args ...any) {
	if d.onLog != nil {
		d.onLog(level, fmt.Sprintf(format, args...))
	}
}
