// Package gossip implements pair-wise anti-entropy over channels and
// streams.
//
// One round (every effective_gossip_interval):
//  1. Pick a random reachable, uncongested peer → DIGEST_REQUEST with our
//     version vectors for every configured channel and stream
//  2. Responder answers DIGEST_RESPONSE with its own vectors
//  3. Any stream where the peer is ahead → DELTA_REQUEST (single-flight
//     per stream)
//  4. Responder streams missing entries back in (author, sequence) order;
//     the initiator merges idempotently and bumps its hybrid logical clock
//
// Pacing adapts to the failure detector's RTT signal: twice the minimum
// reachable-peer SRTT, so one slow peer cannot slow the whole schedule.
package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/meshlog-network/meshlog/internal/domain"
	"github.com/meshlog-network/meshlog/internal/infra/observability"
	"github.com/meshlog-network/meshlog/internal/infra/registry"
	"github.com/meshlog-network/meshlog/internal/infra/wire"
)

// DefaultGossipInterval paces rounds when no override is configured and
// adaptive timing is off.
const DefaultGossipInterval = 500 * time.Millisecond

// Config controls pacing, backpressure and the single-flight guard.
type Config struct {
	GossipInterval          time.Duration // static override; 0 = default or adaptive
	AdaptiveTiming          bool          // derive pacing from per-peer SRTT
	MinGossipInterval       time.Duration // adaptive floor (default 100ms)
	MaxGossipInterval       time.Duration // adaptive ceiling (default 5s)
	ConservativeInterval    time.Duration // adaptive but no RTT samples yet (default 1s)
	PendingDeltaTTL         time.Duration // outstanding delta considered abandoned (default 5s)
	PeerCongestionThreshold int           // pending sends that block gossip to a peer (default 3)
	MaxDeltaBytes           int           // response size cap (default 60000)
	MetricsWindowMs         int64         // sliding window for traffic metrics (default 10s)
}

// DefaultConfig returns the standard gossip parameters.
func DefaultConfig() Config {
	return Config{
		MinGossipInterval:       100 * time.Millisecond,
		MaxGossipInterval:       5 * time.Second,
		ConservativeInterval:    time.Second,
		PendingDeltaTTL:         5 * time.Second,
		PeerCongestionThreshold: 3,
		MaxDeltaBytes:           60_000,
		MetricsWindowMs:         10_000,
	}
}

// Engine drives anti-entropy for one node. The surrounding system owns
// the receive loop and dispatches digest/delta frames here; the engine
// owns the round schedule.
type Engine struct {
	cfg     Config
	self    domain.NodeID
	reg     *registry.Registry
	repo    domain.EntryRepository
	catalog domain.ChannelCatalog
	port    domain.MessagePort
	clock   domain.TimePort
	hlc     domain.LogicalClock // optional

	pending *pendingDeltaTable

	rngMu sync.Mutex
	rng   *rand.Rand

	onError  domain.ErrorFunc
	onLog    domain.LogFunc
	onMerged domain.MergedFunc
	metrics  *observability.Metrics

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a gossip engine sharing the registry with the failure
// detector.
func New(self domain.NodeID, cfg Config, reg *registry.Registry, repo domain.EntryRepository, catalog domain.ChannelCatalog, port domain.MessagePort, clock domain.TimePort) *Engine {
	return &Engine{
		cfg:     cfg,
		self:    self,
		reg:     reg,
		repo:    repo,
		catalog: catalog,
		port:    port,
		clock:   clock,
		pending: newPendingDeltaTable(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetLogicalClock attaches a hybrid logical clock to bump on merge.
func (e *Engine) SetLogicalClock(c domain.LogicalClock) { e.hlc = c }

// OnError sets the recoverable-fault callback.
func (e *Engine) OnError(fn domain.ErrorFunc) { e.onError = fn }

// OnLog sets the diagnostic log callback.
func (e *Engine) OnLog(fn domain.LogFunc) { e.onLog = fn }

// OnEntriesMerged sets the merge notification callback.
func (e *Engine) OnEntriesMerged(fn domain.MergedFunc) { e.onMerged = fn }

// SetMetrics attaches a Prometheus metric set.
func (e *Engine) SetMetrics(m *observability.Metrics) { e.metrics = m }

// SetRand pins the peer-selection RNG (tests use a fixed seed).
func (e *Engine) SetRand(r *rand.Rand) {
	e.rngMu.Lock()
	e.rng = r
	e.rngMu.Unlock()
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Start launches the gossip schedule. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.wg.Add(1)
	go e.gossipLoop(loopCtx)
}

// Stop halts new rounds; in-flight exchanges complete naturally.
// Idempotent.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.runMu.Unlock()

	cancel()
	e.wg.Wait()
}

func (e *Engine) gossipLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		if err := e.clock.Sleep(ctx, e.EffectiveGossipInterval()); err != nil {
			return
		}
		if err := e.PerformRound(ctx); err != nil && ctx.Err() == nil {
			e.emitError(domain.NewSyncError(domain.ProtocolError, "", err))
		}
	}
}

// ─── Pacing ─────────────────────────────────────────────────────────────────

// EffectiveGossipInterval derives the round pacing: the static override if
// configured; the 500ms default when adaptive timing is off; otherwise
// twice the minimum SRTT across reachable peers, clamped — falling back
// to a conservative second when no peer has a sample yet.
func (e *Engine) EffectiveGossipInterval() time.Duration {
	if e.cfg.GossipInterval > 0 {
		return e.cfg.GossipInterval
	}
	if !e.cfg.AdaptiveTiming {
		return DefaultGossipInterval
	}

	var minSRTT time.Duration
	for _, p := range e.reg.ReachablePeers() {
		if p.Rtt == nil {
			continue
		}
		if minSRTT == 0 || p.Rtt.SmoothedRTT < minSRTT {
			minSRTT = p.Rtt.SmoothedRTT
		}
	}
	if minSRTT == 0 {
		return e.cfg.ConservativeInterval
	}
	interval := 2 * minSRTT
	if interval < e.cfg.MinGossipInterval {
		return e.cfg.MinGossipInterval
	}
	if interval > e.cfg.MaxGossipInterval {
		return e.cfg.MaxGossipInterval
	}
	return interval
}

// ─── Rounds ─────────────────────────────────────────────────────────────────

// PerformRound initiates one anti-entropy exchange with a random
// uncongested reachable peer. When every reachable peer is congested the
// round is skipped — a missed tick, not an error.
func (e *Engine) PerformRound(ctx context.Context) error {
	peer, ok := e.selectGossipPeer()
	if !ok {
		return nil
	}
	e.metrics.GossipRound()

	digests, err := e.buildDigests(ctx)
	if err != nil {
		return err
	}
	e.sendMessage(ctx, peer, &wire.DigestRequest{From: e.self, Digests: digests}, domain.PriorityHigh)
	return nil
}

// selectGossipPeer picks a random reachable peer whose transport queue is
// under the congestion threshold.
func (e *Engine) selectGossipPeer() (domain.NodeID, bool) {
	reachable := e.reg.ReachablePeers()
	if len(reachable) == 0 {
		return "", false
	}
	eligible := reachable[:0]
	for _, p := range reachable {
		if e.port.PendingSendCount(p.ID) <= e.cfg.PeerCongestionThreshold {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		e.metrics.CongestionSkip()
		return "", false
	}
	e.rngMu.Lock()
	pick := eligible[e.rng.Intn(len(eligible))]
	e.rngMu.Unlock()
	return pick.ID, true
}

// buildDigests summarises every configured channel and stream as version
// vectors.
func (e *Engine) buildDigests(ctx context.Context) ([]wire.ChannelDigest, error) {
	channels, err := e.catalog.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	digests := make([]wire.ChannelDigest, 0, len(channels))
	for _, ch := range channels {
		streams, err := e.catalog.Streams(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("list streams of %s: %w", ch, err)
		}
		digest := wire.ChannelDigest{Channel: ch}
		for _, st := range streams {
			vv, err := e.repo.VersionVector(ctx, ch, st)
			if err != nil {
				return nil, fmt.Errorf("version vector of %s/%s: %w", ch, st, err)
			}
			digest.Streams = append(digest.Streams, wire.StreamDigest{Stream: st, Version: vv})
		}
		digests = append(digests, digest)
	}
	return digests, nil
}

// ─── Incoming Frames ────────────────────────────────────────────────────────

// HandleDigestRequest answers with our own digests for the channels we
// share with the requester. Channels we don't carry are a protocol error
// on the requester's side of the exchange and are skipped.
func (e *Engine) HandleDigestRequest(ctx context.Context, msg *wire.DigestRequest) {
	known := make(map[domain.ChannelID]bool)
	channels, err := e.catalog.Channels(ctx)
	if err != nil {
		e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From, err))
		return
	}
	for _, ch := range channels {
		known[ch] = true
	}

	var digests []wire.ChannelDigest
	for _, requested := range msg.Digests {
		if !known[requested.Channel] {
			e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From,
				fmt.Errorf("digest request for unknown channel %s: %w", requested.Channel, domain.ErrChannelUnknown)))
			continue
		}
		streams, err := e.catalog.Streams(ctx, requested.Channel)
		if err != nil {
			e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From, err))
			continue
		}
		digest := wire.ChannelDigest{Channel: requested.Channel}
		for _, st := range streams {
			vv, err := e.repo.VersionVector(ctx, requested.Channel, st)
			if err != nil {
				e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From, err))
				continue
			}
			digest.Streams = append(digest.Streams, wire.StreamDigest{Stream: st, Version: vv})
		}
		digests = append(digests, digest)
	}
	e.sendMessage(ctx, msg.From, &wire.DigestResponse{From: e.self, Digests: digests}, domain.PriorityHigh)
}

// HandleDigestResponse compares the peer's vectors against ours and
// requests deltas for every stream where the peer is ahead, under the
// single-flight guard.
func (e *Engine) HandleDigestResponse(ctx context.Context, msg *wire.DigestResponse) {
	known := make(map[domain.ChannelID]bool)
	channels, err := e.catalog.Channels(ctx)
	if err != nil {
		e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From, err))
		return
	}
	for _, ch := range channels {
		known[ch] = true
	}

	now := e.clock.NowMillis()
	for _, digest := range msg.Digests {
		if !known[digest.Channel] {
			e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From,
				fmt.Errorf("digest response for unknown channel %s: %w", digest.Channel, domain.ErrChannelUnknown)))
			continue
		}
		for _, sd := range digest.Streams {
			local, err := e.repo.VersionVector(ctx, digest.Channel, sd.Stream)
			if err != nil {
				e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From, err))
				continue
			}
			if !sd.Version.AheadOf(local) {
				// We already have everything the peer reported; being
				// ahead ourselves is the peer's problem to notice.
				continue
			}
			if !e.pending.tryAcquire(msg.From, digest.Channel, sd.Stream, now, e.cfg.PendingDeltaTTL.Milliseconds()) {
				continue
			}
			e.metrics.DeltaRequest()
			e.sendMessage(ctx, msg.From, &wire.DeltaRequest{
				From:    e.self,
				Channel: digest.Channel,
				Stream:  sd.Stream,
				Since:   local,
			}, domain.PriorityHigh)
		}
	}
}

// HandleDeltaRequest streams the entries the requester is missing, in
// (author, sequence) order, capped by the response size limit. Anything
// beyond the cap travels on the requester's next round.
func (e *Engine) HandleDeltaRequest(ctx context.Context, msg *wire.DeltaRequest) {
	if err := e.checkStreamKnown(ctx, msg.Channel, msg.Stream); err != nil {
		e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From, err))
		return
	}
	streams, err := e.catalog.Streams(ctx, msg.Channel)
	if err != nil {
		e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From, err))
		return
	}
	known := false
	for _, st := range streams {
		if st == msg.Stream {
			known = true
			break
		}
	}
	if !known {
		e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From,
			fmt.Errorf("stream %s/%s: %w", msg.Channel, msg.Stream, domain.ErrStreamUnknown)))
		return
	}
	entries, err := e.repo.EntriesSince(ctx, msg.Channel, msg.Stream, msg.Since)
	if err != nil {
		e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From, err))
		return
	}

	budget := e.cfg.MaxDeltaBytes
	capped := entries[:0]
	for _, entry := range entries {
		cost := len(entry.Payload) + len(entry.Author) + 32
		if budget-cost < 0 && len(capped) > 0 {
			break
		}
		budget -= cost
		capped = append(capped, entry)
	}

	// Bulk data rides the normal lane so probe traffic stays responsive.
	e.sendMessage(ctx, msg.From, &wire.DeltaResponse{
		From:    e.self,
		Channel: msg.Channel,
		Stream:  msg.Stream,
		Entries: capped,
	}, domain.PriorityNormal)
}

// HandleDeltaResponse merges received entries into local storage. Merging
// is idempotent — an entry whose (author, sequence) already exists is
// skipped and the stored version wins. Each merged timestamp bumps the
// hybrid logical clock so local appends stay causally ahead.
func (e *Engine) HandleDeltaResponse(ctx context.Context, msg *wire.DeltaResponse) {
	defer e.pending.clear(msg.Channel, msg.Stream)

	if err := e.checkStreamKnown(ctx, msg.Channel, msg.Stream); err != nil {
		e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From, err))
		return
	}

	merged := make([]domain.LogEntry, 0, len(msg.Entries))
	for _, entry := range msg.Entries {
		if err := e.repo.Append(ctx, msg.Channel, msg.Stream, entry); err != nil {
			e.emitError(domain.NewSyncError(domain.ProtocolError, msg.From,
				fmt.Errorf("merge entry %s/%d: %w", entry.Author, entry.Sequence, err)))
			continue
		}
		if e.hlc != nil {
			e.hlc.Bump(entry.Timestamp)
		}
		merged = append(merged, entry)
	}

	if len(merged) > 0 {
		e.metrics.EntriesMerged(len(merged))
		e.logf(domain.LogDebug, "merged %d entries into %s/%s from %s", len(merged), msg.Channel, msg.Stream, msg.From)
		if e.onMerged != nil {
			e.onMerged(msg.Channel, msg.Stream, merged)
		}
	}
}

// ClearPendingRequests drops the single-flight state for a departing
// peer so its streams can be fetched from someone else immediately.
func (e *Engine) ClearPendingRequests(peer domain.NodeID) {
	e.pending.clearForPeer(peer)
}

// PendingDeltaCount reports outstanding delta requests (for status APIs).
func (e *Engine) PendingDeltaCount() int { return e.pending.size() }

// ─── Helpers ────────────────────────────────────────────────────────────────

func (e *Engine) checkStreamKnown(ctx context.Context, ch domain.ChannelID, st domain.StreamID) error {
	channels, err := e.catalog.Channels(ctx)
	if err != nil {
		return err
	}
	for _, known := range channels {
		if known == ch {
			return nil
		}
	}
	return fmt.Errorf("channel %s: %w", ch, domain.ErrChannelUnknown)
}

func (e *Engine) sendMessage(ctx context.Context, dest domain.NodeID, msg wire.Message, pri domain.Priority) {
	frame := wire.Encode(msg)
	if err := e.port.Send(ctx, dest, frame, pri); err != nil {
		e.metrics.SendFailure()
		e.emitError(domain.NewSyncError(domain.PeerSendFailed, dest, err))
		return
	}
	e.metrics.MessageSent(msg.Type().String(), len(frame))
	e.reg.RecordMessageSent(dest, uint64(len(frame)), e.clock.NowMillis(), e.cfg.MetricsWindowMs)
}

func (e *Engine) emitError(err *domain.SyncError) {
	if e.onError != nil {
		e.onError(err)
	}
}

func (e *Engine) logf(level domain.LogLevel, format string, args ...any) {
	if e.onLog != nil {
		e.onLog(level, fmt.Sprintf(format, args...))
	}
}
