package gossip

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/meshlog-network/meshlog/internal/domain"
	"github.com/meshlog-network/meshlog/internal/infra/clock"
	"github.com/meshlog-network/meshlog/internal/infra/hlc"
	"github.com/meshlog-network/meshlog/internal/infra/registry"
	"github.com/meshlog-network/meshlog/internal/infra/transport"
	"github.com/meshlog-network/meshlog/internal/infra/wire"
)

// ─── In-Memory Store ────────────────────────────────────────────────────────

type streamKey struct {
	ch domain.ChannelID
	st domain.StreamID
}

// memStore is a test double for the entry repository and channel catalog.
type memStore struct {
	mu       sync.Mutex
	channels []domain.ChannelID
	streams  map[domain.ChannelID][]domain.StreamID
	entries  map[streamKey][]domain.LogEntry
}

func newMemStore() *memStore {
	return &memStore{
		streams: make(map[domain.ChannelID][]domain.StreamID),
		entries: make(map[streamKey][]domain.LogEntry),
	}
}

func (s *memStore) addStream(ch domain.ChannelID, st domain.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.channels {
		if existing == ch {
			s.streams[ch] = append(s.streams[ch], st)
			return
		}
	}
	s.channels = append(s.channels, ch)
	s.streams[ch] = append(s.streams[ch], st)
}

func (s *memStore) Append(_ context.Context, ch domain.ChannelID, st domain.StreamID, entry domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey{ch, st}
	for _, e := range s.entries[key] {
		if e.Author == entry.Author && e.Sequence == entry.Sequence {
			return nil // existing wins
		}
	}
	s.entries[key] = append(s.entries[key], entry)
	sort.Slice(s.entries[key], func(i, j int) bool {
		a, b := s.entries[key][i], s.entries[key][j]
		if a.Author != b.Author {
			return a.Author < b.Author
		}
		return a.Sequence < b.Sequence
	})
	return nil
}

func (s *memStore) VersionVector(_ context.Context, ch domain.ChannelID, st domain.StreamID) (domain.VersionVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vv := make(domain.VersionVector)
	for _, e := range s.entries[streamKey{ch, st}] {
		vv.Observe(e.Author, e.Sequence)
	}
	return vv, nil
}

func (s *memStore) EntriesSince(_ context.Context, ch domain.ChannelID, st domain.StreamID, since domain.VersionVector) ([]domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LogEntry
	for _, e := range s.entries[streamKey{ch, st}] {
		if e.Sequence > since.Get(e.Author) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) EntryCount(_ context.Context, ch domain.ChannelID, st domain.StreamID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[streamKey{ch, st}]), nil
}

func (s *memStore) Channels(context.Context) ([]domain.ChannelID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChannelID(nil), s.channels...), nil
}

func (s *memStore) Streams(_ context.Context, ch domain.ChannelID) ([]domain.StreamID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StreamID(nil), s.streams[ch]...), nil
}

// ─── Harness ────────────────────────────────────────────────────────────────

type gossipNode struct {
	id     domain.NodeID
	port   *transport.MemoryPort
	reg    *registry.Registry
	store  *memStore
	engine *Engine

	mu     sync.Mutex
	errs   []*domain.SyncError
	merged [][]domain.LogEntry
}

func newGossipNode(net *transport.Network, clk *clock.Manual, id domain.NodeID, cfg Config) *gossipNode {
	n := &gossipNode{
		id:    id,
		port:  net.Port(id),
		reg:   registry.New(),
		store: newMemStore(),
	}
	n.engine = New(id, cfg, n.reg, n.store, n.store, n.port, clk)
	n.engine.SetRand(rand.New(rand.NewSource(1)))
	n.engine.OnError(func(err *domain.SyncError) {
		n.mu.Lock()
		n.errs = append(n.errs, err)
		n.mu.Unlock()
	})
	n.engine.OnEntriesMerged(func(_ domain.ChannelID, _ domain.StreamID, entries []domain.LogEntry) {
		n.mu.Lock()
		n.merged = append(n.merged, entries)
		n.mu.Unlock()
	})
	return n
}

// pump dispatches queued frames between nodes until the mesh is quiet.
func pump(t *testing.T, nodes ...*gossipNode) {
	t.Helper()
	ctx := context.Background()
	for pass := 0; pass < 32; pass++ {
		moved := false
		for _, n := range nodes {
			for _, f := range n.port.Drain() {
				moved = true
				msg, err := wire.Decode(f.Payload)
				if err != nil {
					t.Fatalf("node %s received corrupted frame: %v", n.id, err)
				}
				switch m := msg.(type) {
				case *wire.DigestRequest:
					n.engine.HandleDigestRequest(ctx, m)
				case *wire.DigestResponse:
					n.engine.HandleDigestResponse(ctx, m)
				case *wire.DeltaRequest:
					n.engine.HandleDeltaRequest(ctx, m)
				case *wire.DeltaResponse:
					n.engine.HandleDeltaResponse(ctx, m)
				}
			}
		}
		if !moved {
			return
		}
	}
	t.Fatal("mesh never went quiet")
}

func ts(ms int64) domain.Timestamp {
	return domain.Timestamp{PhysicalMillis: ms}
}

// ─── Four-Step Sync ─────────────────────────────────────────────────────────

func TestFourStepSyncEndToEnd(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	a := newGossipNode(net, clk, "node-a", DefaultConfig())
	b := newGossipNode(net, clk, "node-b", DefaultConfig())

	a.store.addStream("ch", "s")
	b.store.addStream("ch", "s")
	a.reg.AddPeer("node-b", 0)
	b.reg.AddPeer("node-a", 0)

	ctx := context.Background()
	wall := clock.NewManual()
	lc := hlc.New(wall)
	a.engine.SetLogicalClock(lc)

	e1 := domain.LogEntry{Author: "author-x", Sequence: 1, Timestamp: ts(1000), Payload: []byte("one")}
	e2 := domain.LogEntry{Author: "author-x", Sequence: 2, Timestamp: ts(2000), Payload: []byte("two")}
	if err := b.store.Append(ctx, "ch", "s", e1); err != nil {
		t.Fatal(err)
	}
	if err := b.store.Append(ctx, "ch", "s", e2); err != nil {
		t.Fatal(err)
	}

	if err := a.engine.PerformRound(ctx); err != nil {
		t.Fatalf("PerformRound: %v", err)
	}
	pump(t, a, b)

	got, err := a.store.EntriesSince(ctx, "ch", "s", domain.VersionVector{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Fatalf("a's entries = %+v, want (author-x,1) then (author-x,2)", got)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.merged) != 1 {
		t.Fatalf("on_entries_merged fired %d times, want 1", len(a.merged))
	}
	if len(a.merged[0]) != 2 {
		t.Errorf("merge callback carried %d entries, want 2", len(a.merged[0]))
	}
	if last := lc.Last(); last.PhysicalMillis < 2000 {
		t.Errorf("hybrid clock at %v, want advanced to at least t2=2000", last)
	}
	if n := a.engine.PendingDeltaCount(); n != 0 {
		t.Errorf("pending deltas = %d, want 0 after the response", n)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	a := newGossipNode(net, clk, "node-a", DefaultConfig())
	b := newGossipNode(net, clk, "node-b", DefaultConfig())
	a.store.addStream("ch", "s")
	b.store.addStream("ch", "s")
	a.reg.AddPeer("node-b", 0)
	b.reg.AddPeer("node-a", 0)

	ctx := context.Background()
	_ = b.store.Append(ctx, "ch", "s", domain.LogEntry{Author: "x", Sequence: 1, Timestamp: ts(1)})

	for round := 0; round < 3; round++ {
		if err := a.engine.PerformRound(ctx); err != nil {
			t.Fatal(err)
		}
		pump(t, a, b)
		clk.Advance(6 * time.Second) // expire single-flight state between rounds
	}

	count, _ := a.store.EntryCount(ctx, "ch", "s")
	if count != 1 {
		t.Errorf("entry count = %d after repeated sync, want 1", count)
	}
}

func TestDeltaResponseOrderedByAuthorThenSequence(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	a := newGossipNode(net, clk, "node-a", DefaultConfig())
	b := newGossipNode(net, clk, "node-b", DefaultConfig())
	b.store.addStream("ch", "s")

	ctx := context.Background()
	// Inserted out of order on purpose.
	_ = b.store.Append(ctx, "ch", "s", domain.LogEntry{Author: "zed", Sequence: 1, Timestamp: ts(5)})
	_ = b.store.Append(ctx, "ch", "s", domain.LogEntry{Author: "amy", Sequence: 2, Timestamp: ts(3)})
	_ = b.store.Append(ctx, "ch", "s", domain.LogEntry{Author: "amy", Sequence: 1, Timestamp: ts(1)})

	b.engine.HandleDeltaRequest(ctx, &wire.DeltaRequest{
		From: "node-a", Channel: "ch", Stream: "s", Since: domain.VersionVector{},
	})

	frames := a.port.Drain()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 delta response", len(frames))
	}
	msg, err := wire.Decode(frames[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	resp := msg.(*wire.DeltaResponse)
	want := []struct {
		author domain.NodeID
		seq    uint64
	}{{"amy", 1}, {"amy", 2}, {"zed", 1}}
	if len(resp.Entries) != len(want) {
		t.Fatalf("entries = %d, want %d", len(resp.Entries), len(want))
	}
	for i, w := range want {
		if resp.Entries[i].Author != w.author || resp.Entries[i].Sequence != w.seq {
			t.Errorf("entry[%d] = (%s,%d), want (%s,%d)", i, resp.Entries[i].Author, resp.Entries[i].Sequence, w.author, w.seq)
		}
	}
}

// ─── Single-Flight ──────────────────────────────────────────────────────────

func TestSingleFlightDeltaRequests(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	a := newGossipNode(net, clk, "node-a", DefaultConfig())
	bPort := net.Port("node-b")
	a.store.addStream("ch", "s")
	a.reg.AddPeer("node-b", 0)

	resp := &wire.DigestResponse{
		From: "node-b",
		Digests: []wire.ChannelDigest{{
			Channel: "ch",
			Streams: []wire.StreamDigest{{Stream: "s", Version: domain.VersionVector{"x": 5}}},
		}},
	}

	ctx := context.Background()
	a.engine.HandleDigestResponse(ctx, resp)
	a.engine.HandleDigestResponse(ctx, resp) // duplicate while in flight

	if got := len(bPort.Drain()); got != 1 {
		t.Fatalf("peer received %d delta requests, want 1 (single-flight)", got)
	}

	// Within the TTL the slot stays claimed; after it, the request is
	// considered abandoned and may be retried.
	clk.Advance(4 * time.Second)
	a.engine.HandleDigestResponse(ctx, resp)
	if got := len(bPort.Drain()); got != 0 {
		t.Fatalf("peer received %d requests inside the TTL, want 0", got)
	}
	clk.Advance(2 * time.Second)
	a.engine.HandleDigestResponse(ctx, resp)
	if got := len(bPort.Drain()); got != 1 {
		t.Fatalf("peer received %d requests after the TTL, want 1", got)
	}
}

func TestClearPendingRequestsOnDeparture(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	a := newGossipNode(net, clk, "node-a", DefaultConfig())
	bPort := net.Port("node-b")
	a.store.addStream("ch", "s")
	a.reg.AddPeer("node-b", 0)

	resp := &wire.DigestResponse{
		From: "node-b",
		Digests: []wire.ChannelDigest{{
			Channel: "ch",
			Streams: []wire.StreamDigest{{Stream: "s", Version: domain.VersionVector{"x": 5}}},
		}},
	}
	ctx := context.Background()
	a.engine.HandleDigestResponse(ctx, resp)
	bPort.Drain()

	a.engine.ClearPendingRequests("node-b")
	a.engine.HandleDigestResponse(ctx, resp)
	if got := len(bPort.Drain()); got != 1 {
		t.Fatalf("peer received %d requests after departure cleanup, want 1", got)
	}
}

func TestNoDeltaRequestWhenLocalIsAhead(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	a := newGossipNode(net, clk, "node-a", DefaultConfig())
	bPort := net.Port("node-b")
	a.store.addStream("ch", "s")
	a.reg.AddPeer("node-b", 0)

	ctx := context.Background()
	_ = a.store.Append(ctx, "ch", "s", domain.LogEntry{Author: "x", Sequence: 3, Timestamp: ts(1)})
	_ = a.store.Append(ctx, "ch", "s", domain.LogEntry{Author: "x", Sequence: 1, Timestamp: ts(1)})
	_ = a.store.Append(ctx, "ch", "s", domain.LogEntry{Author: "x", Sequence: 2, Timestamp: ts(1)})

	a.engine.HandleDigestResponse(ctx, &wire.DigestResponse{
		From: "node-b",
		Digests: []wire.ChannelDigest{{
			Channel: "ch",
			Streams: []wire.StreamDigest{{Stream: "s", Version: domain.VersionVector{"x": 2}}},
		}},
	})
	if got := len(bPort.Drain()); got != 0 {
		t.Errorf("peer received %d delta requests, want 0 (we are ahead)", got)
	}
}

func TestUnknownChannelEmitsProtocolError(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	a := newGossipNode(net, clk, "node-a", DefaultConfig())
	bPort := net.Port("node-b")
	a.reg.AddPeer("node-b", 0)

	a.engine.HandleDigestResponse(context.Background(), &wire.DigestResponse{
		From: "node-b",
		Digests: []wire.ChannelDigest{{
			Channel: "mystery",
			Streams: []wire.StreamDigest{{Stream: "s", Version: domain.VersionVector{"x": 1}}},
		}},
	})

	if got := len(bPort.Drain()); got != 0 {
		t.Errorf("peer received %d requests for an unknown channel, want 0", got)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(a.errs))
	}
	if a.errs[0].Kind != domain.ProtocolError {
		t.Errorf("error kind = %v, want PROTOCOL_ERROR", a.errs[0].Kind)
	}
	if !errors.Is(a.errs[0], domain.ErrChannelUnknown) {
		t.Errorf("error should wrap ErrChannelUnknown, got %v", a.errs[0])
	}
}

// ─── Backpressure ───────────────────────────────────────────────────────────

func TestCongestionSkip(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	a := newGossipNode(net, clk, "node-a", DefaultConfig())
	bPort := net.Port("node-b")
	cPort := net.Port("node-c")
	a.store.addStream("ch", "s")
	a.reg.AddPeer("node-b", 0)
	a.reg.AddPeer("node-c", 0)

	a.port.SetPendingSendCount("node-b", 10)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := a.engine.PerformRound(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(bPort.Drain()); got != 0 {
		t.Errorf("congested peer received %d digest requests, want 0", got)
	}
	if got := len(cPort.Drain()); got == 0 {
		t.Error("uncongested peer received no digest requests")
	}
}

func TestAllPeersCongestedSkipsRound(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	a := newGossipNode(net, clk, "node-a", DefaultConfig())
	bPort := net.Port("node-b")
	a.store.addStream("ch", "s")
	a.reg.AddPeer("node-b", 0)
	a.port.SetPendingSendCount("node-b", 4)

	if err := a.engine.PerformRound(context.Background()); err != nil {
		t.Fatalf("a fully congested round must not error, got %v", err)
	}
	if got := len(bPort.Drain()); got != 0 {
		t.Errorf("peer received %d frames, want 0", got)
	}
}

// ─── Pacing ─────────────────────────────────────────────────────────────────

func TestEffectiveGossipInterval(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()

	t.Run("static default when adaptive off", func(t *testing.T) {
		a := newGossipNode(net, clk, "n1", DefaultConfig())
		if got := a.engine.EffectiveGossipInterval(); got != DefaultGossipInterval {
			t.Errorf("interval = %v, want %v", got, DefaultGossipInterval)
		}
	})

	t.Run("override wins", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.GossipInterval = 2 * time.Second
		cfg.AdaptiveTiming = true
		a := newGossipNode(net, clk, "n2", cfg)
		if got := a.engine.EffectiveGossipInterval(); got != 2*time.Second {
			t.Errorf("interval = %v, want 2s", got)
		}
	})

	t.Run("conservative fallback without samples", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AdaptiveTiming = true
		a := newGossipNode(net, clk, "n3", cfg)
		a.reg.AddPeer("p", 0)
		if got := a.engine.EffectiveGossipInterval(); got != time.Second {
			t.Errorf("interval = %v, want the conservative 1s", got)
		}
	})

	t.Run("twice the minimum srtt", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AdaptiveTiming = true
		a := newGossipNode(net, clk, "n4", cfg)
		a.reg.AddPeer("fast", 0)
		a.reg.AddPeer("slow", 0)
		a.reg.RecordPeerRTT("fast", 150*time.Millisecond)
		a.reg.RecordPeerRTT("slow", 2*time.Second)
		if got := a.engine.EffectiveGossipInterval(); got != 300*time.Millisecond {
			t.Errorf("interval = %v, want 2×150ms (one slow peer must not dominate)", got)
		}
	})

	t.Run("clamped to bounds", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AdaptiveTiming = true
		a := newGossipNode(net, clk, "n5", cfg)
		a.reg.AddPeer("fast", 0)
		a.reg.RecordPeerRTT("fast", time.Millisecond)
		if got := a.engine.EffectiveGossipInterval(); got != cfg.MinGossipInterval {
			t.Errorf("interval = %v, want clamped to %v", got, cfg.MinGossipInterval)
		}
		a.reg.AddPeer("glacial", 0)
		a.reg.RemovePeer("fast")
		a.reg.RecordPeerRTT("glacial", time.Minute)
		if got := a.engine.EffectiveGossipInterval(); got != cfg.MaxGossipInterval {
			t.Errorf("interval = %v, want clamped to %v", got, cfg.MaxGossipInterval)
		}
	})
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestGossipStartStopIdempotent(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	a := newGossipNode(net, clk, "node-a", DefaultConfig())
	ctx := context.Background()

	a.engine.Start(ctx)
	a.engine.Start(ctx)
	if !clk.BlockUntilSleepers(1, 2*time.Second) {
		t.Fatal("gossip loop never parked on the clock")
	}
	a.engine.Stop()
	a.engine.Stop()
	if clk.PendingSleepers() != 0 {
		t.Errorf("sleepers remain after Stop: %d", clk.PendingSleepers())
	}
}
