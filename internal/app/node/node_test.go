package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meshlog-network/meshlog/internal/domain"
	"github.com/meshlog-network/meshlog/internal/infra/clock"
	"github.com/meshlog-network/meshlog/internal/infra/sqlite"
	"github.com/meshlog-network/meshlog/internal/infra/transport"
)

type testNode struct {
	*Node
	store *sqlite.EntryStore

	mu   sync.Mutex
	errs []*domain.SyncError
}

func newTestNode(t *testing.T, net *transport.Network, clk *clock.Manual, id domain.NodeID) *testNode {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := sqlite.NewEntryStore(db)

	tn := &testNode{store: store}
	opts := DefaultOptions()
	opts.ConnectHold = 0
	opts.OnError = func(e *domain.SyncError) {
		tn.mu.Lock()
		tn.errs = append(tn.errs, e)
		tn.mu.Unlock()
	}
	tn.Node = New(domain.Identity{ID: id}, opts, store, store, net.Port(id), clk)
	return tn
}

func TestTwoNodesConverge(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	ctx := context.Background()

	a := newTestNode(t, net, clk, "node-a")
	b := newTestNode(t, net, clk, "node-b")
	for _, n := range []*testNode{a, b} {
		if err := n.store.AddStream(ctx, "ch", "main"); err != nil {
			t.Fatal(err)
		}
	}

	entry, err := a.Append(ctx, "ch", "main", []byte("hello mesh"))
	if err != nil {
		t.Fatal(err)
	}
	if entry.Sequence != 1 || entry.Author != "node-a" {
		t.Fatalf("appended entry = %+v, want (node-a, 1)", entry)
	}

	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop()
	defer b.Stop()

	if err := a.ConnectPeer(ctx, "node-b"); err != nil {
		t.Fatal(err)
	}
	if err := b.ConnectPeer(ctx, "node-a"); err != nil {
		t.Fatal(err)
	}

	// Drive the schedules until b holds a's entry.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		clk.Advance(600 * time.Millisecond)
		count, err := b.store.EntryCount(ctx, "ch", "main")
		if err != nil {
			t.Fatal(err)
		}
		if count == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := b.store.EntriesSince(ctx, "ch", "main", domain.VersionVector{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("node-b has %d entries, want 1", len(got))
	}
	if string(got[0].Payload) != "hello mesh" || got[0].Author != "node-a" {
		t.Errorf("synced entry = %+v", got[0])
	}

	// b's next local append must sort after the merged timestamp.
	next, err := b.Append(ctx, "ch", "main", []byte("reply"))
	if err != nil {
		t.Fatal(err)
	}
	if !got[0].Timestamp.Before(next.Timestamp) {
		t.Errorf("local timestamp %v not after merged %v", next.Timestamp, got[0].Timestamp)
	}
}

func TestLocalAppendSequences(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	ctx := context.Background()
	a := newTestNode(t, net, clk, "node-a")
	if err := a.store.AddStream(ctx, "ch", "main"); err != nil {
		t.Fatal(err)
	}

	for want := uint64(1); want <= 3; want++ {
		entry, err := a.Append(ctx, "ch", "main", []byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		if entry.Sequence != want {
			t.Errorf("sequence = %d, want %d", entry.Sequence, want)
		}
	}
}

func TestConnectSelfRejected(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	a := newTestNode(t, net, clk, "node-a")
	if err := a.ConnectPeer(context.Background(), "node-a"); err != domain.ErrSelfPeer {
		t.Errorf("err = %v, want ErrSelfPeer", err)
	}
}

func TestCorruptedFrameIsReportedAndDropped(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	ctx := context.Background()
	a := newTestNode(t, net, clk, "node-a")
	evil := net.Port("node-evil")

	a.Start(ctx)
	defer a.Stop()

	if err := evil.Send(ctx, "node-a", []byte{0xff, 0xfe, 0xfd}, domain.PriorityHigh); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		n := len(a.errs)
		a.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(a.errs))
	}
	if a.errs[0].Kind != domain.MessageCorrupted {
		t.Errorf("kind = %v, want MESSAGE_CORRUPTED", a.errs[0].Kind)
	}
}

func TestStopDiscardsLateFrames(t *testing.T) {
	net := transport.NewNetwork()
	clk := clock.NewManual()
	ctx := context.Background()
	a := newTestNode(t, net, clk, "node-a")
	evil := net.Port("node-evil")

	a.Start(ctx)
	a.Stop()

	if err := evil.Send(ctx, "node-a", []byte{0xff}, domain.PriorityHigh); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.errs) != 0 {
		t.Errorf("frames after Stop must be discarded, got %d errors", len(a.errs))
	}
}
