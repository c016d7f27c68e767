package domain

import (
	"context"
	"time"
)

// ─── Port Interfaces ────────────────────────────────────────────────────────
// These interfaces define boundaries between the sync core and the outside
// world. Infrastructure implements them; the core depends only on them.

// Priority orders outbound frames at the message port. Probe traffic is
// High so liveness is not starved behind bulk delta transfers.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// InboundFrame is one received frame with its attributed sender.
type InboundFrame struct {
	Sender  NodeID
	Payload []byte
}

// MessagePort abstracts the transport: byte frames, priorities, async send
// and a push-based incoming stream. Implementations frame messages
// themselves (one Send is one frame on the wire).
type MessagePort interface {
	// Send queues a frame for dest. It returns once the frame is accepted
	// by the transport; delivery is best-effort.
	Send(ctx context.Context, dest NodeID, frame []byte, pri Priority) error

	// Incoming returns the stream of received frames. The channel is closed
	// by Close.
	Incoming() <-chan InboundFrame

	// PendingSendCount reports frames queued for dest but not yet handed to
	// the wire. The gossip engine consults it for backpressure.
	PendingSendCount(peer NodeID) int

	Close() error
}

// TimePort abstracts the clock: monotonic milliseconds and cancellable
// delays. Injecting it makes the probing and gossip schedules fully
// deterministic under test.
type TimePort interface {
	// NowMillis returns monotonic milliseconds since an arbitrary epoch
	// fixed for the lifetime of the port.
	NowMillis() int64

	// Sleep blocks for d or until ctx is cancelled, whichever is first.
	// It returns ctx.Err() when cancelled early.
	Sleep(ctx context.Context, d time.Duration) error
}

// ─── Storage Collaborators ──────────────────────────────────────────────────

// EntryRepository stores log entries per (channel, stream). Implementations
// guarantee gap-free, strictly increasing sequences per author within a
// stream, and idempotent appends (an existing (author, sequence) wins).
type EntryRepository interface {
	Append(ctx context.Context, ch ChannelID, st StreamID, entry LogEntry) error

	// VersionVector reports the highest stored sequence per author.
	VersionVector(ctx context.Context, ch ChannelID, st StreamID) (VersionVector, error)

	// EntriesSince returns entries not covered by since, ordered by
	// (author, sequence) ascending.
	EntriesSince(ctx context.Context, ch ChannelID, st StreamID, since VersionVector) ([]LogEntry, error)

	EntryCount(ctx context.Context, ch ChannelID, st StreamID) (int, error)
}

// ChannelCatalog is the read-only view of the channel/stream model the
// gossip engine syncs over.
type ChannelCatalog interface {
	Channels(ctx context.Context) ([]ChannelID, error)
	Streams(ctx context.Context, ch ChannelID) ([]StreamID, error)
}

// LogicalClock is an optional hybrid logical clock. When present, the
// gossip engine bumps it with each merged entry's timestamp so local
// appends stay causally ahead of everything already seen.
type LogicalClock interface {
	Now() Timestamp
	Bump(remote Timestamp)
}

// NodeRepository loads and persists the local node's identity.
type NodeRepository interface {
	Load(ctx context.Context) (*Identity, error) // nil when not yet initialised
	Save(ctx context.Context, id Identity) error
}

// ─── Observability Callbacks ────────────────────────────────────────────────
// All callbacks are optional; components must be safe to run with any or
// all of them nil.

// LogLevel grades log callback messages.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
)

// LogFunc receives diagnostic messages from the sync core.
type LogFunc func(level LogLevel, msg string)

// ErrorFunc receives recoverable sync faults.
type ErrorFunc func(err *SyncError)

// MergedFunc fires after remote entries are merged into local storage.
type MergedFunc func(ch ChannelID, st StreamID, entries []LogEntry)
