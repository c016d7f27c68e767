package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Registry errors
	ErrPeerUnknown = errors.New("peer not in registry")
	ErrSelfPeer    = errors.New("cannot register the local node as a peer")

	// Sync errors
	ErrChannelUnknown = errors.New("channel not configured")
	ErrStreamUnknown  = errors.New("stream not known to channel")
	ErrEngineStopped  = errors.New("sync engine is stopped")

	// Storage errors
	ErrSequenceGap  = errors.New("entry would create a per-author sequence gap")
	ErrEmptyAuthor  = errors.New("log entry has empty author")
	ErrNodeIdentity = errors.New("local node identity not initialised")
)

// ─── Error Taxonomy ─────────────────────────────────────────────────────────

// ErrorKind classifies a recoverable sync fault for the error callback.
type ErrorKind int

const (
	// MessageCorrupted: an incoming frame failed to decode.
	MessageCorrupted ErrorKind = iota
	// PeerSendFailed: a send to the named peer failed at the message port.
	PeerSendFailed
	// ProtocolError: a semantic violation (digest for an unknown channel,
	// delta for an unknown stream).
	ProtocolError
	// TransportError: lower-level I/O failure surfaced by the port.
	TransportError
)

// String returns the taxonomy label.
func (k ErrorKind) String() string {
	switch k {
	case MessageCorrupted:
		return "MESSAGE_CORRUPTED"
	case PeerSendFailed:
		return "PEER_UNREACHABLE"
	case ProtocolError:
		return "PROTOCOL_ERROR"
	case TransportError:
		return "TRANSPORT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// SyncError is a recoverable fault reported through the error callback.
// Every fault is recovered locally: the loops that produce these keep
// running after reporting.
type SyncError struct {
	Kind ErrorKind
	Peer NodeID // the peer involved, if any
	Err  error
}

func (e *SyncError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s (peer %s): %v", e.Kind, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError builds a SyncError for the given kind.
func NewSyncError(kind ErrorKind, peer NodeID, err error) *SyncError {
	return &SyncError{Kind: kind, Peer: peer, Err: err}
}
