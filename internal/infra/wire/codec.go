// Package wire implements the binary sync protocol codec.
//
// Every frame is tag:u8 ∥ sender:lp_utf8 ∥ body, big-endian throughout.
// Strings are u32 length ∥ UTF-8 bytes; version vectors are u32 count ∥
// count × (lp_utf8 node_id ∥ u64 seq); payloads are u32 length ∥ bytes;
// timestamps are u64 physical_ms ∥ u32 logical. Frame boundaries are the
// transport's job — the codec sees exactly one message per buffer.
//
// Decoding is total: any unknown tag, truncation, length overflow or
// invalid UTF-8 yields ErrCorrupted, never a panic. Callers treat decode
// failure as untrusted input (count it, report it, drop it).
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/meshlog-network/meshlog/internal/domain"
)

// MessageType tags a frame.
type MessageType byte

const (
	MsgPing           MessageType = 0x10
	MsgAck            MessageType = 0x11
	MsgPingReq        MessageType = 0x12
	MsgDigestRequest  MessageType = 0x20
	MsgDigestResponse MessageType = 0x21
	MsgDeltaRequest   MessageType = 0x22
	MsgDeltaResponse  MessageType = 0x23
)

// String returns the frame tag name.
func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "PING"
	case MsgAck:
		return "ACK"
	case MsgPingReq:
		return "PING_REQ"
	case MsgDigestRequest:
		return "DIGEST_REQUEST"
	case MsgDigestResponse:
		return "DIGEST_RESPONSE"
	case MsgDeltaRequest:
		return "DELTA_REQUEST"
	case MsgDeltaResponse:
		return "DELTA_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// ErrCorrupted reports a frame that failed to decode.
var ErrCorrupted = errors.New("message corrupted")

// ─── Message Variants ───────────────────────────────────────────────────────

// Message is one decoded protocol frame. All variants carry the sender.
type Message interface {
	Type() MessageType
	Sender() domain.NodeID
}

// Ping is a direct liveness probe.
type Ping struct {
	From     domain.NodeID
	Sequence uint32
}

// Ack answers a Ping (directly or via an intermediary echo).
type Ack struct {
	From     domain.NodeID
	Sequence uint32
}

// PingReq asks an intermediary to probe Target on the requester's behalf.
type PingReq struct {
	From     domain.NodeID
	Sequence uint32
	Target   domain.NodeID
}

// StreamDigest summarises one stream as its version vector.
type StreamDigest struct {
	Stream  domain.StreamID
	Version domain.VersionVector
}

// ChannelDigest summarises every stream of one channel.
type ChannelDigest struct {
	Channel domain.ChannelID
	Streams []StreamDigest
}

// DigestRequest opens an anti-entropy round with the sender's digests.
type DigestRequest struct {
	From    domain.NodeID
	Digests []ChannelDigest
}

// DigestResponse reports the responder's own digests for the same channels.
type DigestResponse struct {
	From    domain.NodeID
	Digests []ChannelDigest
}

// DeltaRequest asks for entries the sender is missing in one stream.
type DeltaRequest struct {
	From    domain.NodeID
	Channel domain.ChannelID
	Stream  domain.StreamID
	Since   domain.VersionVector
}

// DeltaResponse carries missing entries in (author, sequence) order.
type DeltaResponse struct {
	From    domain.NodeID
	Channel domain.ChannelID
	Stream  domain.StreamID
	Entries []domain.LogEntry
}

func (m *Ping) Type() MessageType           { return MsgPing }
func (m *Ack) Type() MessageType            { return MsgAck }
func (m *PingReq) Type() MessageType        { return MsgPingReq }
func (m *DigestRequest) Type() MessageType  { return MsgDigestRequest }
func (m *DigestResponse) Type() MessageType { return MsgDigestResponse }
func (m *DeltaRequest) Type() MessageType   { return MsgDeltaRequest }
func (m *DeltaResponse) Type() MessageType  { return MsgDeltaResponse }

func (m *Ping) Sender() domain.NodeID           { return m.From }
func (m *Ack) Sender() domain.NodeID            { return m.From }
func (m *PingReq) Sender() domain.NodeID        { return m.From }
func (m *DigestRequest) Sender() domain.NodeID  { return m.From }
func (m *DigestResponse) Sender() domain.NodeID { return m.From }
func (m *DeltaRequest) Sender() domain.NodeID   { return m.From }
func (m *DeltaResponse) Sender() domain.NodeID  { return m.From }

// ─── Encoding ───────────────────────────────────────────────────────────────

// Encode serialises a message into one wire frame.
func Encode(msg Message) []byte {
	w := &frameWriter{}
	w.u8(byte(msg.Type()))
	w.str(string(msg.Sender()))

	switch m := msg.(type) {
	case *Ping:
		w.u32(m.Sequence)
	case *Ack:
		w.u32(m.Sequence)
	case *PingReq:
		w.u32(m.Sequence)
		w.str(string(m.Target))
	case *DigestRequest:
		w.digests(m.Digests)
	case *DigestResponse:
		w.digests(m.Digests)
	case *DeltaRequest:
		w.str(string(m.Channel))
		w.str(string(m.Stream))
		w.versionVector(m.Since)
	case *DeltaResponse:
		w.str(string(m.Channel))
		w.str(string(m.Stream))
		w.u32(uint32(len(m.Entries)))
		for _, e := range m.Entries {
			w.entry(e)
		}
	}
	return w.buf.Bytes()
}

type frameWriter struct {
	buf bytes.Buffer
}

func (w *frameWriter) u8(v byte)   { w.buf.WriteByte(v) }
func (w *frameWriter) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}
func (w *frameWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}
func (w *frameWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}
func (w *frameWriter) blob(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

// versionVector writes authors in sorted order so equal vectors encode to
// equal bytes.
func (w *frameWriter) versionVector(vv domain.VersionVector) {
	authors := make([]domain.NodeID, 0, len(vv))
	for a := range vv {
		authors = append(authors, a)
	}
	sort.Slice(authors, func(i, j int) bool { return authors[i] < authors[j] })

	w.u32(uint32(len(authors)))
	for _, a := range authors {
		w.str(string(a))
		w.u64(vv[a])
	}
}

func (w *frameWriter) digests(digests []ChannelDigest) {
	w.u32(uint32(len(digests)))
	for _, d := range digests {
		w.str(string(d.Channel))
		w.u32(uint32(len(d.Streams)))
		for _, s := range d.Streams {
			w.str(string(s.Stream))
			w.versionVector(s.Version)
		}
	}
}

func (w *frameWriter) entry(e domain.LogEntry) {
	w.str(string(e.Author))
	w.u64(e.Sequence)
	w.u64(uint64(e.Timestamp.PhysicalMillis))
	w.u32(e.Timestamp.Logical)
	w.blob(e.Payload)
}

// ─── Decoding ───────────────────────────────────────────────────────────────

// Decode parses one wire frame. Any malformed input returns an error
// wrapping ErrCorrupted.
func Decode(frame []byte) (Message, error) {
	r := &frameReader{buf: frame}

	tag := MessageType(r.u8())
	sender := domain.NodeID(r.str())

	var msg Message
	switch tag {
	case MsgPing:
		msg = &Ping{From: sender, Sequence: r.u32()}
	case MsgAck:
		msg = &Ack{From: sender, Sequence: r.u32()}
	case MsgPingReq:
		msg = &PingReq{From: sender, Sequence: r.u32(), Target: domain.NodeID(r.str())}
	case MsgDigestRequest:
		msg = &DigestRequest{From: sender, Digests: r.digests()}
	case MsgDigestResponse:
		msg = &DigestResponse{From: sender, Digests: r.digests()}
	case MsgDeltaRequest:
		msg = &DeltaRequest{
			From:    sender,
			Channel: domain.ChannelID(r.str()),
			Stream:  domain.StreamID(r.str()),
			Since:   r.versionVector(),
		}
	case MsgDeltaResponse:
		m := &DeltaResponse{
			From:    sender,
			Channel: domain.ChannelID(r.str()),
			Stream:  domain.StreamID(r.str()),
		}
		n := r.u32()
		for i := uint32(0); i < n && r.err == nil; i++ {
			m.Entries = append(m.Entries, r.entry())
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrCorrupted, byte(tag))
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(r.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupted, len(r.buf)-r.off)
	}
	if !sender.Valid() {
		return nil, fmt.Errorf("%w: empty sender", ErrCorrupted)
	}
	return msg, nil
}

type frameReader struct {
	buf []byte
	off int
	err error
}

func (r *frameReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrCorrupted}, args...)...)
	}
}

func (r *frameReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.fail("truncated at offset %d (need %d bytes)", r.off, n)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *frameReader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *frameReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *frameReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *frameReader) str() string {
	n := r.u32()
	if r.err != nil {
		return ""
	}
	if int64(n) > int64(len(r.buf)-r.off) {
		r.fail("string length %d overflows frame", n)
		return ""
	}
	b := r.take(int(n))
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail("invalid UTF-8 string")
		return ""
	}
	return string(b)
}

func (r *frameReader) blob() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if int64(n) > int64(len(r.buf)-r.off) {
		r.fail("payload length %d overflows frame", n)
		return nil
	}
	if n == 0 {
		return nil
	}
	b := r.take(int(n))
	if r.err != nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *frameReader) versionVector() domain.VersionVector {
	n := r.u32()
	vv := make(domain.VersionVector)
	for i := uint32(0); i < n && r.err == nil; i++ {
		author := domain.NodeID(r.str())
		seq := r.u64()
		if r.err == nil {
			if !author.Valid() {
				r.fail("empty author in version vector")
				return nil
			}
			vv[author] = seq
		}
	}
	return vv
}

func (r *frameReader) digests() []ChannelDigest {
	n := r.u32()
	var out []ChannelDigest
	for i := uint32(0); i < n && r.err == nil; i++ {
		d := ChannelDigest{Channel: domain.ChannelID(r.str())}
		streams := r.u32()
		for j := uint32(0); j < streams && r.err == nil; j++ {
			d.Streams = append(d.Streams, StreamDigest{
				Stream:  domain.StreamID(r.str()),
				Version: r.versionVector(),
			})
		}
		out = append(out, d)
	}
	return out
}

func (r *frameReader) entry() domain.LogEntry {
	e := domain.LogEntry{
		Author:   domain.NodeID(r.str()),
		Sequence: r.u64(),
	}
	e.Timestamp.PhysicalMillis = int64(r.u64())
	e.Timestamp.Logical = r.u32()
	e.Payload = r.blob()
	if r.err == nil && !e.Author.Valid() {
		r.fail("empty entry author")
	}
	return e
}
