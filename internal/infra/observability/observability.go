// Package observability exposes Prometheus metrics for the sync core:
// probe outcomes, peer states, gossip rounds, transport traffic and decode
// failures. A nil *Metrics is a valid no-op sink, so components never need
// to guard their instrumentation calls.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the registered metric set for one node.
type Metrics struct {
	probeRounds     prometheus.Counter
	probeFailures   prometheus.Counter
	indirectProbes  prometheus.Counter
	acksReceived    prometheus.Counter
	lateAcks        prometheus.Counter
	peerTransitions *prometheus.CounterVec
	peersByStatus   *prometheus.GaugeVec

	gossipRounds    prometheus.Counter
	congestionSkips prometheus.Counter
	deltaRequests   prometheus.Counter
	entriesMerged   prometheus.Counter

	messagesSent     *prometheus.CounterVec
	messagesReceived prometheus.Counter
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	decodeFailures   prometheus.Counter
	sendFailures     prometheus.Counter
}

// New registers the metric set with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		probeRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_probe_rounds_total",
			Help: "Probe rounds started by the failure detector.",
		}),
		probeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_probe_failures_total",
			Help: "Probe rounds that ended with no direct or indirect ack.",
		}),
		indirectProbes: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_indirect_probes_total",
			Help: "Probe rounds that escalated to indirect probing.",
		}),
		acksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_acks_received_total",
			Help: "Acks matched against a pending probe.",
		}),
		lateAcks: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_late_acks_total",
			Help: "Acks that arrived after their probe completed or was unknown.",
		}),
		peerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshlog_peer_transitions_total",
			Help: "Peer status transitions applied by the failure detector.",
		}, []string{"to"}),
		peersByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshlog_peers",
			Help: "Registered peers by current status.",
		}, []string{"status"}),
		gossipRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_gossip_rounds_total",
			Help: "Anti-entropy rounds initiated.",
		}),
		congestionSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_gossip_congestion_skips_total",
			Help: "Gossip rounds skipped because every candidate peer was congested.",
		}),
		deltaRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_delta_requests_total",
			Help: "Delta requests sent after comparing digests.",
		}),
		entriesMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_entries_merged_total",
			Help: "Remote log entries merged into local storage.",
		}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshlog_messages_sent_total",
			Help: "Protocol frames sent, by type.",
		}, []string{"type"}),
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_messages_received_total",
			Help: "Frames received from the message port.",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_bytes_sent_total",
			Help: "Total bytes handed to the message port.",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_bytes_received_total",
			Help: "Total bytes received, counted before decode.",
		}),
		decodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_decode_failures_total",
			Help: "Incoming frames dropped as corrupted.",
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshlog_send_failures_total",
			Help: "Sends rejected by the message port.",
		}),
	}
}

// ─── Failure Detector ───────────────────────────────────────────────────────

func (m *Metrics) ProbeRound() {
	if m != nil {
		m.probeRounds.Inc()
	}
}

func (m *Metrics) ProbeFailure() {
	if m != nil {
		m.probeFailures.Inc()
	}
}

func (m *Metrics) IndirectProbe() {
	if m != nil {
		m.indirectProbes.Inc()
	}
}

func (m *Metrics) AckMatched() {
	if m != nil {
		m.acksReceived.Inc()
	}
}

func (m *Metrics) LateAck() {
	if m != nil {
		m.lateAcks.Inc()
	}
}

func (m *Metrics) PeerTransition(to string) {
	if m != nil {
		m.peerTransitions.WithLabelValues(to).Inc()
	}
}

// SetPeerCount sets the meshlog_peers gauge for one status. No core
// component calls it, so the gauge holds only what a caller sets here.
func (m *Metrics) SetPeerCount(status string, n int) {
	if m != nil {
		m.peersByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// ─── Gossip ─────────────────────────────────────────────────────────────────

func (m *Metrics) GossipRound() {
	if m != nil {
		m.gossipRounds.Inc()
	}
}

func (m *Metrics) CongestionSkip() {
	if m != nil {
		m.congestionSkips.Inc()
	}
}

func (m *Metrics) DeltaRequest() {
	if m != nil {
		m.deltaRequests.Inc()
	}
}

func (m *Metrics) EntriesMerged(n int) {
	if m != nil {
		m.entriesMerged.Add(float64(n))
	}
}

// ─── Transport ──────────────────────────────────────────────────────────────

func (m *Metrics) MessageSent(frameType string, bytes int) {
	if m != nil {
		m.messagesSent.WithLabelValues(frameType).Inc()
		m.bytesSent.Add(float64(bytes))
	}
}

func (m *Metrics) MessageReceived(bytes int) {
	if m != nil {
		m.messagesReceived.Inc()
		m.bytesReceived.Add(float64(bytes))
	}
}

func (m *Metrics) DecodeFailure() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}

func (m *Metrics) SendFailure() {
	if m != nil {
		m.sendFailures.Inc()
	}
}
