// Package api provides the local HTTP interface to a running meshlog
// node: status, peers, channels, entries and Prometheus metrics. It binds
// to loopback by default — it is an operator surface, not a mesh surface.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshlog-network/meshlog/internal/app/node"
	"github.com/meshlog-network/meshlog/internal/domain"
	"github.com/meshlog-network/meshlog/internal/infra/sqlite"
)

// Server is the meshlog HTTP API server.
type Server struct {
	node    *node.Node
	store   *sqlite.EntryStore
	metrics prometheus.Gatherer // nil when /metrics is disabled
}

// NewServer creates an API server over a running node.
func NewServer(n *node.Node, store *sqlite.EntryStore) *Server {
	return &Server{node: n, store: store}
}

// EnableMetrics exposes the /metrics Prometheus endpoint for reg.
func (s *Server) EnableMetrics(reg prometheus.Gatherer) { s.metrics = reg }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/peers", s.handlePeers)
		r.Get("/channels", s.handleChannels)
		r.Get("/channels/{channel}/streams/{stream}/entries", s.handleListEntries)
		r.Post("/channels/{channel}/streams/{stream}/entries", s.handleAppendEntry)
	})

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
	return r
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	peers := s.node.Registry().AllPeers()
	counts := map[string]int{}
	for _, p := range peers {
		counts[p.Status.String()]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        s.node.ID(),
		"peers":          len(peers),
		"peers_by_state": counts,
		"pending_deltas": s.node.Gossip().PendingDeltaCount(),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Registry().AllPeers())
}

type channelView struct {
	ID      domain.ChannelID `json:"id"`
	Streams []streamView     `json:"streams"`
}

type streamView struct {
	ID      domain.StreamID      `json:"id"`
	Entries int                  `json:"entries"`
	Version domain.VersionVector `json:"version"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channels, err := s.store.Channels(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		view := channelView{ID: ch, Streams: []streamView{}}
		streams, err := s.store.Streams(ctx, ch)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, st := range streams {
			count, err := s.store.EntryCount(ctx, ch, st)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			vv, err := s.store.VersionVector(ctx, ch, st)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			view.Streams = append(view.Streams, streamView{ID: st, Entries: count, Version: vv})
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	ch := domain.ChannelID(chi.URLParam(r, "channel"))
	st := domain.StreamID(chi.URLParam(r, "stream"))

	entries, err := s.store.EntriesSince(r.Context(), ch, st, domain.VersionVector{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type entryView struct {
		Author    domain.NodeID    `json:"author"`
		Sequence  uint64           `json:"sequence"`
		Timestamp domain.Timestamp `json:"timestamp"`
		Payload   string           `json:"payload"`
	}
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView{
			Author:    e.Author,
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp,
			Payload:   string(e.Payload),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAppendEntry(w http.ResponseWriter, r *http.Request) {
	ch := domain.ChannelID(chi.URLParam(r, "channel"))
	st := domain.StreamID(chi.URLParam(r, "stream"))

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := s.node.Append(r.Context(), ch, st, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"author":   entry.Author,
		"sequence": entry.Sequence,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
