package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/meshlog-network/meshlog/internal/api"
	"github.com/meshlog-network/meshlog/internal/app/node"
	"github.com/meshlog-network/meshlog/internal/domain"
	"github.com/meshlog-network/meshlog/internal/infra/clock"
	"github.com/meshlog-network/meshlog/internal/infra/observability"
	"github.com/meshlog-network/meshlog/internal/infra/sqlite"
	"github.com/meshlog-network/meshlog/internal/infra/transport"
)

// Daemon is the long-running meshlog process: storage, UDP transport,
// sync node and HTTP API.
type Daemon struct {
	cfg  Config
	log  *logrus.Logger
	db   *sqlite.DB
	node *node.Node
	port *transport.UDPPort
	api  *api.Server
}

// New builds a daemon from configuration. Nothing is started yet.
func New(cfg Config) (*Daemon, error) {
	log := newLogger(cfg.Log)

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sqlite.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	store := sqlite.NewEntryStore(db)
	nodes := sqlite.NewNodeStore(db)

	ctx := context.Background()
	identity, err := nodes.LoadOrCreate(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.WithField("node_id", identity.ID).Info("node identity loaded")

	for _, ch := range cfg.Channels {
		for _, st := range ch.Streams {
			if err := store.AddStream(ctx, domain.ChannelID(ch.ID), domain.StreamID(st)); err != nil {
				db.Close()
				return nil, err
			}
		}
		if err := store.AddChannel(ctx, domain.ChannelID(ch.ID)); err != nil {
			db.Close()
			return nil, err
		}
	}

	udp, err := transport.NewUDPPort(cfg.Node.BindAddr)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.WithField("addr", udp.LocalAddr()).Info("transport listening")

	registry := prometheus.NewRegistry()
	metrics := observability.New(registry)

	opts := node.DefaultOptions()
	opts.Detector = cfg.DetectorConfig()
	opts.Gossip = cfg.GossipConfig()
	opts.ConnectHold = time.Duration(cfg.Detector.ConnectHoldMs) * time.Millisecond
	opts.Metrics = metrics
	opts.OnError = func(err *domain.SyncError) {
		log.WithFields(logrus.Fields{
			"kind": err.Kind.String(),
			"peer": string(err.Peer),
		}).Warn(err.Err)
	}
	opts.OnLog = func(level domain.LogLevel, msg string) {
		switch level {
		case domain.LogDebug:
			log.Debug(msg)
		case domain.LogWarn:
			log.Warn(msg)
		default:
			log.Info(msg)
		}
	}
	opts.OnMerged = func(ch domain.ChannelID, st domain.StreamID, entries []domain.LogEntry) {
		log.WithFields(logrus.Fields{
			"channel": string(ch),
			"stream":  string(st),
			"entries": len(entries),
		}).Debug("entries merged")
	}

	n := node.New(*identity, opts, store, store, udp, clock.NewSystem())

	d := &Daemon{
		cfg:  cfg,
		log:  log,
		db:   db,
		node: n,
		port: udp,
	}
	d.api = api.NewServer(n, store)
	if cfg.API.Metrics {
		d.api.EnableMetrics(registry)
	}
	return d, nil
}

// Run starts everything and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.node.Start(ctx)
	defer d.node.Stop()

	for _, p := range d.cfg.Peers {
		if err := d.port.RegisterPeer(domain.NodeID(p.ID), p.Addr); err != nil {
			d.log.WithField("peer", p.ID).Warn(err)
			continue
		}
		if err := d.node.ConnectPeer(ctx, domain.NodeID(p.ID)); err != nil {
			d.log.WithField("peer", p.ID).Warn(err)
			continue
		}
		d.log.WithFields(logrus.Fields{"peer": p.ID, "addr": p.Addr}).Info("peer configured")
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", d.cfg.API.Host, d.cfg.API.Port),
		Handler: d.api.Handler(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		d.log.WithField("addr", httpServer.Addr).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	d.log.Info("daemon stopped")
	return err
}

// Close releases the daemon's resources.
func (d *Daemon) Close() error {
	d.node.Stop()
	if err := d.port.Close(); err != nil {
		d.log.Warn(err)
	}
	return d.db.Close()
}

func newLogger(cfg LogConfig) *logrus.Logger {
	log := logrus.New()
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
