// Package daemon loads configuration and runs the meshlog node: storage,
// transport, sync core and the local HTTP API under one lifecycle.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meshlog-network/meshlog/internal/infra/detector"
	"github.com/meshlog-network/meshlog/internal/infra/gossip"
)

// Config is the on-disk TOML configuration (~/.meshlog/config.toml).
type Config struct {
	Node     NodeConfig      `toml:"node"`
	API      APIConfig       `toml:"api"`
	Detector DetectorConfig  `toml:"detector"`
	Gossip   GossipConfig    `toml:"gossip"`
	Log      LogConfig       `toml:"log"`
	Peers    []PeerConfig    `toml:"peers"`
	Channels []ChannelConfig `toml:"channels"`
}

// NodeConfig holds identity and transport settings.
type NodeConfig struct {
	DataDir  string `toml:"data_dir"`  // database and state directory
	BindAddr string `toml:"bind_addr"` // UDP listen address
}

// APIConfig holds the local HTTP API settings.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"` // expose /metrics (Prometheus)
}

// DetectorConfig mirrors the failure detector options. A zero
// ping_timeout_ms or probe_interval_ms means "adapt from RTT"; a zero
// intermediary_timeout_ms or metrics_window_ms keeps the detector default.
type DetectorConfig struct {
	FailureThreshold      uint32 `toml:"failure_threshold"`
	UnreachableThreshold  uint32 `toml:"unreachable_threshold"`
	PingTimeoutMs         int64  `toml:"ping_timeout_ms"`
	ProbeIntervalMs       int64  `toml:"probe_interval_ms"`
	IntermediaryTimeoutMs int64  `toml:"intermediary_timeout_ms"`
	MetricsWindowMs       int64  `toml:"metrics_window_ms"`
	ConnectHoldMs         int64  `toml:"connect_hold_ms"`
}

// GossipConfig mirrors the gossip engine options.
type GossipConfig struct {
	IntervalMs          int64 `toml:"interval_ms"` // 0 = default / adaptive
	Adaptive            bool  `toml:"adaptive"`
	PendingDeltaTTLMs   int64 `toml:"pending_delta_ttl_ms"`
	CongestionThreshold int   `toml:"congestion_threshold"`
	MaxDeltaBytes       int   `toml:"max_delta_bytes"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	Level  string `toml:"level"`  // debug | info | warn | error
	Format string `toml:"format"` // text | json
}

// PeerConfig is a statically configured peer.
type PeerConfig struct {
	ID   string `toml:"id"`
	Addr string `toml:"addr"`
}

// ChannelConfig declares a channel and its streams.
type ChannelConfig struct {
	ID      string   `toml:"id"`
	Streams []string `toml:"streams"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Node: NodeConfig{
			DataDir:  filepath.Join(home, ".meshlog"),
			BindAddr: ":7946",
		},
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    7474,
			Metrics: true,
		},
		Detector: DetectorConfig{
			FailureThreshold:      3,
			UnreachableThreshold:  9,
			IntermediaryTimeoutMs: 200,
			MetricsWindowMs:       10_000,
			ConnectHoldMs:         3_000,
		},
		Gossip: GossipConfig{
			Adaptive:            false,
			PendingDeltaTTLMs:   5_000,
			CongestionThreshold: 3,
			MaxDeltaBytes:       60_000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads the TOML file at path, layered over the defaults. A
// missing file is not an error — defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Detector.FailureThreshold == 0 {
		return fmt.Errorf("detector.failure_threshold must be at least 1")
	}
	if c.Detector.UnreachableThreshold < c.Detector.FailureThreshold {
		return fmt.Errorf("detector.unreachable_threshold must not be below failure_threshold")
	}
	if c.Gossip.CongestionThreshold < 1 {
		return fmt.Errorf("gossip.congestion_threshold must be at least 1")
	}
	for _, p := range c.Peers {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("peer entries need both id and addr")
		}
	}
	for _, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channel entries need an id")
		}
	}
	return nil
}

// DetectorConfig converts the file form into the detector's runtime form.
func (c Config) DetectorConfig() detector.Config {
	out := detector.DefaultConfig()
	out.FailureThreshold = c.Detector.FailureThreshold
	out.UnreachableThreshold = c.Detector.UnreachableThreshold
	out.PingTimeout = time.Duration(c.Detector.PingTimeoutMs) * time.Millisecond
	out.ProbeInterval = time.Duration(c.Detector.ProbeIntervalMs) * time.Millisecond
	if c.Detector.IntermediaryTimeoutMs > 0 {
		out.IntermediaryTimeout = time.Duration(c.Detector.IntermediaryTimeoutMs) * time.Millisecond
	}
	if c.Detector.MetricsWindowMs > 0 {
		out.MetricsWindowMs = c.Detector.MetricsWindowMs
	}
	return out
}

// GossipConfig converts the file form into the gossip engine's runtime
// form.
func (c Config) GossipConfig() gossip.Config {
	out := gossip.DefaultConfig()
	out.GossipInterval = time.Duration(c.Gossip.IntervalMs) * time.Millisecond
	out.AdaptiveTiming = c.Gossip.Adaptive
	if c.Gossip.PendingDeltaTTLMs > 0 {
		out.PendingDeltaTTL = time.Duration(c.Gossip.PendingDeltaTTLMs) * time.Millisecond
	}
	if c.Gossip.CongestionThreshold > 0 {
		out.PeerCongestionThreshold = c.Gossip.CongestionThreshold
	}
	if c.Gossip.MaxDeltaBytes > 0 {
		out.MaxDeltaBytes = c.Gossip.MaxDeltaBytes
	}
	return out
}

// DatabasePath returns the SQLite file location.
func (c Config) DatabasePath() string {
	return filepath.Join(c.Node.DataDir, "meshlog.db")
}
