package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 7474 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 7474)
	}
	if cfg.Node.BindAddr != ":7946" {
		t.Errorf("Node.BindAddr = %q, want %q", cfg.Node.BindAddr, ":7946")
	}
	if cfg.Detector.FailureThreshold != 3 {
		t.Errorf("Detector.FailureThreshold = %d, want 3", cfg.Detector.FailureThreshold)
	}
	if cfg.Detector.UnreachableThreshold != 9 {
		t.Errorf("Detector.UnreachableThreshold = %d, want 9", cfg.Detector.UnreachableThreshold)
	}
	if cfg.Detector.IntermediaryTimeoutMs != 200 {
		t.Errorf("Detector.IntermediaryTimeoutMs = %d, want 200", cfg.Detector.IntermediaryTimeoutMs)
	}
	if cfg.Gossip.Adaptive {
		t.Error("Gossip.Adaptive should be false by default (opt-in)")
	}
	if cfg.Gossip.PendingDeltaTTLMs != 5000 {
		t.Errorf("Gossip.PendingDeltaTTLMs = %d, want 5000", cfg.Gossip.PendingDeltaTTLMs)
	}
	if cfg.Gossip.CongestionThreshold != 3 {
		t.Errorf("Gossip.CongestionThreshold = %d, want 3", cfg.Gossip.CongestionThreshold)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 7474 {
		t.Errorf("API.Port = %d, want default 7474", cfg.API.Port)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[node]
bind_addr = ":9999"

[detector]
failure_threshold = 5
unreachable_threshold = 12
ping_timeout_ms = 750

[gossip]
interval_ms = 250
adaptive = true

[[peers]]
id = "peer-1"
addr = "10.0.0.2:7946"

[[channels]]
id = "chat"
streams = ["main", "side"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Node.BindAddr != ":9999" {
		t.Errorf("BindAddr = %q, want %q", cfg.Node.BindAddr, ":9999")
	}
	if cfg.API.Port != 7474 {
		t.Errorf("unset API.Port = %d, want default 7474", cfg.API.Port)
	}

	det := cfg.DetectorConfig()
	if det.FailureThreshold != 5 || det.UnreachableThreshold != 12 {
		t.Errorf("thresholds = (%d, %d), want (5, 12)", det.FailureThreshold, det.UnreachableThreshold)
	}
	if det.PingTimeout != 750*time.Millisecond {
		t.Errorf("PingTimeout = %v, want 750ms override", det.PingTimeout)
	}

	gos := cfg.GossipConfig()
	if gos.GossipInterval != 250*time.Millisecond {
		t.Errorf("GossipInterval = %v, want 250ms", gos.GossipInterval)
	}
	if !gos.AdaptiveTiming {
		t.Error("AdaptiveTiming should be enabled")
	}

	if len(cfg.Peers) != 1 || cfg.Peers[0].ID != "peer-1" {
		t.Errorf("Peers = %+v", cfg.Peers)
	}
	if len(cfg.Channels) != 1 || len(cfg.Channels[0].Streams) != 2 {
		t.Errorf("Channels = %+v", cfg.Channels)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero failure threshold", func(c *Config) { c.Detector.FailureThreshold = 0 }},
		{"unreachable below failure", func(c *Config) {
			c.Detector.FailureThreshold = 5
			c.Detector.UnreachableThreshold = 2
		}},
		{"zero congestion threshold", func(c *Config) { c.Gossip.CongestionThreshold = 0 }},
		{"peer without addr", func(c *Config) { c.Peers = []PeerConfig{{ID: "p"}} }},
		{"channel without id", func(c *Config) { c.Channels = []ChannelConfig{{Streams: []string{"s"}}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
