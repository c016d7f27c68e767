// Package cli implements the meshlog command-line interface. The daemon
// subcommand runs a node; the rest talk to a running daemon over its
// local HTTP API.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	configPath string
	apiAddr    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to config.toml")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7474", "Address of the daemon API")
}

var rootCmd = &cobra.Command{
	Use:   "meshlog",
	Short: "Peer-to-peer eventual-consistency engine",
	Long: `meshlog runs a mesh node that holds an append-only log, partitioned
into channels and streams, and keeps it in sync with every reachable
peer through pair-wise anti-entropy and SWIM-style failure detection.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".meshlog", "config.toml")
}
