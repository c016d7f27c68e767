package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/meshlog-network/meshlog/internal/domain"
)

func init() {
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(statusCmd)
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List known peers and their liveness state",
	RunE:  runPeers,
}

func runPeers(cmd *cobra.Command, args []string) error {
	var peers []domain.Peer
	if err := apiGet("/api/peers", &peers); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"id", "state", "failures", "last contact (ms)", "srtt", "sent", "received"})
	for _, p := range peers {
		srtt := "-"
		if p.Rtt != nil {
			srtt = p.Rtt.SmoothedRTT.Round(time.Millisecond).String()
		}
		table.Append([]string{
			string(p.ID),
			p.Status.String(),
			fmt.Sprintf("%d", p.FailedProbeCount),
			fmt.Sprintf("%d", p.LastContactMs),
			srtt,
			fmt.Sprintf("%d msgs / %d B", p.Metrics.MessagesSent, p.Metrics.BytesSent),
			fmt.Sprintf("%d msgs / %d B", p.Metrics.MessagesReceived, p.Metrics.BytesReceived),
		})
	}
	table.Render()
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running node's status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var status struct {
		NodeID        string         `json:"node_id"`
		Peers         int            `json:"peers"`
		PeersByState  map[string]int `json:"peers_by_state"`
		PendingDeltas int            `json:"pending_deltas"`
	}
	if err := apiGet("/api/status", &status); err != nil {
		return err
	}

	fmt.Printf("Node:           %s\n", status.NodeID)
	fmt.Printf("Peers:          %d\n", status.Peers)
	for state, n := range status.PeersByState {
		fmt.Printf("  %-13s %d\n", state+":", n)
	}
	fmt.Printf("Pending deltas: %d\n", status.PendingDeltas)
	return nil
}

// apiGet fetches a JSON document from the daemon API.
func apiGet(path string, v any) error {
	resp, err := http.Get(apiAddr + path)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
