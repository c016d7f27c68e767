package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(appendCmd)
	appendCmd.Flags().StringP("message", "m", "", "Payload to append")
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels, streams and sync progress",
	RunE:  runChannels,
}

func runChannels(cmd *cobra.Command, args []string) error {
	var channels []struct {
		ID      string `json:"id"`
		Streams []struct {
			ID      string            `json:"id"`
			Entries int               `json:"entries"`
			Version map[string]uint64 `json:"version"`
		} `json:"streams"`
	}
	if err := apiGet("/api/channels", &channels); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"channel", "stream", "entries", "version"})
	for _, ch := range channels {
		if len(ch.Streams) == 0 {
			table.Append([]string{ch.ID, "-", "0", ""})
			continue
		}
		for _, st := range ch.Streams {
			var authors []string
			for author, seq := range st.Version {
				authors = append(authors, fmt.Sprintf("%s:%d", author, seq))
			}
			table.Append([]string{ch.ID, st.ID, fmt.Sprintf("%d", st.Entries), strings.Join(authors, " ")})
		}
	}
	table.Render()
	return nil
}

var entriesCmd = &cobra.Command{
	Use:   "entries CHANNEL STREAM",
	Short: "Print a stream's entries",
	Args:  cobra.ExactArgs(2),
	RunE:  runEntries,
}

func runEntries(cmd *cobra.Command, args []string) error {
	var entries []struct {
		Author   string `json:"author"`
		Sequence uint64 `json:"sequence"`
		Payload  string `json:"payload"`
	}
	path := fmt.Sprintf("/api/channels/%s/streams/%s/entries", args[0], args[1])
	if err := apiGet(path, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s/%d\t%s\n", e.Author, e.Sequence, e.Payload)
	}
	return nil
}

var appendCmd = &cobra.Command{
	Use:   "append CHANNEL STREAM",
	Short: "Append a local entry to a stream",
	Long:  `Append an entry authored by this node. The entry propagates to every reachable peer through gossip.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runAppend,
}

func runAppend(cmd *cobra.Command, args []string) error {
	message, _ := cmd.Flags().GetString("message")
	if message == "" {
		return fmt.Errorf("provide a payload with -m")
	}

	path := fmt.Sprintf("%s/api/channels/%s/streams/%s/entries", apiAddr, args[0], args[1])
	resp, err := http.Post(path, "application/octet-stream", bytes.NewBufferString(message))
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	var created struct {
		Author   string `json:"author"`
		Sequence uint64 `json:"sequence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return err
	}
	fmt.Printf("appended %s/%d\n", created.Author, created.Sequence)
	return nil
}
