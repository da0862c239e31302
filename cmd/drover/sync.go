package main

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var syncReset bool

var syncCmd = &cobra.Command{
	Use:   "sync [owner/repo]",
	Short: "Queue an issues sync for a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncReset, "reset", false, "Reset the sync state instead of queueing work")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	path := "/api/repos/" + args[0] + "/sync/issues"
	if syncReset {
		path = "/api/repos/" + args[0] + "/sync/reset"
	}

	resp, err := http.Post(serverURL+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	if syncReset {
		fmt.Printf("Sync state for %s reset\n", args[0])
	} else {
		fmt.Printf("Issues sync queued for %s\n", args[0])
	}
	return nil
}
