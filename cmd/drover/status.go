package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [owner/repo]",
	Short: "Show a repository's sync status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/repos/" + args[0] + "/status")
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var status struct {
		Repo       string `json:"repo"`
		IssueCount int    `json:"issueCount"`
		Milestones int    `json:"milestones"`
		SyncStatus struct {
			State       string     `json:"state"`
			ErrorCount  int        `json:"errorCount"`
			LastSuccess *time.Time `json:"lastSuccess"`
			LastSHA     string     `json:"lastSHA"`
			RecentSyncs []struct {
				Source    string    `json:"source"`
				Action    string    `json:"action"`
				Timestamp time.Time `json:"timestamp"`
			} `json:"recentSyncs"`
		} `json:"syncStatus"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Repo:       %s\n", status.Repo)
	fmt.Printf("Issues:     %d\n", status.IssueCount)
	fmt.Printf("Milestones: %d\n", status.Milestones)
	fmt.Printf("State:      %s\n", status.SyncStatus.State)
	if status.SyncStatus.ErrorCount > 0 {
		fmt.Printf("Errors:     %d\n", status.SyncStatus.ErrorCount)
	}
	if status.SyncStatus.LastSuccess != nil {
		fmt.Printf("Last sync:  %s\n", status.SyncStatus.LastSuccess.Local().Format(time.RFC822))
	}
	if status.SyncStatus.LastSHA != "" {
		fmt.Printf("Last SHA:   %s\n", status.SyncStatus.LastSHA)
	}
	if len(status.SyncStatus.RecentSyncs) > 0 {
		fmt.Println("Recent:")
		for _, e := range status.SyncStatus.RecentSyncs {
			fmt.Printf("  %s  %-18s %s\n", e.Timestamp.Local().Format("15:04:05"), e.Source, e.Action)
		}
	}
	return nil
}
