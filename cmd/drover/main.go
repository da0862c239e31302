// Drover
//
// A forge-native orchestrator for coding agents: issues in git, agents
// in sandboxes, PRs reviewed and merged by policy.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - agent workflow orchestrator",
	Long: `Drover runs coding agents against forge-hosted repositories.
Issues live in the repo, agents work in sandboxes, PRs flow through
reviewer queues.

  drover serve                                   Start the server
  drover status owner/repo                       Show sync status
  drover sync owner/repo                         Queue an issues sync
  drover assign owner/repo issue-id agent        Assign an issue to an agent
  drover mergetool BASE OURS THEIRS              Git merge driver for issue files`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("DROVER_SERVER", "http://localhost:7080"), "Drover server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
