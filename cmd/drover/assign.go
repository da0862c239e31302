package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var assignCmd = &cobra.Command{
	Use:   "assign [owner/repo] [issue-id] [agent]",
	Short: "Assign an issue to an agent",
	Long:  "Assign an issue to an agent. A develop workflow starts when the agent and the issue both qualify; otherwise the decision's reason is printed.",
	Args:  cobra.ExactArgs(3),
	RunE:  runAssign,
}

func init() {
	rootCmd.AddCommand(assignCmd)
}

func runAssign(cmd *cobra.Command, args []string) error {
	payload, err := json.Marshal(map[string]any{
		"repo":  map[string]any{"fullName": args[0]},
		"issue": map[string]any{"id": args[1], "assignee": args[2]},
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(serverURL+"/api/workflows/assign", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var out struct {
		Result struct {
			Triggered  bool   `json:"triggered"`
			WorkflowID string `json:"workflowId"`
			Reason     string `json:"reason"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if out.Result.Triggered {
		fmt.Printf("Workflow %s started: %s working on %s\n", out.Result.WorkflowID, args[2], args[1])
	} else {
		fmt.Printf("Not triggered: %s\n", out.Result.Reason)
	}
	return nil
}
