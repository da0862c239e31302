package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/beads"
)

// mergetoolCmd is wired into git as a custom merge driver for issue
// JSONL files:
//
//	git config merge.beads.driver "drover mergetool %O %A %B"
//
// Git passes the ancestor, current, and other versions as temp files
// and expects the result written over the current version. Exit 0
// means merged cleanly.
var mergetoolCmd = &cobra.Command{
	Use:    "mergetool [base] [ours] [theirs]",
	Short:  "Git merge driver for issue JSONL files",
	Args:   cobra.ExactArgs(3),
	Hidden: true,
	RunE:   runMergetool,
}

func init() {
	rootCmd.AddCommand(mergetoolCmd)
}

func runMergetool(cmd *cobra.Command, args []string) error {
	base, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading base: %w", err)
	}
	ours, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading ours: %w", err)
	}
	theirs, err := os.ReadFile(args[2])
	if err != nil {
		return fmt.Errorf("reading theirs: %w", err)
	}

	merged, err := beads.MergeLines(base, ours, theirs)
	if err != nil {
		return fmt.Errorf("merging: %w", err)
	}
	return os.WriteFile(args[1], merged, 0o644)
}
