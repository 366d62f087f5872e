package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convomirror/convomirror/internal/debug"
	"github.com/convomirror/convomirror/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Runs a single synchronization cycle: scan the remote listings, fetch
anything stale, and persist it under the mirror root. With --full, every page
of every scope is visited instead of stopping at the first clean page.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		full, _ := cmd.Flags().GetBool("full")

		eng, err := buildEngine()
		if err != nil {
			return err
		}

		var lastMsg string
		eng.Subscribe(func(n engine.Notification) {
			if n.Message == "" || n.Message == lastMsg {
				return
			}
			lastMsg = n.Message
			debug.PrintNormal("%s\n", n.Message)
		})

		if err := eng.RunCycle(cmd.Context(), full); err != nil {
			return err
		}
		note := eng.Snapshot()
		if note.Status == engine.StatusIdle && !debug.IsQuiet() {
			fmt.Println("Done.")
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("full", false, "Visit every page of every scope (initial seed / explicit re-sync)")
	rootCmd.AddCommand(syncCmd)
}
