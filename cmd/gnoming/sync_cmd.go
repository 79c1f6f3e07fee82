package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncQueue bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload the local profile to the remote store now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		queued, err := newControlClient().Sync(cmd.Context(), "out", syncQueue)
		if err != nil {
			return err
		}
		if queued {
			fmt.Println("sync queued behind a running operation")
			return nil
		}
		fmt.Println("sync complete")
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Download the remote profile and apply it locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		queued, err := newControlClient().Sync(cmd.Context(), "in", syncQueue)
		if err != nil {
			return err
		}
		if queued {
			fmt.Println("restore queued behind a running operation")
			return nil
		}
		fmt.Println("restore complete")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		status, err := newControlClient().Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%s %s (%s)\n", status.App, status.Version, status.Provider)
		fmt.Printf("  syncing:       %v", status.Sync.IsSyncing)
		if status.Sync.CurrentLabel != "" {
			fmt.Printf(" (%s)", status.Sync.CurrentLabel)
		}
		fmt.Println()
		fmt.Printf("  queue depth:   %d\n", status.Sync.QueueDepth)
		fmt.Printf("  requests:      %d pending, %d active\n", status.Sync.PendingRequests, status.Sync.ActiveRequests)
		fmt.Printf("  change token:  %v\n", status.Sync.HasChangeToken)
		fmt.Printf("  last poll:     %s\n", status.Sync.LastPollResult)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{syncCmd, restoreCmd} {
		cmd.Flags().BoolVar(&syncQueue, "queue", false, "queue behind a running sync instead of failing")
	}
}
