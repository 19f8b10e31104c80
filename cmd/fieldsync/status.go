package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and remote endpoint health",
	RunE: func(*cobra.Command, []string) error {
		stats, err := syncer.Stats(rootCtx)
		if err != nil {
			return err
		}
		snaps := syncer.Snapshot()

		if jsonOutput {
			outputJSON(map[string]any{
				"queue":     stats,
				"endpoints": snaps,
			})
			return nil
		}

		fmt.Printf("Queue: %d pending, %d completed, %d failed\n",
			stats.Pending, stats.Completed, stats.Failed)
		if !stats.OldestPending.IsZero() {
			fmt.Printf("Oldest pending: %s\n", stats.OldestPending.Format("2006-01-02 15:04:05"))
		}
		if len(snaps) == 0 {
			fmt.Println("No remote calls made yet")
			return nil
		}
		for _, ep := range snaps {
			fmt.Printf("%-22s %-9s ok=%d fail=%d retry=%d\n",
				ep.Endpoint, ep.BreakerState, ep.Successes, ep.Failures, ep.Retries)
		}
		return nil
	},
}
