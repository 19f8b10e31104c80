package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var drainOnce bool

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Push queued operations to the remote store",
	Long: `Drain runs the background pusher. By default it loops until
interrupted, waking on the configured interval. With --once it performs a
single cycle and exits, which suits cron-style scheduling.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if drainOnce {
			if err := syncer.DrainOnce(rootCtx); err != nil {
				return err
			}
			stats, err := syncer.Stats(rootCtx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(stats)
			} else {
				fmt.Printf("Drained. %d pending, %d completed, %d failed\n",
					stats.Pending, stats.Completed, stats.Failed)
			}
			return nil
		}
		logger.Info().Msg("drainer running, Ctrl-C to stop")
		return syncer.Drain(rootCtx)
	},
}

func init() {
	drainCmd.Flags().BoolVar(&drainOnce, "once", false, "Run a single drain cycle and exit")
}
