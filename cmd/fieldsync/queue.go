package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidewater/fieldsync/internal/types"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the pending-operation queue",
}

var (
	queueListEntity string
	queueListLimit  int
)

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending operations in drain order",
	RunE: func(*cobra.Command, []string) error {
		var (
			ops []*types.PendingOperation
			err error
		)
		if queueListEntity != "" {
			ops, err = syncer.PendingForEntity(rootCtx, types.EntityType(queueListEntity), queueListLimit)
		} else {
			ops, err = syncer.Pending(rootCtx, queueListLimit)
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(ops)
			return nil
		}
		if len(ops) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}
		for _, op := range ops {
			line := fmt.Sprintf("#%-6d %-12s enqueued %s attempts=%d",
				op.ID, op.EntityType, op.EnqueuedAt.Format("2006-01-02 15:04:05"), op.Attempts)
			if op.LastError != "" {
				line += "  last error: " + op.LastError
			}
			fmt.Println(line)
		}
		return nil
	},
}

var purgeOlderThan time.Duration

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed operations older than a cutoff",
	Long: `Purge removes completed queue rows older than --older-than. Pending
and failed rows are never purged; failed rows hold the error detail needed
for triage.`,
	RunE: func(*cobra.Command, []string) error {
		n, err := syncer.PurgeCompleted(rootCtx, purgeOlderThan)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(map[string]int64{"purged": n})
		} else {
			fmt.Printf("Purged %d completed operations\n", n)
		}
		return nil
	},
}

func init() {
	queueListCmd.Flags().StringVar(&queueListEntity, "entity", "", "Filter by entity type (collaborator|client|visit)")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum operations to list")
	queuePurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 7*24*time.Hour, "Age cutoff for completed operations")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePurgeCmd)
}
