package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var approvedBy string

var approveCmd = &cobra.Command{
	Use:   "approve [id]",
	Short: "Approve a collaborator, or list those awaiting approval",
	Long: `Approve marks a collaborator as approved locally and queues the
approval push. Approval is a one-way latch: once set it is never cleared,
locally or remotely. Without an id, lists collaborators awaiting approval.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if len(args) == 0 {
			pending, err := syncer.ListPendingApproval(rootCtx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(pending)
				return nil
			}
			if len(pending) == 0 {
				fmt.Println("No collaborators awaiting approval")
				return nil
			}
			for _, c := range pending {
				fmt.Printf("%s  %s <%s>\n", c.ID, c.Name, c.Email)
			}
			return nil
		}

		if err := syncer.Approve(rootCtx, args[0], approvedBy); err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(map[string]any{"id": args[0], "approved": true})
		} else {
			fmt.Printf("Approved %s\n", args[0])
		}
		return nil
	},
}

func init() {
	approveCmd.Flags().StringVar(&approvedBy, "by", "", "Name of the approver recorded on the latch")
}
