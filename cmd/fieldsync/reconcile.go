package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileEmail string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [id]",
	Short: "Reconcile a collaborator against the remote store",
	Long: `Reconcile fetches the collaborator from both stores, merges them
(approval never regresses, newer fields win elsewhere), persists the merged
record locally, and queues any writes the remote still needs. Identify the
collaborator by id, by --email, or both.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var id string
		if len(args) == 1 {
			id = args[0]
		}
		if id == "" && reconcileEmail == "" {
			return fmt.Errorf("provide a collaborator id or --email")
		}

		c, err := syncer.GetCollaborator(rootCtx, id, reconcileEmail)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(c)
			return nil
		}
		fmt.Printf("%s  %s <%s>\n", c.ID, c.Name, c.Email)
		if c.Approved {
			by := c.ApprovedBy
			if by == "" {
				by = "unknown"
			}
			fmt.Printf("  approved by %s", by)
			if c.ApprovedAt != nil {
				fmt.Printf(" at %s", c.ApprovedAt.Format("2006-01-02 15:04"))
			}
			fmt.Println()
		} else {
			fmt.Println("  pending approval")
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileEmail, "email", "", "Collaborator email")
}
