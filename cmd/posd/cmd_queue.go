package main

import (
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the sync queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()

		stats, err := eng.QueueStats(cmd.Context())
		if err != nil {
			return err
		}

		cmd.Printf("Total:    %d\n", stats.Total)
		cmd.Printf("Pending:  %d\n", stats.Pending)
		cmd.Printf("Synced:   %d\n", stats.Synced)
		cmd.Printf("Failed:   %d\n", stats.Failed)
		cmd.Printf("Archived: %d\n", stats.Archived)
		if stats.Overflow {
			cmd.Println("Overflow threshold exceeded")
		}
		return nil
	},
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List permanently failed operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()

		failed, err := eng.FailedOperations(cmd.Context())
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			cmd.Println("No failed operations")
			return nil
		}

		for _, op := range failed {
			cmd.Printf("%s  %-10s  attempts=%d  created=%s\n",
				op.ID, op.Kind, op.AttemptCount, op.CreatedAt.Format(time.RFC3339))
			if op.LastError != "" {
				cmd.Printf("    last error: %s\n", op.LastError)
			}
		}
		return nil
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <operation-id>",
	Short: "Return a failed or archived operation to the pending queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()

		if err := eng.RequeueOperation(cmd.Context(), args[0]); err != nil {
			return err
		}
		cmd.Printf("Requeued %s\n", args[0])
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueRequeueCmd)
}
