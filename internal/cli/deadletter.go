package cli

import (
	"github.com/spf13/cobra"
)

var deadLetterLimit int

var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and requeue undeliverable notifications",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListDeadLetters(cmd.Context(), deadLetterLimit)
	},
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>...",
	Short: "Move dead jobs back to the ready queue with fresh attempts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RequeueDeadLetters(cmd.Context(), args)
	},
}

func init() {
	deadLetterListCmd.Flags().IntVar(&deadLetterLimit, "limit", 50, "Maximum jobs to list")
	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterRequeueCmd)
}
