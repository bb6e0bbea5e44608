package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"whalewatch/internal/app"
)

var (
	replayFrom   string
	replayTo     string
	replayRuleID string
	replayDryRun bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-enqueue notifications for recorded alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := optionalTime("from", replayFrom)
		if err != nil {
			return err
		}
		to, err := optionalTime("to", replayTo)
		if err != nil {
			return err
		}
		if from == nil || to == nil {
			return errors.New("--from and --to must be provided")
		}

		return getApp().Replay(cmd.Context(), app.ReplayOptions{
			From:   *from,
			To:     *to,
			RuleID: replayRuleID,
			DryRun: replayDryRun,
		})
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End timestamp (RFC3339, exclusive)")
	replayCmd.Flags().StringVar(&replayRuleID, "rule", "", "Only replay alerts of this rule")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "List what would be replayed without enqueueing")
}
