package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"whalewatch/internal/app"
	"whalewatch/internal/storage"
)

var (
	ruleInput     app.RuleInput
	ruleThreshold string
	listUser      string
	listState     string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage alert rules",
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an alert rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, err := decimal.NewFromString(ruleThreshold)
		if err != nil {
			return fmt.Errorf("invalid --threshold value: %w", err)
		}
		ruleInput.ThresholdBTC = threshold

		rule, err := getApp().AddRule(cmd.Context(), ruleInput)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), rule.ID)
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alert rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch storage.RuleState(listState) {
		case "", storage.RuleActive, storage.RulePaused:
		default:
			return fmt.Errorf("--state must be active or paused")
		}
		return getApp().ListRules(cmd.Context(), listUser, storage.RuleState(listState))
	},
}

var rulesPauseCmd = &cobra.Command{
	Use:   "pause <rule-id>",
	Short: "Stop a rule from matching",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetRuleState(cmd.Context(), args[0], storage.RulePaused)
	},
}

var rulesResumeCmd = &cobra.Command{
	Use:   "resume <rule-id>",
	Short: "Resume a paused rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetRuleState(cmd.Context(), args[0], storage.RuleActive)
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <rule-id>",
	Short: "Delete a rule, keeping its alert history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().DeleteRule(cmd.Context(), args[0])
	},
}

func init() {
	f := rulesAddCmd.Flags()
	f.StringVar(&ruleInput.UserID, "user", "", "Owning user id")
	f.StringVar(&ruleInput.Name, "name", "", "Human-readable label")
	f.StringVar(&ruleThreshold, "threshold", "", "Minimum transfer size in BTC")
	f.StringSliceVar(&ruleInput.Addresses, "address", nil, "Only alert on these addresses (repeatable)")
	f.StringSliceVar(&ruleInput.Channels, "channel", []string{"email"}, "Notification channels: email, telegram")
	f.StringVar(&ruleInput.Email, "email", "", "Recipient email, overrides notify.default_email")
	f.StringVar(&ruleInput.TelegramChatID, "telegram-chat", "", "Telegram chat id, overrides notify.default_chat_id")
	f.BoolVar(&ruleInput.IncludeMetadata, "metadata", false, "Include block and price details in alerts")
	f.BoolVar(&ruleInput.Paused, "paused", false, "Create the rule paused")
	_ = rulesAddCmd.MarkFlagRequired("user")
	_ = rulesAddCmd.MarkFlagRequired("name")
	_ = rulesAddCmd.MarkFlagRequired("threshold")

	rulesListCmd.Flags().StringVar(&listUser, "user", "", "Filter by owner")
	rulesListCmd.Flags().StringVar(&listState, "state", "", "Filter by state (active, paused)")

	rulesCmd.AddCommand(rulesAddCmd, rulesListCmd, rulesPauseCmd, rulesResumeCmd, rulesDeleteCmd)
}
