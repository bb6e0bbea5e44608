package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"whalewatch/internal/app"
)

var (
	showLimit  int
	showRuleID string
	showSince  string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent whale alerts",
	Example: "  whalewatch show --limit 50\n" +
		"  whalewatch show --since 7d --rule 6f1c...",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		since, err := parseWindow(showSince)
		if err != nil {
			return err
		}

		return getApp().Show(cmd.Context(), app.ShowOptions{
			Limit:  showLimit,
			RuleID: showRuleID,
			Since:  since,
		})
	},
}

// parseWindow accepts Go durations plus a day suffix ("7d").
func parseWindow(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if days, ok := strings.CutSuffix(value, "d"); ok {
		var n int
		n, err = strconv.Atoi(days)
		d = time.Duration(n) * 24 * time.Hour
	} else {
		d, err = time.ParseDuration(value)
	}
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid --since value %q (e.g. 24h, 7d, 30d)", value)
	}
	return d, nil
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().StringVar(&showRuleID, "rule", "", "Only show alerts fired by this rule")
	showCmd.Flags().StringVar(&showSince, "since", "", "统计窗口, 如 24h/7d/30d/90d (汇总覆盖整个窗口)")
}
