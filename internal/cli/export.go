package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"whalewatch/internal/app"
)

var exportFlags struct {
	from, to  string
	ruleID    string
	pngPath   string
	csvPath   string
	maxPoints int
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export alert history to CSV and/or a PNG volume chart",
	Example: "  whalewatch export --csv alerts.csv\n" +
		"  whalewatch export --from 2024-04-01T00:00:00Z --png volume.png --rule 6f1c...",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := optionalTime("from", exportFlags.from)
		if err != nil {
			return err
		}
		to, err := optionalTime("to", exportFlags.to)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			From:      from,
			To:        to,
			RuleID:    exportFlags.ruleID,
			PNGPath:   exportFlags.pngPath,
			CSVPath:   exportFlags.csvPath,
			MaxPoints: exportFlags.maxPoints,
		})
	},
}

// optionalTime parses an RFC3339 flag value; empty means unset.
func optionalTime(flag, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", flag, err)
	}
	return &t, nil
}

func init() {
	f := exportCmd.Flags()
	f.StringVar(&exportFlags.from, "from", "", "起始时间 (RFC3339, 含; 默认 --to 前 30 天)")
	f.StringVar(&exportFlags.to, "to", "", "结束时间 (RFC3339, 不含; 默认当前时间)")
	f.StringVar(&exportFlags.ruleID, "rule", "", "Only export alerts of this rule")
	f.StringVar(&exportFlags.pngPath, "png", "", "Write a daily volume chart to this PNG file")
	f.StringVar(&exportFlags.csvPath, "csv", "", "Write history rows to this CSV file")
	f.IntVar(&exportFlags.maxPoints, "max-points", 0, "Cap on exported rows/points (0 uses export.max_points)")
}
