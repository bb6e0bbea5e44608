package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"whalewatch/internal/app"
)

var (
	simulateRate    float64
	simulateDeliver bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-event <payload.json>",
	Short: "把一个 chainhook payload 文件送入告警流水线",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRate < 0 {
			return errors.New("--rate 不能为负数")
		}
		return getApp().SimulateEvent(cmd.Context(), app.SimulateOptions{
			Path:    args[0],
			Rate:    decimal.NewFromFloat(simulateRate),
			Deliver: simulateDeliver,
		})
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateRate, "rate", 0, "固定 BTC/USD 价格（0 表示查询配置的价格源）")
	simulateCmd.Flags().BoolVar(&simulateDeliver, "deliver", false, "通过已配置的通道实际发送通知")
}
