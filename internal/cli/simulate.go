package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"trade-bot-radar/internal/app"
)

var (
	simulateAmount     string
	simulateReactionMS int
	simulateHour       int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一笔交易并输出打分结果",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAmount == "" {
			return errors.New("--amount 必须提供")
		}
		amount, err := decimal.NewFromString(simulateAmount)
		if err != nil {
			return err
		}
		if !amount.IsPositive() {
			return errors.New("--amount 必须大于 0")
		}

		opts := app.SimulateOptions{
			Amount:     amount,
			ReactionMS: simulateReactionMS,
			Hour:       simulateHour,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAmount, "amount", "", "交易金额 (十进制字符串)")
	simulateCmd.Flags().IntVar(&simulateReactionMS, "reaction-ms", -1, "距最近价格更新的毫秒数 (-1 表示无价格上下文)")
	simulateCmd.Flags().IntVar(&simulateHour, "hour", 12, "交易发生的 UTC 小时")
}
