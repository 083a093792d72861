package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trade-bot-radar/internal/app"
)

var (
	showLimit    int
	showCategory string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent classifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:    showLimit,
			Category: showCategory,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of classifications to display")
	showCmd.Flags().StringVar(&showCategory, "category", "", "Filter by category (GOOD_BOT, BAD_BOT, UNCLASSIFIED)")
}
