package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"trade-bot-radar/internal/classifier"
)

var (
	reclassifyAddress  string
	reclassifyCategory string
)

var reclassifyCmd = &cobra.Command{
	Use:   "reclassify",
	Short: "人工改判一个地址的分类并上链",
	RunE: func(cmd *cobra.Command, args []string) error {
		if reclassifyAddress == "" || reclassifyCategory == "" {
			return errors.New("--address 与 --category 必须提供")
		}

		category := classifier.Category(strings.ToUpper(reclassifyCategory))
		return getApp().Reclassify(cmd.Context(), reclassifyAddress, category)
	},
}

func init() {
	reclassifyCmd.Flags().StringVar(&reclassifyAddress, "address", "", "目标地址")
	reclassifyCmd.Flags().StringVar(&reclassifyCategory, "category", "", "目标分类 (GOOD_BOT, BAD_BOT, UNCLASSIFIED)")
}
