package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trade-bot-radar/internal/app"
)

var (
	backfillFromBlock uint64
	backfillToBlock   uint64
	backfillDryRun    bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Replay historical trade events and rebuild classifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillToBlock != 0 && backfillFromBlock > backfillToBlock {
			return fmt.Errorf("--from-block must not exceed --to-block")
		}

		opts := app.BackfillOptions{
			FromBlock: backfillFromBlock,
			ToBlock:   backfillToBlock,
			DryRun:    backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().Uint64Var(&backfillFromBlock, "from-block", 0, "Start block (inclusive, 0 resumes from checkpoint)")
	backfillCmd.Flags().Uint64Var(&backfillToBlock, "to-block", 0, "End block (inclusive, 0 means chain head)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
}
