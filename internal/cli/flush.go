package cli

import (
	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Submit persisted pending decisions to the registry now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Flush(cmd.Context())
	},
}
