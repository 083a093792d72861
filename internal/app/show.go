package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent classifications.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show classifications")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rows, err := store.ListClassifications(ctx, opts.Category, opts.Limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stdout, "no classifications found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Address\tScore\tCategory\tRisk\tType\tLiquidity\tSignals\tState\tClassified (UTC)")

	for _, row := range rows {
		risk := ""
		if row.RiskLevel != nil {
			risk = *row.RiskLevel
		}
		botType := ""
		if row.BotType != nil {
			botType = *row.BotType
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Address,
			row.Score,
			row.Category,
			risk,
			botType,
			row.LiquidityProvided.StringFixed(4),
			strings.Join(row.Signals, ","),
			row.PublishState,
			row.ClassifiedAt.UTC().Format(time.RFC3339),
		)
	}

	writer.Flush()
	return nil
}
