package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"trade-bot-radar/internal/classifier"
)

// Reclassify 人工改判一个地址并立即上链。
func (a *App) Reclassify(ctx context.Context, address string, category classifier.Category) error {
	switch category {
	case classifier.GoodBot, classifier.BadBot, classifier.Unclassified:
	default:
		return fmt.Errorf("invalid category %q", category)
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}
	addr := common.HexToAddress(address)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot reclassify")
	}
	if closeStore != nil {
		defer closeStore()
	}

	row, err := store.GetClassification(ctx, addr.Hex())
	if err != nil {
		return fmt.Errorf("load classification: %w", err)
	}

	reg, err := a.newRegistry()
	if err != nil {
		return err
	}

	liquidity := row.LiquidityProvided
	if liquidity.IsZero() {
		liquidity = decimal.Zero
	}

	switch category {
	case classifier.GoodBot:
		botType := classifier.BotTypeArbitrage
		if row.BotType != nil && *row.BotType != "" {
			botType = *row.BotType
		}
		err = reg.FlagGoodBots(ctx, []common.Address{addr}, []int{row.Score}, []string{botType}, []decimal.Decimal{liquidity})
		row.BotType = &botType
		row.RiskLevel = nil
	case classifier.BadBot:
		risk := string(classifier.RiskMedium)
		if row.RiskLevel != nil && *row.RiskLevel != "" {
			risk = *row.RiskLevel
		}
		err = reg.FlagBadBots(ctx, []common.Address{addr}, []int{row.Score}, []string{risk})
		row.RiskLevel = &risk
		row.BotType = nil
	case classifier.Unclassified:
		err = reg.UnflagBot(ctx, addr)
		row.RiskLevel = nil
		row.BotType = nil
	}
	if err != nil {
		return fmt.Errorf("submit reclassification: %w", err)
	}

	row.Category = string(category)
	row.PublishState = string(classifier.StatePublished)
	row.ClassifiedAt = time.Now().UTC()
	if err := store.UpsertClassification(ctx, row); err != nil {
		return fmt.Errorf("persist reclassification: %w", err)
	}

	a.Logger.Info().
		Str("address", addr.Hex()).
		Str("category", string(category)).
		Msg("人工改判已生效")
	return nil
}
