package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"trade-bot-radar/internal/chainsource"
	"trade-bot-radar/internal/pricefeed"
)

// SimulateOptions describe one synthetic trade.
type SimulateOptions struct {
	Amount     decimal.Decimal
	ReactionMS int
	Hour       int
}

// Simulate 用一笔合成交易走完打分流程，便于调参时观察信号组合。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.Hour < 0 || opts.Hour > 23 {
		return fmt.Errorf("--hour must be an hour of day")
	}

	priceTS := time.Date(2026, 1, 15, opts.Hour, 0, 0, 0, time.UTC)
	tradeTS := priceTS
	if opts.ReactionMS >= 0 {
		tradeTS = priceTS.Add(time.Duration(opts.ReactionMS) * time.Millisecond)
	}

	instrument := "SIMULATED"
	if len(a.Config.PriceFeed.Instruments) > 0 {
		instrument = a.Config.PriceFeed.Instruments[0]
	}

	feed := pricefeed.NewFeed(pricefeed.Options{
		BufferSize: a.Config.PriceFeed.BufferSize,
		StaleAfter: a.Config.PriceFeed.StaleAfter,
		Now:        func() time.Time { return tradeTS },
	}, a.Logger)
	if opts.ReactionMS >= 0 {
		feed.Append(pricefeed.PriceObservation{
			InstrumentID: instrument,
			Price:        decimal.RequireFromString("1000"),
			Conf:         decimal.RequireFromString("0.1"),
			PublishTime:  priceTS,
			ReceivedAt:   priceTS,
		})
	}

	history := chainsource.NewHistory()
	cls := a.newClassifier(history, feed, nil)

	trade := chainsource.Trade{
		Trader:         common.HexToAddress("0x0000000000000000000000000000000000000051"),
		Amount:         opts.Amount,
		BlockNumber:    1,
		LogIndex:       0,
		TxHash:         common.HexToHash("0x01"),
		ChainTimestamp: tradeTS,
		ObservedAt:     tradeTS,
	}

	rec := cls.Analyze(trade)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rec)
}
