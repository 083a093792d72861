package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"trade-bot-radar/internal/chainsource"
	"trade-bot-radar/internal/classifier"
)

// TradeRow is a persisted trade observation, keyed by (block, log index).
type TradeRow struct {
	Trader         string
	Amount         decimal.Decimal
	BlockNumber    uint64
	LogIndex       uint
	TxHash         string
	ChainTimestamp time.Time
	ObservedAt     time.Time
	CreatedAt      time.Time
}

// ClassificationRow mirrors the in-memory classification record for auditing.
type ClassificationRow struct {
	Address           string
	Score             int
	Category          string
	RiskLevel         *string
	BotType           *string
	LiquidityProvided decimal.Decimal
	Signals           []string
	PublishState      string
	ClassifiedAt      time.Time
	UpdatedAt         time.Time
}

// NewTradeRow converts an observed trade for persistence.
func NewTradeRow(trade chainsource.Trade) TradeRow {
	return TradeRow{
		Trader:         trade.Trader.Hex(),
		Amount:         trade.Amount,
		BlockNumber:    trade.BlockNumber,
		LogIndex:       trade.LogIndex,
		TxHash:         trade.TxHash.Hex(),
		ChainTimestamp: trade.ChainTimestamp,
		ObservedAt:     trade.ObservedAt,
	}
}

// NewClassificationRow converts a classification record for persistence.
func NewClassificationRow(rec classifier.Record) ClassificationRow {
	row := ClassificationRow{
		Address:           rec.Address.Hex(),
		Score:             rec.Score,
		Category:          string(rec.Category),
		LiquidityProvided: rec.LiquidityProvided,
		PublishState:      string(rec.PublishState),
		ClassifiedAt:      rec.DecidedAt,
	}
	if rec.RiskLevel != classifier.RiskNone {
		risk := string(rec.RiskLevel)
		row.RiskLevel = &risk
	}
	if rec.BotType != "" {
		botType := rec.BotType
		row.BotType = &botType
	}
	for _, sig := range rec.Signals {
		row.Signals = append(row.Signals, string(sig.Name))
	}
	return row
}
