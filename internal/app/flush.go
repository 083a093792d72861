package app

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-bot-radar/internal/classifier"
	"trade-bot-radar/internal/publisher"
	"trade-bot-radar/internal/storage"
)

// Flush submits every persisted PENDING decision to the registry once.
// Intended for operators pushing a backlog without restarting the service.
func (a *App) Flush(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot flush persisted decisions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	reg, err := a.newRegistry()
	if err != nil {
		return err
	}

	source, err := newStorePendingSource(ctx, store, a.Logger)
	if err != nil {
		return err
	}
	if len(source.pending) == 0 {
		a.Logger.Info().Msg("no pending decisions to flush")
		return nil
	}

	pub := publisher.New(publisher.Options{
		FlushInterval: a.Config.Publisher.FlushInterval,
		BatchSize:     a.Config.Publisher.BatchSize,
	}, source, reg, a.Logger)

	pub.Flush(ctx)

	a.Logger.Info().
		Int("pending", len(source.pending)).
		Int("published", source.published).
		Msg("flush completed")
	if source.published < len(source.pending) {
		return errors.New("部分决策未能上链，请检查日志后重试")
	}
	return nil
}

// storePendingSource adapts persisted PENDING rows to the publisher's
// snapshot interface for one-shot flushes.
type storePendingSource struct {
	ctx       context.Context
	store     *storage.Store
	logger    zerolog.Logger
	pending   []classifier.Record
	published int
}

func newStorePendingSource(ctx context.Context, store *storage.Store, logger zerolog.Logger) (*storePendingSource, error) {
	rows, err := store.ListClassifications(ctx, "", 10000)
	if err != nil {
		return nil, err
	}

	source := &storePendingSource{ctx: ctx, store: store, logger: logger}
	for _, row := range rows {
		if row.PublishState != string(classifier.StatePending) {
			continue
		}
		source.pending = append(source.pending, recordFromRow(row))
	}
	return source, nil
}

func (s *storePendingSource) PendingSnapshot() []classifier.Record {
	out := make([]classifier.Record, len(s.pending))
	copy(out, s.pending)
	return out
}

func (s *storePendingSource) MarkPublished(addr common.Address, category classifier.Category) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.store.MarkPublished(ctx, addr.Hex(), string(category)); err != nil {
		s.logger.Error().Err(err).Str("address", addr.Hex()).Msg("failed to mark published")
		return
	}
	s.published++
}

func recordFromRow(row storage.ClassificationRow) classifier.Record {
	rec := classifier.Record{
		Address:           common.HexToAddress(row.Address),
		Score:             row.Score,
		Category:          classifier.Category(row.Category),
		LiquidityProvided: row.LiquidityProvided,
		DecidedAt:         row.ClassifiedAt,
		PublishState:      classifier.PublishState(row.PublishState),
	}
	if rec.LiquidityProvided.IsZero() {
		rec.LiquidityProvided = decimal.Zero
	}
	if row.RiskLevel != nil {
		rec.RiskLevel = classifier.RiskLevel(*row.RiskLevel)
	}
	if row.BotType != nil {
		rec.BotType = *row.BotType
	}
	if rec.Category == classifier.Unclassified {
		// A persisted PENDING unclassified row means an unflag is owed.
		rec.LastPublished = classifier.BadBot
	}
	return rec
}
