package app

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/ethclient"

	"trade-bot-radar/internal/chainsource"
	"trade-bot-radar/internal/classifier"
	"trade-bot-radar/internal/pricefeed"
	"trade-bot-radar/internal/storage"
)

// Backfill 回放历史区块中的交易事件并重建分类状态。
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.ToBlock != 0 && opts.FromBlock > opts.ToBlock {
		return errors.New("回填范围为空，请检查 --from-block/--to-block")
	}

	var store *storage.Store
	var closeStore func()
	var err error

	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		store, closeStore, err = a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			a.Logger.Warn().Msg("database.dsn 未配置，回填结果仅保留在内存")
		}
		if closeStore != nil {
			defer closeStore()
		}
	}

	ethClient, err := ethclient.DialContext(ctx, a.Config.Ethereum.RPCURL)
	if err != nil {
		return err
	}
	defer ethClient.Close()

	ckpt, err := a.newCheckpoint(store)
	if err != nil {
		return err
	}

	history := chainsource.NewBoundedHistory(a.Config.Classifier.HistoryLimit)
	source := chainsource.NewSource(chainsource.Options{
		ContractAddress: a.Config.Ethereum.RegistryAddress,
		ChunkSize:       a.Config.Ethereum.BackfillChunk,
		RequestTimeout:  a.Config.Ethereum.RequestTimeout,
	}, ethClient, history, ckpt, a.Logger)

	toBlock := opts.ToBlock
	if toBlock == 0 {
		head, headErr := ethClient.BlockNumber(ctx)
		if headErr != nil {
			return headErr
		}
		toBlock = head
	}

	trades, err := source.Backfill(ctx, opts.FromBlock, toBlock)
	if err != nil {
		return err
	}

	// Historical trades carry no concurrent price context; reaction and
	// market-timing signals stay silent and the remaining signals decide.
	feed := pricefeed.NewFeed(pricefeed.Options{
		BufferSize: a.Config.PriceFeed.BufferSize,
		StaleAfter: a.Config.PriceFeed.StaleAfter,
	}, a.Logger)
	cls := a.newClassifier(history, feed, nil)

	processed := 0
	for _, trade := range trades {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rec := cls.Analyze(trade)
		if store != nil {
			if err := store.InsertTrade(ctx, storage.NewTradeRow(trade)); err != nil {
				a.Logger.Error().Err(err).Str("tx", trade.TxHash.Hex()).Msg("交易落库失败")
			}
			if err := store.UpsertClassification(ctx, storage.NewClassificationRow(rec)); err != nil {
				a.Logger.Error().Err(err).Str("address", rec.Address.Hex()).Msg("分类落库失败")
			}
		}
		processed++
	}

	stats := cls.Stats()
	a.Logger.Info().
		Int("trades", processed).
		Int("addresses", stats.Total).
		Int("good", stats.ByCategory[classifier.GoodBot]).
		Int("bad", stats.ByCategory[classifier.BadBot]).
		Msg("回填完成")
	return nil
}
