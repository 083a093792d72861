package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-bot-radar/internal/alerting"
	"trade-bot-radar/internal/chainsource"
	"trade-bot-radar/internal/classifier"
	"trade-bot-radar/internal/config"
	"trade-bot-radar/internal/pricefeed"
	"trade-bot-radar/internal/publisher"
	"trade-bot-radar/internal/registry"
	"trade-bot-radar/internal/scheduler"
	"trade-bot-radar/internal/service"
	sig "trade-bot-radar/internal/signal"
	"trade-bot-radar/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newRegistry() (*registry.Client, error) {
	return registry.NewClient(registry.Options{
		RPCURL:          a.Config.Ethereum.RPCURL,
		ContractAddress: a.Config.Ethereum.RegistryAddress,
		AnalyzerKey:     a.Config.Ethereum.AnalyzerKey,
		ChainID:         a.Config.Ethereum.ChainID,
		Timeout:         a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
}

func (a *App) newClassifier(history *chainsource.History, feed *pricefeed.Feed, liquidity classifier.LiquidityLookup) *classifier.Classifier {
	cls := a.Config.Classifier
	instrument := ""
	if len(a.Config.PriceFeed.Instruments) > 0 {
		instrument = a.Config.PriceFeed.Instruments[0]
	}
	return classifier.New(classifier.Options{
		GoodBotThreshold:  cls.GoodBotThreshold,
		BadBotThreshold:   cls.BadBotThreshold,
		CriticalThreshold: cls.CriticalThreshold,
		HighThreshold:     cls.HighThreshold,
		HistoryLimit:      cls.HistoryLimit,
		HistoryWindow:     cls.HistoryWindow,
		Instrument:        instrument,
		Signal: sig.Params{
			OffHoursStart:     cls.OffHoursStart,
			OffHoursEnd:       cls.OffHoursEnd,
			RegularityCeiling: cls.RegularityCeiling,
		},
		Liquidity: liquidity,
	}, history, feed, a.Logger)
}

// liquidityLookup corroborates good-bot candidates against the registry's
// on-chain record of provided liquidity. Lookup errors count as zero.
func (a *App) liquidityLookup(reg *registry.Client) classifier.LiquidityLookup {
	timeout := a.Config.Ethereum.RequestTimeout
	return func(addr common.Address) decimal.Decimal {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		info, err := reg.GetBotInfo(ctx, addr)
		if err != nil {
			return decimal.Zero
		}
		return info.Liquidity
	}
}

func (a *App) newDispatcher() *alerting.Dispatcher {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	tg := a.Config.Alerting.Telegram
	notifier := alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger)
	return alerting.NewDispatcher(notifier, a.Config.Alerting.MinRisk, a.Config.Alerting.Cooldown, a.Logger)
}

// Run executes the long-running detection service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	reg, err := a.newRegistry()
	if err != nil {
		return err
	}

	feed := pricefeed.NewFeed(pricefeed.Options{
		BufferSize: a.Config.PriceFeed.BufferSize,
		StaleAfter: a.Config.PriceFeed.StaleAfter,
	}, a.Logger)
	stream := pricefeed.NewStream(pricefeed.StreamOptions{
		URL:         a.Config.PriceFeed.WSURL,
		Instruments: a.Config.PriceFeed.Instruments,
		DialTimeout: a.Config.PriceFeed.RequestTimeout,
	}, feed, a.Logger)

	ethClient, err := ethclient.DialContext(ctx, a.Config.Ethereum.WSURL)
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

	cls := a.newClassifier(history, feed, a.liquidityLookup(reg))

	dispatcher := a.newDispatcher()
	var onFlagged func(classifier.Record)
	if dispatcher != nil {
		onFlagged = func(rec classifier.Record) {
			noteCtx, noteCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer noteCancel()
			dispatcher.Dispatch(noteCtx, flagNotification(rec))
		}
	}

	pub := publisher.New(publisher.Options{
		FlushInterval: a.Config.Publisher.FlushInterval,
		BatchSize:     a.Config.Publisher.BatchSize,
		StartupDelay:  a.Config.Publisher.StartupDelay,
		OnFlagged:     onFlagged,
	}, cls, reg, a.Logger)

	var sched *scheduler.Scheduler
	if store != nil {
		sched = scheduler.New(scheduler.Options{
			Interval:     a.Config.Snapshot.Interval,
			AlignToStart: a.Config.Snapshot.AlignToStart,
			StartupDelay: a.Config.Snapshot.StartupDelay,
		}, a.Logger)
	}

	svc := service.New(a.Config, stream, source, cls, pub, sched, store, a.Logger)

	a.Logger.Info().Msg("starting detection service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("detection service stopped")
	return nil
}

func flagNotification(rec classifier.Record) alerting.Notification {
	note := alerting.Notification{
		Address:   rec.Address.Hex(),
		Category:  string(rec.Category),
		Score:     rec.Score,
		RiskLevel: string(rec.RiskLevel),
		BotType:   rec.BotType,
		Liquidity: rec.LiquidityProvided,
		FlaggedAt: rec.DecidedAt,
	}
	for _, sig := range rec.Signals {
		note.Signals = append(note.Signals, string(sig.Name))
	}
	return note
}

// ExportOptions hold parameters for exporting classification state.
type ExportOptions struct {
	Category  string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit    int
	Category string
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	FromBlock uint64
	ToBlock   uint64
	DryRun    bool
}
