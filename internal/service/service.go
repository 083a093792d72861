package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trade-bot-radar/internal/chainsource"
	"trade-bot-radar/internal/classifier"
	"trade-bot-radar/internal/config"
	"trade-bot-radar/internal/scheduler"
	"trade-bot-radar/internal/storage"
)

// PriceStream keeps the oracle feed populated while the service runs.
type PriceStream interface {
	Run(ctx context.Context) error
}

// TradeSubscriber delivers live trade events.
type TradeSubscriber interface {
	Subscribe(ctx context.Context, onTrade chainsource.OnTrade) error
}

// FlagRunner is the publish loop plus its early-flush trigger.
type FlagRunner interface {
	Run(ctx context.Context) error
	Trigger()
}

// Service wires the feed, the event source, the classifier and the
// publisher into one supervised pipeline.
type Service struct {
	stream     PriceStream
	subscriber TradeSubscriber
	classifier *classifier.Classifier
	flagger    FlagRunner
	sched      *scheduler.Scheduler
	logger     zerolog.Logger

	tradeStore storage.TradeStore
	classStore storage.ClassificationStore
	locker     storage.AdvisoryLocker
	lockKey    int64

	queueDepth int
	batchSize  int
}

// New constructs the detection service. Storage stores may be nil; the
// pipeline then runs purely in memory, mirroring how an unset DSN behaves.
func New(cfg *config.Config, stream PriceStream, subscriber TradeSubscriber, cls *classifier.Classifier, flagger FlagRunner, sched *scheduler.Scheduler, store *storage.Store, logger zerolog.Logger) *Service {
	s := &Service{
		stream:     stream,
		subscriber: subscriber,
		classifier: cls,
		flagger:    flagger,
		sched:      sched,
		logger:     logger.With().Str("component", "service").Logger(),
		queueDepth: cfg.Classifier.QueueDepth,
		batchSize:  cfg.Publisher.BatchSize,
		lockKey:    cfg.Snapshot.AdvisoryLockKey,
	}
	if store != nil {
		s.tradeStore = store
		s.classStore = store
		s.locker = store
	}
	return s
}

// Run blocks until the context is cancelled or a component fails
// terminally. The first failure tears the whole group down.
func (s *Service) Run(ctx context.Context) error {
	if s.classifier == nil {
		return fmt.Errorf("classifier not configured")
	}

	trades := make(chan chainsource.Trade, s.queueDepth)

	group, ctx := errgroup.WithContext(ctx)

	if s.stream != nil {
		group.Go(func() error { return s.stream.Run(ctx) })
	}
	if s.subscriber != nil {
		group.Go(func() error {
			return s.subscriber.Subscribe(ctx, func(trade chainsource.Trade) {
				select {
				case trades <- trade:
				case <-ctx.Done():
				}
			})
		})
	}
	group.Go(func() error { return s.analyzeLoop(ctx, trades) })
	if s.flagger != nil {
		group.Go(func() error { return s.flagger.Run(ctx) })
	}
	if s.sched != nil && s.classStore != nil {
		group.Go(func() error { return s.sched.Run(ctx, s.persistSnapshot) })
	}

	return group.Wait()
}

// analyzeLoop drains the bounded trade queue. A full queue applies
// backpressure to the subscriber instead of dropping events.
func (s *Service) analyzeLoop(ctx context.Context, trades <-chan chainsource.Trade) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trade := <-trades:
			s.handleTrade(ctx, trade)
		}
	}
}

func (s *Service) handleTrade(ctx context.Context, trade chainsource.Trade) {
	rec := s.classifier.Analyze(trade)

	if s.tradeStore != nil {
		if err := s.tradeStore.InsertTrade(ctx, storage.NewTradeRow(trade)); err != nil {
			s.logger.Error().Err(err).Str("tx", trade.TxHash.Hex()).Msg("failed to persist trade")
		}
	}
	if s.classStore != nil {
		if err := s.classStore.UpsertClassification(ctx, storage.NewClassificationRow(rec)); err != nil {
			s.logger.Error().Err(err).Str("address", rec.Address.Hex()).Msg("failed to persist classification")
		}
	}

	if s.flagger != nil && rec.PublishState == classifier.StatePending {
		if stats := s.classifier.Stats(); stats.PendingPublish >= s.batchSize {
			s.flagger.Trigger()
		}
	}
}

// persistSnapshot 将完整的分类状态落库。多副本部署时由咨询锁保证单写。
func (s *Service) persistSnapshot(ctx context.Context, at time.Time) error {
	if s.lockKey != 0 && s.locker != nil {
		unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
		if err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !acquired {
			s.logger.Debug().Time("tick", at).Msg("skip snapshot because advisory lock held elsewhere")
			return nil
		}
		defer unlock()
	}

	records := s.classifier.Snapshot()
	for _, rec := range records {
		if err := s.classStore.UpsertClassification(ctx, storage.NewClassificationRow(rec)); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	s.logger.Info().Int("records", len(records)).Time("tick", at).Msg("classification snapshot persisted")
	return nil
}
