// Package publisher drains pending classification decisions into the
// on-chain registry in batches. One flush may be in flight at a time;
// everything it submits is idempotent against the registry's
// upsert-by-address semantics, so a dropped transaction is simply retried
// on the next cycle.
package publisher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-bot-radar/internal/classifier"
	"trade-bot-radar/internal/registry"
)

// PendingSource supplies decisions awaiting publication and accepts
// confirmations. Implemented by the classifier.
type PendingSource interface {
	PendingSnapshot() []classifier.Record
	MarkPublished(addr common.Address, category classifier.Category)
}

// Options tune flush cadence.
type Options struct {
	FlushInterval time.Duration
	BatchSize     int
	StartupDelay  time.Duration

	// OnFlagged fires after a record is confirmed on-chain, e.g. to route
	// operator alerts for freshly flagged bad bots.
	OnFlagged func(classifier.Record)
}

// Publisher batches pending records into registry mutations.
type Publisher struct {
	opts     Options
	source   PendingSource
	registry registry.Registry
	logger   zerolog.Logger

	inFlight atomic.Bool
	kick     chan struct{}
}

// New constructs a publisher.
func New(opts Options, source PendingSource, reg registry.Registry, logger zerolog.Logger) *Publisher {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Publisher{
		opts:     opts,
		source:   source,
		registry: reg,
		logger:   logger.With().Str("component", "flag_publisher").Logger(),
		kick:     make(chan struct{}, 1),
	}
}

// Trigger requests an immediate flush, coalescing with any already queued.
// Used by the admin "flag now" action and by the batch-size threshold.
func (p *Publisher) Trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drives timer- and trigger-based flushing until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	if p.opts.StartupDelay > 0 {
		timer := time.NewTimer(p.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.kick:
		}
		p.Flush(ctx)
	}
}

// Flush commits every pending decision, one batched mutation per category.
// A call while another flush is outstanding is a no-op. Failure of one
// category's batch never rolls back the other's confirmed submission.
func (p *Publisher) Flush(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug().Msg("flush already in flight, skipping")
		return
	}
	defer p.inFlight.Store(false)

	pending := p.source.PendingSnapshot()
	if len(pending) == 0 {
		return
	}

	var good, bad, unflag []classifier.Record
	for _, rec := range pending {
		switch rec.Category {
		case classifier.GoodBot:
			good = append(good, rec)
		case classifier.BadBot:
			bad = append(bad, rec)
		case classifier.Unclassified:
			unflag = append(unflag, rec)
		}
	}

	for _, chunk := range chunks(good, p.opts.BatchSize) {
		p.flushGood(ctx, chunk)
	}
	for _, chunk := range chunks(bad, p.opts.BatchSize) {
		p.flushBad(ctx, chunk)
	}
	p.flushUnflag(ctx, unflag)
}

func chunks(records []classifier.Record, size int) [][]classifier.Record {
	if len(records) == 0 {
		return nil
	}
	var out [][]classifier.Record
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end])
	}
	return out
}

func (p *Publisher) flushGood(ctx context.Context, records []classifier.Record) {
	if len(records) == 0 {
		return
	}

	addrs := make([]common.Address, len(records))
	scores := make([]int, len(records))
	botTypes := make([]string, len(records))
	liquidity := make([]decimal.Decimal, len(records))
	for i, rec := range records {
		addrs[i] = rec.Address
		scores[i] = rec.Score
		botTypes[i] = rec.BotType
		liquidity[i] = rec.LiquidityProvided
	}

	if err := p.registry.FlagGoodBots(ctx, addrs, scores, botTypes, liquidity); err != nil {
		p.logger.Warn().Err(err).Int("batch", len(records)).Msg("good-bot batch failed, will retry")
		return
	}

	for _, rec := range records {
		p.source.MarkPublished(rec.Address, classifier.GoodBot)
		p.notifyFlagged(rec)
	}
	p.logger.Info().Int("batch", len(records)).Msg("good-bot batch published")
}

func (p *Publisher) flushBad(ctx context.Context, records []classifier.Record) {
	if len(records) == 0 {
		return
	}

	addrs := make([]common.Address, len(records))
	scores := make([]int, len(records))
	risks := make([]string, len(records))
	for i, rec := range records {
		addrs[i] = rec.Address
		scores[i] = rec.Score
		risks[i] = string(rec.RiskLevel)
	}

	if err := p.registry.FlagBadBots(ctx, addrs, scores, risks); err != nil {
		p.logger.Warn().Err(err).Int("batch", len(records)).Msg("bad-bot batch failed, will retry")
		return
	}

	for _, rec := range records {
		p.source.MarkPublished(rec.Address, classifier.BadBot)
		p.notifyFlagged(rec)
	}
	p.logger.Info().Int("batch", len(records)).Msg("bad-bot batch published")
}

func (p *Publisher) flushUnflag(ctx context.Context, records []classifier.Record) {
	for _, rec := range records {
		if err := p.registry.UnflagBot(ctx, rec.Address); err != nil {
			p.logger.Warn().Err(err).Str("address", rec.Address.Hex()).Msg("unflag failed, will retry")
			continue
		}
		p.source.MarkPublished(rec.Address, classifier.Unclassified)
	}
}

func (p *Publisher) notifyFlagged(rec classifier.Record) {
	if p.opts.OnFlagged != nil {
		p.opts.OnFlagged(rec)
	}
}
