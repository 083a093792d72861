package chainsource

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-bot-radar/internal/retry"
)

const (
	tradeEventABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"trader","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}],"name":"TradeExecuted","type":"event"}]`

	maxSubscribeAttempts = 5
)

var (
	tradeEventABI abi.ABI
	dec1e18       = decimal.NewFromInt(1_000_000_000_000_000_000)

	// ErrTerminalDisconnect signals that live event delivery could not be
	// restored. Silent long-term blindness to trades corrupts detection
	// accuracy, so this is surfaced to the supervisor instead of retried
	// forever.
	ErrTerminalDisconnect = errors.New("chainsource: terminal disconnect")
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(tradeEventABIJSON))
	if err != nil {
		panic("failed to parse trade event ABI: " + err.Error())
	}
	tradeEventABI = parsed
}

// Client is the slice of ethclient the source depends on.
type Client interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// OnTrade receives each newly confirmed trade exactly once, in chain order.
type OnTrade func(Trade)

// Options parameterise the event source.
type Options struct {
	ContractAddress string
	ChunkSize       uint64
	RequestTimeout  time.Duration
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	Now             func() time.Time
}

// Source produces a totally ordered, de-duplicated stream of trades, live
// and historical, backed by a shared trade history.
type Source struct {
	opts     Options
	client   Client
	history  *History
	ckpt     Checkpoint
	contract common.Address
	now      func() time.Time
	logger   zerolog.Logger

	watermark    eventKey
	hasWatermark bool
}

// NewSource constructs a chain event source.
func NewSource(opts Options, client Client, history *History, ckpt Checkpoint, logger zerolog.Logger) *Source {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 2000
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 8 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Source{
		opts:     opts,
		client:   client,
		history:  history,
		ckpt:     ckpt,
		contract: common.HexToAddress(opts.ContractAddress),
		now:      now,
		logger:   logger.With().Str("component", "chain_source").Logger(),
	}
}

// History exposes the trade log seeded by this source.
func (s *Source) History() *History {
	return s.history
}

// UserTrades returns a trader's recorded history in chain order.
func (s *Source) UserTrades(addr common.Address) []Trade {
	return s.history.UserTrades(addr)
}

func (s *Source) filterQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{{tradeEventABI.Events["TradeExecuted"].ID}},
	}
}

// Subscribe pumps live trade events into onTrade until ctx is cancelled or
// connectivity is lost beyond recovery. Redelivered events below the
// (block, logIndex) watermark are suppressed.
func (s *Source) Subscribe(ctx context.Context, onTrade OnTrade) error {
	failures := 0
	backoff := s.opts.ReconnectBase

	for {
		delivered, err := s.pump(ctx, onTrade)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			failures = 0
			backoff = s.opts.ReconnectBase
		}

		failures++
		if failures >= maxSubscribeAttempts {
			return fmt.Errorf("%w: %v", ErrTerminalDisconnect, err)
		}

		s.logger.Warn().Err(err).Int("failures", failures).Dur("backoff", backoff).Msg("event subscription dropped, reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff *= 2; backoff > s.opts.ReconnectMax {
			backoff = s.opts.ReconnectMax
		}
	}
}

// pump runs one subscription until it errors. delivered reports whether any
// event made it through, which resets the failure budget.
func (s *Source) pump(ctx context.Context, onTrade OnTrade) (bool, error) {
	logs := make(chan types.Log, 64)
	sub, err := s.client.SubscribeFilterLogs(ctx, s.filterQuery(nil, nil), logs)
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	s.logger.Info().Str("contract", s.contract.Hex()).Msg("subscribed to trade events")

	delivered := false
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case err := <-sub.Err():
			return delivered, err
		case lg := <-logs:
			trade, err := s.parseLog(lg)
			if err != nil {
				s.logger.Warn().Err(err).Uint64("block", lg.BlockNumber).Msg("skipping undecodable log")
				continue
			}
			if s.seenLive(trade) {
				continue
			}
			if s.history.Append(trade) {
				delivered = true
				onTrade(trade)
			}
		}
	}
}

// seenLive advances the live watermark, reporting true for redeliveries.
func (s *Source) seenLive(trade Trade) bool {
	key := trade.key()
	if s.hasWatermark && !s.watermark.less(key) {
		return true
	}
	s.watermark = key
	s.hasWatermark = true
	return false
}

// Backfill replays historical trade events in ascending block order. The run
// resumes from the persisted checkpoint when one covers part of the range,
// and replaying the same range twice yields identical history.
func (s *Source) Backfill(ctx context.Context, fromBlock, toBlock uint64) ([]Trade, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("backfill range inverted: %d > %d", fromBlock, toBlock)
	}

	start := fromBlock
	if s.ckpt != nil {
		last, ok, err := s.ckpt.Load()
		if err != nil {
			return nil, fmt.Errorf("load backfill checkpoint: %w", err)
		}
		if ok && last >= start {
			start = last + 1
			s.logger.Info().Uint64("resume_from", start).Msg("resuming backfill from checkpoint")
		}
	}

	var trades []Trade
	for chunkStart := start; chunkStart <= toBlock; chunkStart += s.opts.ChunkSize {
		chunkEnd := chunkStart + s.opts.ChunkSize - 1
		if chunkEnd > toBlock {
			chunkEnd = toBlock
		}

		var logs []types.Log
		err := retry.Do(ctx, retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   s.opts.ReconnectBase,
			MaxDelay:    s.opts.ReconnectMax,
			OnRetry: func(attempt int, wait time.Duration, err error) {
				s.logger.Warn().Err(err).Int("attempt", attempt).Uint64("from", chunkStart).Uint64("to", chunkEnd).Msg("backfill chunk retry")
			},
		}, func(ctx context.Context) error {
			reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
			defer cancel()
			var ferr error
			logs, ferr = s.client.FilterLogs(reqCtx, s.filterQuery(
				new(big.Int).SetUint64(chunkStart),
				new(big.Int).SetUint64(chunkEnd),
			))
			return ferr
		})
		if err != nil {
			return trades, fmt.Errorf("backfill chunk %d-%d: %w", chunkStart, chunkEnd, err)
		}

		for _, lg := range logs {
			trade, err := s.parseLog(lg)
			if err != nil {
				s.logger.Warn().Err(err).Uint64("block", lg.BlockNumber).Msg("skipping undecodable historical log")
				continue
			}
			if s.history.Append(trade) {
				trades = append(trades, trade)
			}
		}

		if s.ckpt != nil {
			if err := s.ckpt.Save(chunkEnd); err != nil {
				return trades, fmt.Errorf("save backfill checkpoint: %w", err)
			}
		}
	}

	s.logger.Info().Uint64("from", fromBlock).Uint64("to", toBlock).Int("trades", len(trades)).Msg("backfill complete")
	return trades, nil
}

func (s *Source) parseLog(lg types.Log) (Trade, error) {
	if lg.Removed {
		return Trade{}, errors.New("log removed by reorg")
	}
	if len(lg.Topics) < 2 {
		return Trade{}, errors.New("trade log missing trader topic")
	}

	outputs, err := tradeEventABI.Unpack("TradeExecuted", lg.Data)
	if err != nil {
		return Trade{}, fmt.Errorf("unpack trade event: %w", err)
	}
	if len(outputs) != 2 {
		return Trade{}, errors.New("unexpected trade event payload")
	}

	amountAtoms, ok := outputs[0].(*big.Int)
	if !ok {
		return Trade{}, errors.New("failed to decode trade amount")
	}
	ts, ok := outputs[1].(*big.Int)
	if !ok {
		return Trade{}, errors.New("failed to decode trade timestamp")
	}

	return Trade{
		Trader:         common.BytesToAddress(lg.Topics[1].Bytes()),
		Amount:         decimal.NewFromBigInt(amountAtoms, -18),
		BlockNumber:    lg.BlockNumber,
		LogIndex:       lg.Index,
		TxHash:         lg.TxHash,
		ChainTimestamp: time.Unix(ts.Int64(), 0).UTC(),
		ObservedAt:     s.now().UTC(),
	}, nil
}
