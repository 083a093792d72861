package chainsource

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

type fakeSubscription struct {
	errc chan error
}

func (s *fakeSubscription) Unsubscribe()      {}
func (s *fakeSubscription) Err() <-chan error { return s.errc }

type fakeClient struct {
	logs        []types.Log
	filterCalls int
	filterErrs  int // fail this many FilterLogs calls before succeeding

	subLogs [][]types.Log // one batch per subscription attempt
	subIdx  int
}

func (c *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.filterCalls++
	if c.filterErrs > 0 {
		c.filterErrs--
		return nil, errors.New("transient rpc failure")
	}
	from := q.FromBlock.Uint64()
	to := q.ToBlock.Uint64()
	var out []types.Log
	for _, lg := range c.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (c *fakeClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if c.subIdx >= len(c.subLogs) {
		return nil, errors.New("dial failed")
	}
	batch := c.subLogs[c.subIdx]
	c.subIdx++

	sub := &fakeSubscription{errc: make(chan error, 1)}
	go func() {
		for _, lg := range batch {
			ch <- lg
		}
		sub.errc <- errors.New("connection reset")
	}()
	return sub, nil
}

func tradeLog(t *testing.T, trader common.Address, amountWei *big.Int, block uint64, logIndex uint, ts int64) types.Log {
	t.Helper()
	data, err := tradeEventABI.Events["TradeExecuted"].Inputs.NonIndexed().Pack(amountWei, big.NewInt(ts))
	if err != nil {
		t.Fatalf("pack 事件数据失败: %v", err)
	}
	return types.Log{
		Address:     common.HexToAddress("0xFeed"),
		Topics:      []common.Hash{tradeEventABI.Events["TradeExecuted"].ID, common.BytesToHash(trader.Bytes())},
		Data:        data,
		BlockNumber: block,
		Index:       logIndex,
		TxHash:      common.BigToHash(big.NewInt(int64(block*10 + uint64(logIndex)))),
	}
}

func weiFromEth(eth int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(eth), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newTestSource(client Client, ckpt Checkpoint) *Source {
	return NewSource(Options{
		ContractAddress: "0x00000000000000000000000000000000000000AA",
		ChunkSize:       100,
		RequestTimeout:  time.Second,
		ReconnectBase:   10 * time.Millisecond,
		ReconnectMax:    20 * time.Millisecond,
	}, client, NewHistory(), ckpt, zerolog.Nop())
}

func TestBackfillIdempotentReplay(t *testing.T) {
	trader := common.HexToAddress("0x4444444444444444444444444444444444444444")
	client := &fakeClient{
		logs: []types.Log{
			tradeLog(t, trader, weiFromEth(5), 110, 0, 1717243200),
			tradeLog(t, trader, weiFromEth(7), 150, 1, 1717243260),
			tradeLog(t, trader, weiFromEth(2), 290, 0, 1717243320),
		},
	}
	src := newTestSource(client, nil)

	first, err := src.Backfill(context.Background(), 100, 300)
	if err != nil {
		t.Fatalf("回填失败: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("期望 3 条交易, 实际 %d", len(first))
	}
	if first[0].Amount.String() != "5" {
		t.Fatalf("金额换算错误: %s", first[0].Amount.String())
	}

	// Same range replayed: no new trades, history unchanged.
	second, err := src.Backfill(context.Background(), 100, 300)
	if err != nil {
		t.Fatalf("二次回填失败: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("重放不应产生新交易, 实际 %d", len(second))
	}
	if got := src.History().Count(trader); got != 3 {
		t.Fatalf("历史应保持 3 条, 实际 %d", got)
	}
}

func TestBackfillRetriesTransientErrors(t *testing.T) {
	trader := common.HexToAddress("0x5555555555555555555555555555555555555555")
	client := &fakeClient{
		logs:       []types.Log{tradeLog(t, trader, weiFromEth(1), 120, 0, 1717243200)},
		filterErrs: 2,
	}
	src := newTestSource(client, nil)

	trades, err := src.Backfill(context.Background(), 100, 199)
	if err != nil {
		t.Fatalf("瞬时错误应被重试吸收: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("期望 1 条交易, 实际 %d", len(trades))
	}
	if client.filterCalls != 3 {
		t.Fatalf("期望 3 次调用 (2 失败 + 1 成功), 实际 %d", client.filterCalls)
	}
}

func TestBackfillResumesFromCheckpoint(t *testing.T) {
	trader := common.HexToAddress("0x6666666666666666666666666666666666666666")
	client := &fakeClient{
		logs: []types.Log{
			tradeLog(t, trader, weiFromEth(1), 110, 0, 1717243200),
			tradeLog(t, trader, weiFromEth(2), 250, 0, 1717243260),
		},
	}
	ckpt, err := NewFileCheckpoint(t.TempDir() + "/resume.ckpt")
	if err != nil {
		t.Fatalf("创建 checkpoint 失败: %v", err)
	}
	if err := ckpt.Save(199); err != nil {
		t.Fatalf("预置 checkpoint 失败: %v", err)
	}

	src := newTestSource(client, ckpt)
	trades, err := src.Backfill(context.Background(), 100, 299)
	if err != nil {
		t.Fatalf("回填失败: %v", err)
	}

	// Blocks up to 199 were already processed per the checkpoint.
	if len(trades) != 1 || trades[0].BlockNumber != 250 {
		t.Fatalf("应只回填 checkpoint 之后的区块: %+v", trades)
	}

	last, ok, err := ckpt.Load()
	if err != nil || !ok || last != 299 {
		t.Fatalf("checkpoint 应推进到 299: last=%d ok=%v err=%v", last, ok, err)
	}
}

func TestSubscribeDeduplicatesRedelivery(t *testing.T) {
	trader := common.HexToAddress("0x7777777777777777777777777777777777777777")
	lg1 := tradeLog(t, trader, weiFromEth(1), 500, 0, 1717243200)
	lg2 := tradeLog(t, trader, weiFromEth(2), 501, 0, 1717243260)

	// Second subscription redelivers lg2 before the new event.
	lg3 := tradeLog(t, trader, weiFromEth(3), 502, 0, 1717243320)
	client := &fakeClient{subLogs: [][]types.Log{{lg1, lg2}, {lg2, lg3}}}

	src := newTestSource(client, nil)

	var received []Trade
	err := src.Subscribe(context.Background(), func(tr Trade) {
		received = append(received, tr)
	})
	if !errors.Is(err, ErrTerminalDisconnect) {
		t.Fatalf("耗尽重连后应返回 terminal disconnect: %v", err)
	}

	if len(received) != 3 {
		t.Fatalf("重投递应被水位线抑制, 期望 3 条, 实际 %d", len(received))
	}
	for i, want := range []uint64{500, 501, 502} {
		if received[i].BlockNumber != want {
			t.Fatalf("位置 %d 期望 block %d, 实际 %d", i, want, received[i].BlockNumber)
		}
	}
}

func TestSubscribeTerminalAfterRepeatedFailures(t *testing.T) {
	client := &fakeClient{} // every subscription attempt fails to dial
	src := newTestSource(client, nil)

	start := time.Now()
	err := src.Subscribe(context.Background(), func(Trade) {})
	if !errors.Is(err, ErrTerminalDisconnect) {
		t.Fatalf("应上报 terminal disconnect: %v", err)
	}
	// Four waits of 10/20/20/20ms before the fifth failure turns terminal.
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("重连之间应有退避等待")
	}
}
