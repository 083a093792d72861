package classifier

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-bot-radar/internal/chainsource"
	"trade-bot-radar/internal/pricefeed"
	"trade-bot-radar/internal/signal"
)

const instrument = "ETH-USD"

var fixedNow = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

type fixture struct {
	history    *chainsource.History
	feed       *pricefeed.Feed
	classifier *Classifier
}

func newFixture(t *testing.T, liquidity LiquidityLookup) *fixture {
	t.Helper()
	history := chainsource.NewHistory()
	feed := pricefeed.NewFeed(pricefeed.Options{BufferSize: 20, StaleAfter: 5 * time.Minute}, zerolog.Nop())
	c := New(Options{
		GoodBotThreshold:  40,
		BadBotThreshold:   60,
		CriticalThreshold: 85,
		HighThreshold:     70,
		HistoryLimit:      500,
		HistoryWindow:     30 * 24 * time.Hour,
		Instrument:        instrument,
		Signal:            signal.Params{OffHoursStart: 22, OffHoursEnd: 6, RegularityCeiling: 0.05},
		Liquidity:         liquidity,
		Now:               func() time.Time { return fixedNow },
	}, history, feed, zerolog.Nop())
	return &fixture{history: history, feed: feed, classifier: c}
}

func (f *fixture) addTrade(addr common.Address, amount string, block uint64, logIndex uint, ts time.Time) chainsource.Trade {
	trade := chainsource.Trade{
		Trader:         addr,
		Amount:         decimal.RequireFromString(amount),
		BlockNumber:    block,
		LogIndex:       logIndex,
		TxHash:         common.BigToHash(common.Big1),
		ChainTimestamp: ts,
		ObservedAt:     ts,
	}
	f.history.Append(trade)
	return trade
}

func (f *fixture) addPrice(ts time.Time) {
	f.feed.Append(pricefeed.PriceObservation{
		InstrumentID: instrument,
		Price:        decimal.RequireFromString("2500"),
		Conf:         decimal.RequireFromString("0.5"),
		PublishTime:  ts,
		ReceivedAt:   ts,
	})
}

func addr(n byte) common.Address {
	return common.BytesToAddress([]byte{n})
}

func TestAnalyzeBadBotCriticalScenario(t *testing.T) {
	f := newFixture(t, nil)
	trader := addr(1)

	// Price update, then a trade 50ms later: amount tiny with 8 significant
	// fractional digits, at 23:00 UTC.
	publish := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	f.addPrice(publish)
	trade := f.addTrade(trader, "0.01000001", 100, 0, publish.Add(50*time.Millisecond))

	rec := f.classifier.Analyze(trade)

	// reaction 30 + timing 15 + magnitude 20 + precision 15 + off-hours 10.
	if rec.Score != 90 {
		t.Fatalf("期望得分 90, 实际 %d (%+v)", rec.Score, rec.Signals)
	}
	if rec.Category != BadBot {
		t.Fatalf("期望 BAD_BOT, 实际 %s", rec.Category)
	}
	if rec.RiskLevel != RiskCritical {
		t.Fatalf("得分 ≥85 应为 CRITICAL, 实际 %s", rec.RiskLevel)
	}
	if rec.PublishState != StatePending {
		t.Fatalf("新决策应为 PENDING, 实际 %s", rec.PublishState)
	}
	if !f.classifier.InBadSet(trader) || f.classifier.InGoodSet(trader) {
		t.Fatal("BAD_BOT 应只出现在 bad 集合")
	}
	for _, s := range rec.Signals {
		if s.Points == 0 {
			t.Fatalf("记录不应包含未触发的信号: %+v", s)
		}
	}
}

func TestAnalyzeHumanStaysUnclassified(t *testing.T) {
	f := newFixture(t, nil)
	trader := addr(2)

	// No price context, round amount, mid-afternoon, 3 trades in the hour.
	base := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	f.addTrade(trader, "150.75", 100, 0, base.Add(-40*time.Minute))
	f.addTrade(trader, "151.20", 101, 0, base.Add(-22*time.Minute))
	trade := f.addTrade(trader, "150.75", 102, 0, base)

	rec := f.classifier.Analyze(trade)
	if rec.Score >= 40 {
		t.Fatalf("人类交易得分应低于 40, 实际 %d (%+v)", rec.Score, rec.Signals)
	}
	if rec.Category != Unclassified {
		t.Fatalf("期望 UNCLASSIFIED, 实际 %s", rec.Category)
	}
	if rec.PublishState != StatePublished {
		t.Fatal("从未上链的 UNCLASSIFIED 无需发布")
	}
	if f.classifier.InGoodSet(trader) || f.classifier.InBadSet(trader) {
		t.Fatal("UNCLASSIFIED 不应出现在任何集合")
	}
}

func TestAnalyzeGoodBotNeedsCorroboration(t *testing.T) {
	// Mid-band score with an irregular pattern and no liquidity: stays
	// UNCLASSIFIED.
	f := newFixture(t, nil)
	trader := addr(3)
	base := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)

	f.addTrade(trader, "0.12345678", 100, 0, base.Add(-50*time.Minute))
	f.addTrade(trader, "0.12345678", 101, 0, base.Add(-49*time.Minute))
	f.addTrade(trader, "0.12345678", 105, 0, base.Add(-20*time.Minute))
	trade := f.addTrade(trader, "0.12345678", 110, 0, base)

	rec := f.classifier.Analyze(trade)
	if rec.Score < 40 || rec.Score >= 60 {
		t.Fatalf("构造的得分应落在 40-59, 实际 %d (%+v)", rec.Score, rec.Signals)
	}
	if rec.Category != Unclassified {
		t.Fatalf("未经佐证的中等得分应保持 UNCLASSIFIED, 实际 %s", rec.Category)
	}
}

func TestAnalyzeGoodBotByRegularity(t *testing.T) {
	f := newFixture(t, nil)
	trader := addr(4)
	base := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)

	var trade chainsource.Trade
	for i := 0; i < 10; i++ {
		trade = f.addTrade(trader, "0.5", uint64(100+i), 0, base.Add(time.Duration(i-9)*time.Minute))
	}

	rec := f.classifier.Analyze(trade)
	if rec.Category != GoodBot {
		t.Fatalf("等间隔做市模式应判定 GOOD_BOT, 实际 %s (score %d, %+v)", rec.Category, rec.Score, rec.Signals)
	}
	if rec.BotType != BotTypeMarketMaker {
		t.Fatalf("regular 模式应标记 market_maker, 实际 %s", rec.BotType)
	}
	if !f.classifier.InGoodSet(trader) || f.classifier.InBadSet(trader) {
		t.Fatal("GOOD_BOT 应只出现在 good 集合")
	}
}

func TestAnalyzeGoodBotByLiquidity(t *testing.T) {
	liquidity := func(common.Address) decimal.Decimal { return decimal.NewFromInt(5000) }
	f := newFixture(t, liquidity)
	trader := addr(5)
	base := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)

	f.addTrade(trader, "0.12345678", 100, 0, base.Add(-50*time.Minute))
	f.addTrade(trader, "0.12345678", 101, 0, base.Add(-49*time.Minute))
	f.addTrade(trader, "0.12345678", 105, 0, base.Add(-20*time.Minute))
	trade := f.addTrade(trader, "0.12345678", 110, 0, base)

	rec := f.classifier.Analyze(trade)
	if rec.Category != GoodBot {
		t.Fatalf("提供流动性应佐证 GOOD_BOT, 实际 %s (score %d)", rec.Category, rec.Score)
	}
	if rec.BotType != BotTypeArbitrage {
		t.Fatalf("非 regular 的 good bot 应标记 arbitrage, 实际 %s", rec.BotType)
	}
	if rec.LiquidityProvided.Cmp(decimal.NewFromInt(5000)) != 0 {
		t.Fatalf("liquidity 记录错误: %s", rec.LiquidityProvided)
	}
}

func TestAnalyzeUpsertsPendingRecord(t *testing.T) {
	f := newFixture(t, nil)
	trader := addr(6)
	publish := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	f.addPrice(publish)
	trade := f.addTrade(trader, "0.01000001", 100, 0, publish.Add(50*time.Millisecond))

	first := f.classifier.Analyze(trade)
	second := f.classifier.Analyze(trade)

	if first.Score != second.Score || first.Category != second.Category {
		t.Fatalf("重复分析应得到一致结果: %+v vs %+v", first, second)
	}
	pending := f.classifier.PendingSnapshot()
	if len(pending) != 1 {
		t.Fatalf("PENDING 记录不应重复, 实际 %d 条", len(pending))
	}
}

func TestReclassifyReversibleAndExclusive(t *testing.T) {
	f := newFixture(t, nil)
	trader := addr(7)
	publish := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	f.addPrice(publish)
	trade := f.addTrade(trader, "0.01000001", 100, 0, publish.Add(50*time.Millisecond))
	f.classifier.Analyze(trade)

	if _, err := f.classifier.Reclassify(trader, GoodBot); err != nil {
		t.Fatalf("reclassify 失败: %v", err)
	}
	if !f.classifier.InGoodSet(trader) || f.classifier.InBadSet(trader) {
		t.Fatal("改判 GOOD_BOT 后应只在 good 集合")
	}

	if _, err := f.classifier.Reclassify(trader, BadBot); err != nil {
		t.Fatalf("reclassify 失败: %v", err)
	}
	if f.classifier.InGoodSet(trader) || !f.classifier.InBadSet(trader) {
		t.Fatal("改判 BAD_BOT 后应只在 bad 集合")
	}

	rec, err := f.classifier.Reclassify(trader, Unclassified)
	if err != nil {
		t.Fatalf("unflag 失败: %v", err)
	}
	if f.classifier.InGoodSet(trader) || f.classifier.InBadSet(trader) {
		t.Fatal("unflag 后应离开两个集合")
	}
	if rec.Category != Unclassified || rec.RiskLevel != RiskNone || rec.BotType != "" {
		t.Fatalf("unflag 记录不正确: %+v", rec)
	}
}

func TestReclassifyUnknownAddress(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.classifier.Reclassify(addr(99), BadBot); err == nil {
		t.Fatal("未知地址应报错")
	}
	if _, err := f.classifier.Reclassify(addr(99), Category("WEIRD")); err == nil {
		t.Fatal("非法目标类别应报错")
	}
}

func TestMarkPublishedLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	trader := addr(8)
	publish := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	f.addPrice(publish)
	trade := f.addTrade(trader, "0.01000001", 100, 0, publish.Add(50*time.Millisecond))

	f.classifier.Analyze(trade)
	f.classifier.MarkPublished(trader, BadBot)

	rec, _ := f.classifier.CurrentRecord(trader)
	if rec.PublishState != StatePublished {
		t.Fatalf("发布确认后应为 PUBLISHED, 实际 %s", rec.PublishState)
	}
	if len(f.classifier.PendingSnapshot()) != 0 {
		t.Fatal("发布后 PENDING 队列应为空")
	}

	// Unflagging a previously published bot requires another publish.
	if _, err := f.classifier.Reclassify(trader, Unclassified); err != nil {
		t.Fatalf("unflag 失败: %v", err)
	}
	rec, _ = f.classifier.CurrentRecord(trader)
	if rec.PublishState != StatePending {
		t.Fatal("已上链的 bot 被 unflag 后应重新进入 PENDING")
	}
}

func TestAnalyzeConcurrentAddresses(t *testing.T) {
	f := newFixture(t, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		trader := addr(byte(100 + i))
		trade := f.addTrade(trader, fmt.Sprintf("%d.5", i+1), uint64(200+i), 0, base)
		wg.Add(1)
		go func(tr chainsource.Trade) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				f.classifier.Analyze(tr)
			}
		}(trade)
	}
	wg.Wait()

	stats := f.classifier.Stats()
	if stats.Total != 16 {
		t.Fatalf("期望 16 条记录, 实际 %d", stats.Total)
	}
}

func TestStatsAggregation(t *testing.T) {
	f := newFixture(t, nil)
	publish := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	f.addPrice(publish)

	bad := f.addTrade(addr(10), "0.01000001", 100, 0, publish.Add(50*time.Millisecond))
	f.classifier.Analyze(bad)

	human := f.addTrade(addr(11), "150.75", 101, 0, time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC))
	f.classifier.Analyze(human)

	stats := f.classifier.Stats()
	if stats.Total != 2 {
		t.Fatalf("期望 2 条记录, 实际 %d", stats.Total)
	}
	if stats.ByCategory[BadBot] != 1 || stats.ByCategory[Unclassified] != 1 {
		t.Fatalf("分类统计不正确: %+v", stats.ByCategory)
	}
	if stats.ByRisk[RiskCritical] != 1 {
		t.Fatalf("风险统计不正确: %+v", stats.ByRisk)
	}
	if stats.PendingPublish != 1 {
		t.Fatalf("PENDING 统计不正确: %d", stats.PendingPublish)
	}
}
