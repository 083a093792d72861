package pricefeed

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testFeed(size int) *Feed {
	return NewFeed(Options{BufferSize: size, StaleAfter: 5 * time.Minute}, zerolog.Nop())
}

func obsAt(id string, price string, publish time.Time) PriceObservation {
	return PriceObservation{
		InstrumentID: id,
		Price:        decimal.RequireFromString(price),
		Conf:         decimal.RequireFromString("0.01"),
		PublishTime:  publish,
		ReceivedAt:   publish,
	}
}

func TestFeedLatestEmpty(t *testing.T) {
	f := testFeed(4)
	if _, ok := f.Latest("ETH-USD"); ok {
		t.Fatal("空 feed 不应返回观测值")
	}
	if got := f.History("ETH-USD", 10); got != nil {
		t.Fatalf("空 feed history 应为 nil, 实际 %v", got)
	}
}

func TestFeedEvictsOldestOnOverflow(t *testing.T) {
	const capacity = 4
	f := testFeed(capacity)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < capacity*3; i++ {
		f.Append(obsAt("ETH-USD", fmt.Sprintf("%d", 1000+i), base.Add(time.Duration(i)*time.Second)))
	}

	hist := f.History("ETH-USD", capacity)
	if len(hist) != capacity {
		t.Fatalf("期望 %d 条观测, 实际 %d", capacity, len(hist))
	}

	// Exactly the most recent entries, oldest first.
	for i, obs := range hist {
		want := fmt.Sprintf("%d", 1000+capacity*3-capacity+i)
		if obs.Price.String() != want {
			t.Fatalf("位置 %d 期望价格 %s, 实际 %s", i, want, obs.Price.String())
		}
		if i > 0 && obs.PublishTime.Before(hist[i-1].PublishTime) {
			t.Fatal("history 必须按时间升序")
		}
	}

	latest, ok := f.Latest("ETH-USD")
	if !ok || latest.Price.String() != fmt.Sprintf("%d", 1000+capacity*3-1) {
		t.Fatalf("latest 应为最新观测, 实际 %v", latest.Price)
	}
}

func TestFeedHistoryLimit(t *testing.T) {
	f := testFeed(8)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		f.Append(obsAt("BTC-USD", "50000", base.Add(time.Duration(i)*time.Second)))
	}
	if got := len(f.History("BTC-USD", 3)); got != 3 {
		t.Fatalf("limit=3 期望 3 条, 实际 %d", got)
	}
	if got := len(f.History("BTC-USD", 100)); got != 6 {
		t.Fatalf("limit 超出缓冲时应返回全部 6 条, 实际 %d", got)
	}
}

func TestFeedObserveParsesRawMessage(t *testing.T) {
	f := testFeed(4)
	raw := []byte(`{"id":"ETH-USD","price":"2501.25","conf":"0.5","publish_time":1717243200}`)
	if err := f.Observe(raw); err != nil {
		t.Fatalf("合法消息不应报错: %v", err)
	}

	obs, ok := f.Latest("ETH-USD")
	if !ok {
		t.Fatal("解析后应可读取 latest")
	}
	if obs.Price.String() != "2501.25" {
		t.Fatalf("价格解析错误: %s", obs.Price.String())
	}
	if obs.PublishTime.Unix() != 1717243200 {
		t.Fatalf("publish_time 解析错误: %d", obs.PublishTime.Unix())
	}
}

func TestFeedObserveRejectsMalformed(t *testing.T) {
	f := testFeed(4)
	cases := [][]byte{
		[]byte(`not-json`),
		[]byte(`{"id":"","price":"1","conf":"1","publish_time":1}`),
		[]byte(`{"id":"X","price":"abc","conf":"1","publish_time":1}`),
		[]byte(`{"id":"X","price":"1","conf":"??","publish_time":1}`),
	}
	for _, raw := range cases {
		if err := f.Observe(raw); err == nil {
			t.Fatalf("畸形消息应报错: %s", raw)
		}
	}
	if _, ok := f.Latest("X"); ok {
		t.Fatal("畸形消息不应写入缓冲")
	}
}

func TestFeedNearestPrior(t *testing.T) {
	f := testFeed(8)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.Append(obsAt("ETH-USD", "100", base))
	f.Append(obsAt("ETH-USD", "101", base.Add(10*time.Second)))
	f.Append(obsAt("ETH-USD", "102", base.Add(20*time.Second)))

	obs, ok := f.NearestPrior("ETH-USD", base.Add(15*time.Second))
	if !ok {
		t.Fatal("应找到 15s 前的最近观测")
	}
	if obs.Price.String() != "101" {
		t.Fatalf("期望 101, 实际 %s", obs.Price.String())
	}

	// No observation at or before the timestamp: context absent,
	// never invent an ordering.
	if _, ok := f.NearestPrior("ETH-USD", base.Add(-time.Second)); ok {
		t.Fatal("时间早于全部观测时不应返回上下文")
	}

	// Stale context does not qualify.
	if _, ok := f.NearestPrior("ETH-USD", base.Add(30*time.Minute)); ok {
		t.Fatal("超过 stale_after 的观测不应作为上下文")
	}
}
