package signal

import (
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"trade-bot-radar/internal/chainsource"
	"trade-bot-radar/internal/pricefeed"
)

var testParams = Params{OffHoursStart: 22, OffHoursEnd: 6, RegularityCeiling: 0.05}

func tradeWith(amount string, ts time.Time) chainsource.Trade {
	return chainsource.Trade{
		Trader:         common.HexToAddress("0x1234567890123456789012345678901234567890"),
		Amount:         decimal.RequireFromString(amount),
		ChainTimestamp: ts,
		ObservedAt:     ts,
	}
}

func priceAt(ts time.Time) pricefeed.PriceObservation {
	return pricefeed.PriceObservation{
		InstrumentID: "ETH-USD",
		Price:        decimal.RequireFromString("2500"),
		Conf:         decimal.RequireFromString("0.5"),
		PublishTime:  ts,
	}
}

func TestReactionBuckets(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		delay      time.Duration
		points     int
		timing     string
	}{
		{50 * time.Millisecond, 30, TimingImmediate},
		{99 * time.Millisecond, 30, TimingImmediate},
		{300 * time.Millisecond, 20, TimingFast},
		{800 * time.Millisecond, 10, TimingNormal},
		{2 * time.Second, 0, TimingNormal},
	}
	for _, tc := range cases {
		res, timing := Reaction(tradeWith("1", base.Add(tc.delay)), priceAt(base), true)
		if res.Points != tc.points {
			t.Fatalf("延迟 %v 期望 %d 分, 实际 %d", tc.delay, tc.points, res.Points)
		}
		if timing != tc.timing {
			t.Fatalf("延迟 %v 期望 timing %q, 实际 %q", tc.delay, tc.timing, timing)
		}
	}
}

func TestReactionAbsentContext(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	res, timing := Reaction(tradeWith("1", base), pricefeed.PriceObservation{}, false)
	if res.Points != 0 || timing != TimingNormal {
		t.Fatalf("无上下文应得 0 分: %+v", res)
	}

	// Price published after the trade: context must never be invented.
	res, _ = Reaction(tradeWith("1", base), priceAt(base.Add(time.Second)), true)
	if res.Points != 0 {
		t.Fatalf("价格晚于交易时应得 0 分: %+v", res)
	}
}

func TestFrequencyWindow(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	trade := tradeWith("1", base)

	mkHistory := func(n int, spacing time.Duration) []chainsource.Trade {
		out := make([]chainsource.Trade, 0, n)
		for i := n - 1; i >= 0; i-- {
			out = append(out, tradeWith("1", base.Add(-time.Duration(i)*spacing)))
		}
		return out
	}

	cases := []struct {
		history []chainsource.Trade
		points  int
	}{
		{mkHistory(3, time.Minute), 0},
		{mkHistory(25, time.Minute), 5},
		{mkHistory(60, 30 * time.Second), 15},
		{mkHistory(120, 20 * time.Second), 25},
		// Old trades outside the trailing hour do not count.
		{mkHistory(120, 10 * time.Minute), 0},
	}
	for i, tc := range cases {
		if got := Frequency(trade, tc.history); got.Points != tc.points {
			t.Fatalf("case %d 期望 %d 分, 实际 %d (%s)", i, tc.points, got.Points, got.Rationale)
		}
	}
}

func TestMagnitudeAndPrecision(t *testing.T) {
	cases := []struct {
		amount    string
		magnitude int
		precision int
	}{
		{"0.01", 20, 0},
		{"0.12345678", 20, 15},
		{"5.12345", 10, 8},
		{"150.75", 0, 0},
		{"9.999999", 10, 8},
		{"0.5000000", 20, 0}, // trailing zeros are not significant
	}
	for _, tc := range cases {
		amount := decimal.RequireFromString(tc.amount)
		if got := Magnitude(amount); got.Points != tc.magnitude {
			t.Fatalf("金额 %s 期望 magnitude %d, 实际 %d", tc.amount, tc.magnitude, got.Points)
		}
		if got := Precision(amount); got.Points != tc.precision {
			t.Fatalf("金额 %s 期望 precision %d, 实际 %d", tc.amount, tc.precision, got.Points)
		}
	}
}

func TestHourOfDayWrappingWindow(t *testing.T) {
	mk := func(hour int) time.Time {
		return time.Date(2025, 6, 1, hour, 30, 0, 0, time.UTC)
	}
	for _, hour := range []int{22, 23, 0, 3, 6} {
		if got := HourOfDay(mk(hour), 22, 6); got.Points != 10 {
			t.Fatalf("小时 %d 应在 off-hours 窗口内", hour)
		}
	}
	for _, hour := range []int{7, 12, 14, 21} {
		if got := HourOfDay(mk(hour), 22, 6); got.Points != 0 {
			t.Fatalf("小时 %d 不应在 off-hours 窗口内", hour)
		}
	}
	// Non-wrapping window.
	if got := HourOfDay(mk(3), 0, 6); got.Points != 10 {
		t.Fatal("非跨午夜窗口判断错误")
	}
	if got := HourOfDay(mk(8), 0, 6); got.Points != 0 {
		t.Fatal("非跨午夜窗口判断错误")
	}
}

func TestRegularity(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	regular := make([]chainsource.Trade, 0, 10)
	for i := 0; i < 10; i++ {
		regular = append(regular, tradeWith("1", base.Add(time.Duration(i)*time.Minute)))
	}
	res, isRegular := Regularity(regular, 0.05)
	if !isRegular || res.Points != regularityBonus {
		t.Fatalf("等间隔交易应判定为 regular: %+v", res)
	}

	irregular := []chainsource.Trade{
		tradeWith("1", base),
		tradeWith("1", base.Add(time.Minute)),
		tradeWith("1", base.Add(30*time.Minute)),
		tradeWith("1", base.Add(31*time.Minute)),
		tradeWith("1", base.Add(5*time.Hour)),
	}
	res, isRegular = Regularity(irregular, 0.05)
	if isRegular || res.Points != 0 {
		t.Fatalf("不规则交易不应得分: %+v", res)
	}

	// Too little history to judge.
	if _, isRegular := Regularity(regular[:2], 0.05); isRegular {
		t.Fatal("两条交易不足以判定 regular")
	}
}

func TestCoverage(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	allHours := make([]chainsource.Trade, 0, 24)
	for h := 0; h < 24; h++ {
		allHours = append(allHours, tradeWith("1", base.Add(time.Duration(h)*time.Hour)))
	}
	if got := Coverage(allHours); got.Points != coverageBonus {
		t.Fatalf("24 小时全覆盖应得 bonus: %+v", got)
	}
	if got := Coverage(allHours[:8]); got.Points != 0 {
		t.Fatalf("局部覆盖不应得分: %+v", got)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	base := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	trade := tradeWith("0.01234567", base.Add(50*time.Millisecond))
	history := []chainsource.Trade{tradeWith("0.01", base.Add(-time.Minute)), trade}
	price := priceAt(base)

	first := Evaluate(testParams, trade, history, price, true)
	for i := 0; i < 5; i++ {
		again := Evaluate(testParams, trade, history, price, true)
		if again.Score != first.Score || !reflect.DeepEqual(again.Signals, first.Signals) {
			t.Fatalf("相同输入应得到完全一致的结果: %+v vs %+v", first, again)
		}
	}
}

func TestEvaluateRetainsOnlyFiredSignals(t *testing.T) {
	base := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	trade := tradeWith("150.75", base)

	eval := Evaluate(testParams, trade, []chainsource.Trade{trade}, pricefeed.PriceObservation{}, false)
	if eval.Score >= 40 {
		t.Fatalf("无信号交易得分应低于 40: %d", eval.Score)
	}
	for _, s := range eval.Signals {
		if s.Points == 0 {
			t.Fatalf("未触发的信号不应保留: %+v", s)
		}
	}
}

func TestEvaluateHighScoreScenario(t *testing.T) {
	// Trade 50ms after a price update, amount 0.01234568 (8 fractional
	// digits), at 23:00 UTC: reaction 30 + timing 15 + magnitude 20 +
	// precision 15 + off-hours 10 = 90.
	base := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	trade := tradeWith("0.01234568", base.Add(50*time.Millisecond))

	eval := Evaluate(testParams, trade, []chainsource.Trade{trade}, priceAt(base), true)
	if eval.Score != 90 {
		t.Fatalf("期望得分 90, 实际 %d (%+v)", eval.Score, eval.Signals)
	}
	if eval.Timing != TimingImmediate {
		t.Fatalf("期望 immediate timing, 实际 %s", eval.Timing)
	}
}
