// Package signal holds the pure behavioural scoring functions. Every
// function is deterministic in its inputs and safe to call concurrently;
// the wall clock never enters except as an explicit argument.
package signal

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trade-bot-radar/internal/chainsource"
	"trade-bot-radar/internal/pricefeed"
)

// Name identifies a behavioural signal.
type Name string

const (
	ReactionTime      Name = "reaction_time"
	TradingFrequency  Name = "trading_frequency"
	AmountMagnitude   Name = "amount_magnitude"
	AmountPrecision   Name = "amount_precision"
	OffHours          Name = "off_hours"
	MarketTiming      Name = "market_timing"
	PatternRegularity Name = "pattern_regularity"
	RoundTheClock     Name = "round_the_clock"
)

// Timing tags qualify how fast a trade followed its price context.
const (
	TimingImmediate = "immediate"
	TimingFast      = "fast"
	TimingNormal    = "normal"
)

// Result is one computed signal. Stateless, recomputed per analysis.
type Result struct {
	Name      Name   `json:"name"`
	Points    int    `json:"points"`
	Rationale string `json:"rationale"`
}

// Params tune the boundary behaviour that is policy rather than rule.
type Params struct {
	OffHoursStart     int
	OffHoursEnd       int
	RegularityCeiling float64
}

// Evaluation aggregates all signals for one trade.
type Evaluation struct {
	Score   int
	Signals []Result
	Timing  string
	Regular bool
}

const (
	regularityBonus = 10
	coverageBonus   = 10
	coverageMinimum = 20
	maxScore        = 100
)

// Evaluate runs every signal against a trade, its history window, and the
// concurrent price context, returning the clamped aggregate. Only signals
// that fired are retained, in evaluation order.
func Evaluate(p Params, trade chainsource.Trade, history []chainsource.Trade, price pricefeed.PriceObservation, havePrice bool) Evaluation {
	reaction, timing := Reaction(trade, price, havePrice)
	results := []Result{
		reaction,
		Frequency(trade, history),
		Magnitude(trade.Amount),
		Precision(trade.Amount),
		HourOfDay(trade.ChainTimestamp, p.OffHoursStart, p.OffHoursEnd),
		Timing(timing),
	}

	regularityResult, regular := Regularity(history, p.RegularityCeiling)
	results = append(results, regularityResult, Coverage(history))

	total := 0
	fired := make([]Result, 0, len(results))
	for _, r := range results {
		total += r.Points
		if r.Points > 0 {
			fired = append(fired, r)
		}
	}
	if total > maxScore {
		total = maxScore
	}

	return Evaluation{Score: total, Signals: fired, Timing: timing, Regular: regular}
}

// Reaction scores the delay between the nearest prior price observation and
// the trade's chain timestamp. An absent or stale context scores zero: a
// misleading reaction time is worse than none.
func Reaction(trade chainsource.Trade, price pricefeed.PriceObservation, havePrice bool) (Result, string) {
	if !havePrice {
		return Result{Name: ReactionTime, Rationale: "no reliable price context"}, TimingNormal
	}

	delta := trade.ChainTimestamp.Sub(price.PublishTime)
	if delta < 0 {
		return Result{Name: ReactionTime, Rationale: "no reliable price context"}, TimingNormal
	}

	points := 0
	timing := TimingNormal
	switch {
	case delta < 100*time.Millisecond:
		points = 30
		timing = TimingImmediate
	case delta < 500*time.Millisecond:
		points = 20
		timing = TimingFast
	case delta < time.Second:
		points = 10
	}

	return Result{
		Name:      ReactionTime,
		Points:    points,
		Rationale: fmt.Sprintf("traded %s after price update", delta),
	}, timing
}

// Frequency scores trades within the trailing hour ending at the trade's
// chain timestamp, including the trade itself.
func Frequency(trade chainsource.Trade, history []chainsource.Trade) Result {
	cutoff := trade.ChainTimestamp.Add(-time.Hour)
	count := 0
	for _, t := range history {
		if !t.ChainTimestamp.Before(cutoff) && !t.ChainTimestamp.After(trade.ChainTimestamp) {
			count++
		}
	}

	points := 0
	switch {
	case count > 100:
		points = 25
	case count > 50:
		points = 15
	case count > 20:
		points = 5
	}
	return Result{
		Name:      TradingFrequency,
		Points:    points,
		Rationale: fmt.Sprintf("%d trades in trailing hour", count),
	}
}

// Magnitude scores small trade amounts, typical of probing bots.
func Magnitude(amount decimal.Decimal) Result {
	points := 0
	switch {
	case amount.LessThan(decimal.NewFromInt(1)):
		points = 20
	case amount.LessThan(decimal.NewFromInt(10)):
		points = 10
	}
	return Result{
		Name:      AmountMagnitude,
		Points:    points,
		Rationale: fmt.Sprintf("trade amount %s", amount.String()),
	}
}

// Precision scores the significant fractional digits of the amount. Humans
// round; machines do not.
func Precision(amount decimal.Decimal) Result {
	digits := fractionalDigits(amount)
	points := 0
	switch {
	case digits > 6:
		points = 15
	case digits > 4:
		points = 8
	}
	return Result{
		Name:      AmountPrecision,
		Points:    points,
		Rationale: fmt.Sprintf("%d significant fractional digits", digits),
	}
}

func fractionalDigits(amount decimal.Decimal) int {
	s := amount.Abs().String()
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(s[idx+1:], "0")
	return len(frac)
}

// HourOfDay scores trades inside the configured off-hours window (UTC).
// The window may wrap midnight, e.g. 22→6.
func HourOfDay(ts time.Time, start, end int) Result {
	hour := ts.UTC().Hour()
	inWindow := false
	if start <= end {
		inWindow = hour >= start && hour <= end
	} else {
		inWindow = hour >= start || hour <= end
	}

	points := 0
	if inWindow {
		points = 10
	}
	return Result{
		Name:      OffHours,
		Points:    points,
		Rationale: fmt.Sprintf("traded at %02d:00 UTC", hour),
	}
}

// Timing converts the qualitative reaction tag into points.
func Timing(tag string) Result {
	points := 0
	switch tag {
	case TimingImmediate:
		points = 15
	case TimingFast:
		points = 8
	}
	return Result{
		Name:      MarketTiming,
		Points:    points,
		Rationale: fmt.Sprintf("market timing %s", tag),
	}
}

// Regularity detects machine-like evenness in inter-trade intervals using
// the coefficient of variation. Near-zero variance earns a bonus and marks
// the pattern as regular, which also corroborates good-bot candidacy.
func Regularity(history []chainsource.Trade, ceiling float64) (Result, bool) {
	intervals := make([]float64, 0, len(history))
	for i := 1; i < len(history); i++ {
		intervals = append(intervals, history[i].ChainTimestamp.Sub(history[i-1].ChainTimestamp).Seconds())
	}
	if len(intervals) < 3 {
		return Result{Name: PatternRegularity, Rationale: "insufficient history"}, false
	}

	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))
	if mean <= 0 {
		return Result{Name: PatternRegularity, Rationale: "degenerate intervals"}, false
	}

	variance := 0.0
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))
	cv := math.Sqrt(variance) / mean

	if cv > ceiling {
		return Result{
			Name:      PatternRegularity,
			Rationale: fmt.Sprintf("interval variation %.3f above ceiling", cv),
		}, false
	}
	return Result{
		Name:      PatternRegularity,
		Points:    regularityBonus,
		Rationale: fmt.Sprintf("near-constant trade cadence (variation %.3f)", cv),
	}, true
}

// Coverage scores round-the-clock activity: a trader touching most of the
// 24 hour-of-day buckets never sleeps.
func Coverage(history []chainsource.Trade) Result {
	var hours [24]bool
	for _, t := range history {
		hours[t.ChainTimestamp.UTC().Hour()] = true
	}
	count := 0
	for _, touched := range hours {
		if touched {
			count++
		}
	}

	points := 0
	if count >= coverageMinimum {
		points = coverageBonus
	}
	return Result{
		Name:      RoundTheClock,
		Points:    points,
		Rationale: fmt.Sprintf("active in %d of 24 hour buckets", count),
	}
}
