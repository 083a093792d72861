package classifier

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-bot-radar/internal/chainsource"
	"trade-bot-radar/internal/pricefeed"
	"trade-bot-radar/internal/signal"
)

var (
	// ErrUnknownAddress is returned when reclassifying an address that was
	// never analyzed.
	ErrUnknownAddress = errors.New("classifier: unknown address")
	// ErrInvalidCategory rejects reclassification targets outside the
	// state machine.
	ErrInvalidCategory = errors.New("classifier: invalid category")
)

// LiquidityLookup resolves the liquidity an address currently provides,
// used to corroborate good-bot candidacy. May be nil.
type LiquidityLookup func(common.Address) decimal.Decimal

// Options tune classification thresholds. The good/bad boundary is policy,
// not rule, and therefore configurable.
type Options struct {
	GoodBotThreshold  int
	BadBotThreshold   int
	CriticalThreshold int
	HighThreshold     int
	HistoryLimit      int
	HistoryWindow     time.Duration
	Instrument        string
	Signal            signal.Params
	Liquidity         LiquidityLookup
	Now               func() time.Time
}

// Classifier turns trades into classification decisions and manages the
// per-address state machine: pending → good/bad → unflagged.
type Classifier struct {
	opts    Options
	history *chainsource.History
	feed    *pricefeed.Feed
	logger  zerolog.Logger

	mu      sync.RWMutex
	records map[common.Address]*Record
	goodSet map[common.Address]struct{}
	badSet  map[common.Address]struct{}

	lockMu    sync.Mutex
	addrLocks map[common.Address]*sync.Mutex
}

// New constructs a classifier over a shared trade history and price feed.
func New(opts Options, history *chainsource.History, feed *pricefeed.Feed, logger zerolog.Logger) *Classifier {
	if opts.GoodBotThreshold <= 0 {
		opts.GoodBotThreshold = 40
	}
	if opts.BadBotThreshold <= opts.GoodBotThreshold {
		opts.BadBotThreshold = 60
	}
	if opts.HighThreshold <= 0 {
		opts.HighThreshold = 70
	}
	if opts.CriticalThreshold < opts.HighThreshold {
		opts.CriticalThreshold = 85
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 500
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 30 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Classifier{
		opts:      opts,
		history:   history,
		feed:      feed,
		logger:    logger.With().Str("component", "classifier").Logger(),
		records:   make(map[common.Address]*Record),
		goodSet:   make(map[common.Address]struct{}),
		badSet:    make(map[common.Address]struct{}),
		addrLocks: make(map[common.Address]*sync.Mutex),
	}
}

// addrLock serializes analysis per address. Different addresses proceed in
// parallel; the same address is never analyzed by two goroutines at once.
func (c *Classifier) addrLock(addr common.Address) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	l, ok := c.addrLocks[addr]
	if !ok {
		l = &sync.Mutex{}
		c.addrLocks[addr] = l
	}
	return l
}

// Analyze scores a trade against the trader's bounded history and the
// concurrent price context, then upserts the address's record. Re-analysis
// before publish updates the existing PENDING record in place.
func (c *Classifier) Analyze(trade chainsource.Trade) Record {
	lock := c.addrLock(trade.Trader)
	lock.Lock()
	defer lock.Unlock()

	window := c.history.Window(trade.Trader, trade.ChainTimestamp, c.opts.HistoryLimit, c.opts.HistoryWindow)
	price, havePrice := c.feed.NearestPrior(c.opts.Instrument, trade.ChainTimestamp)

	eval := signal.Evaluate(c.opts.Signal, trade, window, price, havePrice)

	liquidity := decimal.Zero
	if c.opts.Liquidity != nil {
		liquidity = c.opts.Liquidity(trade.Trader)
	}

	category, botType, risk := c.decide(eval, liquidity)

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[trade.Trader]
	if !ok {
		rec = &Record{Address: trade.Trader}
		c.records[trade.Trader] = rec
	}

	rec.Score = eval.Score
	rec.BotType = botType
	rec.RiskLevel = risk
	rec.LiquidityProvided = liquidity
	rec.Signals = eval.Signals
	rec.DecidedAt = c.opts.Now().UTC()
	c.moveCategory(rec, category)

	c.logger.Debug().
		Str("address", trade.Trader.Hex()).
		Int("score", rec.Score).
		Str("category", string(rec.Category)).
		Msg("trade analyzed")

	return rec.clone()
}

// decide maps a score to a category. Mid-band scores become good bots only
// when corroborated by provided liquidity or a regular market-making cadence.
func (c *Classifier) decide(eval signal.Evaluation, liquidity decimal.Decimal) (Category, string, RiskLevel) {
	switch {
	case eval.Score >= c.opts.BadBotThreshold:
		risk := RiskMedium
		if eval.Score >= c.opts.CriticalThreshold {
			risk = RiskCritical
		} else if eval.Score >= c.opts.HighThreshold {
			risk = RiskHigh
		}
		return BadBot, "", risk
	case eval.Score >= c.opts.GoodBotThreshold:
		if liquidity.IsPositive() || eval.Regular {
			botType := BotTypeArbitrage
			if eval.Regular {
				botType = BotTypeMarketMaker
			}
			return GoodBot, botType, RiskNone
		}
		return Unclassified, "", RiskNone
	default:
		return Unclassified, "", RiskNone
	}
}

// moveCategory updates the record's category and the in-memory buckets in
// one step under the table lock, so no address is ever observable in both.
// Callers hold c.mu.
func (c *Classifier) moveCategory(rec *Record, category Category) {
	delete(c.goodSet, rec.Address)
	delete(c.badSet, rec.Address)
	switch category {
	case GoodBot:
		c.goodSet[rec.Address] = struct{}{}
	case BadBot:
		c.badSet[rec.Address] = struct{}{}
	}
	rec.Category = category

	switch {
	case category == rec.LastPublished:
		// Registry already reflects this decision.
		rec.PublishState = StatePublished
	case category == Unclassified && rec.LastPublished != GoodBot && rec.LastPublished != BadBot:
		// Never flagged on-chain; there is nothing to unflag.
		rec.PublishState = StatePublished
	default:
		rec.PublishState = StatePending
	}
}

// Reclassify is the explicit admin move between categories, or back to
// UNCLASSIFIED (unflag). The bucket swap is atomic with the category change.
func (c *Classifier) Reclassify(addr common.Address, category Category) (Record, error) {
	switch category {
	case GoodBot, BadBot, Unclassified:
	default:
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	lock := c.addrLock(addr)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[addr]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownAddress, addr.Hex())
	}

	switch category {
	case BadBot:
		rec.BotType = ""
		rec.RiskLevel = c.riskForScore(rec.Score)
	case GoodBot:
		if rec.BotType == "" {
			rec.BotType = BotTypeMarketMaker
		}
		rec.RiskLevel = RiskNone
	case Unclassified:
		rec.BotType = ""
		rec.RiskLevel = RiskNone
	}
	rec.DecidedAt = c.opts.Now().UTC()
	c.moveCategory(rec, category)

	c.logger.Info().
		Str("address", addr.Hex()).
		Str("category", string(category)).
		Msg("address reclassified")

	return rec.clone(), nil
}

func (c *Classifier) riskForScore(score int) RiskLevel {
	switch {
	case score >= c.opts.CriticalThreshold:
		return RiskCritical
	case score >= c.opts.HighThreshold:
		return RiskHigh
	default:
		return RiskMedium
	}
}

// CurrentRecord returns a copy of the address's record.
func (c *Classifier) CurrentRecord(addr common.Address) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[addr]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// InGoodSet reports bucket membership, for tests and the read-only API.
func (c *Classifier) InGoodSet(addr common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.goodSet[addr]
	return ok
}

// InBadSet reports bucket membership.
func (c *Classifier) InBadSet(addr common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.badSet[addr]
	return ok
}

// PendingSnapshot returns copies of every record awaiting publication.
func (c *Classifier) PendingSnapshot() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Record, 0)
	for _, rec := range c.records {
		if rec.PublishState == StatePending {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Snapshot returns copies of every record, highest score first.
func (c *Classifier) Snapshot() []Record {
	c.mu.RLock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}

// MarkPublished records that a category decision reached the registry. The
// record only transitions when its category still matches what was
// published; a decision that changed mid-flight stays PENDING.
func (c *Classifier) MarkPublished(addr common.Address, category Category) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[addr]
	if !ok {
		return
	}
	rec.LastPublished = category
	if rec.Category == category {
		rec.PublishState = StatePublished
	}
}

// Stats aggregates counts by category, risk distribution, and liquidity.
func (c *Classifier) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		Total:          len(c.records),
		ByCategory:     make(map[Category]int),
		ByRisk:         make(map[RiskLevel]int),
		TotalLiquidity: decimal.Zero,
	}
	for _, rec := range c.records {
		stats.ByCategory[rec.Category]++
		if rec.RiskLevel != RiskNone {
			stats.ByRisk[rec.RiskLevel]++
		}
		if rec.PublishState == StatePending {
			stats.PendingPublish++
		}
		stats.TotalLiquidity = stats.TotalLiquidity.Add(rec.LiquidityProvided)
	}
	return stats
}
