package classifier

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"trade-bot-radar/internal/signal"
)

// Category is the behavioural class assigned to an address.
type Category string

const (
	Unclassified Category = "UNCLASSIFIED"
	GoodBot      Category = "GOOD_BOT"
	BadBot       Category = "BAD_BOT"
)

// RiskLevel grades bad bots by score.
type RiskLevel string

const (
	RiskNone     RiskLevel = ""
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// PublishState tracks whether a decision has reached the registry.
type PublishState string

const (
	StatePending   PublishState = "PENDING"
	StatePublished PublishState = "PUBLISHED"
)

// Bot type tags attached to good-bot classifications.
const (
	BotTypeMarketMaker = "market_maker"
	BotTypeArbitrage   = "arbitrage"
)

// Record is the classification decision for one address. One record per
// address; mutated in place on reclassification.
type Record struct {
	Address           common.Address  `json:"address"`
	Score             int             `json:"score"`
	Category          Category        `json:"category"`
	BotType           string          `json:"bot_type,omitempty"`
	RiskLevel         RiskLevel       `json:"risk_level,omitempty"`
	LiquidityProvided decimal.Decimal `json:"liquidity_provided"`
	Signals           []signal.Result `json:"signals"`
	DecidedAt         time.Time       `json:"decided_at"`
	PublishState      PublishState    `json:"publish_state"`

	// LastPublished is the category most recently confirmed on-chain,
	// used to decide whether an unflag must be submitted.
	LastPublished Category `json:"-"`
}

// clone returns a defensive copy safe to hand outside the table lock.
func (r *Record) clone() Record {
	cp := *r
	cp.Signals = make([]signal.Result, len(r.Signals))
	copy(cp.Signals, r.Signals)
	return cp
}

// Stats is the aggregate view exposed to the read-only API layer.
type Stats struct {
	Total          int               `json:"total"`
	ByCategory     map[Category]int  `json:"by_category"`
	ByRisk         map[RiskLevel]int `json:"by_risk"`
	PendingPublish int               `json:"pending_publish"`
	TotalLiquidity decimal.Decimal   `json:"total_liquidity"`
}
