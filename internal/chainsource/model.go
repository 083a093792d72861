package chainsource

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Trade is one confirmed on-chain trade event. Immutable once created.
// ObservedAt is ingestion wall-clock; ChainTimestamp is block time. The two
// are distinct on purpose: reaction-time scoring compares ChainTimestamp
// against oracle publish times, never arrival order.
type Trade struct {
	Trader         common.Address
	Amount         decimal.Decimal
	BlockNumber    uint64
	LogIndex       uint
	TxHash         common.Hash
	ChainTimestamp time.Time
	ObservedAt     time.Time
}

// key identifies a trade event uniquely within the chain.
func (t Trade) key() eventKey {
	return eventKey{block: t.BlockNumber, logIndex: t.LogIndex}
}

type eventKey struct {
	block    uint64
	logIndex uint
}

// less orders events by block number, then log index.
func (k eventKey) less(other eventKey) bool {
	if k.block != other.block {
		return k.block < other.block
	}
	return k.logIndex < other.logIndex
}
