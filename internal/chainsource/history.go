package chainsource

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// History is the append-only per-trader trade log. Appends are de-duplicated
// by (block, logIndex), so replaying a backfill range is idempotent. Locking
// is per address; unrelated traders never contend.
type History struct {
	mu      sync.RWMutex
	traders map[common.Address]*traderLog
	cap     int
}

type traderLog struct {
	mu     sync.RWMutex
	trades []Trade
	seen   map[eventKey]struct{}
}

// NewHistory constructs an empty trade history with no per-trader bound.
func NewHistory() *History {
	return &History{traders: make(map[common.Address]*traderLog)}
}

// NewBoundedHistory constructs a trade history that keeps at most
// maxPerTrader recent trades per address, evicting the oldest.
func NewBoundedHistory(maxPerTrader int) *History {
	return &History{traders: make(map[common.Address]*traderLog), cap: maxPerTrader}
}

func (h *History) logFor(addr common.Address) *traderLog {
	h.mu.RLock()
	l, ok := h.traders[addr]
	h.mu.RUnlock()
	if ok {
		return l
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok = h.traders[addr]; ok {
		return l
	}
	l = &traderLog{seen: make(map[eventKey]struct{})}
	h.traders[addr] = l
	return l
}

// Append records a trade, keeping chain order. Re-delivery of an already
// recorded event is a no-op and reports false.
func (h *History) Append(trade Trade) bool {
	l := h.logFor(trade.Trader)

	l.mu.Lock()
	defer l.mu.Unlock()

	key := trade.key()
	if _, dup := l.seen[key]; dup {
		return false
	}
	l.seen[key] = struct{}{}

	// Events almost always arrive in chain order; the insertion walk only
	// runs when a backfill interleaves with live delivery.
	idx := len(l.trades)
	for idx > 0 && key.less(l.trades[idx-1].key()) {
		idx--
	}
	l.trades = append(l.trades, Trade{})
	copy(l.trades[idx+1:], l.trades[idx:])
	l.trades[idx] = trade

	if h.cap > 0 && len(l.trades) > h.cap {
		evict := len(l.trades) - h.cap
		for _, old := range l.trades[:evict] {
			delete(l.seen, old.key())
		}
		l.trades = append(l.trades[:0], l.trades[evict:]...)
	}
	return true
}

// UserTrades returns the trader's full recorded history in chain order.
func (h *History) UserTrades(addr common.Address) []Trade {
	l := h.logFor(addr)

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// Window returns the trader's most recent trades bounded by count and by a
// trailing duration measured back from ref.
func (h *History) Window(addr common.Address, ref time.Time, limit int, span time.Duration) []Trade {
	l := h.logFor(addr)

	l.mu.RLock()
	defer l.mu.RUnlock()

	cutoff := ref.Add(-span)
	start := len(l.trades)
	for start > 0 {
		t := l.trades[start-1]
		if span > 0 && t.ChainTimestamp.Before(cutoff) {
			break
		}
		if limit > 0 && len(l.trades)-start >= limit {
			break
		}
		start--
	}

	out := make([]Trade, len(l.trades)-start)
	copy(out, l.trades[start:])
	return out
}

// Count reports the number of recorded trades for a trader.
func (h *History) Count(addr common.Address) int {
	l := h.logFor(addr)
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trades)
}
