package pricefeed

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PriceObservation is a single oracle price point. Immutable once created.
type PriceObservation struct {
	InstrumentID string
	Price        decimal.Decimal
	Conf         decimal.Decimal
	PublishTime  time.Time
	ReceivedAt   time.Time
}

// rawMessage mirrors the oracle push payload at the wire boundary.
type rawMessage struct {
	ID          string `json:"id"`
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	PublishTime int64  `json:"publish_time"`
}

// ring is a fixed-capacity buffer; the oldest entry is evicted on overflow.
type ring struct {
	buf  []PriceObservation
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]PriceObservation, capacity)}
}

func (r *ring) push(obs PriceObservation) {
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = obs
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) latest() (PriceObservation, bool) {
	if r.size == 0 {
		return PriceObservation{}, false
	}
	idx := (r.head + r.size - 1) % len(r.buf)
	return r.buf[idx], true
}

// snapshot returns up to limit entries, oldest first.
func (r *ring) snapshot(limit int) []PriceObservation {
	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]PriceObservation, 0, n)
	start := r.size - n
	for i := start; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// Options tune the feed.
type Options struct {
	BufferSize int
	StaleAfter time.Duration
	Now        func() time.Time
}

// Feed keeps a bounded per-instrument rolling history of price observations.
type Feed struct {
	mu         sync.RWMutex
	rings      map[string]*ring
	bufferSize int
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewFeed constructs a price feed.
func NewFeed(opts Options, logger zerolog.Logger) *Feed {
	size := opts.BufferSize
	if size <= 0 {
		size = 20
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = 5 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Feed{
		rings:      make(map[string]*ring),
		bufferSize: size,
		staleAfter: stale,
		now:        now,
		logger:     logger.With().Str("component", "price_feed").Logger(),
	}
}

// Observe parses a raw push message and appends the observation. Malformed
// payloads are rejected without touching the buffer.
func (f *Feed) Observe(raw []byte) error {
	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode price message: %w", err)
	}
	if msg.ID == "" {
		return fmt.Errorf("price message missing instrument id")
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return fmt.Errorf("parse price: %w", err)
	}
	conf, err := decimal.NewFromString(msg.Conf)
	if err != nil {
		return fmt.Errorf("parse conf: %w", err)
	}

	obs := PriceObservation{
		InstrumentID: msg.ID,
		Price:        price,
		Conf:         conf,
		PublishTime:  time.Unix(msg.PublishTime, 0).UTC(),
		ReceivedAt:   f.now().UTC(),
	}
	f.Append(obs)
	return nil
}

// Append inserts an already-typed observation.
func (f *Feed) Append(obs PriceObservation) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rings[obs.InstrumentID]
	if !ok {
		r = newRing(f.bufferSize)
		f.rings[obs.InstrumentID] = r
	}
	r.push(obs)
}

// Latest returns the most recent observation for an instrument.
func (f *Feed) Latest(instrumentID string) (PriceObservation, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	r, ok := f.rings[instrumentID]
	if !ok {
		return PriceObservation{}, false
	}
	return r.latest()
}

// History returns up to limit observations, oldest first.
func (f *Feed) History(instrumentID string, limit int) []PriceObservation {
	f.mu.RLock()
	defer f.mu.RUnlock()

	r, ok := f.rings[instrumentID]
	if !ok {
		return nil
	}
	return r.snapshot(limit)
}

// NearestPrior returns the newest observation published at or before ts.
// Observations older than the staleness threshold relative to ts do not
// qualify as context.
func (f *Feed) NearestPrior(instrumentID string, ts time.Time) (PriceObservation, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	r, ok := f.rings[instrumentID]
	if !ok {
		return PriceObservation{}, false
	}

	var best PriceObservation
	found := false
	for _, obs := range r.snapshot(0) {
		if obs.PublishTime.After(ts) {
			continue
		}
		if ts.Sub(obs.PublishTime) > f.staleAfter {
			continue
		}
		if !found || obs.PublishTime.After(best.PublishTime) {
			best = obs
			found = true
		}
	}
	return best, found
}
