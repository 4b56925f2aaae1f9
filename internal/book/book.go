// Package book holds the in-memory L2 order book for a single instrument
// and the metrics derived from it.
package book

import (
	"fmt"
	"sync"
	"time"
)

// DefaultImbalanceLevels is how many levels per side feed the imbalance
// ratio.
const DefaultImbalanceLevels = 10

// Config holds tunable parameters for a Book.
type Config struct {
	// HistoryCapacity bounds each rolling metrics buffer.
	HistoryCapacity int

	// ImbalanceLevels is the number of levels nearest the touch summed on
	// each side when computing Imbalance.
	ImbalanceLevels int
}

// DefaultConfig returns the standard book settings.
func DefaultConfig() Config {
	return Config{
		HistoryCapacity: DefaultHistoryCapacity,
		ImbalanceLevels: DefaultImbalanceLevels,
	}
}

// Book is a price-level order book with one bid side and one ask side.
// All reads and writes go through mu, so a reader never observes a
// half-applied snapshot or delta batch. Every query holds the lock for
// exactly one logical operation; use GetMetrics when several values must
// agree with each other.
type Book struct {
	cfg Config

	mu   sync.RWMutex
	bids *side
	asks *side

	spreads    *ring
	mids       *ring
	imbalances *ring

	nowFunc func() time.Time // injectable clock for testing
}

// New creates an empty Book.
func New(cfg Config) *Book {
	if cfg.ImbalanceLevels <= 0 {
		cfg.ImbalanceLevels = DefaultImbalanceLevels
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = DefaultHistoryCapacity
	}
	return &Book{
		cfg:        cfg,
		bids:       newSide(true),
		asks:       newSide(false),
		spreads:    newRing(cfg.HistoryCapacity),
		mids:       newRing(cfg.HistoryCapacity),
		imbalances: newRing(cfg.HistoryCapacity),
		nowFunc:    time.Now,
	}
}

// ApplySnapshot replaces the whole book with the given levels. Every entry
// is validated before the book is touched: if any value is malformed the
// call fails and the book keeps its previous contents.
func (b *Book) ApplySnapshot(bids, asks []RawLevel) error {
	newBids, err := buildSide(bids, true)
	if err != nil {
		return fmt.Errorf("book: snapshot bids: %w", err)
	}
	newAsks, err := buildSide(asks, false)
	if err != nil {
		return fmt.Errorf("book: snapshot asks: %w", err)
	}

	b.mu.Lock()
	b.bids = newBids
	b.asks = newAsks
	b.mu.Unlock()
	return nil
}

// ApplyDeltaBatch applies incremental level changes atomically. A zero size
// removes the level; anything else inserts or overwrites it. When a batch
// names the same (side, price) twice the later entry wins. A batch with any
// malformed entry is rejected as a whole.
func (b *Book) ApplyDeltaBatch(changes []RawChange) error {
	parsed, err := parseChanges(changes)
	if err != nil {
		return fmt.Errorf("book: delta batch: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range parsed {
		if c.side == Bid {
			b.bids.set(c.price, c.size)
		} else {
			b.asks.set(c.price, c.size)
		}
	}
	return nil
}

// BestBid returns the highest bid price, or false if there are no bids.
func (b *Book) BestBid() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.best()
}

// BestAsk returns the lowest ask price, or false if there are no asks.
func (b *Book) BestAsk() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.best()
}

// Spread returns best ask minus best bid. It is negative only for a crossed
// book, which indicates bad input.
func (b *Book) Spread() (float64, bool) {
	m := b.GetMetrics()
	return m.Spread.Float64, m.Spread.Valid
}

// MidPrice returns the average of best bid and best ask.
func (b *Book) MidPrice() (float64, bool) {
	m := b.GetMetrics()
	return m.MidPrice.Float64, m.MidPrice.Valid
}

// Imbalance returns bid volume / (bid volume + ask volume) over the levels
// nearest the touch. 0.5 is balanced; above is buy pressure.
func (b *Book) Imbalance() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v := b.imbalanceLocked()
	return v.Float64, v.Valid
}

// GetMetrics returns every derived value computed from one consistent view
// of the book.
func (b *Book) GetMetrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metricsLocked()
}

// DepthSnapshot returns up to levels entries per side, bids descending and
// asks ascending. Sides with fewer levels return what they have.
func (b *Book) DepthSnapshot(levels int) Depth {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Depth{
		Bids: b.bids.top(levels),
		Asks: b.asks.top(levels),
	}
}

// Len returns the number of levels on each side.
func (b *Book) Len() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.len(), b.asks.len()
}

// RecordHistorySample computes the metrics once and appends spread, mid
// price and imbalance to their history buffers. Absent values are recorded
// as absent. It is the only writer of the history buffers.
func (b *Book) RecordHistorySample() Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.metricsLocked()
	b.spreads.push(m.Spread)
	b.mids.push(m.MidPrice)
	b.imbalances.push(m.Imbalance)

	return Sample{Time: b.nowFunc(), Metrics: m}
}

// SpreadHistory returns the recorded spreads, oldest first.
func (b *Book) SpreadHistory() []NullFloat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spreads.values()
}

// MidPriceHistory returns the recorded mid prices, oldest first.
func (b *Book) MidPriceHistory() []NullFloat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mids.values()
}

// ImbalanceHistory returns the recorded imbalances, oldest first.
func (b *Book) ImbalanceHistory() []NullFloat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.imbalances.values()
}

// metricsLocked requires b.mu held (read or write).
func (b *Book) metricsLocked() Metrics {
	var m Metrics
	bid, hasBid := b.bids.best()
	ask, hasAsk := b.asks.best()
	if hasBid {
		m.BestBid = Some(bid)
	}
	if hasAsk {
		m.BestAsk = Some(ask)
	}
	if hasBid && hasAsk {
		m.Spread = Some(ask - bid)
		m.MidPrice = Some((bid + ask) / 2)
		m.Crossed = ask < bid
	}
	m.Imbalance = b.imbalanceLocked()
	return m
}

func (b *Book) imbalanceLocked() NullFloat {
	if b.bids.len() == 0 || b.asks.len() == 0 {
		return NullFloat{}
	}
	bidVol := b.bids.volume(b.cfg.ImbalanceLevels)
	askVol := b.asks.volume(b.cfg.ImbalanceLevels)
	return Some(bidVol / (bidVol + askVol))
}
