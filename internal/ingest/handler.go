// Package ingest connects a feed to the order book. It is the only place
// that knows both the feed's event types and the book's input types.
package ingest

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depthscope/internal/adapter"
	"github.com/caesar-terminal/depthscope/internal/book"
)

// BookWriter is the subset of *book.Book the handler mutates.
type BookWriter interface {
	ApplySnapshot(bids, asks []book.RawLevel) error
	ApplyDeltaBatch(changes []book.RawChange) error
	GetMetrics() book.Metrics
}

// ActivityRecorder is told about every event that reached the book.
// *adapter.CircuitBreaker satisfies it.
type ActivityRecorder interface {
	RecordSnapshot()
	RecordUpdate()
}

// Stats counts what the handler has done since it was created.
type Stats struct {
	Snapshots uint64 `json:"snapshots"`
	Batches   uint64 `json:"batches"`
	Rejected  uint64 `json:"rejected"`
}

// BookHandler applies feed events to a book. Events the book rejects are
// logged and dropped; the book keeps its previous state.
type BookHandler struct {
	book     BookWriter
	activity ActivityRecorder
	logger   *zap.Logger

	snapshots atomic.Uint64
	batches   atomic.Uint64
	rejected  atomic.Uint64

	// crossed is only touched from the feed goroutine.
	crossed bool
}

var _ adapter.Handler = (*BookHandler)(nil)

// NewBookHandler creates a handler. activity may be nil.
func NewBookHandler(b BookWriter, activity ActivityRecorder, logger *zap.Logger) *BookHandler {
	return &BookHandler{
		book:     b,
		activity: activity,
		logger:   logger.Named("ingest"),
	}
}

// HandleEvent implements adapter.Handler.
func (h *BookHandler) HandleEvent(ev adapter.Event) {
	switch e := ev.(type) {
	case adapter.Snapshot:
		if err := h.book.ApplySnapshot(levels(e.Bids), levels(e.Asks)); err != nil {
			h.rejected.Add(1)
			h.logger.Warn("snapshot rejected", zap.Error(err))
			return
		}
		h.snapshots.Add(1)
		if h.activity != nil {
			h.activity.RecordSnapshot()
		}
	case adapter.DeltaBatch:
		if err := h.book.ApplyDeltaBatch(changes(e.Changes)); err != nil {
			h.rejected.Add(1)
			h.logger.Warn("delta batch rejected", zap.Error(err), zap.Int("changes", len(e.Changes)))
			return
		}
		h.batches.Add(1)
		if h.activity != nil {
			h.activity.RecordUpdate()
		}
	default:
		return
	}
	h.checkCrossed()
}

// Stats returns the handler counters.
func (h *BookHandler) Stats() Stats {
	return Stats{
		Snapshots: h.snapshots.Load(),
		Batches:   h.batches.Load(),
		Rejected:  h.rejected.Load(),
	}
}

// checkCrossed logs when the book enters or leaves a crossed state.
func (h *BookHandler) checkCrossed() {
	m := h.book.GetMetrics()
	if m.Crossed == h.crossed {
		return
	}
	h.crossed = m.Crossed
	if m.Crossed {
		h.logger.Warn("book crossed",
			zap.Float64("best_bid", m.BestBid.Float64),
			zap.Float64("best_ask", m.BestAsk.Float64))
	} else {
		h.logger.Info("book uncrossed")
	}
}

func levels(qs []adapter.Quote) []book.RawLevel {
	out := make([]book.RawLevel, len(qs))
	for i, q := range qs {
		out[i] = book.RawLevel{Price: q.Price, Size: q.Size}
	}
	return out
}

func changes(cs []adapter.Change) []book.RawChange {
	out := make([]book.RawChange, len(cs))
	for i, c := range cs {
		out[i] = book.RawChange{Side: side(c.Side), Price: c.Price, Size: c.Size}
	}
	return out
}

// side maps a feed side to a book side. Anything unrecognised maps to the
// zero Side, which the book rejects.
func side(s adapter.Side) book.Side {
	switch s {
	case adapter.SideBid:
		return book.Bid
	case adapter.SideAsk:
		return book.Ask
	default:
		return 0
	}
}
