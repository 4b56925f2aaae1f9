// Package sink drives the periodic history sample and fans each sample out
// to optional persistence targets (Redis, Kafka).
package sink

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depthscope/internal/book"
)

// DefaultInterval matches the one-second cadence the history buffers are
// sized for: 300 samples cover five minutes.
const DefaultInterval = time.Second

// Recorder is the engine operation the sampler triggers.
// *book.Book satisfies it.
type Recorder interface {
	RecordHistorySample() book.Sample
}

// Tick is one history sample tagged with the product it belongs to.
type Tick struct {
	Product string `json:"product"`
	book.Sample
}

// TickProvider is anything that emits ticks into a Broadcaster.
type TickProvider interface {
	Ticks() <-chan Tick
}

// Sampler calls RecordHistorySample on a fixed interval and publishes each
// resulting sample. It is the only writer of the history buffers.
type Sampler struct {
	rec      Recorder
	product  string
	interval time.Duration
	logger   *zap.Logger

	out chan Tick
}

// NewSampler creates a Sampler. A non-positive interval falls back to
// DefaultInterval.
func NewSampler(rec Recorder, product string, interval time.Duration, logger *zap.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		rec:      rec,
		product:  product,
		interval: interval,
		logger:   logger.Named("sampler"),
		out:      make(chan Tick, 64),
	}
}

// Ticks implements TickProvider. The channel is closed when Run returns.
func (s *Sampler) Ticks() <-chan Tick { return s.out }

// Run samples until ctx is cancelled. If nobody drains Ticks the sample is
// still recorded in the book; only the notification is dropped.
func (s *Sampler) Run(ctx context.Context) {
	defer close(s.out)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t := Tick{Product: s.product, Sample: s.rec.RecordHistorySample()}
			select {
			case s.out <- t:
			default:
				s.logger.Debug("dropping tick, no reader")
			}
		}
	}
}
