package sink

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Broadcaster is a many-to-many hub that ingests ticks from any number of
// providers and fans every tick out to all subscribers.
type Broadcaster struct {
	sources []<-chan Tick
	logger  *zap.Logger

	mu   sync.RWMutex
	subs []chan Tick
}

// NewBroadcaster creates a Broadcaster ready for provider registration.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{logger: logger.Named("broadcaster")}
}

// Register adds a provider's channel as a source. Must be called before Run.
func (b *Broadcaster) Register(provider TickProvider) {
	b.sources = append(b.sources, provider.Ticks())
}

// Subscribe returns a buffered channel that receives every tick. Used by
// the persistence writers, which must drain it to avoid dropped ticks.
func (b *Broadcaster) Subscribe() <-chan Tick {
	ch := make(chan Tick, 256)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	return ch
}

// Run consumes every registered source until ctx is cancelled or all
// sources are closed. Subscriber channels are closed on return.
func (b *Broadcaster) Run(ctx context.Context) {
	var wg conc.WaitGroup

	for _, src := range b.sources {
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-src:
					if !ok {
						return
					}
					b.distribute(t)
				}
			}
		})
	}

	wg.Wait()
	b.closeAll()
}

// distribute is non-blocking: slow consumers get ticks dropped.
func (b *Broadcaster) distribute(t Tick) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- t:
		default:
			b.logger.Warn("dropping tick for slow subscriber", zap.String("product", t.Product))
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
