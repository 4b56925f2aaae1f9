// Package coinbase implements adapter.Source for the Coinbase Exchange
// level2_batch channel.
package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depthscope/internal/adapter"
)

const (
	// DefaultURL is the public Coinbase Exchange market-data endpoint.
	DefaultURL = "wss://ws-feed.exchange.coinbase.com"

	// DefaultChannel streams aggregated L2 updates batched every 50ms.
	DefaultChannel = "level2_batch"

	// DefaultProductID is the instrument watched when none is configured.
	DefaultProductID = "BTC-USD"
)

// ErrAlreadyStarted is returned when Start is called on a used Feed.
var ErrAlreadyStarted = errors.New("coinbase: feed already started")

// Config selects the endpoint and instrument.
type Config struct {
	ProductID string
	Channel   string
	WS        adapter.WSConfig
}

// DefaultConfig returns a config for BTC-USD on the production endpoint.
func DefaultConfig() Config {
	return Config{
		ProductID: DefaultProductID,
		Channel:   DefaultChannel,
		WS:        adapter.DefaultWSConfig(DefaultURL),
	}
}

// Feed is a single Coinbase L2 session. It subscribes once after the
// connection opens, decodes frames into adapter events and hands them to
// the handler from its own goroutine. It never reconnects.
type Feed struct {
	cfg     Config
	handler adapter.Handler
	logger  *zap.Logger

	ws *adapter.WSClient

	state    atomic.Int32
	started  atomic.Bool
	stopping atomic.Bool

	errMu sync.Mutex
	err   error

	done chan struct{}
}

var _ adapter.Source = (*Feed)(nil)

// New creates a Feed that delivers events to handler.
func New(cfg Config, handler adapter.Handler, logger *zap.Logger) *Feed {
	logger = logger.Named("coinbase").With(
		zap.String("product", cfg.ProductID),
		zap.String("session", uuid.NewString()),
	)
	return &Feed{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		ws:      adapter.NewWSClient(cfg.WS),
		done:    make(chan struct{}),
	}
}

// State returns the current session state.
func (f *Feed) State() adapter.State {
	return adapter.State(f.state.Load())
}

// Done is closed when the session reaches Closed or Errored.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Err returns the error that ended the session, if any.
func (f *Feed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

// Start dials the endpoint, sends the subscription and starts the receive
// loop. It returns once the subscription has been written. Cancelling ctx
// later has the same effect as Stop.
func (f *Feed) Start(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	f.setState(adapter.StateConnecting)
	if err := f.ws.Connect(ctx); err != nil {
		err = fmt.Errorf("coinbase: connect: %w", err)
		f.abort(err)
		return err
	}
	f.logger.Info("connected", zap.String("url", f.cfg.WS.URL))

	sub, err := json.Marshal(subscribeMsg{
		Type:       "subscribe",
		ProductIDs: []string{f.cfg.ProductID},
		Channels:   []string{f.cfg.Channel},
	})
	if err != nil {
		f.ws.Close()
		f.finish(fmt.Errorf("coinbase: encode subscription: %w", err))
		return f.Err()
	}
	if err := f.ws.Send(sub); err != nil {
		f.ws.Close()
		err = fmt.Errorf("coinbase: subscribe: %w", err)
		f.abort(err)
		return err
	}
	f.setState(adapter.StateSubscribed)
	f.logger.Info("subscribed", zap.String("channel", f.cfg.Channel))

	go f.receive()
	go func() {
		select {
		case <-ctx.Done():
			f.Stop()
		case <-f.done:
		}
	}()
	return nil
}

// Stop closes the transport. The receive loop then ends in Closed.
func (f *Feed) Stop() {
	f.stopping.Store(true)
	if err := f.ws.Close(); err != nil {
		f.logger.Debug("close transport", zap.Error(err))
	}
}

func (f *Feed) receive() {
	err := f.ws.Listen(f.handleFrame)
	if f.stopping.Load() {
		err = nil
	}
	f.finish(err)
}

// abort ends a session that failed during Start. A Stop that raced the
// handshake makes it a clean close rather than an error.
func (f *Feed) abort(err error) {
	if f.stopping.Load() {
		f.finish(nil)
		return
	}
	f.finish(err)
}

// finish moves the session to its terminal state exactly once.
func (f *Feed) finish(err error) {
	f.errMu.Lock()
	f.err = err
	f.errMu.Unlock()

	if err != nil {
		f.setState(adapter.StateErrored)
		f.logger.Error("feed errored", zap.Error(err))
	} else {
		f.setState(adapter.StateClosed)
		f.logger.Info("feed closed")
	}
	close(f.done)
}

func (f *Feed) setState(s adapter.State) {
	prev := adapter.State(f.state.Swap(int32(s)))
	if prev != s {
		f.logger.Debug("state change", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// handleFrame decodes one frame. Malformed frames are logged and dropped;
// they never end the session.
func (f *Feed) handleFrame(raw []byte) {
	ev, err := decode(raw)
	var exErr *ExchangeError
	switch {
	case errors.As(err, &exErr):
		f.logger.Error("exchange error", zap.String("message", exErr.Message), zap.String("reason", exErr.Reason))
		return
	case err != nil:
		f.logger.Warn("dropping malformed frame", zap.Error(err), zap.ByteString("payload", truncate(raw, 256)))
		return
	case ev == nil:
		return
	}

	switch e := ev.(type) {
	case adapter.Snapshot:
		if e.ProductID != "" && e.ProductID != f.cfg.ProductID {
			f.logger.Warn("snapshot for unexpected product", zap.String("got", e.ProductID))
			return
		}
		f.logger.Info("snapshot received", zap.Int("bids", len(e.Bids)), zap.Int("asks", len(e.Asks)))
	case adapter.DeltaBatch:
		if e.ProductID != "" && e.ProductID != f.cfg.ProductID {
			return
		}
	}

	f.state.CompareAndSwap(int32(adapter.StateSubscribed), int32(adapter.StateStreaming))
	f.handler.HandleEvent(ev)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
