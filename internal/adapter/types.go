package adapter

import (
	"context"
	"time"
)

// Side is the book side a feed change applies to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Quote is one price level as sent by the exchange. Values keep their wire
// decimal-string form; numeric validation belongs to the book.
type Quote struct {
	Price string
	Size  string
}

// Change is one incremental level update. Size "0" removes the level.
type Change struct {
	Side  Side
	Price string
	Size  string
}

// Event is a decoded feed message: either a Snapshot or a DeltaBatch.
type Event interface {
	isEvent()
}

// Snapshot replaces the full contents of the book.
type Snapshot struct {
	ProductID string
	Bids      []Quote
	Asks      []Quote
}

// DeltaBatch carries the level changes the exchange batched into one frame.
type DeltaBatch struct {
	ProductID string
	Changes   []Change
	Time      time.Time
}

func (Snapshot) isEvent()   {}
func (DeltaBatch) isEvent() {}

// Handler consumes decoded events. HandleEvent is called from the feed's
// receive goroutine, one event at a time and in arrival order.
type Handler interface {
	HandleEvent(Event)
}

// State is the lifecycle position of a feed session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// StateReader exposes the current feed state.
type StateReader interface {
	State() State
}

// Source is a market-data feed. A Source runs one session: once it reaches
// a terminal state it does not reconnect, and the host decides what to do
// next.
type Source interface {
	StateReader

	// Start connects, subscribes and begins delivering events to the
	// handler in the background.
	Start(ctx context.Context) error

	// Stop closes the transport and halts the receive loop.
	Stop()

	// Done is closed once the session is terminal.
	Done() <-chan struct{}

	// Err returns the transport error that ended an errored session.
	Err() error
}
