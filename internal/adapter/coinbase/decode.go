package coinbase

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caesar-terminal/depthscope/internal/adapter"
)

// Errors describing why a frame could not be decoded.
var (
	ErrMissingType  = errors.New("frame has no type")
	ErrMissingField = errors.New("required field missing")
	ErrBadTuple     = errors.New("malformed level tuple")
	ErrUnknownSide  = errors.New("unknown side")
	ErrBadTimestamp = errors.New("malformed timestamp")
)

// ExchangeError is an error frame sent by Coinbase, typically followed by
// the server closing the connection.
type ExchangeError struct {
	Message string
	Reason  string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("coinbase: exchange error: %s (%s)", e.Message, e.Reason)
}

// subscribeMsg is the one request sent after the connection opens.
type subscribeMsg struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// rawEnvelope is used for type detection before full parsing.
type rawEnvelope struct {
	Type string `json:"type"`
}

type rawSnapshot struct {
	ProductID string     `json:"product_id"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
}

type rawUpdate struct {
	ProductID string     `json:"product_id"`
	Time      string     `json:"time"`
	Changes   [][]string `json:"changes"`
}

type rawError struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// decode turns one frame into an adapter event. It returns a nil event and
// nil error for frames that carry no book data (subscription acks,
// heartbeats, other channels).
func decode(raw []byte) (adapter.Event, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("coinbase: invalid JSON: %w", err)
	}

	switch env.Type {
	case "":
		return nil, ErrMissingType
	case "snapshot":
		return decodeSnapshot(raw)
	case "l2update":
		return decodeUpdate(raw)
	case "error":
		var e rawError
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("coinbase: parse error frame: %w", err)
		}
		return nil, &ExchangeError{Message: e.Message, Reason: e.Reason}
	default:
		return nil, nil
	}
}

func decodeSnapshot(raw []byte) (adapter.Event, error) {
	var s rawSnapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("coinbase: parse snapshot: %w", err)
	}
	if s.Bids == nil {
		return nil, fmt.Errorf("coinbase: snapshot bids: %w", ErrMissingField)
	}
	if s.Asks == nil {
		return nil, fmt.Errorf("coinbase: snapshot asks: %w", ErrMissingField)
	}

	bids, err := quotes(s.Bids)
	if err != nil {
		return nil, fmt.Errorf("coinbase: snapshot bids: %w", err)
	}
	asks, err := quotes(s.Asks)
	if err != nil {
		return nil, fmt.Errorf("coinbase: snapshot asks: %w", err)
	}

	return adapter.Snapshot{ProductID: s.ProductID, Bids: bids, Asks: asks}, nil
}

func decodeUpdate(raw []byte) (adapter.Event, error) {
	var u rawUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("coinbase: parse l2update: %w", err)
	}
	if u.Changes == nil {
		return nil, fmt.Errorf("coinbase: l2update changes: %w", ErrMissingField)
	}

	changes := make([]adapter.Change, 0, len(u.Changes))
	for i, c := range u.Changes {
		if len(c) != 3 {
			return nil, fmt.Errorf("coinbase: change %d has %d fields: %w", i, len(c), ErrBadTuple)
		}
		side, err := parseSide(c[0])
		if err != nil {
			return nil, fmt.Errorf("coinbase: change %d: %w", i, err)
		}
		changes = append(changes, adapter.Change{Side: side, Price: c[1], Size: c[2]})
	}

	batch := adapter.DeltaBatch{ProductID: u.ProductID, Changes: changes}
	if u.Time != "" {
		ts, err := time.Parse(time.RFC3339Nano, u.Time)
		if err != nil {
			return nil, fmt.Errorf("coinbase: l2update time %q: %w", u.Time, ErrBadTimestamp)
		}
		batch.Time = ts
	}
	return batch, nil
}

func quotes(raw [][]string) ([]adapter.Quote, error) {
	out := make([]adapter.Quote, 0, len(raw))
	for i, r := range raw {
		if len(r) != 2 {
			return nil, fmt.Errorf("level %d has %d fields: %w", i, len(r), ErrBadTuple)
		}
		out = append(out, adapter.Quote{Price: r[0], Size: r[1]})
	}
	return out, nil
}

// parseSide maps the wire side to a book side: "buy" is the bid, "sell"
// the ask.
func parseSide(s string) (adapter.Side, error) {
	switch s {
	case "buy":
		return adapter.SideBid, nil
	case "sell":
		return adapter.SideAsk, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownSide)
	}
}
