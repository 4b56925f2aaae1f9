package book

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Side identifies one half of the book.
type Side int

const (
	Bid Side = iota + 1
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Level is an aggregated price level held by the book. Size is always > 0.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// RawLevel is a price level exactly as it arrives from the feed: decimal
// strings that have not been validated yet.
type RawLevel struct {
	Price string
	Size  string
}

// RawChange is a single incremental update to one (side, price) level.
// A size of zero removes the level.
type RawChange struct {
	Side  Side
	Price string
	Size  string
}

// NullFloat is a float64 that may be absent. It marshals to JSON null when
// Valid is false.
type NullFloat struct {
	Float64 float64
	Valid   bool
}

// Some wraps a present value.
func Some(v float64) NullFloat { return NullFloat{Float64: v, Valid: true} }

// MarshalJSON implements json.Marshaler.
func (n NullFloat) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Float64)
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *NullFloat) UnmarshalJSON(data []byte) error {
	if strings.TrimSpace(string(data)) == "null" {
		*n = NullFloat{}
		return nil
	}
	if err := json.Unmarshal(data, &n.Float64); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// Metrics bundles the derived top-of-book values read from a single lock
// window, so Spread and MidPrice always come from the same best bid/ask.
type Metrics struct {
	BestBid   NullFloat `json:"best_bid"`
	BestAsk   NullFloat `json:"best_ask"`
	Spread    NullFloat `json:"spread"`
	MidPrice  NullFloat `json:"mid_price"`
	Imbalance NullFloat `json:"imbalance"`

	// Crossed reports best ask < best bid. Spread is then negative and is
	// reported as-is.
	Crossed bool `json:"crossed"`
}

// Depth is a top-N view of both sides: bids descending, asks ascending.
type Depth struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// Sample is one history tick.
type Sample struct {
	Time time.Time `json:"time"`
	Metrics
}
