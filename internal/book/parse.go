package book

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Sentinel errors returned by ApplySnapshot and ApplyDeltaBatch. They are
// wrapped with the position and value of the offending entry.
var (
	ErrInvalidNumber    = errors.New("value is not a decimal number")
	ErrNonPositivePrice = errors.New("price must be positive")
	ErrNegativeSize     = errors.New("size must not be negative")
	ErrInvalidSide      = errors.New("invalid book side")
)

// parseLevel converts a wire price/size pair into floats. Decimal parsing
// rejects NaN, Inf and anything else strconv would quietly accept.
func parseLevel(price, size string) (float64, float64, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return 0, 0, fmt.Errorf("price %q: %w", price, ErrInvalidNumber)
	}
	if !p.IsPositive() {
		return 0, 0, fmt.Errorf("price %q: %w", price, ErrNonPositivePrice)
	}

	s, err := decimal.NewFromString(size)
	if err != nil {
		return 0, 0, fmt.Errorf("size %q: %w", size, ErrInvalidNumber)
	}
	if s.IsNegative() {
		return 0, 0, fmt.Errorf("size %q: %w", size, ErrNegativeSize)
	}

	pf, ok := toFloat(p)
	if !ok {
		return 0, 0, fmt.Errorf("price %q out of float range: %w", price, ErrInvalidNumber)
	}
	sf, ok := toFloat(s)
	if !ok {
		return 0, 0, fmt.Errorf("size %q out of float range: %w", size, ErrInvalidNumber)
	}
	return pf, sf, nil
}

// maxMagnitude bounds the decimal order of magnitude accepted, a little
// past float64's range (about 1e-324 to 1e308).
const maxMagnitude = 330

// toFloat converts a non-negative decimal to float64. It fails when the
// value overflows to Inf or a non-zero value underflows to 0. The order of
// magnitude is checked first because converting a huge exponent
// materialises 10^exp as a big.Int.
func toFloat(d decimal.Decimal) (float64, bool) {
	if d.IsZero() {
		return 0, true
	}
	mag := int64(d.Exponent()) + int64(len(d.Coefficient().Text(10)))
	if mag > maxMagnitude || mag < -maxMagnitude {
		return 0, false
	}
	f := d.InexactFloat64()
	if math.IsInf(f, 0) || f == 0 {
		return 0, false
	}
	return f, true
}

// buildSide parses a full snapshot side into a fresh tree. Zero-size
// entries are skipped: a level with size 0 does not exist.
func buildSide(raw []RawLevel, desc bool) (*side, error) {
	s := newSide(desc)
	for i, r := range raw {
		price, size, err := parseLevel(r.Price, r.Size)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		s.set(price, size)
	}
	return s, nil
}

// change is a validated RawChange.
type change struct {
	side  Side
	price float64
	size  float64
}

func parseChanges(raw []RawChange) ([]change, error) {
	out := make([]change, 0, len(raw))
	for i, r := range raw {
		if r.Side != Bid && r.Side != Ask {
			return nil, fmt.Errorf("change %d: %v: %w", i, r.Side, ErrInvalidSide)
		}
		price, size, err := parseLevel(r.Price, r.Size)
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
		out = append(out, change{side: r.Side, price: price, size: size})
	}
	return out, nil
}
