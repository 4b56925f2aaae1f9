package book

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// side is one half of the book: a red-black tree keyed by price. Bids are
// read from the high end (desc), asks from the low end.
type side struct {
	levels *treemap.Map
	desc   bool
}

func newSide(desc bool) *side {
	return &side{
		levels: treemap.NewWith(utils.Float64Comparator),
		desc:   desc,
	}
}

// set upserts a level, or removes it when size is zero. Removing a price
// that is not present is a no-op.
func (s *side) set(price, size float64) {
	if size == 0 {
		s.levels.Remove(price)
		return
	}
	s.levels.Put(price, size)
}

func (s *side) len() int { return s.levels.Size() }

// best returns the touch price: highest bid or lowest ask.
func (s *side) best() (float64, bool) {
	if s.levels.Empty() {
		return 0, false
	}
	var k interface{}
	if s.desc {
		k, _ = s.levels.Max()
	} else {
		k, _ = s.levels.Min()
	}
	return k.(float64), true
}

// walk visits up to n levels starting at the touch and moving away from it.
func (s *side) walk(n int, fn func(price, size float64)) {
	if n <= 0 {
		return
	}
	it := s.levels.Iterator()
	step := it.Next
	if s.desc {
		it.End()
		step = it.Prev
	}
	for i := 0; i < n && step(); i++ {
		fn(it.Key().(float64), it.Value().(float64))
	}
}

// top returns up to n levels ordered from the touch outwards.
func (s *side) top(n int) []Level {
	out := make([]Level, 0, min(n, s.len()))
	s.walk(n, func(price, size float64) {
		out = append(out, Level{Price: price, Size: size})
	})
	return out
}

// volume sums the sizes of the n levels nearest the touch.
func (s *side) volume(n int) float64 {
	var total float64
	s.walk(n, func(_, size float64) {
		total += size
	})
	return total
}
