package book

import (
	"errors"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"
)

const eps = 1e-9

func lv(price, size string) RawLevel { return RawLevel{Price: price, Size: size} }

func bidChange(price, size string) RawChange { return RawChange{Side: Bid, Price: price, Size: size} }
func askChange(price, size string) RawChange { return RawChange{Side: Ask, Price: price, Size: size} }

// seededBook returns the canonical two-level book:
// bids 100x1, 99x2 / asks 101x1, 102x3.
func seededBook(t *testing.T) *Book {
	t.Helper()
	b := New(DefaultConfig())
	err := b.ApplySnapshot(
		[]RawLevel{lv("100", "1"), lv("99", "2")},
		[]RawLevel{lv("101", "1"), lv("102", "3")},
	)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	return b
}

func TestBook_SnapshotMetrics(t *testing.T) {
	b := seededBook(t)

	if bid, ok := b.BestBid(); !ok || bid != 100 {
		t.Fatalf("expected best bid 100, got %v (ok=%v)", bid, ok)
	}
	if ask, ok := b.BestAsk(); !ok || ask != 101 {
		t.Fatalf("expected best ask 101, got %v (ok=%v)", ask, ok)
	}
	if s, ok := b.Spread(); !ok || s != 1 {
		t.Fatalf("expected spread 1, got %v (ok=%v)", s, ok)
	}
	if m, ok := b.MidPrice(); !ok || m != 100.5 {
		t.Fatalf("expected mid 100.5, got %v (ok=%v)", m, ok)
	}
	imb, ok := b.Imbalance()
	if !ok || math.Abs(imb-3.0/7.0) > eps {
		t.Fatalf("expected imbalance 3/7, got %v (ok=%v)", imb, ok)
	}
}

func TestBook_GetMetricsBundle(t *testing.T) {
	b := seededBook(t)
	m := b.GetMetrics()

	if !m.BestBid.Valid || !m.BestAsk.Valid || !m.Spread.Valid || !m.MidPrice.Valid || !m.Imbalance.Valid {
		t.Fatalf("expected all metrics present, got %+v", m)
	}
	if m.Spread.Float64 != m.BestAsk.Float64-m.BestBid.Float64 {
		t.Fatalf("spread %v does not match ask-bid %v", m.Spread.Float64, m.BestAsk.Float64-m.BestBid.Float64)
	}
	if m.MidPrice.Float64 != (m.BestAsk.Float64+m.BestBid.Float64)/2 {
		t.Fatalf("mid %v does not match (ask+bid)/2", m.MidPrice.Float64)
	}
	if m.Crossed {
		t.Fatal("well-formed book reported as crossed")
	}
}

func TestBook_EmptyBookIsAbsent(t *testing.T) {
	b := New(DefaultConfig())

	if _, ok := b.BestBid(); ok {
		t.Fatal("expected no best bid on empty book")
	}
	if _, ok := b.BestAsk(); ok {
		t.Fatal("expected no best ask on empty book")
	}
	if _, ok := b.Spread(); ok {
		t.Fatal("expected no spread on empty book")
	}
	if _, ok := b.MidPrice(); ok {
		t.Fatal("expected no mid price on empty book")
	}
	if _, ok := b.Imbalance(); ok {
		t.Fatal("expected no imbalance on empty book")
	}

	m := b.GetMetrics()
	if m != (Metrics{}) {
		t.Fatalf("expected zero-value metrics, got %+v", m)
	}

	d := b.DepthSnapshot(10)
	if len(d.Bids) != 0 || len(d.Asks) != 0 {
		t.Fatalf("expected empty depth, got %+v", d)
	}
}

func TestBook_OneSidedBook(t *testing.T) {
	b := New(DefaultConfig())
	if err := b.ApplySnapshot([]RawLevel{lv("100", "1")}, nil); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	m := b.GetMetrics()
	if !m.BestBid.Valid || m.BestBid.Float64 != 100 {
		t.Fatalf("expected best bid 100, got %+v", m.BestBid)
	}
	if m.BestAsk.Valid || m.Spread.Valid || m.MidPrice.Valid || m.Imbalance.Valid {
		t.Fatalf("expected ask-derived metrics absent, got %+v", m)
	}
}

func TestBook_DeltaRemovesLevel(t *testing.T) {
	b := seededBook(t)

	if err := b.ApplyDeltaBatch([]RawChange{bidChange("100", "0")}); err != nil {
		t.Fatalf("ApplyDeltaBatch: %v", err)
	}
	if bid, _ := b.BestBid(); bid != 99 {
		t.Fatalf("expected best bid 99 after removal, got %v", bid)
	}
	d := b.DepthSnapshot(10)
	for _, l := range d.Bids {
		if l.Price == 100 {
			t.Fatal("removed level 100 still present in depth")
		}
	}
}

func TestBook_DeltaUpsert(t *testing.T) {
	b := seededBook(t)

	err := b.ApplyDeltaBatch([]RawChange{
		bidChange("100.5", "4"), // new touch
		askChange("102", "7"),   // overwrite
	})
	if err != nil {
		t.Fatalf("ApplyDeltaBatch: %v", err)
	}

	if bid, _ := b.BestBid(); bid != 100.5 {
		t.Fatalf("expected best bid 100.5, got %v", bid)
	}
	d := b.DepthSnapshot(10)
	if d.Asks[1] != (Level{Price: 102, Size: 7}) {
		t.Fatalf("expected ask 102x7, got %+v", d.Asks[1])
	}
}

func TestBook_DeltaRemoveAbsentIsNoop(t *testing.T) {
	b := seededBook(t)

	if err := b.ApplyDeltaBatch([]RawChange{askChange("150", "0"), askChange("150", "0")}); err != nil {
		t.Fatalf("ApplyDeltaBatch: %v", err)
	}
	if bids, asks := b.Len(); bids != 2 || asks != 2 {
		t.Fatalf("expected 2/2 levels, got %d/%d", bids, asks)
	}
}

func TestBook_DuplicateInBatchLastWins(t *testing.T) {
	b := seededBook(t)

	err := b.ApplyDeltaBatch([]RawChange{
		bidChange("98", "5"),
		bidChange("98", "6"),
		askChange("103", "1"),
		askChange("103", "0"),
	})
	if err != nil {
		t.Fatalf("ApplyDeltaBatch: %v", err)
	}

	d := b.DepthSnapshot(10)
	if got := d.Bids[len(d.Bids)-1]; got != (Level{Price: 98, Size: 6}) {
		t.Fatalf("expected 98x6, got %+v", got)
	}
	for _, l := range d.Asks {
		if l.Price == 103 {
			t.Fatal("level 103 should have been removed by the later entry")
		}
	}
}

func TestBook_SnapshotReplacesPriorState(t *testing.T) {
	b := seededBook(t)

	if err := b.ApplySnapshot([]RawLevel{lv("50", "1")}, []RawLevel{lv("51", "1")}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	d := b.DepthSnapshot(10)
	if len(d.Bids) != 1 || len(d.Asks) != 1 {
		t.Fatalf("expected 1/1 levels after resnapshot, got %+v", d)
	}
	if d.Bids[0].Price != 50 || d.Asks[0].Price != 51 {
		t.Fatalf("unexpected levels after resnapshot: %+v", d)
	}
}

func TestBook_SnapshotSkipsZeroSize(t *testing.T) {
	b := New(DefaultConfig())
	if err := b.ApplySnapshot([]RawLevel{lv("100", "0"), lv("99", "1")}, nil); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if bid, _ := b.BestBid(); bid != 99 {
		t.Fatalf("expected zero-size level skipped, best bid %v", bid)
	}
}

func TestBook_MalformedSnapshotLeavesBookUntouched(t *testing.T) {
	tests := []struct {
		name string
		bids []RawLevel
		asks []RawLevel
		want error
	}{
		{"bad bid price", []RawLevel{lv("abc", "1")}, nil, ErrInvalidNumber},
		{"bad ask size", []RawLevel{lv("10", "1")}, []RawLevel{lv("11", "1"), lv("12", "x")}, ErrInvalidNumber},
		{"nan", []RawLevel{lv("NaN", "1")}, nil, ErrInvalidNumber},
		{"empty string", nil, []RawLevel{lv("", "1")}, ErrInvalidNumber},
		{"zero price", []RawLevel{lv("0", "1")}, nil, ErrNonPositivePrice},
		{"negative size", nil, []RawLevel{lv("11", "-1")}, ErrNegativeSize},
		{"price overflows", []RawLevel{lv("1e400", "1")}, nil, ErrInvalidNumber},
		{"price underflows", []RawLevel{lv("1e-400", "1")}, nil, ErrInvalidNumber},
		{"size underflows", nil, []RawLevel{lv("11", "1e-400")}, ErrInvalidNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := seededBook(t)
			before := b.DepthSnapshot(100)

			err := b.ApplySnapshot(tt.bids, tt.asks)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}

			after := b.DepthSnapshot(100)
			if !depthEqual(before, after) {
				t.Fatalf("book changed on failed snapshot:\nbefore %+v\nafter  %+v", before, after)
			}
		})
	}
}

func TestBook_MalformedBatchIsRejectedWhole(t *testing.T) {
	tests := []struct {
		name    string
		changes []RawChange
		want    error
	}{
		{"bad number after valid", []RawChange{bidChange("100", "0"), askChange("101", "1.2.3")}, ErrInvalidNumber},
		{"negative size", []RawChange{bidChange("98", "1"), bidChange("97", "-3")}, ErrNegativeSize},
		{"invalid side", []RawChange{{Side: Side(9), Price: "1", Size: "1"}}, ErrInvalidSide},
		{"negative price", []RawChange{askChange("-101", "1")}, ErrNonPositivePrice},
		{"size underflows to zero", []RawChange{bidChange("100", "1e-400")}, ErrInvalidNumber},
		{"price underflows to zero", []RawChange{bidChange("1e-400", "1")}, ErrInvalidNumber},
		{"size overflows", []RawChange{askChange("101", "1e309")}, ErrInvalidNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := seededBook(t)
			before := b.DepthSnapshot(100)

			err := b.ApplyDeltaBatch(tt.changes)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if after := b.DepthSnapshot(100); !depthEqual(before, after) {
				t.Fatalf("book changed on rejected batch:\nbefore %+v\nafter  %+v", before, after)
			}
		})
	}
}

func TestBook_HugeExponentRejectedPromptly(t *testing.T) {
	tests := []struct {
		name  string
		apply func(b *Book) error
	}{
		{"snapshot price", func(b *Book) error {
			return b.ApplySnapshot([]RawLevel{lv("1e2000000000", "1")}, nil)
		}},
		{"snapshot size", func(b *Book) error {
			return b.ApplySnapshot(nil, []RawLevel{lv("101", "1e2000000000")})
		}},
		{"batch tiny size", func(b *Book) error {
			return b.ApplyDeltaBatch([]RawChange{bidChange("100", "1e-2000000000")})
		}},
		{"batch price", func(b *Book) error {
			return b.ApplyDeltaBatch([]RawChange{askChange("1e2000000000", "1")})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := seededBook(t)
			before := b.DepthSnapshot(100)

			errc := make(chan error, 1)
			go func() { errc <- tt.apply(b) }()

			select {
			case err := <-errc:
				if !errors.Is(err, ErrInvalidNumber) {
					t.Fatalf("expected ErrInvalidNumber, got %v", err)
				}
			case <-time.After(time.Second):
				t.Fatal("apply did not return")
			}
			if after := b.DepthSnapshot(100); !depthEqual(before, after) {
				t.Fatalf("book changed on rejected input:\nbefore %+v\nafter  %+v", before, after)
			}
		})
	}
}

func TestBook_CrossedBookIsDetected(t *testing.T) {
	b := seededBook(t)

	// A bid through the ask is bad data; the spread must go negative, not
	// be clamped.
	if err := b.ApplyDeltaBatch([]RawChange{bidChange("101.5", "1")}); err != nil {
		t.Fatalf("ApplyDeltaBatch: %v", err)
	}

	m := b.GetMetrics()
	if !m.Crossed {
		t.Fatal("expected crossed book to be flagged")
	}
	if !m.Spread.Valid || m.Spread.Float64 >= 0 {
		t.Fatalf("expected negative spread, got %+v", m.Spread)
	}
}

func TestBook_ImbalanceUsesTopTenLevels(t *testing.T) {
	b := New(DefaultConfig())

	var bids, asks []RawLevel
	for i := 0; i < 15; i++ {
		bids = append(bids, lv(strconv.Itoa(100-i), "1"))
		asks = append(asks, lv(strconv.Itoa(101+i), "1"))
	}
	// Deep levels beyond the top ten must not count.
	bids = append(bids, lv("10", "1000"))

	if err := b.ApplySnapshot(bids, asks); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	imb, ok := b.Imbalance()
	if !ok || imb != 0.5 {
		t.Fatalf("expected balanced imbalance 0.5, got %v (ok=%v)", imb, ok)
	}
}

func TestBook_ImbalanceFewerThanTenLevels(t *testing.T) {
	b := New(DefaultConfig())
	err := b.ApplySnapshot(
		[]RawLevel{lv("100", "3")},
		[]RawLevel{lv("101", "0.5"), lv("102", "0.5")},
	)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if imb, _ := b.Imbalance(); math.Abs(imb-0.75) > eps {
		t.Fatalf("expected 0.75, got %v", imb)
	}
}

func TestBook_DepthSnapshotOrderingAndBounds(t *testing.T) {
	b := New(DefaultConfig())
	err := b.ApplySnapshot(
		[]RawLevel{lv("99", "1"), lv("100", "1"), lv("97", "1"), lv("98", "1")},
		[]RawLevel{lv("104", "1"), lv("101", "1"), lv("103", "1")},
	)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	d := b.DepthSnapshot(3)
	if len(d.Bids) != 3 || len(d.Asks) != 3 {
		t.Fatalf("expected 3/3 levels, got %d/%d", len(d.Bids), len(d.Asks))
	}
	wantBids := []float64{100, 99, 98}
	wantAsks := []float64{101, 103, 104}
	for i := range wantBids {
		if d.Bids[i].Price != wantBids[i] {
			t.Fatalf("bid %d: expected %v, got %v", i, wantBids[i], d.Bids[i].Price)
		}
		if d.Asks[i].Price != wantAsks[i] {
			t.Fatalf("ask %d: expected %v, got %v", i, wantAsks[i], d.Asks[i].Price)
		}
	}

	d = b.DepthSnapshot(50)
	if len(d.Bids) != 4 || len(d.Asks) != 3 {
		t.Fatalf("expected no padding, got %d/%d", len(d.Bids), len(d.Asks))
	}

	d = b.DepthSnapshot(0)
	if len(d.Bids) != 0 || len(d.Asks) != 0 {
		t.Fatalf("expected empty depth for levels=0, got %+v", d)
	}
}

func TestBook_RandomDeltasKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := seededBook(t)

	// Shadow model: last size written per (side, price).
	model := map[Side]map[float64]float64{
		Bid: {100: 1, 99: 2},
		Ask: {101: 1, 102: 3},
	}

	for round := 0; round < 200; round++ {
		var batch []RawChange
		for i := 0; i < 1+rng.Intn(8); i++ {
			s := Bid
			price := float64(90 + rng.Intn(11))
			if rng.Intn(2) == 0 {
				s = Ask
				price = float64(101 + rng.Intn(11))
			}
			size := float64(rng.Intn(4)) // 0 removes
			batch = append(batch, RawChange{
				Side:  s,
				Price: strconv.FormatFloat(price, 'f', -1, 64),
				Size:  strconv.FormatFloat(size, 'f', -1, 64),
			})
			if size == 0 {
				delete(model[s], price)
			} else {
				model[s][price] = size
			}
		}
		if err := b.ApplyDeltaBatch(batch); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}

		d := b.DepthSnapshot(1000)
		checkSide(t, d.Bids, model[Bid], true)
		checkSide(t, d.Asks, model[Ask], false)

		m := b.GetMetrics()
		if m.BestBid.Valid != (len(model[Bid]) > 0) || m.BestAsk.Valid != (len(model[Ask]) > 0) {
			t.Fatalf("round %d: best price presence mismatch: %+v", round, m)
		}
		if m.Spread.Valid && m.Spread.Float64 < 0 {
			t.Fatalf("round %d: negative spread on well-formed book", round)
		}
		if m.Imbalance.Valid && (m.Imbalance.Float64 < 0 || m.Imbalance.Float64 > 1) {
			t.Fatalf("round %d: imbalance out of range: %v", round, m.Imbalance.Float64)
		}
	}
}

func checkSide(t *testing.T, got []Level, want map[float64]float64, desc bool) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d levels, got %d", len(want), len(got))
	}
	for i, l := range got {
		if l.Size <= 0 {
			t.Fatalf("stored level with non-positive size: %+v", l)
		}
		if want[l.Price] != l.Size {
			t.Fatalf("level %v: expected size %v, got %v", l.Price, want[l.Price], l.Size)
		}
		if i > 0 {
			if desc && got[i-1].Price <= l.Price {
				t.Fatalf("bids not strictly descending at %d", i)
			}
			if !desc && got[i-1].Price >= l.Price {
				t.Fatalf("asks not strictly ascending at %d", i)
			}
		}
	}
}

func TestBook_HistoryCapacity(t *testing.T) {
	b := seededBook(t)

	// First sample has a distinct spread so its eviction is observable.
	b.RecordHistorySample()
	if err := b.ApplyDeltaBatch([]RawChange{askChange("101", "0")}); err != nil {
		t.Fatalf("ApplyDeltaBatch: %v", err)
	}
	for i := 0; i < DefaultHistoryCapacity; i++ {
		b.RecordHistorySample()
	}

	for name, h := range map[string][]NullFloat{
		"spread":    b.SpreadHistory(),
		"mid":       b.MidPriceHistory(),
		"imbalance": b.ImbalanceHistory(),
	} {
		if len(h) != DefaultHistoryCapacity {
			t.Fatalf("%s history: expected %d entries, got %d", name, DefaultHistoryCapacity, len(h))
		}
	}

	for i, v := range b.SpreadHistory() {
		if !v.Valid || v.Float64 != 2 {
			t.Fatalf("spread[%d]: expected 2 after eviction of first sample, got %+v", i, v)
		}
	}
}

func TestBook_HistoryRecordsAbsence(t *testing.T) {
	b := New(DefaultConfig())
	b.nowFunc = func() time.Time { return time.Unix(1700000000, 0) }

	s := b.RecordHistorySample()
	if s.Spread.Valid || s.MidPrice.Valid || s.Imbalance.Valid {
		t.Fatalf("expected absent sample on empty book, got %+v", s)
	}
	if !s.Time.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected sample time %v", s.Time)
	}

	h := b.SpreadHistory()
	if len(h) != 1 || h[0].Valid {
		t.Fatalf("expected one absent entry, got %+v", h)
	}
}

func TestBook_ConcurrentReadersSeeWholeBatches(t *testing.T) {
	b := New(DefaultConfig())
	if err := b.ApplySnapshot([]RawLevel{lv("100", "1")}, []RawLevel{lv("101", "1")}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	// Every batch moves both touches together, so a consistent reader always
	// sees a spread of exactly 1.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			bid := 100 + i
			_ = b.ApplyDeltaBatch([]RawChange{
				bidChange(strconv.Itoa(bid), "0"),
				askChange(strconv.Itoa(bid+1), "0"),
				bidChange(strconv.Itoa(bid+1), "1"),
				askChange(strconv.Itoa(bid+2), "1"),
			})
		}
		close(done)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				m := b.GetMetrics()
				if !m.Spread.Valid || m.Spread.Float64 != 1 {
					t.Errorf("observed partial batch: %+v", m)
					return
				}
				b.RecordHistorySample()
			}
		}()
	}
	wg.Wait()
}

func depthEqual(a, b Depth) bool {
	if len(a.Bids) != len(b.Bids) || len(a.Asks) != len(b.Asks) {
		return false
	}
	for i := range a.Bids {
		if a.Bids[i] != b.Bids[i] {
			return false
		}
	}
	for i := range a.Asks {
		if a.Asks[i] != b.Asks[i] {
			return false
		}
	}
	return true
}
