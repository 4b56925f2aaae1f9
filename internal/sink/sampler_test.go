package sink

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depthscope/internal/book"
)

type fakeRecorder struct {
	calls atomic.Int32
}

func (f *fakeRecorder) RecordHistorySample() book.Sample {
	n := f.calls.Add(1)
	return book.Sample{
		Time:    time.UnixMilli(int64(n)),
		Metrics: book.Metrics{Spread: book.Some(float64(n))},
	}
}

func TestSampler_EmitsOnInterval(t *testing.T) {
	rec := &fakeRecorder{}
	s := NewSampler(rec, "BTC-USD", 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 1; i <= 3; i++ {
		select {
		case tick := <-s.Ticks():
			if tick.Product != "BTC-USD" {
				t.Fatalf("expected product BTC-USD, got %q", tick.Product)
			}
			if tick.Spread.Float64 != float64(i) {
				t.Fatalf("tick %d: expected spread %d, got %v", i, i, tick.Spread.Float64)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for tick %d", i)
		}
	}
}

func TestSampler_ClosesOnCancel(t *testing.T) {
	s := NewSampler(&fakeRecorder{}, "BTC-USD", time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, ok := <-s.Ticks(); ok {
		t.Fatal("expected Ticks to be closed")
	}
}

func TestSampler_RecordsWithoutReader(t *testing.T) {
	rec := &fakeRecorder{}
	s := NewSampler(rec, "BTC-USD", time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Nobody drains Ticks, yet sampling continues past the channel capacity.
	want := int32(cap(s.out) + 10)
	deadline := time.After(2 * time.Second)
	for rec.calls.Load() < want {
		select {
		case <-deadline:
			t.Fatalf("sampler stalled at %d samples", rec.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNewSampler_DefaultInterval(t *testing.T) {
	s := NewSampler(&fakeRecorder{}, "BTC-USD", 0, zap.NewNop())
	if s.interval != DefaultInterval {
		t.Fatalf("expected %v, got %v", DefaultInterval, s.interval)
	}
}
