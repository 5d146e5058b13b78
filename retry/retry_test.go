package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsAfterRetries(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), Options{Retries: 2, BaseDelay: time.Millisecond, Factor: 2}, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want last error", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoReturnsOnSuccess(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), Options{Retries: 2, BaseDelay: time.Millisecond}, func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("DoValue() = %q, %v", v, err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestDoZeroRetriesSingleAttempt(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Options{}, func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoRetryablePredicate(t *testing.T) {
	permanent := errors.New("auth invalid")
	calls := 0
	err := Do(context.Background(), Options{
		Retries:   5,
		BaseDelay: time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoJitterBounds(t *testing.T) {
	var waits []time.Duration
	o := Options{
		Retries:   3,
		BaseDelay: 2 * time.Millisecond,
		Factor:    2,
		Notify:    func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) },
	}
	_ = Do(context.Background(), o, func(context.Context) error { return errors.New("x") })
	if len(waits) != 3 {
		t.Fatalf("waits = %d, want 3", len(waits))
	}
	for i, w := range waits {
		nominal := NominalDelay(o, i)
		lo := time.Duration(float64(nominal) * 0.7)
		hi := time.Duration(float64(nominal)*1.3) + time.Microsecond
		if w < lo || w > hi {
			t.Errorf("wait[%d] = %v, want within [%v, %v]", i, w, lo, hi)
		}
	}
}

func TestNominalDelayStrictlyIncreasing(t *testing.T) {
	o := Options{Retries: 4, BaseDelay: 400 * time.Millisecond, Factor: 2}
	prev := time.Duration(0)
	for i := 0; i < 5; i++ {
		d := NominalDelay(o, i)
		if d <= prev {
			t.Fatalf("NominalDelay(%d) = %v, not greater than %v", i, d, prev)
		}
		prev = d
	}
	if got := NominalDelay(o, 0); got != 400*time.Millisecond {
		t.Fatalf("NominalDelay(0) = %v", got)
	}
	if got := NominalDelay(o, 2); got != 1600*time.Millisecond {
		t.Fatalf("NominalDelay(2) = %v", got)
	}
}

func TestDoContextCancelAbortsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	err := Do(ctx, Options{Retries: 3, BaseDelay: time.Second}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("cancellation did not abort the wait")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
