package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCall_TripsOpenAfterThreshold(t *testing.T) {
	b := New("upstream", Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 1}, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	failing := func(context.Context) error { return boom }

	if err := b.Call(ctx, failing); !errors.Is(err, boom) {
		t.Fatalf("first failure: err = %v, want %v", err, boom)
	}
	if err := b.Call(ctx, failing); !errors.Is(err, boom) {
		t.Fatalf("second failure: err = %v, want %v", err, boom)
	}

	if err := b.Call(ctx, failing); !errors.Is(err, ErrOpen) {
		t.Fatalf("after threshold: err = %v, want ErrOpen", err)
	}
}

func TestCall_OpenBreakerShortCircuitsWithoutCallingFn(t *testing.T) {
	b := New("upstream", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1}, nil)
	ctx := context.Background()

	_ = b.Call(ctx, func(context.Context) error { return errors.New("boom") })

	called := false
	err := b.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("fn must not be invoked while the breaker is open and within the recovery timeout")
	}
}

func TestCall_HalfOpenRecoversToClosedAfterSuccesses(t *testing.T) {
	b := New("upstream", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, SuccessThreshold: 2}, nil)
	ctx := context.Background()

	_ = b.Call(ctx, func(context.Context) error { return errors.New("boom") })
	if got := b.Stats(ctx).State; got != Open.String() {
		t.Fatalf("state after tripping = %q, want %q", got, Open.String())
	}

	time.Sleep(20 * time.Millisecond)

	if err := b.Call(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("first probe call: err = %v", err)
	}
	if got := b.Stats(ctx).State; got != HalfOpen.String() {
		t.Fatalf("state after one success = %q, want %q", got, HalfOpen.String())
	}

	if err := b.Call(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("second probe call: err = %v", err)
	}
	if got := b.Stats(ctx).State; got != Closed.String() {
		t.Fatalf("state after reaching success threshold = %q, want %q", got, Closed.String())
	}
}

func TestCall_HalfOpenFailureReopens(t *testing.T) {
	b := New("upstream", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, SuccessThreshold: 2}, nil)
	ctx := context.Background()

	_ = b.Call(ctx, func(context.Context) error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	if err := b.Call(ctx, func(context.Context) error { return errors.New("boom again") }); err == nil {
		t.Fatal("expected the probe failure to be returned")
	}
	if got := b.Stats(ctx).State; got != Open.String() {
		t.Fatalf("state after a failed probe = %q, want %q", got, Open.String())
	}
}

func TestOnTransition_FiresOnTripAndRecover(t *testing.T) {
	b := New("upstream", Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond, SuccessThreshold: 1}, nil)
	ctx := context.Background()

	var transitions []State
	b.OnTransition(func(name string, st State) { transitions = append(transitions, st) })

	_ = b.Call(ctx, func(context.Context) error { return errors.New("boom") })
	time.Sleep(5 * time.Millisecond)
	_ = b.Call(ctx, func(context.Context) error { return nil })

	if len(transitions) != 3 {
		t.Fatalf("transitions = %v, want 3 entries (open, half_open, closed)", transitions)
	}
	if transitions[0] != Open || transitions[1] != HalfOpen || transitions[2] != Closed {
		t.Fatalf("transitions = %v, want [open half_open closed]", transitions)
	}
}

func TestRegistry_GetReturnsSameInstance(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Get("upstream", Config{FailureThreshold: 5})
	b := r.Get("upstream", Config{FailureThreshold: 99})
	if a != b {
		t.Fatal("Get() with the same name must return the same breaker instance, ignoring later cfg")
	}
}

func TestRegistry_ResetAllClosesEveryBreaker(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	a := r.Get("upstream", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	_ = a.Call(ctx, func(context.Context) error { return errors.New("boom") })
	if got := a.Stats(ctx).State; got != Open.String() {
		t.Fatalf("precondition: state = %q, want %q", got, Open.String())
	}

	r.ResetAll(ctx)

	if got := a.Stats(ctx).State; got != Closed.String() {
		t.Fatalf("state after ResetAll = %q, want %q", got, Closed.String())
	}
}
