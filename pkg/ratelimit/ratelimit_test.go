package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestConsume_WithinCapacity(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	res, err := l.Consume(ctx, ScopeRPM, "key-a", 1, 5, 5, 60, FailClosed)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected first request within capacity to be allowed")
	}
	if res.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", res.Remaining)
	}
}

func TestConsume_ExhaustsBucket(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Consume(ctx, ScopeRPM, "key-b", 1, 3, 3, 60, FailClosed)
		if err != nil {
			t.Fatalf("Consume() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
	}

	res, err := l.Consume(ctx, ScopeRPM, "key-b", 1, 3, 3, 60, FailClosed)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if res.Allowed {
		t.Fatal("expected the 4th request to be denied once the bucket is exhausted")
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", res.Remaining)
	}
}

func TestConsume_IndependentBucketsPerIdentity(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.Consume(ctx, ScopeRPM, "key-c", 1, 1, 1, 60, FailClosed); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	res, err := l.Consume(ctx, ScopeRPM, "key-d", 1, 1, 1, 60, FailClosed)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if !res.Allowed {
		t.Fatal("a different identity's bucket should not be affected by another identity's consumption")
	}
}

func TestConsume_ZeroCapacityAlwaysDenies(t *testing.T) {
	l := newTestLimiter(t)
	res, err := l.Consume(context.Background(), ScopeRPM, "key-e", 1, 0, 0, 60, FailClosed)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if res.Allowed {
		t.Fatal("zero capacity must never allow a request")
	}
}

func TestRPM_NonPositiveLimitDenies(t *testing.T) {
	l := newTestLimiter(t)
	res, err := l.RPM(context.Background(), "hash", 0)
	if err != nil {
		t.Fatalf("RPM() error = %v", err)
	}
	if res.Allowed {
		t.Fatal("an RPM limit of 0 should deny every request")
	}
}

func TestRPH_CapacityIsSixtyTimesRPM(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	res, err := l.RPH(ctx, "hash", 2)
	if err != nil {
		t.Fatalf("RPH() error = %v", err)
	}
	if res.Limit != 120 {
		t.Errorf("Limit = %d, want 120", res.Limit)
	}
}

func TestIP_FailsOpenOnSubstrateError(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()
	l := New(rdb)

	res, err := l.IP(context.Background(), "203.0.113.1", 10, 60)
	if err == nil {
		t.Fatal("expected an error dialing an unreachable substrate")
	}
	if !res.Allowed {
		t.Fatal("IP scope must fail open when the KV substrate is unreachable")
	}
}
