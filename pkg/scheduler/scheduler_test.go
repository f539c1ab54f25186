package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ctxmemory/gateway/pkg/queue"
)

func newTestScheduler(t *testing.T) (*Scheduler, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.New(rdb)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(q, logger), q
}

func TestRun_FiresImmediatelyOnStart(t *testing.T) {
	s, q := newTestScheduler(t)
	s.Register(Task{
		Name:     "catalogue_sync",
		JobType:  "catalogue_sync",
		Queue:    queue.LaneSync,
		Interval: time.Hour,
		Timeout:  time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	job, err := q.Dequeue(context.Background(), []string{queue.LaneSync}, 500*time.Millisecond)
	cancel()
	<-done

	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if job == nil {
		t.Fatal("expected the registered task to fire immediately on Run()")
	}
	if job.Type != "catalogue_sync" {
		t.Errorf("job.Type = %q, want %q", job.Type, "catalogue_sync")
	}
}

func TestRun_StopsWhenContextCancelled(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.Register(Task{
		Name:     "cleanup",
		JobType:  "cleanup",
		Queue:    queue.LaneCleanup,
		Interval: time.Hour,
		Timeout:  time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestFire_UsesParamsFunc(t *testing.T) {
	s, q := newTestScheduler(t)
	called := false
	s.fire(context.Background(), Task{
		Name:    "usage_aggregate",
		JobType: "usage_aggregate",
		Queue:   queue.LaneAnalytics,
		Timeout: time.Minute,
		Params: func() any {
			called = true
			return map[string]any{"since": "yesterday"}
		},
	})

	if !called {
		t.Fatal("expected Params() to be invoked when firing a task")
	}

	job, err := q.Dequeue(context.Background(), []string{queue.LaneAnalytics}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if job == nil {
		t.Fatal("expected fire() to enqueue a job")
	}
}
