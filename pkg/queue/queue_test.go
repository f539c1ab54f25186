package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *Queue {
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

func TestEnqueueDequeue_RoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "catalogue_sync", map[string]any{"foo": "bar"}, LaneSync, time.Minute)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	job, err := q.Dequeue(ctx, []string{LaneSync}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if job == nil {
		t.Fatal("Dequeue() returned nil, want the enqueued job")
	}
	if job.ID != id {
		t.Errorf("job.ID = %q, want %q", job.ID, id)
	}
	if job.Status != StatusPending {
		t.Errorf("job.Status = %q, want %q", job.Status, StatusPending)
	}
}

func TestDequeue_PrefersEarlierLane(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "cleanup", nil, LaneCleanup, time.Minute)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	syncID, err := q.Enqueue(ctx, "catalogue_sync", nil, LaneSync, time.Minute)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	job, err := q.Dequeue(ctx, []string{LaneSync, LaneCleanup}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if job == nil || job.ID != syncID {
		t.Fatalf("Dequeue() = %+v, want the sync-lane job to be preferred", job)
	}
}

func TestDequeue_TimesOutOnEmptyLanes(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.Dequeue(context.Background(), []string{LaneDefault}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if job != nil {
		t.Fatalf("Dequeue() = %+v, want nil on an empty lane", job)
	}
}

func TestMarkRunningThenMarkDone_Success(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "cleanup", nil, LaneCleanup, time.Minute)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.MarkRunning(ctx, id); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}
	if err := q.MarkDone(ctx, id, nil); err != nil {
		t.Fatalf("MarkDone() error = %v", err)
	}

	job, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if job.Status != StatusSucceeded {
		t.Errorf("job.Status = %q, want %q", job.Status, StatusSucceeded)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Error("expected both StartedAt and FinishedAt to be set")
	}
}

func TestMarkDone_FailureRecordsError(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "cleanup", nil, LaneCleanup, time.Minute)
	if err := q.MarkDone(ctx, id, errTest); err != nil {
		t.Fatalf("MarkDone() error = %v", err)
	}

	job, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if job.Status != StatusFailed {
		t.Errorf("job.Status = %q, want %q", job.Status, StatusFailed)
	}
	if job.Error != errTest.Error() {
		t.Errorf("job.Error = %q, want %q", job.Error, errTest.Error())
	}
}

func TestCancel_RejectsTerminalJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "cleanup", nil, LaneCleanup, time.Minute)
	if err := q.MarkDone(ctx, id, nil); err != nil {
		t.Fatalf("MarkDone() error = %v", err)
	}
	if err := q.Cancel(ctx, id); err == nil {
		t.Fatal("Cancel() on a succeeded job should fail")
	}
}

func TestDequeue_SkipsCancelledJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "cleanup", nil, LaneCleanup, time.Minute)
	if err := q.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	job, err := q.Dequeue(ctx, []string{LaneCleanup}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if job != nil {
		t.Fatalf("Dequeue() = %+v, want nil for a cancelled job", job)
	}
}

func TestStatus_UnknownJobReturnsErrNotFound(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Status(context.Background(), "does-not-exist")
	if err != ErrNotFound {
		t.Fatalf("Status() error = %v, want ErrNotFound", err)
	}
}

var errTest = testError("upstream exploded")

type testError string

func (e testError) Error() string { return string(e) }
