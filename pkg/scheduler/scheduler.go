// Package scheduler maintains the named recurring background tasks —
// catalogue sync, embedding batches, aged-item cleanup, usage aggregation,
// idempotency-record sweep — each of which is itself enqueued through pkg/queue so its
// cancellation and status reporting stay uniform with ad hoc jobs (spec
// §4.12). The ticking idiom follows the teacher's RunScheduleTopUpLoop.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ctxmemory/gateway/pkg/queue"
)

// Task is one named recurring job. Params is evaluated fresh on every tick
// so it can carry things like "now" or a rolling cutoff.
type Task struct {
	Name     string
	JobType  string
	Queue    string
	Interval time.Duration
	Timeout  time.Duration
	Params   func() any
}

type Scheduler struct {
	queue  *queue.Queue
	logger *slog.Logger
	tasks  []Task
}

func New(q *queue.Queue, logger *slog.Logger) *Scheduler {
	return &Scheduler{queue: q, logger: logger}
}

// Register adds a recurring task. Call before Run.
func (s *Scheduler) Register(t Task) {
	s.tasks = append(s.tasks, t)
}

// Run starts one ticking goroutine per registered task and blocks until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.runTask(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	s.logger.Info("scheduled task started", "task", t.Name, "interval", t.Interval)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	s.fire(ctx, t)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduled task stopped", "task", t.Name)
			return
		case <-ticker.C:
			s.fire(ctx, t)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, t Task) {
	var params any
	if t.Params != nil {
		params = t.Params()
	}
	jobID, err := s.queue.Enqueue(ctx, t.JobType, params, t.Queue, t.Timeout)
	if err != nil {
		s.logger.Error("enqueuing scheduled task", "task", t.Name, "error", err)
		return
	}
	s.logger.Info("scheduled task enqueued", "task", t.Name, "job_id", jobID)
}
