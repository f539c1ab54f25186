package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Handler runs one job's work. It receives the decoded params and should
// respect ctx cancellation (the runner cancels ctx when the job's timeout
// elapses).
type Handler func(ctx context.Context, params json.RawMessage) error

// registration records one (name -> handler, queue, timeout) binding. Job identity
// is the name, not a closure, per spec §4.12's explicit re-architecture of
// the original's decorator-based scheduling.
type registration struct {
	handler      Handler
	defaultQueue string
	timeout      time.Duration
}

// Registry holds named job handlers a Runner dispatches to.
type Registry struct {
	jobs map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]registration)}
}

// Register binds a job type name to its handler, default lane, and default
// timeout. Call before starting a Runner.
func (reg *Registry) Register(name string, handler Handler, defaultQueue string, defaultTimeout time.Duration) {
	reg.jobs[name] = registration{handler: handler, defaultQueue: defaultQueue, timeout: defaultTimeout}
}

// Runner is the work-stealing consumer: it polls its configured lanes in
// priority order and dispatches each popped job to its registered handler.
type Runner struct {
	queue  *Queue
	reg    *Registry
	lanes  []string
	logger *slog.Logger
}

func NewRunner(q *Queue, reg *Registry, lanes []string, logger *slog.Logger) *Runner {
	if len(lanes) == 0 {
		lanes = DefaultLaneOrder
	}
	return &Runner{queue: q, reg: reg, lanes: lanes, logger: logger}
}

// Run blocks, dequeuing and executing jobs until ctx is cancelled.
func (rn *Runner) Run(ctx context.Context) {
	rn.logger.Info("queue runner started", "lanes", rn.lanes)
	for {
		select {
		case <-ctx.Done():
			rn.logger.Info("queue runner stopped")
			return
		default:
		}

		job, err := rn.queue.Dequeue(ctx, rn.lanes, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			rn.logger.Error("dequeuing job", "error", err)
			continue
		}
		if job == nil {
			continue
		}
		rn.execute(ctx, job)
	}
}

func (rn *Runner) execute(ctx context.Context, job *Job) {
	reg, ok := rn.reg.jobs[job.Type]
	if !ok {
		rn.logger.Error("no handler registered for job type", "type", job.Type, "job_id", job.ID)
		_ = rn.queue.MarkDone(ctx, job.ID, fmt.Errorf("no handler registered for job type %q", job.Type))
		return
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = reg.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := rn.queue.MarkRunning(ctx, job.ID); err != nil {
		rn.logger.Error("marking job running", "job_id", job.ID, "error", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- reg.handler(runCtx, job.Params) }()

	select {
	case err := <-errCh:
		if err != nil {
			rn.logger.Error("job failed", "type", job.Type, "job_id", job.ID, "error", err)
		}
		if markErr := rn.queue.MarkDone(ctx, job.ID, err); markErr != nil {
			rn.logger.Error("recording job outcome", "job_id", job.ID, "error", markErr)
		}
	case <-runCtx.Done():
		rn.logger.Error("job timed out", "type", job.Type, "job_id", job.ID, "timeout", timeout)
		if err := rn.queue.MarkTimedOut(ctx, job.ID); err != nil {
			rn.logger.Error("recording job timeout", "job_id", job.ID, "error", err)
		}
	}
}
