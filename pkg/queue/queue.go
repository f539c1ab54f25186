// Package queue implements the named-lane job queue backing background work
// (catalogue sync, embedding generation, cleanup, usage aggregation). Jobs
// are durable KV records; a work-stealing consumer drains lanes in priority
// order, and a timeout kills any job that overruns its deadline (spec §4.12).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lane names, checked in this order by Dequeue so interactive work (sync,
// embeddings) is never starved by bulk lanes (cleanup, analytics).
const (
	LaneDefault    = "default"
	LaneSync       = "sync"
	LaneEmbeddings = "embeddings"
	LaneCleanup    = "cleanup"
	LaneAnalytics  = "analytics"
)

// DefaultLaneOrder is the priority order used when a consumer listens on
// every lane (the worker process).
var DefaultLaneOrder = []string{LaneDefault, LaneSync, LaneEmbeddings, LaneCleanup, LaneAnalytics}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Job is a durable record of one unit of background work.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Queue      string          `json:"queue"`
	Params     json.RawMessage `json:"params"`
	Status     Status          `json:"status"`
	Timeout    time.Duration   `json:"timeout"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
}

var ErrNotFound = errors.New("queue: job not found")

// Queue is a KV-backed durable job queue. Each lane is a Redis list of job
// IDs; each job's record is a separate key so Status/Cancel can mutate it
// without touching the lane list.
type Queue struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func laneKey(queueName string) string { return "queue:lane:" + queueName }
func jobKey(jobID string) string      { return "queue:job:" + jobID }

// Enqueue durably records a job and pushes its ID onto the named lane.
func (q *Queue) Enqueue(ctx context.Context, jobType string, params any, queueName string, timeout time.Duration) (string, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encoding job params: %w", err)
	}
	job := Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Queue:      queueName,
		Params:     encoded,
		Status:     StatusPending,
		Timeout:    timeout,
		EnqueuedAt: time.Now(),
	}
	if err := q.save(ctx, job); err != nil {
		return "", err
	}
	if err := q.rdb.RPush(ctx, laneKey(queueName), job.ID).Err(); err != nil {
		return "", fmt.Errorf("pushing to lane %s: %w", queueName, err)
	}
	return job.ID, nil
}

// Status returns the current record for a job.
func (q *Queue) Status(ctx context.Context, jobID string) (*Job, error) {
	return q.load(ctx, jobID)
}

// Cancel marks a pending or running job cancelled. A consumer that has
// already popped the job checks its status before invoking the handler, and
// the timeout watchdog checks it before marking a hung job timed out.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusPending && job.Status != StatusRunning {
		return fmt.Errorf("cannot cancel job in status %s", job.Status)
	}
	job.Status = StatusCancelled
	now := time.Now()
	job.FinishedAt = &now
	return q.save(ctx, *job)
}

// Clear drops every queued (not yet dequeued) job ID from a lane. Jobs
// already running are unaffected.
func (q *Queue) Clear(ctx context.Context, queueName string) error {
	return q.rdb.Del(ctx, laneKey(queueName)).Err()
}

// Dequeue blocks on the given lanes, in order, up to blockTimeout, and
// returns the next job whose status is still pending. Lanes listed earlier
// are preferred: Redis's BLPOP checks keys left-to-right, so listing lanes
// in priority order implements the "work-stealing" consumer the spec calls
// for without a separate scheduler per lane.
func (q *Queue) Dequeue(ctx context.Context, lanes []string, blockTimeout time.Duration) (*Job, error) {
	keys := make([]string, len(lanes))
	for i, l := range lanes {
		keys[i] = laneKey(l)
	}
	result, err := q.rdb.BLPop(ctx, blockTimeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeuing: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}
	job, err := q.load(ctx, result[1])
	if err != nil {
		return nil, err
	}
	if job.Status == StatusCancelled {
		return nil, nil
	}
	return job, nil
}

// MarkRunning transitions a job to running and records its start time.
func (q *Queue) MarkRunning(ctx context.Context, jobID string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusRunning
	now := time.Now()
	job.StartedAt = &now
	return q.save(ctx, *job)
}

// MarkDone records the terminal outcome of a job. jobErr is nil on success.
func (q *Queue) MarkDone(ctx context.Context, jobID string, jobErr error) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now()
	job.FinishedAt = &now
	if jobErr != nil {
		job.Status = StatusFailed
		job.Error = jobErr.Error()
	} else {
		job.Status = StatusSucceeded
	}
	return q.save(ctx, *job)
}

// MarkTimedOut records that a job exceeded its deadline.
func (q *Queue) MarkTimedOut(ctx context.Context, jobID string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == StatusCancelled {
		return nil
	}
	job.Status = StatusTimedOut
	job.Error = "job exceeded its timeout"
	now := time.Now()
	job.FinishedAt = &now
	return q.save(ctx, *job)
}

func (q *Queue) save(ctx context.Context, job Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job record: %w", err)
	}
	return q.rdb.Set(ctx, jobKey(job.ID), encoded, 7*24*time.Hour).Err()
}

func (q *Queue) load(ctx context.Context, jobID string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", jobID, err)
	}
	return &job, nil
}
