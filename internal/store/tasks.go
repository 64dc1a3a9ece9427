package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a queued task row.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// TaskRecord is one row of the durable FIFO task queue. Payload is the
// task's encoded arguments and Kind names the task; queue implementations
// never interpret the payload.
type TaskRecord struct {
	ID        uuid.UUID
	Kind      string
	Payload   []byte
	Status    TaskStatus
	RunAfter  time.Time
	Attempts  int
	LockedBy  string
	LockedAt  *time.Time
	CreatedAt time.Time
}

// TaskQueue is the durable, at-least-once FIFO broker backing the Task
// Runner (§4.4). Delivery is at-least-once: handlers must be idempotent.
type TaskQueue interface {
	// Enqueue inserts a new pending task, FIFO within its kind's priority
	// class by (run_after, created_at).
	Enqueue(ctx context.Context, task TaskRecord) error

	// Claim atomically selects and locks up to n pending tasks whose
	// run_after has elapsed, for worker identified by workerID, and marks
	// them running. Returns fewer than n if fewer are available.
	Claim(ctx context.Context, workerID string, n int) ([]TaskRecord, error)

	// Complete marks a claimed task succeeded.
	Complete(ctx context.Context, taskID uuid.UUID) error

	// Fail marks a claimed task failed. It is for terminal failures; a
	// retryable failure with attempts remaining goes through Reschedule
	// instead.
	Fail(ctx context.Context, taskID uuid.UUID, reason string) error

	// Reschedule returns a running task to pending with a new run_after,
	// for retry after a transient failure. It leaves attempts unchanged;
	// Claim is what increments attempts.
	Reschedule(ctx context.Context, taskID uuid.UUID, runAfter time.Time) error
}
