package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"distfs/internal/callgroup"
	"distfs/internal/logging"
	"distfs/internal/store"

	"github.com/google/uuid"
)

// recycleAfter is the number of tasks a single worker goroutine processes
// before it exits and is respawned, per spec.md §5's default.
const recycleAfter = 1000

// Pool claims and executes tasks from a store.TaskQueue using a fixed
// number of worker goroutines. Handlers are registered per Kind; an
// unregistered kind is a configuration error caught at Run time.
type Pool struct {
	queue    store.TaskQueue
	handlers map[Kind]Handler
	workers  int
	log      *slog.Logger

	dedup callgroup.Group[uuid.UUID]
}

// NewPool builds a worker pool of the given size against queue. Register
// handlers with Handle before calling Run.
func NewPool(queue store.TaskQueue, workers int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		queue:    queue,
		handlers: make(map[Kind]Handler),
		workers:  workers,
		log:      logging.Default(log).With("component", "tasks.pool"),
	}
}

// Handle registers the function that executes tasks of the given kind.
func (p *Pool) Handle(kind Kind, h Handler) {
	p.handlers[kind] = h
}

// Run claims and executes tasks until ctx is cancelled, blocking until
// every worker goroutine has exited.
func (p *Pool) Run(ctx context.Context, workerIDPrefix string) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", workerIDPrefix, i)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				p.runWorker(ctx, workerID)
			}
		}()
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	processed := 0
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		claimed, err := p.queue.Claim(ctx, workerID, 1)
		if err != nil {
			p.log.Warn("claim failed", "worker", workerID, "error", err)
			continue
		}
		for _, task := range claimed {
			p.execute(ctx, workerID, task)
			processed++
		}
		if processed >= recycleAfter {
			p.log.Info("worker recycling", "worker", workerID, "processed", processed)
			return
		}
	}
}

func (p *Pool) execute(ctx context.Context, workerID string, task store.TaskRecord) {
	handler, ok := p.handlers[Kind(task.Kind)]
	if !ok {
		p.log.Error("no handler registered for task kind", "kind", task.Kind, "task_id", task.ID)
		_ = p.queue.Fail(ctx, task.ID, "unregistered kind: "+task.Kind)
		return
	}

	policy := policyFor(Kind(task.Kind))
	runCtx := ctx
	if policy.HardTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, policy.HardTimeout)
		defer cancel()
	}
	if policy.SoftTimeout > 0 {
		timer := time.AfterFunc(policy.SoftTimeout, func() {
			p.log.Warn("task exceeded soft timeout", "task_id", task.ID, "kind", task.Kind, "soft_timeout", policy.SoftTimeout)
		})
		defer timer.Stop()
	}

	errCh := p.dedup.DoChan(task.ID, func() error {
		return handler(runCtx, task.Payload)
	})

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		return
	}

	if runErr == nil {
		if err := p.queue.Complete(ctx, task.ID); err != nil {
			p.log.Error("mark complete failed", "task_id", task.ID, "error", err)
		}
		return
	}

	if retryable(runErr) && task.Attempts < policy.MaxAttempts {
		runAfter := time.Now().Add(policy.Backoff(task.Attempts))
		if err := p.queue.Reschedule(ctx, task.ID, runAfter); err != nil {
			p.log.Error("reschedule failed", "task_id", task.ID, "error", err)
		}
		p.log.Warn("task failed, rescheduled", "task_id", task.ID, "kind", task.Kind, "attempts", task.Attempts, "error", runErr)
		return
	}

	if err := p.queue.Fail(ctx, task.ID, runErr.Error()); err != nil {
		p.log.Error("mark failed failed", "task_id", task.ID, "error", err)
	}
	p.log.Error("task failed terminally", "task_id", task.ID, "kind", task.Kind, "error", runErr)
}
