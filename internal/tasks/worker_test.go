package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"distfs/internal/chunkmodel"
	"distfs/internal/store"
	"distfs/internal/store/memory"

	"github.com/google/uuid"
)

func enqueue(t *testing.T, st store.Store, kind Kind, payload []byte) uuid.UUID {
	t.Helper()
	id := uuid.Must(uuid.NewV7())
	if err := st.Enqueue(context.Background(), store.TaskRecord{
		ID:       id,
		Kind:     string(kind),
		Payload:  payload,
		RunAfter: time.Now(),
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestPoolRunsRegisteredHandler(t *testing.T) {
	st := memory.NewStore()
	pool := NewPool(st, 1, nil)

	var calls atomic.Int32
	pool.Handle(KindExpireShares, func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return nil
	})

	id := enqueue(t, st, KindExpireShares, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	pool.Run(ctx, "worker")

	if calls.Load() != 1 {
		t.Fatalf("handler called %d times, want 1", calls.Load())
	}

	claimed, err := st.Claim(context.Background(), "checker", 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	for _, c := range claimed {
		if c.ID == id {
			t.Fatal("completed task should not be reclaimable")
		}
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	st := memory.NewStore()
	pool := NewPool(st, 1, nil)

	var calls atomic.Int32
	pool.Handle(KindExpireShares, func(ctx context.Context, payload []byte) error {
		n := calls.Add(1)
		if n == 1 {
			return chunkmodel.NewError(chunkmodel.KindTransient, "test", errors.New("transient"))
		}
		return nil
	})

	enqueue(t, st, KindExpireShares, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	pool.Run(ctx, "worker")

	if calls.Load() < 2 {
		t.Fatalf("handler called %d times, want a retry after the transient failure", calls.Load())
	}
}

func TestPoolFailsUnretryableImmediately(t *testing.T) {
	st := memory.NewStore()
	pool := NewPool(st, 1, nil)

	var calls atomic.Int32
	pool.Handle(KindVerifyFile, func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return chunkmodel.NewError(chunkmodel.KindIntegrityMismatch, "test", errors.New("corrupt"))
	})

	enqueue(t, st, KindVerifyFile, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	pool.Run(ctx, "worker")

	if calls.Load() != 1 {
		t.Fatalf("handler called %d times, want exactly 1 (no retry for IntegrityMismatch)", calls.Load())
	}
}
