// Package storetest provides a shared conformance test suite for store.Store
// implementations. Each backend (memory, sqlite) wires this suite to verify
// it satisfies the full Store contract.
package storetest

import (
	"context"
	"testing"
	"time"

	"distfs/internal/chunkmodel"
	"distfs/internal/store"

	"github.com/google/uuid"
)

func newFile(owner uuid.UUID, size int64, chunkSize int64) (chunkmodel.File, []chunkmodel.Chunk) {
	fileID := uuid.New()
	count := chunkmodel.ChunkCount(size, chunkSize)
	now := time.Now()
	f := chunkmodel.File{
		ID:         fileID,
		OwnerID:    owner,
		Name:       "report.pdf",
		MIME:       "application/pdf",
		Size:       size,
		ChunkCount: count,
		Digest:     chunkmodel.SHA256Digest([]byte("report")),
		Version:    1,
		Status:     chunkmodel.FileUploading,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	chunks := make([]chunkmodel.Chunk, count)
	for i := range chunks {
		length := chunkmodel.ChunkLength(size, chunkSize, i)
		chunks[i] = chunkmodel.Chunk{
			ID:     uuid.New(),
			FileID: fileID,
			Index:  i,
			Length: length,
			Digest: chunkmodel.SHA256Digest([]byte{byte(i)}),
			Status: chunkmodel.ChunkPending,
		}
	}
	return f, chunks
}

// TestStore runs the full conformance suite against a Store implementation.
// newStore must return a fresh, empty store for each sub-test.
func TestStore(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateUploadAndGetFile", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		owner := uuid.New()

		f, chunks := newFile(owner, 10<<20, chunkmodel.DefaultChunkSize)
		if err := s.CreateUpload(ctx, f, chunks); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}

		got, err := s.GetFile(ctx, f.ID)
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if got.Status != chunkmodel.FileUploading {
			t.Errorf("status = %q, want uploading", got.Status)
		}
		if got.ChunkCount != len(chunks) {
			t.Errorf("chunk count = %d, want %d", got.ChunkCount, len(chunks))
		}

		list, err := s.ListChunks(ctx, f.ID)
		if err != nil {
			t.Fatalf("ListChunks: %v", err)
		}
		if len(list) != len(chunks) {
			t.Fatalf("len(ListChunks) = %d, want %d", len(list), len(chunks))
		}
		for i, c := range list {
			if c.Index != i {
				t.Errorf("chunk at position %d has index %d", i, c.Index)
			}
		}
	})

	t.Run("GetFileNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetFile(context.Background(), uuid.New()); err != store.ErrNotFound {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("ApplyReplicationQuorumMet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		owner := uuid.New()
		f, chunks := newFile(owner, 1<<20, chunkmodel.DefaultChunkSize)
		if err := s.CreateUpload(ctx, f, chunks); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}

		chunkID := chunks[0].ID
		if err := s.ApplyReplication(ctx, chunkID, []string{"node-a", "node-b"}, 2); err != nil {
			t.Fatalf("ApplyReplication: %v", err)
		}

		c, err := s.GetChunk(ctx, chunkID)
		if err != nil {
			t.Fatalf("GetChunk: %v", err)
		}
		if c.Status != chunkmodel.ChunkStored {
			t.Errorf("status = %q, want stored", c.Status)
		}

		replicas, err := s.ListReplicas(ctx, chunkID)
		if err != nil {
			t.Fatalf("ListReplicas: %v", err)
		}
		if len(replicas) != 2 {
			t.Fatalf("len(replicas) = %d, want 2", len(replicas))
		}
	})

	t.Run("ApplyReplicationIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f, chunks := newFile(uuid.New(), 1<<20, chunkmodel.DefaultChunkSize)
		if err := s.CreateUpload(ctx, f, chunks); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}
		chunkID := chunks[0].ID

		for i := 0; i < 3; i++ {
			if err := s.ApplyReplication(ctx, chunkID, []string{"node-a", "node-b"}, 2); err != nil {
				t.Fatalf("ApplyReplication #%d: %v", i, err)
			}
		}

		replicas, err := s.ListReplicas(ctx, chunkID)
		if err != nil {
			t.Fatalf("ListReplicas: %v", err)
		}
		if len(replicas) != 2 {
			t.Fatalf("repeated ApplyReplication duplicated rows: len = %d, want 2", len(replicas))
		}
	})

	t.Run("ApplyReplicationQuorumMissed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f, chunks := newFile(uuid.New(), 1<<20, chunkmodel.DefaultChunkSize)
		if err := s.CreateUpload(ctx, f, chunks); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}
		chunkID := chunks[0].ID

		if err := s.ApplyReplication(ctx, chunkID, []string{"node-a"}, 2); err != nil {
			t.Fatalf("ApplyReplication: %v", err)
		}

		c, err := s.GetChunk(ctx, chunkID)
		if err != nil {
			t.Fatalf("GetChunk: %v", err)
		}
		if c.Status != chunkmodel.ChunkFailed {
			t.Errorf("status = %q, want failed", c.Status)
		}

		got, err := s.GetFile(ctx, f.ID)
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if got.Status != chunkmodel.FileFailed {
			t.Errorf("file status = %q, want failed", got.Status)
		}
	})

	t.Run("FinalizeUploadCompleted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f, chunks := newFile(uuid.New(), 1, chunkmodel.DefaultChunkSize)
		if err := s.CreateUpload(ctx, f, chunks); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}
		for _, c := range chunks {
			if err := s.ApplyReplication(ctx, c.ID, []string{"node-a"}, 1); err != nil {
				t.Fatalf("ApplyReplication: %v", err)
			}
		}
		if err := s.FinalizeUpload(ctx, f.ID); err != nil {
			t.Fatalf("FinalizeUpload: %v", err)
		}

		got, err := s.GetFile(ctx, f.ID)
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if got.Status != chunkmodel.FileCompleted {
			t.Errorf("status = %q, want completed", got.Status)
		}
	})

	t.Run("FinalizeUploadFailed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f, chunks := newFile(uuid.New(), 10<<20, chunkmodel.DefaultChunkSize)
		if err := s.CreateUpload(ctx, f, chunks); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}
		if err := s.MarkChunkFailed(ctx, chunks[0].ID); err != nil {
			t.Fatalf("MarkChunkFailed: %v", err)
		}
		if err := s.FinalizeUpload(ctx, f.ID); err != nil {
			t.Fatalf("FinalizeUpload: %v", err)
		}

		got, err := s.GetFile(ctx, f.ID)
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if got.Status != chunkmodel.FileFailed {
			t.Errorf("status = %q, want failed", got.Status)
		}
	})

	t.Run("ListFilesByOwnerOrdering", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		owner := uuid.New()

		var ids []uuid.UUID
		for i := 0; i < 3; i++ {
			f, chunks := newFile(owner, 1, chunkmodel.DefaultChunkSize)
			if err := s.CreateUpload(ctx, f, chunks); err != nil {
				t.Fatalf("CreateUpload: %v", err)
			}
			ids = append(ids, f.ID)
			time.Sleep(time.Millisecond)
		}

		list, err := s.ListFilesByOwner(ctx, owner)
		if err != nil {
			t.Fatalf("ListFilesByOwner: %v", err)
		}
		if len(list) != 3 {
			t.Fatalf("len = %d, want 3", len(list))
		}
		if list[0].ID != ids[2] {
			t.Errorf("expected most recently created file first")
		}
	})

	t.Run("ListFilesByStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		completed, chunks := newFile(uuid.New(), 1, chunkmodel.DefaultChunkSize)
		if err := s.CreateUpload(ctx, completed, chunks); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}
		if err := s.SetFileStatus(ctx, completed.ID, chunkmodel.FileCompleted); err != nil {
			t.Fatalf("SetFileStatus: %v", err)
		}

		uploading, chunks2 := newFile(uuid.New(), 1, chunkmodel.DefaultChunkSize)
		if err := s.CreateUpload(ctx, uploading, chunks2); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}

		list, err := s.ListFilesByStatus(ctx, chunkmodel.FileCompleted)
		if err != nil {
			t.Fatalf("ListFilesByStatus: %v", err)
		}
		if len(list) != 1 || list[0].ID != completed.ID {
			t.Fatalf("ListFilesByStatus(completed) = %v, want exactly [%v]", list, completed.ID)
		}

		list, err = s.ListFilesByStatus(ctx, chunkmodel.FileUploading)
		if err != nil {
			t.Fatalf("ListFilesByStatus: %v", err)
		}
		if len(list) != 1 || list[0].ID != uploading.ID {
			t.Fatalf("ListFilesByStatus(uploading) = %v, want exactly [%v]", list, uploading.ID)
		}
	})

	t.Run("ShareLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f, chunks := newFile(uuid.New(), 1, chunkmodel.DefaultChunkSize)
		if err := s.CreateUpload(ctx, f, chunks); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}

		share := chunkmodel.Share{
			ID:        uuid.New(),
			FileID:    f.ID,
			OwnerID:   f.OwnerID,
			Token:     "tok-123",
			CreatedAt: time.Now(),
		}
		if err := s.CreateShare(ctx, share); err != nil {
			t.Fatalf("CreateShare: %v", err)
		}

		got, err := s.GetShareByToken(ctx, "tok-123")
		if err != nil {
			t.Fatalf("GetShareByToken: %v", err)
		}
		if got.FileID != f.ID {
			t.Errorf("FileID = %v, want %v", got.FileID, f.ID)
		}

		if err := s.IncrementShareAccess(ctx, share.ID); err != nil {
			t.Fatalf("IncrementShareAccess: %v", err)
		}
		got, err = s.GetShareByToken(ctx, "tok-123")
		if err != nil {
			t.Fatalf("GetShareByToken: %v", err)
		}
		if got.AccessCount != 1 {
			t.Errorf("AccessCount = %d, want 1", got.AccessCount)
		}
	})

	t.Run("DeleteExpiredShares", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f, chunks := newFile(uuid.New(), 1, chunkmodel.DefaultChunkSize)
		if err := s.CreateUpload(ctx, f, chunks); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}

		past := time.Now().Add(-time.Hour)
		future := time.Now().Add(time.Hour)
		expired := chunkmodel.Share{ID: uuid.New(), FileID: f.ID, OwnerID: f.OwnerID, Token: "expired", ExpiresAt: &past, CreatedAt: time.Now()}
		live := chunkmodel.Share{ID: uuid.New(), FileID: f.ID, OwnerID: f.OwnerID, Token: "live", ExpiresAt: &future, CreatedAt: time.Now()}
		if err := s.CreateShare(ctx, expired); err != nil {
			t.Fatalf("CreateShare expired: %v", err)
		}
		if err := s.CreateShare(ctx, live); err != nil {
			t.Fatalf("CreateShare live: %v", err)
		}

		n, err := s.DeleteExpiredShares(ctx, time.Now())
		if err != nil {
			t.Fatalf("DeleteExpiredShares: %v", err)
		}
		if n != 1 {
			t.Fatalf("deleted = %d, want 1", n)
		}
		if _, err := s.GetShareByToken(ctx, "expired"); err != store.ErrNotFound {
			t.Errorf("expired share still resolvable: err = %v", err)
		}
		if _, err := s.GetShareByToken(ctx, "live"); err != nil {
			t.Errorf("live share should survive: %v", err)
		}
	})

	t.Run("TaskQueueClaimAndComplete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		task := store.TaskRecord{ID: uuid.New(), Kind: "replicate", Payload: []byte("{}")}
		if err := s.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		claimed, err := s.Claim(ctx, "worker-1", 10)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if len(claimed) != 1 {
			t.Fatalf("len(claimed) = %d, want 1", len(claimed))
		}
		if claimed[0].Attempts != 1 {
			t.Errorf("Attempts = %d, want 1", claimed[0].Attempts)
		}

		// A second claim must not re-select the now-running task.
		claimedAgain, err := s.Claim(ctx, "worker-2", 10)
		if err != nil {
			t.Fatalf("Claim again: %v", err)
		}
		if len(claimedAgain) != 0 {
			t.Fatalf("len(claimedAgain) = %d, want 0", len(claimedAgain))
		}

		if err := s.Complete(ctx, task.ID); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	})

	t.Run("TaskQueueReschedule", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		task := store.TaskRecord{ID: uuid.New(), Kind: "probe", Payload: []byte("{}")}
		if err := s.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		claimed, err := s.Claim(ctx, "worker-1", 1)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("Claim: %v, %d", err, len(claimed))
		}

		future := time.Now().Add(time.Hour)
		if err := s.Reschedule(ctx, task.ID, future); err != nil {
			t.Fatalf("Reschedule: %v", err)
		}

		// Not yet due, so a claim now should find nothing.
		again, err := s.Claim(ctx, "worker-2", 1)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if len(again) != 0 {
			t.Fatalf("claimed a task scheduled in the future: %d", len(again))
		}
	})
}
