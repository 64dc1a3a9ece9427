// Package memory provides an in-memory store.Store implementation.
// Intended for testing. Nothing is persisted across restarts.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"distfs/internal/chunkmodel"
	"distfs/internal/store"
)

// Store is an in-memory store.Store implementation.
type Store struct {
	mu       sync.RWMutex
	files    map[uuid.UUID]chunkmodel.File
	chunks   map[uuid.UUID]chunkmodel.Chunk
	replicas map[uuid.UUID][]chunkmodel.Replica // keyed by chunk ID, insertion order
	shares   map[uuid.UUID]chunkmodel.Share
	tokens   map[string]uuid.UUID // share token -> share ID
	tasks    map[uuid.UUID]store.TaskRecord
}

var _ store.Store = (*Store)(nil)

// NewStore creates a new in-memory Store.
func NewStore() *Store {
	return &Store{
		files:    make(map[uuid.UUID]chunkmodel.File),
		chunks:   make(map[uuid.UUID]chunkmodel.Chunk),
		replicas: make(map[uuid.UUID][]chunkmodel.Replica),
		shares:   make(map[uuid.UUID]chunkmodel.Share),
		tokens:   make(map[string]uuid.UUID),
		tasks:    make(map[uuid.UUID]store.TaskRecord),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateUpload(ctx context.Context, file chunkmodel.File, chunks []chunkmodel.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files[file.ID] = file
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

func (s *Store) MarkChunkStored(ctx context.Context, chunkID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[chunkID]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = chunkmodel.ChunkStored
	s.chunks[chunkID] = c
	return nil
}

func (s *Store) MarkChunkFailed(ctx context.Context, chunkID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[chunkID]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = chunkmodel.ChunkFailed
	s.chunks[chunkID] = c

	f, ok := s.files[c.FileID]
	if ok {
		f.Status = chunkmodel.FileFailed
		f.UpdatedAt = time.Now()
		s.files[f.ID] = f
	}
	return nil
}

func (s *Store) ApplyReplication(ctx context.Context, chunkID uuid.UUID, ackedNodes []string, quorum int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[chunkID]
	if !ok {
		return store.ErrNotFound
	}

	existing := s.replicas[chunkID]
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.StorageNodeID] = true
	}
	for _, node := range ackedNodes {
		if seen[node] {
			continue
		}
		existing = append(existing, chunkmodel.Replica{
			ID:            uuid.New(),
			ChunkID:       chunkID,
			StorageNodeID: node,
			CreatedAt:     time.Now(),
		})
		seen[node] = true
	}
	s.replicas[chunkID] = existing

	if len(existing) >= quorum {
		c.Status = chunkmodel.ChunkStored
	} else {
		c.Status = chunkmodel.ChunkFailed
	}
	s.chunks[chunkID] = c

	if c.Status == chunkmodel.ChunkFailed {
		if f, ok := s.files[c.FileID]; ok {
			f.Status = chunkmodel.FileFailed
			f.UpdatedAt = time.Now()
			s.files[f.ID] = f
		}
	}
	return nil
}

func (s *Store) FinalizeUpload(ctx context.Context, fileID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok {
		return store.ErrNotFound
	}
	if f.Status != chunkmodel.FileUploading {
		return nil
	}

	allStored, anyFailed := true, false
	for _, c := range s.chunks {
		if c.FileID != fileID {
			continue
		}
		switch c.Status {
		case chunkmodel.ChunkFailed:
			anyFailed = true
			allStored = false
		case chunkmodel.ChunkStored:
		default:
			allStored = false
		}
	}

	switch {
	case allStored:
		f.Status = chunkmodel.FileCompleted
	case anyFailed:
		f.Status = chunkmodel.FileFailed
	default:
		return nil
	}
	f.UpdatedAt = time.Now()
	s.files[fileID] = f
	return nil
}

func (s *Store) SetFileStatus(ctx context.Context, fileID uuid.UUID, status chunkmodel.FileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok {
		return store.ErrNotFound
	}
	f.Status = status
	f.UpdatedAt = time.Now()
	s.files[fileID] = f
	return nil
}

func (s *Store) GetFile(ctx context.Context, fileID uuid.UUID) (chunkmodel.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[fileID]
	if !ok {
		return chunkmodel.File{}, store.ErrNotFound
	}
	return f, nil
}

func cmpUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (s *Store) ListFilesByOwner(ctx context.Context, ownerID uuid.UUID) ([]chunkmodel.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []chunkmodel.File
	for _, f := range s.files {
		if f.OwnerID == ownerID {
			result = append(result, f)
		}
	}
	slices.SortFunc(result, func(a, b chunkmodel.File) int {
		if a.UpdatedAt.After(b.UpdatedAt) {
			return -1
		}
		if a.UpdatedAt.Before(b.UpdatedAt) {
			return 1
		}
		return cmpUUID(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) ListFilesByStatus(ctx context.Context, status chunkmodel.FileStatus) ([]chunkmodel.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []chunkmodel.File
	for _, f := range s.files {
		if f.Status == status {
			result = append(result, f)
		}
	}
	slices.SortFunc(result, func(a, b chunkmodel.File) int { return cmpUUID(a.ID, b.ID) })
	return result, nil
}

func (s *Store) ListChunks(ctx context.Context, fileID uuid.UUID) ([]chunkmodel.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []chunkmodel.Chunk
	for _, c := range s.chunks {
		if c.FileID == fileID {
			result = append(result, c)
		}
	}
	slices.SortFunc(result, func(a, b chunkmodel.Chunk) int { return a.Index - b.Index })
	return result, nil
}

func (s *Store) GetChunk(ctx context.Context, chunkID uuid.UUID) (chunkmodel.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chunks[chunkID]
	if !ok {
		return chunkmodel.Chunk{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListReplicas(ctx context.Context, chunkID uuid.UUID) ([]chunkmodel.Replica, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chunkmodel.Replica, len(s.replicas[chunkID]))
	copy(out, s.replicas[chunkID])
	return out, nil
}

func (s *Store) CreateShare(ctx context.Context, share chunkmodel.Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shares[share.ID] = share
	s.tokens[share.Token] = share.ID
	return nil
}

func (s *Store) GetShareByToken(ctx context.Context, token string) (chunkmodel.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[token]
	if !ok {
		return chunkmodel.Share{}, store.ErrNotFound
	}
	return s.shares[id], nil
}

func (s *Store) IncrementShareAccess(ctx context.Context, shareID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shares[shareID]
	if !ok {
		return store.ErrNotFound
	}
	sh.AccessCount++
	s.shares[shareID] = sh
	return nil
}

func (s *Store) DeleteExpiredShares(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sh := range s.shares {
		if sh.Expired(now) {
			delete(s.shares, id)
			delete(s.tokens, sh.Token)
			n++
		}
	}
	return n, nil
}

func (s *Store) Enqueue(ctx context.Context, task store.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.Status == "" {
		task.Status = store.TaskPending
	}
	if task.RunAfter.IsZero() {
		task.RunAfter = time.Now()
	}
	task.CreatedAt = time.Now()
	s.tasks[task.ID] = task
	return nil
}

func (s *Store) Claim(ctx context.Context, workerID string, n int) ([]store.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []store.TaskRecord
	now := time.Now()
	for _, t := range s.tasks {
		if t.Status == store.TaskPending && !t.RunAfter.After(now) {
			candidates = append(candidates, t)
		}
	}
	slices.SortFunc(candidates, func(a, b store.TaskRecord) int {
		if a.RunAfter.Before(b.RunAfter) {
			return -1
		}
		if a.RunAfter.After(b.RunAfter) {
			return 1
		}
		return cmpUUID(a.ID, b.ID)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	claimed := make([]store.TaskRecord, 0, len(candidates))
	for _, t := range candidates {
		t.Status = store.TaskRunning
		t.LockedBy = workerID
		lockedAt := now
		t.LockedAt = &lockedAt
		t.Attempts++
		s.tasks[t.ID] = t
		claimed = append(claimed, t)
	}
	return claimed, nil
}

func (s *Store) Complete(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = store.TaskSucceeded
	s.tasks[taskID] = t
	return nil
}

func (s *Store) Fail(ctx context.Context, taskID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = store.TaskFailed
	s.tasks[taskID] = t
	return nil
}

func (s *Store) Reschedule(ctx context.Context, taskID uuid.UUID, runAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = store.TaskPending
	t.RunAfter = runAfter
	t.LockedBy = ""
	t.LockedAt = nil
	s.tasks[taskID] = t
	return nil
}
