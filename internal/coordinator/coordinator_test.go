package coordinator

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"distfs/internal/cache/memcache"
	"distfs/internal/chunkmodel"
	"distfs/internal/node"
	"distfs/internal/store/memory"
	"distfs/internal/tasks"

	"github.com/google/uuid"
)

// fakeNodeClient mirrors internal/tasks's test fake; kept separate to
// avoid an inter-package test dependency.
type fakeNodeClient struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newFakeNodeClient() *fakeNodeClient {
	return &fakeNodeClient{data: make(map[string]map[string][]byte)}
}

func (f *fakeNodeClient) Put(ctx context.Context, nodeID, id string, r io.Reader, size int64) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[nodeID] == nil {
		f.data[nodeID] = make(map[string][]byte)
	}
	f.data[nodeID][id] = b
	return nil
}

func (f *fakeNodeClient) Get(ctx context.Context, nodeID, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[nodeID][id]
	if !ok {
		return nil, node.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeNodeClient) Delete(ctx context.Context, nodeID, id string) error { return nil }

func (f *fakeNodeClient) Info(ctx context.Context, nodeID, id string) (node.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[nodeID][id]
	return node.Info{Exists: ok, Size: int64(len(b))}, nil
}

func (f *fakeNodeClient) Health(ctx context.Context, nodeID string) (node.Health, error) {
	return node.Health{Healthy: true}, nil
}

func newTestCoordinator(t *testing.T, fanout int) (*Coordinator, context.CancelFunc) {
	return newTestCoordinatorWithChunkSize(t, fanout, chunkmodel.DefaultChunkSize)
}

func newTestCoordinatorWithChunkSize(t *testing.T, fanout int, chunkSize int64) (*Coordinator, context.CancelFunc) {
	t.Helper()
	st := memory.NewStore()
	nc := newFakeNodeClient()
	ch := memcache.New(context.Background(), time.Minute)

	cfg := DefaultConfig()
	cfg.StorageNodes = []string{"http://node-a", "http://node-b", "http://node-c"}
	cfg.ChunkUploadDeadline = 3 * time.Second
	cfg.ReplicationFactor = 2
	cfg.ChunkSize = chunkSize
	if fanout > 0 {
		cfg.UploadFanout = fanout
	}

	co := New(cfg, st, st, nc, ch, nil)

	pool := tasks.NewPool(st, 2, nil)
	handlers := tasks.NewHandlers(st, nc, ch, func() []string { return cfg.StorageNodes }, nil)
	handlers.Register(pool)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx, "test-worker")

	return co, cancel
}

func TestStoreFileAndFetchFileRoundTrip(t *testing.T) {
	co, cancel := newTestCoordinatorWithChunkSize(t, 0, 64*1024)
	defer cancel()

	owner := uuid.Must(uuid.NewV7())
	payload := bytes.Repeat([]byte("distributed-chunked-file-store"), 10_000) // spans several 64 KiB chunks

	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	fileID, err := co.StoreFile(ctx, owner, "report.bin", "application/octet-stream", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}

	var out bytes.Buffer
	if err := co.FetchFile(ctx, fileID, owner, &out); err != nil {
		t.Fatalf("FetchFile: %v", err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("round-tripped bytes differ: got %d bytes, want %d", out.Len(), len(payload))
	}
}

func TestFetchFileDeniesNonOwner(t *testing.T) {
	co, cancel := newTestCoordinator(t, 0)
	defer cancel()

	owner := uuid.Must(uuid.NewV7())
	stranger := uuid.Must(uuid.NewV7())

	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	fileID, err := co.StoreFile(ctx, owner, "secret.txt", "text/plain", bytes.NewReader([]byte("hi")))
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}

	var out bytes.Buffer
	err = co.FetchFile(ctx, fileID, stranger, &out)
	if !chunkmodel.Is(err, chunkmodel.KindAuthDenied) {
		t.Fatalf("got %v, want AuthDenied", err)
	}
}

func TestFetchSharedRespectsExpiry(t *testing.T) {
	co, cancel := newTestCoordinator(t, 0)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	owner := uuid.Must(uuid.NewV7())
	fileID, err := co.StoreFile(ctx, owner, "shared.txt", "text/plain", bytes.NewReader([]byte("shared content")))
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	share := chunkmodel.Share{
		ID:        uuid.Must(uuid.NewV7()),
		FileID:    fileID,
		OwnerID:   owner,
		Token:     "expired-token",
		ExpiresAt: &past,
	}
	if err := co.store.CreateShare(ctx, share); err != nil {
		t.Fatalf("CreateShare: %v", err)
	}

	var out bytes.Buffer
	err = co.FetchShared(ctx, "expired-token", &out)
	if !chunkmodel.Is(err, chunkmodel.KindExpired) {
		t.Fatalf("got %v, want Expired", err)
	}
}
