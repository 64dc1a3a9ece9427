package tasks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"distfs/internal/cache/memcache"
	"distfs/internal/chunkmodel"
	"distfs/internal/node"
	"distfs/internal/store"
	"distfs/internal/store/memory"

	"github.com/google/uuid"
)

// fakeNodeClient is an in-memory node.NodeClient for exercising the
// Replicate and VerifyFile handlers without a real storage node.
type fakeNodeClient struct {
	mu   sync.Mutex
	data map[string]map[string][]byte // nodeID -> chunkID -> bytes
	down map[string]bool
}

func newFakeNodeClient() *fakeNodeClient {
	return &fakeNodeClient{data: make(map[string]map[string][]byte), down: make(map[string]bool)}
}

func (f *fakeNodeClient) seed(nodeID, chunkID string, b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[nodeID] == nil {
		f.data[nodeID] = make(map[string][]byte)
	}
	f.data[nodeID][chunkID] = b
}

func (f *fakeNodeClient) Put(ctx context.Context, nodeID, id string, r io.Reader, size int64) error {
	f.mu.Lock()
	down := f.down[nodeID]
	f.mu.Unlock()
	if down {
		return node.ErrUnavailable
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.seed(nodeID, id, b)
	return nil
}

func (f *fakeNodeClient) Get(ctx context.Context, nodeID, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[nodeID] {
		return nil, node.ErrUnavailable
	}
	b, ok := f.data[nodeID][id]
	if !ok {
		return nil, node.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeNodeClient) Delete(ctx context.Context, nodeID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data[nodeID], id)
	return nil
}

func (f *fakeNodeClient) Info(ctx context.Context, nodeID, id string) (node.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[nodeID][id]
	return node.Info{Exists: ok, Size: int64(len(b))}, nil
}

func (f *fakeNodeClient) Health(ctx context.Context, nodeID string) (node.Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[nodeID] {
		return node.Health{Healthy: false}, errors.New("down")
	}
	return node.Health{Healthy: true, ChunkCnt: int64(len(f.data[nodeID]))}, nil
}

func seedUpload(t *testing.T, st store.Store, payload []byte) (chunkmodel.File, chunkmodel.Chunk) {
	t.Helper()
	fileID := uuid.Must(uuid.NewV7())
	chunkID := uuid.Must(uuid.NewV7())
	digest := chunkmodel.SHA256Digest(payload)

	file := chunkmodel.File{
		ID:         fileID,
		OwnerID:    uuid.Must(uuid.NewV7()),
		Name:       "report.pdf",
		Size:       int64(len(payload)),
		ChunkCount: 1,
		Digest:     digest,
		Status:     chunkmodel.FileUploading,
	}
	chunk := chunkmodel.Chunk{
		ID:     chunkID,
		FileID: fileID,
		Index:  0,
		Length: int64(len(payload)),
		Digest: digest,
		Status: chunkmodel.ChunkPending,
	}
	if err := st.CreateUpload(context.Background(), file, []chunkmodel.Chunk{chunk}); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	return file, chunk
}

func TestReplicateHandlerQuorumMet(t *testing.T) {
	st := memory.NewStore()
	nc := newFakeNodeClient()
	ch := memcache.New(context.Background(), time.Minute)
	h := NewHandlers(st, nc, ch, func() []string { return nil }, nil)

	payload := []byte("chunk bytes")
	_, chunk := seedUpload(t, st, payload)
	nc.seed("http://node-a", chunk.ID.String(), payload)

	p := ReplicatePayload{
		ChunkID:    chunk.ID.String(),
		Candidates: []string{"http://node-a", "http://node-b", "http://node-c"},
		Quorum:     2,
	}
	encoded, err := EncodePayload(p)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}

	if err := h.Replicate(context.Background(), encoded); err != nil {
		t.Fatalf("Replicate: %v", err)
	}

	replicas, err := st.ListReplicas(context.Background(), chunk.ID)
	if err != nil {
		t.Fatalf("ListReplicas: %v", err)
	}
	if len(replicas) < 2 {
		t.Fatalf("expected quorum replicas, got %d", len(replicas))
	}

	got, err := st.GetChunk(context.Background(), chunk.ID)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if got.Status != chunkmodel.ChunkStored {
		t.Fatalf("chunk status = %s, want stored", got.Status)
	}
}

func TestReplicateHandlerQuorumMissed(t *testing.T) {
	st := memory.NewStore()
	nc := newFakeNodeClient()
	ch := memcache.New(context.Background(), time.Minute)
	h := NewHandlers(st, nc, ch, func() []string { return nil }, nil)

	payload := []byte("chunk bytes")
	_, chunk := seedUpload(t, st, payload)
	nc.seed("http://node-a", chunk.ID.String(), payload)
	nc.down["http://node-b"] = true
	nc.down["http://node-c"] = true

	p := ReplicatePayload{
		ChunkID:    chunk.ID.String(),
		Candidates: []string{"http://node-a", "http://node-b", "http://node-c"},
		Quorum:     2,
	}
	encoded, _ := EncodePayload(p)

	err := h.Replicate(context.Background(), encoded)
	if err == nil {
		t.Fatal("expected quorum-unreachable error")
	}
	if !chunkmodel.Is(err, chunkmodel.KindQuorumUnreachable) {
		t.Fatalf("got error kind %v, want QuorumUnreachable: %v", err, err)
	}
}

func TestExpireSharesHandler(t *testing.T) {
	st := memory.NewStore()
	h := NewHandlers(st, newFakeNodeClient(), memcache.New(context.Background(), time.Minute), func() []string { return nil }, nil)

	past := time.Now().Add(-time.Hour)
	share := chunkmodel.Share{
		ID:        uuid.Must(uuid.NewV7()),
		FileID:    uuid.Must(uuid.NewV7()),
		OwnerID:   uuid.Must(uuid.NewV7()),
		Token:     "tok-expired",
		ExpiresAt: &past,
	}
	if err := st.CreateShare(context.Background(), share); err != nil {
		t.Fatalf("CreateShare: %v", err)
	}

	if err := h.ExpireShares(context.Background(), nil); err != nil {
		t.Fatalf("ExpireShares: %v", err)
	}

	if _, err := st.GetShareByToken(context.Background(), "tok-expired"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected share gone, got %v", err)
	}
}

// seedMultiChunkUpload creates a completed file with len(payloads) chunks,
// each already replicated to nodeID with its correct bytes.
func seedMultiChunkUpload(t *testing.T, st store.Store, nc *fakeNodeClient, nodeID string, payloads [][]byte) (chunkmodel.File, []chunkmodel.Chunk) {
	t.Helper()
	fileID := uuid.Must(uuid.NewV7())
	chunks := make([]chunkmodel.Chunk, len(payloads))
	for i, p := range payloads {
		chunks[i] = chunkmodel.Chunk{
			ID:     uuid.Must(uuid.NewV7()),
			FileID: fileID,
			Index:  i,
			Length: int64(len(p)),
			Digest: chunkmodel.SHA256Digest(p),
			Status: chunkmodel.ChunkStored,
		}
	}
	file := chunkmodel.File{
		ID:         fileID,
		OwnerID:    uuid.Must(uuid.NewV7()),
		Name:       "archive.tar",
		Size:       0,
		ChunkCount: len(chunks),
		Status:     chunkmodel.FileCompleted,
	}
	if err := st.CreateUpload(context.Background(), file, chunks); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	for i, c := range chunks {
		nc.seed(nodeID, c.ID.String(), payloads[i])
		if err := st.ApplyReplication(context.Background(), c.ID, []string{nodeID}, 1); err != nil {
			t.Fatalf("ApplyReplication: %v", err)
		}
	}
	return file, chunks
}

func TestVerifyFileDetectsAllCorruptedChunks(t *testing.T) {
	st := memory.NewStore()
	nc := newFakeNodeClient()
	ch := memcache.New(context.Background(), time.Minute)
	h := NewHandlers(st, nc, ch, func() []string { return nil }, nil)

	payloads := [][]byte{[]byte("chunk-zero"), []byte("chunk-one"), []byte("chunk-two")}
	file, chunks := seedMultiChunkUpload(t, st, nc, "http://node-a", payloads)

	// Corrupt chunk 0 in place and delete chunk 2 entirely from the node,
	// leaving chunk 1 untouched.
	nc.seed("http://node-a", chunks[0].ID.String(), []byte("tampered-bytes"))
	delete(nc.data["http://node-a"], chunks[2].ID.String())

	corrupted, err := h.verifyOne(context.Background(), file.ID)
	if err == nil {
		t.Fatal("expected integrity-mismatch error")
	}
	if !chunkmodel.Is(err, chunkmodel.KindIntegrityMismatch) {
		t.Fatalf("got error kind %v, want IntegrityMismatch: %v", err, err)
	}
	if len(corrupted) != 2 {
		t.Fatalf("corrupted = %v, want exactly 2 entries", corrupted)
	}

	byChunk := make(map[uuid.UUID]CorruptedChunk, len(corrupted))
	for _, cc := range corrupted {
		byChunk[cc.ChunkID] = cc
	}

	mismatched, ok := byChunk[chunks[0].ID]
	if !ok {
		t.Fatalf("expected chunk 0 in corrupted list: %v", corrupted)
	}
	if mismatched.ExpectedChecksum != chunks[0].Digest {
		t.Fatalf("chunk 0 ExpectedChecksum = %s, want %s", mismatched.ExpectedChecksum, chunks[0].Digest)
	}
	if mismatched.CalculatedChecksum == chunks[0].Digest || mismatched.CalculatedChecksum == "" {
		t.Fatalf("chunk 0 CalculatedChecksum = %s, want the tampered digest", mismatched.CalculatedChecksum)
	}
	if mismatched.Unavailable {
		t.Fatal("chunk 0 should be reachable, just mismatched")
	}

	missing, ok := byChunk[chunks[2].ID]
	if !ok {
		t.Fatalf("expected chunk 2 in corrupted list: %v", corrupted)
	}
	if !missing.Unavailable {
		t.Fatal("chunk 2 should be reported unavailable")
	}
	if missing.ExpectedChecksum != chunks[2].Digest {
		t.Fatalf("chunk 2 ExpectedChecksum = %s, want %s", missing.ExpectedChecksum, chunks[2].Digest)
	}

	if _, untouched := byChunk[chunks[1].ID]; untouched {
		t.Fatalf("chunk 1 should not be reported corrupted: %v", corrupted)
	}

	got, err := st.GetFile(context.Background(), file.ID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != chunkmodel.FileCorrupted {
		t.Fatalf("file status = %s, want corrupted", got.Status)
	}
}

func TestVerifyAllFilesSweepsEveryCompletedFile(t *testing.T) {
	st := memory.NewStore()
	nc := newFakeNodeClient()
	ch := memcache.New(context.Background(), time.Minute)
	h := NewHandlers(st, nc, ch, func() []string { return nil }, nil)

	goodPayloads := [][]byte{[]byte("fine")}
	good, _ := seedMultiChunkUpload(t, st, nc, "http://node-a", goodPayloads)

	badPayloads := [][]byte{[]byte("also-fine")}
	bad, badChunks := seedMultiChunkUpload(t, st, nc, "http://node-a", badPayloads)
	nc.seed("http://node-a", badChunks[0].ID.String(), []byte("corrupted"))

	if err := h.verifyAllFiles(context.Background()); err != nil {
		t.Fatalf("verifyAllFiles: %v", err)
	}

	gotGood, err := st.GetFile(context.Background(), good.ID)
	if err != nil {
		t.Fatalf("GetFile good: %v", err)
	}
	if gotGood.Status != chunkmodel.FileVerified {
		t.Fatalf("good file status = %s, want verified", gotGood.Status)
	}

	gotBad, err := st.GetFile(context.Background(), bad.ID)
	if err != nil {
		t.Fatalf("GetFile bad: %v", err)
	}
	if gotBad.Status != chunkmodel.FileCorrupted {
		t.Fatalf("bad file status = %s, want corrupted", gotBad.Status)
	}
}

func TestProbeNodesHandlerCachesHealth(t *testing.T) {
	nc := newFakeNodeClient()
	nc.seed("http://node-a", "x", []byte("y"))
	ch := memcache.New(context.Background(), time.Minute)
	h := NewHandlers(memory.NewStore(), nc, ch, func() []string { return []string{"http://node-a"} }, nil)

	if err := h.ProbeNodes(context.Background(), nil); err != nil {
		t.Fatalf("ProbeNodes: %v", err)
	}

	_, ok := ch.Get(context.Background(), "nodes_health", "http://node-a")
	if !ok {
		t.Fatal("expected health snapshot to be cached")
	}
}
