// Package coordinator implements the Chunk Coordinator (§4.1): the
// component that splits an upload into chunks, drives their replication
// through the Task Runner, and serves reads back out in chunk-index
// order. Its only direct write to a storage node is the seed copy of each
// chunk on the first placement node; the Task Runner's Replicate task
// writes the remaining copies and is the only writer of Replica rows. It
// never holds an open store transaction across a network call.
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"distfs/internal/cache"
	"distfs/internal/chunkmodel"
	"distfs/internal/logging"
	"distfs/internal/node"
	"distfs/internal/store"
	"distfs/internal/tasks"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config holds the Coordinator's tunables, all of which carry spec.md §6
// defaults.
type Config struct {
	ChunkSize           int64
	ReplicationFactor   int
	StorageNodes        []string
	ChunkUploadDeadline time.Duration
	UploadFanout        int
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           chunkmodel.DefaultChunkSize,
		ReplicationFactor:   3,
		ChunkUploadDeadline: 60 * time.Second,
		UploadFanout:        4,
	}
}

// Coordinator wires the Metadata Store, Task Runner queue, Storage Node
// client, and Chunk Cache together to implement StoreFile/FetchFile/
// FetchShared.
type Coordinator struct {
	cfg   Config
	store store.Store
	queue store.TaskQueue
	nodes node.NodeClient
	cache cache.Cache
	log   *slog.Logger
}

// New builds a Coordinator. queue and store are typically the same
// backing store.Store value (it embeds store.TaskQueue), kept as distinct
// parameters because a deployment could split them onto different
// connection pools.
func New(cfg Config, st store.Store, queue store.TaskQueue, nodes node.NodeClient, ch cache.Cache, log *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:   cfg,
		store: st,
		queue: queue,
		nodes: nodes,
		cache: ch,
		log:   logging.Default(log).With("component", "coordinator"),
	}
}

// StoreFile implements the upload algorithm of spec.md §4.1. r is read to
// completion; callers that need true streaming of very large files should
// buffer to a temp file and pass that, since a digest over the whole file
// must be computed before the File row exists.
func (c *Coordinator) StoreFile(ctx context.Context, ownerID uuid.UUID, name, mime string, r io.Reader) (uuid.UUID, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return uuid.Nil, chunkmodel.NewError(chunkmodel.KindTransient, "coordinator.StoreFile", err)
	}

	size := int64(len(body))
	chunkCount := chunkmodel.ChunkCount(size, c.cfg.ChunkSize)
	fileDigest := chunkmodel.SHA256Digest(body)

	fileID := uuid.Must(uuid.NewV7())
	file := chunkmodel.File{
		ID:         fileID,
		OwnerID:    ownerID,
		Name:       name,
		MIME:       mime,
		Size:       size,
		ChunkCount: chunkCount,
		Digest:     fileDigest,
		Status:     chunkmodel.FileUploading,
	}

	chunks := make([]chunkmodel.Chunk, chunkCount)
	bodies := make([][]byte, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := int64(i) * c.cfg.ChunkSize
		length := chunkmodel.ChunkLength(size, c.cfg.ChunkSize, i)
		bodies[i] = body[start : start+length]
		chunks[i] = chunkmodel.Chunk{
			ID:     uuid.Must(uuid.NewV7()),
			FileID: fileID,
			Index:  i,
			Length: length,
			Digest: chunkmodel.SHA256Digest(bodies[i]),
			Status: chunkmodel.ChunkPending,
		}
	}

	if err := c.store.CreateUpload(ctx, file, chunks); err != nil {
		return uuid.Nil, fmt.Errorf("create upload: %w", err)
	}

	sem := semaphore.NewWeighted(int64(c.cfg.UploadFanout))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return c.replicateChunk(gctx, chunk, bodies[i])
		})
	}

	if err := g.Wait(); err != nil {
		c.log.Warn("upload failed", "file_id", fileID, "error", err)
		_ = c.store.SetFileStatus(ctx, fileID, chunkmodel.FileFailed)
		c.invalidateFile(ctx, fileID)
		return fileID, err
	}

	if err := c.store.FinalizeUpload(ctx, fileID); err != nil {
		return fileID, fmt.Errorf("finalize upload: %w", err)
	}
	c.cache.Delete(ctx, cache.NamespaceUserFiles, ownerID.String())
	c.invalidateFile(ctx, fileID)

	verifyPayload, err := tasks.EncodePayload(tasks.VerifyFilePayload{FileID: fileID.String()})
	if err == nil {
		_ = c.queue.Enqueue(ctx, store.TaskRecord{
			ID:       uuid.Must(uuid.NewV7()),
			Kind:     string(tasks.KindVerifyFile),
			Payload:  verifyPayload,
			RunAfter: time.Now(),
		})
	}

	return fileID, nil
}

// replicateChunk picks a placement set, submits a Replicate task, and
// blocks (bounded by ChunkUploadDeadline) until the chunk leaves pending.
func (c *Coordinator) replicateChunk(ctx context.Context, chunk chunkmodel.Chunk, body []byte) error {
	placement := c.pickPlacement(ctx)
	quorum := chunkmodel.Quorum(c.cfg.ReplicationFactor)
	if len(placement) < quorum {
		_ = c.store.MarkChunkFailed(ctx, chunk.ID)
		return chunkmodel.NewError(chunkmodel.KindQuorumUnreachable, "coordinator.replicateChunk",
			fmt.Errorf("chunk %s: only %d healthy nodes, need quorum %d", chunk.ID, len(placement), quorum))
	}

	// Seed the first placement node directly so the Replicate task has a
	// source to fan out from; the task itself performs the remaining PUTs.
	if err := c.nodes.Put(ctx, placement[0], chunk.ID.String(), bytes.NewReader(body), int64(len(body))); err != nil {
		_ = c.store.MarkChunkFailed(ctx, chunk.ID)
		return fmt.Errorf("seed chunk %s on %s: %w", chunk.ID, placement[0], err)
	}

	payload, err := tasks.EncodePayload(tasks.ReplicatePayload{
		ChunkID:    chunk.ID.String(),
		FileID:     chunk.FileID.String(),
		Candidates: placement,
		Quorum:     quorum,
	})
	if err != nil {
		return fmt.Errorf("encode replicate payload: %w", err)
	}

	if err := c.queue.Enqueue(ctx, store.TaskRecord{
		ID:       uuid.Must(uuid.NewV7()),
		Kind:     string(tasks.KindReplicate),
		Payload:  payload,
		RunAfter: time.Now(),
	}); err != nil {
		return fmt.Errorf("enqueue replicate task for chunk %s: %w", chunk.ID, err)
	}

	return c.awaitChunkOutcome(ctx, chunk.ID)
}

// awaitChunkOutcome polls the chunk's status until it leaves pending or
// the upload deadline elapses, since the actual replication happens
// asynchronously in the Task Runner's worker pool.
func (c *Coordinator) awaitChunkOutcome(ctx context.Context, chunkID uuid.UUID) error {
	deadline := time.NewTimer(c.cfg.ChunkUploadDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			_ = c.store.MarkChunkFailed(ctx, chunkID)
			return chunkmodel.NewError(chunkmodel.KindQuorumUnreachable, "coordinator.awaitChunkOutcome",
				fmt.Errorf("chunk %s: replication deadline exceeded", chunkID))
		case <-ticker.C:
			chunk, err := c.store.GetChunk(ctx, chunkID)
			if err != nil {
				return fmt.Errorf("poll chunk %s: %w", chunkID, err)
			}
			switch chunk.Status {
			case chunkmodel.ChunkStored:
				return nil
			case chunkmodel.ChunkFailed:
				return chunkmodel.NewError(chunkmodel.KindQuorumUnreachable, "coordinator.awaitChunkOutcome",
					fmt.Errorf("chunk %s failed replication", chunkID))
			}
		}
	}
}

// pickPlacement draws a uniform sample without replacement of
// min(R, |healthy|) nodes, per spec.md §4.1 step 3.
func (c *Coordinator) pickPlacement(ctx context.Context) []string {
	healthy := c.healthyNodes(ctx)
	n := c.cfg.ReplicationFactor
	if n > len(healthy) {
		n = len(healthy)
	}
	rand.Shuffle(len(healthy), func(i, j int) { healthy[i], healthy[j] = healthy[j], healthy[i] })
	return healthy[:n]
}

// healthyNodes consults the nodes_health cache snapshot written by
// ProbeNodes, falling through to a direct health check on a cache miss.
func (c *Coordinator) healthyNodes(ctx context.Context) []string {
	var healthy []string
	for _, id := range c.cfg.StorageNodes {
		if b, ok := c.cache.Get(ctx, cache.NamespaceNodesHealth, id); ok {
			var h node.Health
			if err := tasks.DecodePayload(b, &h); err == nil {
				if h.Healthy {
					healthy = append(healthy, id)
				}
				continue
			}
		}
		h, err := c.nodes.Health(ctx, id)
		if err == nil && h.Healthy {
			healthy = append(healthy, id)
		}
	}
	return healthy
}

// FetchFile implements the download algorithm of spec.md §4.1: it streams
// a file's chunks, in index order, to w.
func (c *Coordinator) FetchFile(ctx context.Context, fileID, requesterID uuid.UUID, w io.Writer) error {
	file, err := c.getFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("load file %s: %w", fileID, err)
	}
	if file.OwnerID != requesterID {
		return chunkmodel.NewError(chunkmodel.KindAuthDenied, "coordinator.FetchFile",
			fmt.Errorf("file %s is not owned by requester", fileID))
	}
	return c.streamChunks(ctx, fileID, w)
}

// FetchShared implements download via an unauthenticated Share token.
func (c *Coordinator) FetchShared(ctx context.Context, token string, w io.Writer) error {
	share, err := c.getShare(ctx, token)
	if err != nil {
		return fmt.Errorf("load share: %w", err)
	}
	if share.Expired(time.Now()) {
		return chunkmodel.NewError(chunkmodel.KindExpired, "coordinator.FetchShared",
			fmt.Errorf("share %s expired", share.ID))
	}
	if err := c.store.IncrementShareAccess(ctx, share.ID); err != nil {
		c.log.Warn("increment share access failed", "share_id", share.ID, "error", err)
	}
	c.cache.Delete(ctx, cache.NamespaceShareInfo, token)
	return c.streamChunks(ctx, share.FileID, w)
}

// getFile is a read-through cache lookup against the file_metadata
// namespace, per spec.md §4.5.
func (c *Coordinator) getFile(ctx context.Context, fileID uuid.UUID) (chunkmodel.File, error) {
	key := fileID.String()
	if b, ok := c.cache.Get(ctx, cache.NamespaceFileMetadata, key); ok {
		var f chunkmodel.File
		if err := tasks.DecodePayload(b, &f); err == nil {
			return f, nil
		}
	}

	file, err := c.store.GetFile(ctx, fileID)
	if err != nil {
		return chunkmodel.File{}, err
	}
	if encoded, err := tasks.EncodePayload(file); err == nil {
		c.cache.Set(ctx, cache.NamespaceFileMetadata, key, encoded, cache.DefaultTTLs[cache.NamespaceFileMetadata])
	}
	return file, nil
}

// invalidateFile drops a file's cached metadata after a mutation, so the
// next FetchFile reloads from the Store.
func (c *Coordinator) invalidateFile(ctx context.Context, fileID uuid.UUID) {
	c.cache.Delete(ctx, cache.NamespaceFileMetadata, fileID.String())
}

// getShare is a read-through cache lookup against the share_info
// namespace, per spec.md §4.5.
func (c *Coordinator) getShare(ctx context.Context, token string) (chunkmodel.Share, error) {
	if b, ok := c.cache.Get(ctx, cache.NamespaceShareInfo, token); ok {
		var sh chunkmodel.Share
		if err := tasks.DecodePayload(b, &sh); err == nil {
			return sh, nil
		}
	}

	share, err := c.store.GetShareByToken(ctx, token)
	if err != nil {
		return chunkmodel.Share{}, err
	}
	if encoded, err := tasks.EncodePayload(share); err == nil {
		c.cache.Set(ctx, cache.NamespaceShareInfo, token, encoded, cache.DefaultTTLs[cache.NamespaceShareInfo])
	}
	return share, nil
}

func (c *Coordinator) streamChunks(ctx context.Context, fileID uuid.UUID, w io.Writer) error {
	chunks, err := c.store.ListChunks(ctx, fileID)
	if err != nil {
		return fmt.Errorf("list chunks for file %s: %w", fileID, err)
	}

	for _, chunk := range chunks {
		body, err := c.fetchChunk(ctx, chunk)
		if err != nil {
			return err
		}
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("write chunk %s: %w", chunk.ID, err)
		}
	}
	return nil
}

// fetchChunk tries the cache, then the chunk's replicas in shuffled
// order, stopping at the first node whose returned bytes match the
// recorded digest.
func (c *Coordinator) fetchChunk(ctx context.Context, chunk chunkmodel.Chunk) ([]byte, error) {
	if b, ok := c.cache.Get(ctx, cache.NamespaceChunkData, chunk.ID.String()); ok {
		return b, nil
	}

	replicas, err := c.store.ListReplicas(ctx, chunk.ID)
	if err != nil {
		return nil, fmt.Errorf("list replicas for chunk %s: %w", chunk.ID, err)
	}
	rand.Shuffle(len(replicas), func(i, j int) { replicas[i], replicas[j] = replicas[j], replicas[i] })

	for _, r := range replicas {
		rc, err := c.nodes.Get(ctx, r.StorageNodeID, chunk.ID.String())
		if err != nil {
			continue
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		if chunkmodel.SHA256Digest(body) != chunk.Digest {
			c.log.Warn("chunk digest mismatch, trying next replica", "chunk_id", chunk.ID, "node_id", r.StorageNodeID)
			continue
		}
		c.cache.Set(ctx, cache.NamespaceChunkData, chunk.ID.String(), body, cache.DefaultTTLs[cache.NamespaceChunkData])
		return body, nil
	}

	return nil, chunkmodel.NewError(chunkmodel.KindChunkUnavailable, "coordinator.fetchChunk",
		fmt.Errorf("chunk %s: no replica returned a digest-valid payload", chunk.ID))
}
