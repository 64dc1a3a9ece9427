package tasks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"distfs/internal/cache"
	"distfs/internal/chunkmodel"
	"distfs/internal/logging"
	"distfs/internal/node"
	"distfs/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Handlers bundles the dependencies the four task kinds need and exposes
// one Handler method per kind, for registration on a Pool.
type Handlers struct {
	store  store.Store
	nodes  node.NodeClient
	cache  cache.Cache
	allIDs func() []string // snapshot of configured storage node ids, for ProbeNodes
	log    *slog.Logger
}

// NewHandlers builds the task handler set. allIDs returns the current
// configured storage node ids (for ProbeNodes fan-out); it is a function
// rather than a fixed slice so the node set can change without restarting
// the runner.
func NewHandlers(st store.Store, nodes node.NodeClient, ch cache.Cache, allIDs func() []string, log *slog.Logger) *Handlers {
	return &Handlers{
		store:  st,
		nodes:  nodes,
		cache:  ch,
		allIDs: allIDs,
		log:    logging.Default(log).With("component", "tasks.handlers"),
	}
}

// Register wires every handler onto pool.
func (h *Handlers) Register(pool *Pool) {
	pool.Handle(KindReplicate, h.Replicate)
	pool.Handle(KindVerifyFile, h.VerifyFile)
	pool.Handle(KindProbeNodes, h.ProbeNodes)
	pool.Handle(KindExpireShares, h.ExpireShares)
}

// Replicate writes a chunk's bytes to its candidate nodes concurrently and
// records the outcome via Store.ApplyReplication — the only place Replica
// rows are ever written (§9 open question 3's resolution).
func (h *Handlers) Replicate(ctx context.Context, payload []byte) error {
	var p ReplicatePayload
	if err := DecodePayload(payload, &p); err != nil {
		return chunkmodel.NewError(chunkmodel.KindFatal, "tasks.Replicate", err)
	}
	chunkID, err := uuid.Parse(p.ChunkID)
	if err != nil {
		return chunkmodel.NewError(chunkmodel.KindFatal, "tasks.Replicate", err)
	}

	chunk, err := h.store.GetChunk(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("load chunk %s: %w", p.ChunkID, err)
	}

	var acked []string
	var mu chanMutex
	g, gctx := errgroup.WithContext(ctx)
	for _, nodeID := range p.Candidates {
		nodeID := nodeID
		g.Go(func() error {
			rc, err := h.nodes.Get(gctx, nodeID, p.ChunkID)
			if err == nil {
				rc.Close()
				mu.with(func() { acked = append(acked, nodeID) })
				return nil
			}
			// Chunk not already on this node: fetch the canonical copy from
			// wherever it currently lives and push it. Replicate tasks are
			// only ever enqueued after at least one node has the bytes.
			return h.pushFrom(gctx, nodeID, p, chunk, &mu, &acked)
		})
	}
	if err := g.Wait(); err != nil {
		h.log.Warn("replicate fan-out error", "chunk_id", p.ChunkID, "error", err)
	}

	if err := h.store.ApplyReplication(ctx, chunkID, acked, p.Quorum); err != nil {
		return fmt.Errorf("apply replication for chunk %s: %w", p.ChunkID, err)
	}
	if len(acked) < p.Quorum {
		return chunkmodel.NewError(chunkmodel.KindQuorumUnreachable, "tasks.Replicate",
			fmt.Errorf("chunk %s: %d/%d nodes acked", p.ChunkID, len(acked), p.Quorum))
	}
	return nil
}

// pushFrom reads the chunk from the first candidate that already has it
// and writes it to nodeID.
func (h *Handlers) pushFrom(ctx context.Context, nodeID string, p ReplicatePayload, chunk chunkmodel.Chunk, mu *chanMutex, acked *[]string) error {
	var src io.ReadCloser
	var srcErr error
	for _, candidate := range p.Candidates {
		if candidate == nodeID {
			continue
		}
		rc, err := h.nodes.Get(ctx, candidate, p.ChunkID)
		if err == nil {
			src = rc
			break
		}
		srcErr = err
	}
	if src == nil {
		return fmt.Errorf("no source replica available for chunk %s: %w", p.ChunkID, srcErr)
	}
	defer src.Close()

	if err := h.nodes.Put(ctx, nodeID, p.ChunkID, src, chunk.Length); err != nil {
		return fmt.Errorf("push chunk %s to %s: %w", p.ChunkID, nodeID, err)
	}
	mu.with(func() { *acked = append(*acked, nodeID) })
	return nil
}

// CorruptedChunk is one entry in a VerifyFile task's integrity report: a
// chunk whose recomputed digest didn't match the recorded one, or whose
// bytes could not be fetched from any surviving replica at all.
type CorruptedChunk struct {
	ChunkID            uuid.UUID
	ExpectedChecksum   chunkmodel.Digest
	CalculatedChecksum chunkmodel.Digest // zero value when the chunk was unreachable
	Unavailable        bool
}

// VerifyFile recomputes each chunk's digest of a file from one stored
// replica and flags any chunk that mismatches or cannot be fetched, per
// spec.md §4.4's integrity sweep. An empty FileID runs the sweep over
// every completed or verified file.
func (h *Handlers) VerifyFile(ctx context.Context, payload []byte) error {
	var p VerifyFilePayload
	if err := DecodePayload(payload, &p); err != nil {
		return chunkmodel.NewError(chunkmodel.KindFatal, "tasks.VerifyFile", err)
	}
	if p.FileID == "" {
		return h.verifyAllFiles(ctx)
	}

	fileID, err := uuid.Parse(p.FileID)
	if err != nil {
		return chunkmodel.NewError(chunkmodel.KindFatal, "tasks.VerifyFile", err)
	}
	_, err = h.verifyOne(ctx, fileID)
	return err
}

// verifyAllFiles is the nightly sweep: every file that has finished
// uploading (completed or previously verified) gets re-checked. Failures on
// individual files are logged and do not abort the sweep.
func (h *Handlers) verifyAllFiles(ctx context.Context) error {
	var fileIDs []uuid.UUID
	for _, status := range []chunkmodel.FileStatus{chunkmodel.FileCompleted, chunkmodel.FileVerified} {
		files, err := h.store.ListFilesByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list files by status %s: %w", status, err)
		}
		for _, f := range files {
			fileIDs = append(fileIDs, f.ID)
		}
	}

	h.log.Info("verify-file sweep starting", "file_count", len(fileIDs))
	for _, fileID := range fileIDs {
		if _, err := h.verifyOne(ctx, fileID); err != nil {
			h.log.Warn("verify-file sweep: file failed verification", "file_id", fileID, "error", err)
		}
	}
	return nil
}

// verifyOne checks every chunk of fileID against its replicas, returning
// one CorruptedChunk per chunk that mismatched or could not be fetched at
// all (spec.md §4.4's "returns the list of corrupted chunk ids").
func (h *Handlers) verifyOne(ctx context.Context, fileID uuid.UUID) ([]CorruptedChunk, error) {
	file, err := h.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("load file %s: %w", fileID, err)
	}
	chunks, err := h.store.ListChunks(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("list chunks for file %s: %w", fileID, err)
	}

	var corrupted []CorruptedChunk
	for _, c := range chunks {
		replicas, err := h.store.ListReplicas(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("list replicas for chunk %s: %w", c.ID, err)
		}
		sum, ok := h.fetchReplicaDigest(ctx, c, replicas)
		switch {
		case !ok:
			corrupted = append(corrupted, CorruptedChunk{ChunkID: c.ID, ExpectedChecksum: c.Digest, Unavailable: true})
		case sum != c.Digest:
			corrupted = append(corrupted, CorruptedChunk{ChunkID: c.ID, ExpectedChecksum: c.Digest, CalculatedChecksum: sum})
		}
	}

	if len(corrupted) > 0 {
		for _, cc := range corrupted {
			h.log.Warn("chunk failed integrity check", "file_id", fileID, "chunk_id", cc.ChunkID,
				"expected_checksum", cc.ExpectedChecksum, "calculated_checksum", cc.CalculatedChecksum,
				"unavailable", cc.Unavailable)
		}
		if err := h.store.SetFileStatus(ctx, fileID, chunkmodel.FileCorrupted); err != nil {
			return corrupted, fmt.Errorf("mark file %s corrupted: %w", fileID, err)
		}
		h.cache.Delete(ctx, cache.NamespaceFileMetadata, fileID.String())
		return corrupted, chunkmodel.NewError(chunkmodel.KindIntegrityMismatch, "tasks.VerifyFile",
			fmt.Errorf("file %s: %d corrupted chunk(s)", fileID, len(corrupted)))
	}

	if file.Status == chunkmodel.FileCompleted {
		if err := h.store.SetFileStatus(ctx, fileID, chunkmodel.FileVerified); err != nil {
			return nil, fmt.Errorf("mark file %s verified: %w", fileID, err)
		}
		h.cache.Delete(ctx, cache.NamespaceFileMetadata, fileID.String())
	}
	return nil, nil
}

// fetchReplicaDigest fetches the chunk from the first replica that responds
// at all and returns its recomputed SHA-256 digest, per spec.md §4.4's
// "fetches one surviving replica" — it does not keep trying replicas after
// one produces bytes, matching the original's one-response-then-compare
// behavior.
func (h *Handlers) fetchReplicaDigest(ctx context.Context, c chunkmodel.Chunk, replicas []chunkmodel.Replica) (chunkmodel.Digest, bool) {
	for _, r := range replicas {
		rc, err := h.nodes.Get(ctx, r.StorageNodeID, c.ID.String())
		if err != nil {
			continue
		}
		sum, err := digestReader(rc)
		rc.Close()
		if err != nil {
			continue
		}
		return sum, true
	}
	return "", false
}

// ProbeNodes health-checks every configured storage node and caches the
// result under the nodes_health namespace, so the Coordinator's placement
// sampling can read a fresh snapshot without a live round-trip per upload.
func (h *Handlers) ProbeNodes(ctx context.Context, payload []byte) error {
	ids := h.allIDs()
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, 10*time.Second)
			defer cancel()
			health, err := h.nodes.Health(pctx, id)
			if err != nil {
				h.log.Warn("node health probe failed", "node_id", id, "error", err)
				health = node.Health{Healthy: false}
			}
			encoded, err := EncodePayload(health)
			if err != nil {
				return err
			}
			h.cache.Set(gctx, cache.NamespaceNodesHealth, id, encoded, cache.DefaultTTLs[cache.NamespaceNodesHealth])
			return nil
		})
	}
	return g.Wait()
}

// ExpireShares deletes every share past its expiry.
func (h *Handlers) ExpireShares(ctx context.Context, payload []byte) error {
	n, err := h.store.DeleteExpiredShares(ctx, timeNow())
	if err != nil {
		return fmt.Errorf("delete expired shares: %w", err)
	}
	h.log.Info("expired shares deleted", "count", n)
	return nil
}
