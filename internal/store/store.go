// Package store defines the Metadata Store contract: the durable,
// transactional record of files, chunks, replicas, shares, and the task
// queue. The coordinator and task runner depend only on this interface;
// concrete backends live in sibling packages (sqlite, memory).
//
// Store does not:
//   - Inspect chunk payloads
//   - Talk to storage nodes
//   - Decide placement or retries
//
// All methods that span multiple rows (CreateUpload, MarkChunkFailed,
// ApplyReplication, FinalizeUpload) are transactional: either every row change lands, or none does.
package store

import (
	"context"
	"time"

	"distfs/internal/chunkmodel"

	"github.com/google/uuid"
)

// Store persists files, chunks, replicas, shares, and queued tasks.
//
// Implementations must provide ACID transactions spanning File+Chunk+Replica
// inserts, unique-index enforcement on File id, Chunk id, Replica
// (chunk_id, node_id), and Share token, foreign-key cascade from File to
// Chunk to Replica and from File to Share, and read-committed isolation or
// stronger.
type Store interface {
	// CreateUpload inserts a File row in status uploading and all of its
	// Chunk rows in status pending, in a single transaction. chunks must
	// already carry their computed digests and lengths.
	CreateUpload(ctx context.Context, file chunkmodel.File, chunks []chunkmodel.Chunk) error

	// MarkChunkStored transitions a chunk to stored, subject to the caller
	// having already committed the corresponding Replica rows via
	// ApplyReplication; this only updates the Chunk row's status.
	MarkChunkStored(ctx context.Context, chunkID uuid.UUID) error

	// MarkChunkFailed transitions a chunk to failed and its parent file to
	// failed, in a single transaction.
	MarkChunkFailed(ctx context.Context, chunkID uuid.UUID) error

	// ApplyReplication records the outcome of a Replicate task: inserts
	// Replica rows for ackedNodes (ON CONFLICT DO NOTHING on the unique
	// (chunk_id, node_id) index, so retries never duplicate) and, if the
	// chunk's total Replica row count after the insert is >= quorum,
	// transitions the Chunk to stored; otherwise transitions the Chunk (and
	// its File) to failed. Safe to call more than
	// once for the same chunk with the same or a growing ackedNodes set.
	ApplyReplication(ctx context.Context, chunkID uuid.UUID, ackedNodes []string, quorum int) error

	// FinalizeUpload transitions a File from uploading to completed if every
	// chunk reached stored, or to failed otherwise. No-op if the file is no
	// longer in uploading status.
	FinalizeUpload(ctx context.Context, fileID uuid.UUID) error

	// SetFileStatus sets a File's status directly (used by verification).
	SetFileStatus(ctx context.Context, fileID uuid.UUID, status chunkmodel.FileStatus) error

	GetFile(ctx context.Context, fileID uuid.UUID) (chunkmodel.File, error)
	ListFilesByOwner(ctx context.Context, ownerID uuid.UUID) ([]chunkmodel.File, error)

	// ListFilesByStatus returns every File in the given status, across all
	// owners. Backs the Task Runner's nightly verification sweep, which
	// needs to enumerate every completed file rather than one owner's.
	ListFilesByStatus(ctx context.Context, status chunkmodel.FileStatus) ([]chunkmodel.File, error)

	// ListChunks returns a file's chunks ordered by chunk_index ascending.
	ListChunks(ctx context.Context, fileID uuid.UUID) ([]chunkmodel.Chunk, error)
	GetChunk(ctx context.Context, chunkID uuid.UUID) (chunkmodel.Chunk, error)

	// ListReplicas returns the replicas of a chunk in insertion order.
	ListReplicas(ctx context.Context, chunkID uuid.UUID) ([]chunkmodel.Replica, error)

	CreateShare(ctx context.Context, share chunkmodel.Share) error
	GetShareByToken(ctx context.Context, token string) (chunkmodel.Share, error)

	// IncrementShareAccess atomically increments a share's access counter.
	IncrementShareAccess(ctx context.Context, shareID uuid.UUID) error

	// DeleteExpiredShares deletes all shares with expires_at < now and
	// returns the count deleted.
	DeleteExpiredShares(ctx context.Context, now time.Time) (int, error)

	// Task queue operations backing the Task Runner's durable FIFO broker.
	TaskQueue

	Close() error
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = chunkmodel.ErrNotFound
