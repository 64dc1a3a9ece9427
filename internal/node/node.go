// Package node defines the storage-node wire contract: the HTTP/1.1,
// raw-octet protocol a Chunk Coordinator and Task Runner speak to a
// content-addressed blob server, and the pluggable Backend interface a
// node process hosts behind it.
package node

import (
	"context"
	"errors"
	"io"
)

// MaxChunkSize is the largest chunk body a node will accept.
const MaxChunkSize = 100 << 20

var (
	ErrNotFound     = errors.New("chunk not found")
	ErrTooLarge     = errors.New("chunk exceeds max size")
	ErrUnavailable  = errors.New("storage node unavailable")
)

// Info describes a stored chunk.
type Info struct {
	Exists bool
	Size   int64
}

// Health reports node liveness and reported capacity.
type Health struct {
	Healthy   bool
	UsedBytes int64
	ChunkCnt  int64
	FreeBytes int64
}

// Backend is the storage surface a node process hosts. Implementations have
// no knowledge of files, owners, or replication — only opaque chunk ids and
// byte payloads.
type Backend interface {
	// Put writes r's contents under id. Writes are idempotent: concurrent or
	// repeated Puts of the same id converge, last write wins.
	Put(ctx context.Context, id string, r io.Reader, size int64) error

	// Get streams the stored bytes for id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (io.ReadCloser, error)

	// Delete best-effort unlinks id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	Info(ctx context.Context, id string) (Info, error)
	Health(ctx context.Context) (Health, error)
}

// NodeClient is the contract the Coordinator and Task Runner depend on to
// reach a storage node over the network, identified by its base URL.
type NodeClient interface {
	Put(ctx context.Context, nodeID string, id string, r io.Reader, size int64) error
	Get(ctx context.Context, nodeID string, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, nodeID string, id string) error
	Info(ctx context.Context, nodeID string, id string) (Info, error)
	Health(ctx context.Context, nodeID string) (Health, error)
}

// ShardPrefix returns the 2-character directory-sharding prefix for a chunk
// id, bounding per-directory entry counts per the wire contract.
func ShardPrefix(id string) string {
	if len(id) < 2 {
		return "__"
	}
	return id[:2]
}
