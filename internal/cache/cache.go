// Package cache defines the Chunk Cache contract: a namespaced,
// TTL-bearing, read-through cache in front of chunk payloads and derived
// metadata. Cache faults never fail a request — callers degrade to a
// direct lookup on error.
package cache

import (
	"context"
	"time"
)

// Namespace identifies one of the cache's key spaces, each with its own
// default TTL.
type Namespace string

const (
	NamespaceChunkData    Namespace = "chunk_data"
	NamespaceFileMetadata Namespace = "file_metadata"
	NamespaceUserFiles    Namespace = "user_files"
	NamespaceShareInfo    Namespace = "share_info"
	NamespaceNodesHealth  Namespace = "nodes_health"
)

// DefaultTTLs gives the TTL each namespace uses absent a config override.
var DefaultTTLs = map[Namespace]time.Duration{
	NamespaceChunkData:    3600 * time.Second,
	NamespaceFileMetadata: 600 * time.Second,
	NamespaceUserFiles:    300 * time.Second,
	NamespaceShareInfo:    1800 * time.Second,
	NamespaceNodesHealth:  300 * time.Second,
}

// Cache is a namespaced key-value store supporting binary values and TTL.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the cached value for (ns, key) and true, or (nil, false)
	// on a miss or cache fault. A fault is never surfaced as an error —
	// callers always treat a false return as "go fetch it yourself".
	Get(ctx context.Context, ns Namespace, key string) ([]byte, bool)

	// Set stores value under (ns, key) with the given TTL. Errors are
	// logged by the implementation, never returned, preserving the
	// degrade-on-fault contract.
	Set(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration)

	// Delete invalidates (ns, key), e.g. on file or share mutation.
	Delete(ctx context.Context, ns Namespace, key string)
}
