// Package chunkmodel defines the core data types of the chunk lifecycle:
// files, their fixed-size chunks, chunk replicas, and share links. These
// types are the shared vocabulary between the coordinator, the metadata
// store, the task runner, and the cache.
package chunkmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// DefaultChunkSize is CHUNK_SIZE's default value (4 MiB).
const DefaultChunkSize = 4 << 20

// MaxChunkSize is the storage node's hard cap on a single chunk body (100 MiB).
const MaxChunkSize = 100 << 20

// FileStatus is the lifecycle state of a File.
type FileStatus string

const (
	FileUploading FileStatus = "uploading"
	FileCompleted FileStatus = "completed"
	FileFailed    FileStatus = "failed"
	FileVerified  FileStatus = "verified"
	FileCorrupted FileStatus = "corrupted"
)

// ChunkStatus is the lifecycle state of a Chunk.
type ChunkStatus string

const (
	ChunkPending ChunkStatus = "pending"
	ChunkStored  ChunkStatus = "stored"
	ChunkFailed  ChunkStatus = "failed"
)

// Digest is a SHA-256 content digest, hex-encoded for storage and comparison.
type Digest string

// SHA256Digest computes the hex-encoded SHA-256 digest of b.
func SHA256Digest(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest(hex.EncodeToString(sum[:]))
}

// File is a user upload split into chunks and replicated across nodes.
type File struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	Name       string
	MIME       string
	Size       int64
	ChunkCount int
	Digest     Digest
	Version    int64
	Status     FileStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Chunk is a fixed-size (<= CHUNK_SIZE) fragment of a File.
type Chunk struct {
	ID     uuid.UUID
	FileID uuid.UUID
	Index  int
	Length int64
	Digest Digest
	Status ChunkStatus
}

// Replica is one placement of a Chunk on one storage node.
type Replica struct {
	ID            uuid.UUID
	ChunkID       uuid.UUID
	StorageNodeID string
	CreatedAt     time.Time
}

// Share grants unauthenticated, optionally time-limited read access to a File.
type Share struct {
	ID          uuid.UUID
	FileID      uuid.UUID
	OwnerID     uuid.UUID
	Token       string
	ExpiresAt   *time.Time
	AccessCount int64
	CreatedAt   time.Time
}

// Expired reports whether the share has passed its expiry at time now.
func (s Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Quorum returns the minimum number of acknowledged writes required to
// consider a chunk stored for replication factor r: Q = floor(r/2)+1.
func Quorum(r int) int {
	return r/2 + 1
}

// ChunkCount returns the number of chunks a file of the given size splits
// into under chunkSize: ceil(size/chunkSize), minimum 1 for an empty file.
func ChunkCount(size int64, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	return int(n)
}

// ChunkLength returns the byte length of the chunk at index idx (zero-based)
// for a file of the given total size under chunkSize.
func ChunkLength(size, chunkSize int64, idx int) int64 {
	start := int64(idx) * chunkSize
	remaining := size - start
	if remaining > chunkSize {
		return chunkSize
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}
