// Package diskstore is a local-filesystem node.Backend, content-addressed
// and sharded by a 2-character prefix of the chunk id to bound
// per-directory entry counts, per the storage-node wire contract.
package diskstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/klauspost/compress/zstd"

	"distfs/internal/node"
)

// Backend stores chunks as individual files under root, sharded by
// node.ShardPrefix. Writes go to a temp file in the shard directory and are
// renamed into place, so a reader never observes a partial chunk.
type Backend struct {
	root     string
	compress bool

	enc   *zstd.Encoder
	encMu sync.Mutex // zstd.Encoder is not safe for concurrent Reset+Write

	mu sync.Mutex // guards directory creation races
}

// New builds a disk-backed Backend rooted at dir. When compress is true,
// stored blobs are zstd-compressed at rest.
func New(dir string, compress bool) (*Backend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backend root %s: %w", dir, err)
	}
	b := &Backend{root: dir, compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("init zstd encoder: %w", err)
		}
		b.enc = enc
	}
	return b, nil
}

func (b *Backend) pathFor(id string) string {
	return filepath.Join(b.root, node.ShardPrefix(id), id)
}

func (b *Backend) shardDir(id string) string {
	return filepath.Join(b.root, node.ShardPrefix(id))
}

func (b *Backend) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	if size > node.MaxChunkSize {
		return node.ErrTooLarge
	}

	dir := b.shardDir(id)
	b.mu.Lock()
	err := os.MkdirAll(dir, 0755)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("create shard dir for %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+id+"-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", id, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { tmp.Close(); os.Remove(tmpPath) }

	if b.compress {
		b.encMu.Lock()
		b.enc.Reset(tmp)
		_, copyErr := io.Copy(b.enc, r)
		closeErr := b.enc.Close()
		b.encMu.Unlock()
		if copyErr != nil {
			cleanup()
			return fmt.Errorf("compress chunk %s: %w", id, copyErr)
		}
		if closeErr != nil {
			cleanup()
			return fmt.Errorf("close zstd writer for %s: %w", id, closeErr)
		}
	} else {
		if _, err := io.Copy(tmp, r); err != nil {
			cleanup()
			return fmt.Errorf("write chunk %s: %w", id, err)
		}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", id, err)
	}
	if err := os.Rename(tmpPath, b.pathFor(id)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place for %s: %w", id, err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	f, err := os.Open(b.pathFor(id))
	if os.IsNotExist(err) {
		return nil, node.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open chunk %s: %w", id, err)
	}
	if !b.compress {
		return f, nil
	}
	return &decompressReader{f: f}, nil
}

// decompressReader streams a zstd-compressed on-disk chunk. Each Get gets
// its own zstd.Reader since the type is not safe for concurrent use.
type decompressReader struct {
	f  *os.File
	dr io.Reader
}

func (r *decompressReader) Read(p []byte) (int, error) {
	if r.dr == nil {
		dr, err := zstd.NewReader(r.f)
		if err != nil {
			return 0, fmt.Errorf("new zstd reader: %w", err)
		}
		r.dr = dr
	}
	return r.dr.Read(p)
}

func (r *decompressReader) Close() error { return r.f.Close() }

func (b *Backend) Delete(ctx context.Context, id string) error {
	err := os.Remove(b.pathFor(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete chunk %s: %w", id, err)
	}
	return nil
}

func (b *Backend) Info(ctx context.Context, id string) (node.Info, error) {
	fi, err := os.Stat(b.pathFor(id))
	if os.IsNotExist(err) {
		return node.Info{Exists: false}, nil
	}
	if err != nil {
		return node.Info{}, fmt.Errorf("stat chunk %s: %w", id, err)
	}
	return node.Info{Exists: true, Size: fi.Size()}, nil
}

func (b *Backend) Health(ctx context.Context) (node.Health, error) {
	var used, count int64
	err := filepath.WalkDir(b.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		used += info.Size()
		count++
		return nil
	})
	if err != nil {
		return node.Health{}, fmt.Errorf("walk backend root: %w", err)
	}

	var stat syscall.Statfs_t
	free := int64(0)
	if err := syscall.Statfs(b.root, &stat); err == nil {
		free = int64(stat.Bavail) * int64(stat.Bsize)
	}

	return node.Health{Healthy: true, UsedBytes: used, ChunkCnt: count, FreeBytes: free}, nil
}
