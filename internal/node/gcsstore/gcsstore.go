// Package gcsstore is a node.Backend backed by a Google Cloud Storage
// bucket, using the SDK declared but never imported in the teacher's
// go.mod.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"distfs/internal/node"
)

// Backend stores chunks as individual objects in a GCS bucket, keyed
// directly by chunk id.
type Backend struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// New builds a GCS-backed Backend using application default credentials.
func New(ctx context.Context, bucketName, prefix string) (*Backend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("new gcs client: %w", err)
	}
	return &Backend{client: client, bucket: client.Bucket(bucketName), prefix: prefix}, nil
}

func (b *Backend) object(id string) *storage.ObjectHandle {
	return b.bucket.Object(b.prefix + id)
}

func (b *Backend) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	if size > node.MaxChunkSize {
		return node.ErrTooLarge
	}
	w := b.object(id).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("gcs put %s: %w", id, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs put %s: close: %w", id, err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	r, err := b.object(id).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, node.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get %s: %w", id, err)
	}
	return r, nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	err := b.object(id).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", id, err)
	}
	return nil
}

func (b *Backend) Info(ctx context.Context, id string) (node.Info, error) {
	attrs, err := b.object(id).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return node.Info{Exists: false}, nil
	}
	if err != nil {
		return node.Info{}, fmt.Errorf("gcs attrs %s: %w", id, err)
	}
	return node.Info{Exists: true, Size: attrs.Size}, nil
}

func (b *Backend) Health(ctx context.Context) (node.Health, error) {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: b.prefix})
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return node.Health{Healthy: false}, fmt.Errorf("gcs list: %w", err)
	}
	return node.Health{Healthy: true, FreeBytes: -1}, nil
}
