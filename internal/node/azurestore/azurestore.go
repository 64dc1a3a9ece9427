// Package azurestore is a node.Backend backed by an Azure Blob container,
// using the SDK declared but never imported in the teacher's go.mod.
package azurestore

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"distfs/internal/node"
)

// Backend stores chunks as individual blobs in an Azure Storage container,
// keyed directly by chunk id.
type Backend struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New builds an Azure-blob-backed Backend using default Azure credentials.
func New(accountURL, container, prefix string) (*Backend, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("new azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("new azure blob client: %w", err)
	}
	return &Backend{client: client, container: container, prefix: prefix}, nil
}

func (b *Backend) blobName(id string) string { return b.prefix + id }

func (b *Backend) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	if size > node.MaxChunkSize {
		return node.ErrTooLarge
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read chunk %s: %w", id, err)
	}
	_, err = b.client.UploadBuffer(ctx, b.container, b.blobName(id), data, nil)
	if err != nil {
		return fmt.Errorf("azure put %s: %w", id, err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, b.blobName(id), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, node.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("azure get %s: %w", id, err)
	}
	return resp.Body, nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	_, err := b.client.DeleteBlob(ctx, b.container, b.blobName(id), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("azure delete %s: %w", id, err)
	}
	return nil
}

func (b *Backend) Info(ctx context.Context, id string) (node.Info, error) {
	blobClient := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(b.blobName(id))
	props, err := blobClient.GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return node.Info{Exists: false}, nil
	}
	if err != nil {
		return node.Info{}, fmt.Errorf("azure properties %s: %w", id, err)
	}
	size := int64(0)
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	return node.Info{Exists: true, Size: size}, nil
}

func (b *Backend) Health(ctx context.Context) (node.Health, error) {
	pager := b.client.NewListBlobsFlatPager(b.container, &azblob.ListBlobsFlatOptions{Prefix: &b.prefix})
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			return node.Health{Healthy: false}, fmt.Errorf("azure list: %w", err)
		}
	}
	return node.Health{Healthy: true, FreeBytes: -1}, nil
}
