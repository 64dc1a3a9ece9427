package memcache

import (
	"context"
	"testing"
	"time"

	"distfs/internal/cache"
)

func TestSetGet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ctx, time.Hour)

	c.Set(ctx, cache.NamespaceChunkData, "chunk-1", []byte("payload"), time.Minute)
	got, ok := c.Get(ctx, cache.NamespaceChunkData, "chunk-1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestGetMissDistinctNamespaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ctx, time.Hour)

	c.Set(ctx, cache.NamespaceChunkData, "k", []byte("a"), time.Minute)
	if _, ok := c.Get(ctx, cache.NamespaceFileMetadata, "k"); ok {
		t.Fatal("expected namespaces to be isolated")
	}
}

func TestExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ctx, time.Hour)

	c.Set(ctx, cache.NamespaceShareInfo, "tok", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(ctx, cache.NamespaceShareInfo, "tok"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ctx, time.Hour)

	c.Set(ctx, cache.NamespaceUserFiles, "owner", []byte("listing"), time.Minute)
	c.Delete(ctx, cache.NamespaceUserFiles, "owner")
	if _, ok := c.Get(ctx, cache.NamespaceUserFiles, "owner"); ok {
		t.Fatal("expected deleted entry to miss")
	}
}
