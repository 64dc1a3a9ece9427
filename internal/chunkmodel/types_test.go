package chunkmodel

import (
	"testing"
	"time"
)

func TestQuorum(t *testing.T) {
	cases := []struct {
		r, want int
	}{
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
	}
	for _, c := range cases {
		if got := Quorum(c.r); got != c.want {
			t.Errorf("Quorum(%d) = %d, want %d", c.r, got, c.want)
		}
	}
}

func TestChunkCount(t *testing.T) {
	const cs = DefaultChunkSize
	cases := []struct {
		size int64
		want int
	}{
		{0, 1},
		{1, 1},
		{cs, 1},
		{cs + 1, 2},
		{10 << 20, 3}, // 10 MiB / 4 MiB -> 3 chunks (4, 4, 2)
	}
	for _, c := range cases {
		if got := ChunkCount(c.size, cs); got != c.want {
			t.Errorf("ChunkCount(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestChunkLength(t *testing.T) {
	const cs = DefaultChunkSize
	size := int64(10 << 20)
	want := []int64{cs, cs, 2 << 20}
	for i, w := range want {
		if got := ChunkLength(size, cs, i); got != w {
			t.Errorf("ChunkLength(idx=%d) = %d, want %d", i, got, w)
		}
	}
}

func TestSHA256DigestDeterministic(t *testing.T) {
	a := SHA256Digest([]byte("hello"))
	b := SHA256Digest([]byte("hello"))
	if a != b {
		t.Fatalf("digest not deterministic: %s != %s", a, b)
	}
	if a == SHA256Digest([]byte("world")) {
		t.Fatal("distinct inputs produced the same digest")
	}
}

func TestShareExpired(t *testing.T) {
	s := Share{}
	if s.Expired(time.Now()) {
		t.Fatal("share with nil expiry must never report expired")
	}
}
