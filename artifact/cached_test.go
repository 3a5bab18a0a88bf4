package artifact

import (
	"context"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts backend ReadAt calls so tests can prove reads were
// served from the cache.
type countingStore struct {
	Store
	reads atomic.Int64
}

func (s *countingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingBlob{Blob: b, reads: &s.reads}, nil
}

type countingBlob struct {
	Blob
	reads *atomic.Int64
}

func (b *countingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	b.reads.Add(1)
	return b.Blob.ReadAt(ctx, p, off)
}

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemory()}
	data := testPayload(1000)
	require.NoError(t, inner.Put(ctx, "run/epoch-0001/variables.bin", data))

	cache := NewLRU(1 << 20)
	store := NewCached(inner, cache, 64)

	blob, err := store.Open(ctx, "run/epoch-0001/variables.bin")
	require.NoError(t, err)
	defer blob.Close()
	assert.Equal(t, int64(1000), blob.Size())

	// Spans blocks 0..2; one coalesced backend read fills all three.
	buf := make([]byte, 130)
	n, err := blob.ReadAt(ctx, buf, 37)
	require.NoError(t, err)
	assert.Equal(t, 130, n)
	assert.Equal(t, data[37:167], buf)
	assert.Equal(t, int64(1), inner.reads.Load())

	// Same range again: served entirely from cache.
	n, err = blob.ReadAt(ctx, buf, 37)
	require.NoError(t, err)
	assert.Equal(t, 130, n)
	assert.Equal(t, data[37:167], buf)
	assert.Equal(t, int64(1), inner.reads.Load())

	hits, misses := cache.Stats()
	assert.Positive(t, hits)
	assert.Positive(t, misses)
}

func TestCachedStore_CoalescesMissingRuns(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemory()}
	require.NoError(t, inner.Put(ctx, "v.bin", testPayload(1000)))

	store := NewCached(inner, NewLRU(1<<20), 64)
	blob, err := store.Open(ctx, "v.bin")
	require.NoError(t, err)
	defer blob.Close()

	// Warm blocks 0-1.
	_, err = blob.ReadAt(ctx, make([]byte, 128), 0)
	require.NoError(t, err)
	warm := inner.reads.Load()

	// Blocks 0..7: the missing tail 2..7 is one run, one backend read.
	_, err = blob.ReadAt(ctx, make([]byte, 512), 0)
	require.NoError(t, err)
	assert.Equal(t, warm+1, inner.reads.Load())
}

func TestCachedStore_ShortReadAtEnd(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	data := testPayload(100)
	require.NoError(t, inner.Put(ctx, "v.bin", data))

	store := NewCached(inner, NewLRU(1<<20), 64)
	blob, err := store.Open(ctx, "v.bin")
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 50)
	n, err := blob.ReadAt(ctx, buf, 80)
	assert.Equal(t, 20, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, data[80:], buf[:n])

	_, err = blob.ReadAt(ctx, buf, 150)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCachedStore_ReadRange(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	data := testPayload(1000)
	require.NoError(t, inner.Put(ctx, "v.bin", data))

	store := NewCached(inner, NewLRU(1<<20), 64)
	blob, err := store.Open(ctx, "v.bin")
	require.NoError(t, err)
	defer blob.Close()

	r, err := blob.ReadRange(ctx, 100, 300)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, data[100:400], got)

	// Range past the end yields the bytes that exist.
	r, err = blob.ReadRange(ctx, 900, 200)
	require.NoError(t, err)
	got, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data[900:], got)
}

func TestCachedStore_PutInvalidates(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	cache := NewLRU(1 << 20)
	store := NewCached(inner, cache, 64)

	v1 := testPayload(200)
	require.NoError(t, store.Put(ctx, "v.bin", v1))

	got, err := ReadAll(ctx, store, "v.bin")
	require.NoError(t, err)
	assert.Equal(t, v1, got)

	// Overwrite through the cached store: stale blocks must be dropped.
	v2 := make([]byte, 200)
	for i := range v2 {
		v2[i] = byte(255 - i%251)
	}
	require.NoError(t, store.Put(ctx, "v.bin", v2))

	got, err = ReadAll(ctx, store, "v.bin")
	require.NoError(t, err)
	assert.Equal(t, v2, got)
}

func TestCachedStore_DelegatesListAndDelete(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	store := NewCached(inner, NewLRU(1<<20), 0)

	require.NoError(t, store.Put(ctx, "run/a.bin", []byte("a")))
	require.NoError(t, store.Put(ctx, "run/b.bin", []byte("b")))

	names, err := store.List(ctx, "run/")
	require.NoError(t, err)
	assert.Equal(t, []string{"run/a.bin", "run/b.bin"}, names)

	require.NoError(t, store.Delete(ctx, "run/a.bin"))
	_, err = store.Open(ctx, "run/a.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLRUCache_Eviction(t *testing.T) {
	c := NewLRU(100)
	k := func(i int64) BlockKey { return BlockKey{Name: "v", Block: i} }

	c.Set(k(0), make([]byte, 40))
	c.Set(k(1), make([]byte, 40))
	_, ok := c.Get(k(0)) // touch 0 so 1 is the eviction candidate
	require.True(t, ok)

	c.Set(k(2), make([]byte, 40))
	_, ok = c.Get(k(1))
	assert.False(t, ok)
	_, ok = c.Get(k(0))
	assert.True(t, ok)
	_, ok = c.Get(k(2))
	assert.True(t, ok)
	assert.Equal(t, int64(80), c.Size())

	// Blocks larger than the whole capacity are never cached.
	c.Set(k(9), make([]byte, 101))
	_, ok = c.Get(k(9))
	assert.False(t, ok)
}

func TestLRUCache_Invalidate(t *testing.T) {
	c := NewLRU(1 << 10)
	c.Set(BlockKey{Name: "a", Block: 0}, make([]byte, 10))
	c.Set(BlockKey{Name: "a", Block: 1}, make([]byte, 10))
	c.Set(BlockKey{Name: "b", Block: 0}, make([]byte, 10))

	c.Invalidate(func(key BlockKey) bool { return key.Name == "a" })

	_, ok := c.Get(BlockKey{Name: "a", Block: 0})
	assert.False(t, ok)
	_, ok = c.Get(BlockKey{Name: "a", Block: 1})
	assert.False(t, ok)
	_, ok = c.Get(BlockKey{Name: "b", Block: 0})
	assert.True(t, ok)
	assert.Equal(t, int64(10), c.Size())
}
