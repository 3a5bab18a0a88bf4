package artifact

import (
	"container/list"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultBlockSize is the cache block size when none is configured.
// Checkpoint payloads are read in large sequential stretches, so blocks are
// sized to amortize object-store round trips rather than page lookups.
const DefaultBlockSize = 256 * 1024

// BlockKey identifies one cached block of one artifact.
type BlockKey struct {
	Name  string
	Block int64
}

// BlockCache is a byte-oriented cache for immutable artifact blocks.
// Returned slices must be treated as read-only. Implementations must be safe
// for concurrent use.
type BlockCache interface {
	// Get returns a cached block. ok is false if missing.
	Get(key BlockKey) (b []byte, ok bool)
	// Set caches a block. The cache retains b; the caller must not modify it.
	Set(key BlockKey, b []byte)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key BlockKey) bool)
	// Stats returns hit and miss counts.
	Stats() (hits, misses int64)
}

// LRUCache is an in-memory BlockCache with byte-capacity LRU eviction.
type LRUCache struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[BlockKey]*list.Element
	evictList *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

type lruEntry struct {
	key   BlockKey
	value []byte
}

// NewLRU creates a block cache holding up to capacity bytes.
func NewLRU(capacity int64) *LRUCache {
	return &LRUCache{
		capacity:  capacity,
		items:     make(map[BlockKey]*list.Element),
		evictList: list.New(),
	}
}

// Get returns a cached block.
func (c *LRUCache) Get(key BlockKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*lruEntry).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches a block. Blocks larger than the whole capacity are not cached.
func (c *LRUCache) Set(key BlockKey, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int64(len(b)) > c.capacity {
		return
	}
	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		e := ent.Value.(*lruEntry)
		c.size += int64(len(b)) - int64(len(e.value))
		e.value = b
		c.evict()
		return
	}
	c.items[key] = c.evictList.PushFront(&lruEntry{key: key, value: b})
	c.size += int64(len(b))
	c.evict()
}

// Invalidate removes entries matching the predicate.
func (c *LRUCache) Invalidate(predicate func(key BlockKey) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Collect first; removeElement mutates the list.
	var toRemove []*list.Element
	for key, element := range c.items {
		if predicate(key) {
			toRemove = append(toRemove, element)
		}
	}
	for _, e := range toRemove {
		c.removeElement(e)
	}
}

// Stats returns hit and miss counts.
func (c *LRUCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the current cache size in bytes.
func (c *LRUCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *LRUCache) evict() {
	for c.size > c.capacity {
		element := c.evictList.Back()
		if element == nil {
			break
		}
		c.removeElement(element)
	}
}

func (c *LRUCache) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	ent := e.Value.(*lruEntry)
	delete(c.items, ent.key)
	c.size -= int64(len(ent.value))
}

// CachedStore wraps a Store with block-level read caching. Repeated restores
// from a slow backend (object storage, network mounts) hit the cache instead
// of refetching payloads. Writes pass through and invalidate the written
// artifact's blocks; artifacts are otherwise treated as immutable.
type CachedStore struct {
	inner     Store
	cache     BlockCache
	blockSize int64
}

// NewCached wraps inner with the given block cache. blockSize <= 0 uses
// DefaultBlockSize.
func NewCached(inner Store, cache BlockCache, blockSize int64) *CachedStore {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &CachedStore{inner: inner, cache: cache, blockSize: blockSize}
}

// Open opens an artifact for reading through the cache.
func (s *CachedStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &cachedBlob{inner: b, cache: s.cache, name: name, blockSize: s.blockSize}, nil
}

// Create creates an artifact for streaming writes. Writes are not cached.
func (s *CachedStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	s.invalidate(name)
	return s.inner.Create(ctx, name)
}

// Put writes an artifact atomically and drops its cached blocks.
func (s *CachedStore) Put(ctx context.Context, name string, data []byte) error {
	s.invalidate(name)
	return s.inner.Put(ctx, name, data)
}

// Delete removes an artifact and drops its cached blocks.
func (s *CachedStore) Delete(ctx context.Context, name string) error {
	s.invalidate(name)
	return s.inner.Delete(ctx, name)
}

// List returns the names of all artifacts with the given prefix, sorted.
func (s *CachedStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

func (s *CachedStore) invalidate(name string) {
	s.cache.Invalidate(func(key BlockKey) bool {
		return key.Name == name
	})
}

type cachedBlob struct {
	inner     Blob
	cache     BlockCache
	name      string
	blockSize int64
}

func (b *cachedBlob) Close() error {
	return b.inner.Close()
}

func (b *cachedBlob) Size() int64 {
	return b.inner.Size()
}

// ReadAt satisfies reads block-aligned from the cache, fetching missing
// blocks from the backend first. A read past the end returns io.EOF with the
// bytes that exist, matching the other store implementations.
func (b *cachedBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	size := b.inner.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > size {
		want = size - off
	}

	startBlock := off / b.blockSize
	endBlock := (off + want - 1) / b.blockSize
	if err := b.fill(ctx, startBlock, endBlock); err != nil {
		return 0, err
	}

	total := 0
	for blk := startBlock; blk <= endBlock; blk++ {
		data, err := b.block(ctx, blk)
		if err != nil {
			return total, err
		}
		blkStart := blk * b.blockSize
		lo := max(blkStart, off)
		hi := min(blkStart+b.blockSize, off+want)
		if hi <= lo {
			continue
		}
		if hi > blkStart+int64(len(data)) {
			hi = blkStart + int64(len(data))
		}
		if hi <= lo {
			break
		}
		total += copy(p[lo-off:hi-off], data[lo-blkStart:hi-blkStart])
	}

	if int64(total) < int64(len(p)) {
		return total, io.EOF
	}
	return total, nil
}

// ReadRange reads through the cache via ReadAt.
func (b *cachedBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	return io.NopCloser(&cachedRangeReader{blob: b, ctx: ctx, off: off, limit: off + length}), nil
}

// fill loads the missing blocks in [startBlock, endBlock] into the cache.
// Contiguous missing runs are fetched with one backend read each, runs in
// parallel.
func (b *cachedBlob) fill(ctx context.Context, startBlock, endBlock int64) error {
	type run struct{ start, count int64 }
	var missing []run

	cur := run{start: -1}
	for blk := startBlock; blk <= endBlock; blk++ {
		if _, ok := b.cache.Get(BlockKey{Name: b.name, Block: blk}); ok {
			if cur.start != -1 {
				missing = append(missing, cur)
				cur = run{start: -1}
			}
			continue
		}
		if cur.start == -1 {
			cur = run{start: blk, count: 1}
		} else {
			cur.count++
		}
	}
	if cur.start != -1 {
		missing = append(missing, cur)
	}
	if len(missing) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, r := range missing {
		g.Go(func() error {
			byteStart := r.start * b.blockSize
			byteSize := r.count * b.blockSize
			size := b.inner.Size()
			if byteStart >= size {
				return nil
			}
			if byteStart+byteSize > size {
				byteSize = size - byteStart
			}

			buf := make([]byte, byteSize)
			n, err := b.inner.ReadAt(gctx, buf, byteStart)
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			valid := buf[:n]

			for i := int64(0); i < r.count; i++ {
				lo := i * b.blockSize
				if lo >= int64(len(valid)) {
					break
				}
				hi := min(lo+b.blockSize, int64(len(valid)))
				// Copy per block so the run buffer is not pinned by the cache.
				block := make([]byte, hi-lo)
				copy(block, valid[lo:hi])
				b.cache.Set(BlockKey{Name: b.name, Block: r.start + i}, block)
			}
			return nil
		})
	}
	return g.Wait()
}

// block returns one block, from the cache or the backend. The cache may have
// evicted a block between fill and here; the fallback read keeps the result
// correct either way.
func (b *cachedBlob) block(ctx context.Context, blk int64) ([]byte, error) {
	key := BlockKey{Name: b.name, Block: blk}
	if data, ok := b.cache.Get(key); ok {
		return data, nil
	}

	buf := make([]byte, b.blockSize)
	n, err := b.inner.ReadAt(ctx, buf, blk*b.blockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	valid := buf[:n]
	if n > 0 {
		b.cache.Set(key, valid)
	}
	return valid, nil
}

type cachedRangeReader struct {
	blob  *cachedBlob
	ctx   context.Context
	off   int64
	limit int64
}

func (r *cachedRangeReader) Read(p []byte) (n int, err error) {
	if r.off >= r.limit {
		return 0, io.EOF
	}
	if remaining := r.limit - r.off; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err = r.blob.ReadAt(r.ctx, p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 && r.off < r.limit {
		err = nil
	}
	return n, err
}
