package wrappers

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/internal/trigram"
	"github.com/jayminwest/kotadb/pkg/types"
)

// CachedStorage is a write-through LRU over document reads, keyed by id.
//
// Inserts publish the new version to the cache immediately; updates,
// deletes and Flush invalidate. The cache stores immutable snapshots: readers get
// clones, so a caller mutating its copy cannot poison other readers.
type CachedStorage struct {
	inner Storage
	cache *ristretto.Cache[string, *types.Document]
}

// NewCachedStorage wraps inner with a cache holding up to capacity
// documents.
func NewCachedStorage(inner Storage, capacity int64) (*CachedStorage, error) {
	if capacity <= 0 {
		return nil, kerr.Invalid("new cached storage", "capacity must be positive")
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *types.Document]{
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("new cached storage: %w", err)
	}

	return &CachedStorage{inner: inner, cache: cache}, nil
}

func (c *CachedStorage) Insert(ctx context.Context, doc *types.Document) error {
	err := c.inner.Insert(ctx, doc)
	if err != nil {
		return err
	}

	c.publish(doc)

	return nil
}

func (c *CachedStorage) Update(ctx context.Context, doc *types.Document) error {
	err := c.inner.Update(ctx, doc)
	if err != nil {
		return err
	}

	// The engine stamps timestamps during update; drop the stale entry and
	// let the next read repopulate with the stored version.
	c.cache.Del(doc.ID.String())
	c.cache.Wait()

	return nil
}

func (c *CachedStorage) Delete(ctx context.Context, id types.DocumentID) (bool, error) {
	deleted, err := c.inner.Delete(ctx, id)
	if err != nil {
		return deleted, err
	}

	c.cache.Del(id.String())
	c.cache.Wait()

	return deleted, nil
}

func (c *CachedStorage) Get(ctx context.Context, id types.DocumentID) (*types.Document, error) {
	if doc, ok := c.cache.Get(id.String()); ok {
		return doc.Clone(), nil
	}

	doc, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if doc != nil {
		c.publish(doc)
	}

	return doc, nil
}

// List bypasses the cache: listings are ordered snapshots and caching them
// per window would mostly hold stale pages.
func (c *CachedStorage) List(ctx context.Context, offset, limit int) ([]*types.Document, error) {
	return c.inner.List(ctx, offset, limit)
}

// Flush invalidates the whole cache after the durability barrier, per the
// wrapper contract.
func (c *CachedStorage) Flush(ctx context.Context) error {
	err := c.inner.Flush(ctx)
	if err != nil {
		return err
	}

	c.cache.Clear()

	return nil
}

func (c *CachedStorage) publish(doc *types.Document) {
	c.cache.Set(doc.ID.String(), doc.Clone(), 1)
	c.cache.Wait()
}

// Close releases the cache's internal goroutines.
func (c *CachedStorage) Close() {
	c.cache.Close()
}

// CachedFullText memoizes search results keyed by (query shape, args),
// invalidating wholesale on any write. A generation counter embedded in
// the key makes invalidation O(1): stale generations simply stop being
// looked up and age out by LRU.
type CachedFullText struct {
	inner FullTextIndex
	cache *ristretto.Cache[string, []trigram.Hit]
	gen   atomic.Uint64
}

func NewCachedFullText(inner FullTextIndex, capacity int64) (*CachedFullText, error) {
	if capacity <= 0 {
		return nil, kerr.Invalid("new cached fulltext", "capacity must be positive")
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []trigram.Hit]{
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("new cached fulltext: %w", err)
	}

	return &CachedFullText{inner: inner, cache: cache}, nil
}

func (c *CachedFullText) InsertWithContent(id types.DocumentID, text string) error {
	err := c.inner.InsertWithContent(id, text)
	if err == nil {
		c.gen.Add(1)
	}

	return err
}

func (c *CachedFullText) UpdateWithContent(id types.DocumentID, text string) error {
	err := c.inner.UpdateWithContent(id, text)
	if err == nil {
		c.gen.Add(1)
	}

	return err
}

func (c *CachedFullText) Delete(id types.DocumentID) bool {
	deleted := c.inner.Delete(id)
	if deleted {
		c.gen.Add(1)
	}

	return deleted
}

func (c *CachedFullText) Search(query string, limit int) []trigram.Hit {
	key := fmt.Sprintf("search|%d|%d|%s", c.gen.Load(), limit, query)

	if hits, ok := c.cache.Get(key); ok {
		return hits
	}

	hits := c.inner.Search(query, limit)

	c.cache.Set(key, hits, 1)
	c.cache.Wait()

	return hits
}

// Close releases the cache's internal goroutines.
func (c *CachedFullText) Close() {
	c.cache.Close()
}
