// Package cache provides a byte-capacity-bounded block cache shared by
// all open table files. Entries are spread across independently locked
// LRU shards to keep concurrent readers off a single mutex.
package cache

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/quarrydb/quarry/pkg/table/block"
)

var (
	// ErrBlockTooLarge indicates a block exceeds the per-shard capacity
	// and cannot be cached
	ErrBlockTooLarge = errors.New("block larger than cache shard capacity")
	// ErrInvalidCapacity indicates a non-positive cache capacity
	ErrInvalidCapacity = errors.New("cache capacity must be positive")
)

// DefaultShardCount is the number of LRU shards when none is configured.
const DefaultShardCount = 16

// Key identifies a cached block by the file it belongs to and the block's
// byte offset within that file.
type Key struct {
	FileName string
	Offset   uint64
}

// String renders the key as fileName_offset. Keys of one file share the
// fileName prefix, which EvictByPrefix relies on.
func (k Key) String() string {
	return k.FileName + "_" + strconv.FormatUint(k.Offset, 10)
}

// Options configures a block cache.
type Options struct {
	// CapacityBytes bounds the total size of cached blocks
	CapacityBytes int64

	// ShardCount is the number of LRU shards, DefaultShardCount if zero
	ShardCount int
}

// BlockCache is a sharded LRU cache of table blocks bounded by total
// byte size. All methods are safe for concurrent use.
type BlockCache struct {
	shards   []*lruShard
	capacity int64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Blocks    int
	SizeBytes int64
}

// New creates a block cache with the given capacity. The capacity is
// divided evenly across shards.
func New(opts Options) (*BlockCache, error) {
	if opts.CapacityBytes <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, opts.CapacityBytes)
	}

	shardCount := opts.ShardCount
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}

	shardCapacity := opts.CapacityBytes / int64(shardCount)
	if shardCapacity < 1 {
		shardCapacity = 1
	}

	c := &BlockCache{
		shards:   make([]*lruShard, shardCount),
		capacity: opts.CapacityBytes,
	}
	for i := range c.shards {
		c.shards[i] = newLRUShard(shardCapacity)
	}

	return c, nil
}

// shard picks the shard responsible for a key.
func (c *BlockCache) shard(key Key) *lruShard {
	h := xxhash.Sum64String(key.String())
	return c.shards[h%uint64(len(c.shards))]
}

// Get returns the cached block for key, if present.
func (c *BlockCache) Get(key Key) (*block.Block, bool) {
	return c.shard(key).get(key)
}

// Put caches a block. Returns ErrBlockTooLarge when the block cannot fit
// a shard even after evicting everything else.
func (c *BlockCache) Put(key Key, blk *block.Block) error {
	return c.shard(key).put(key, blk)
}

// Evict removes the cached block for key, reporting whether it was
// present. Explicit evictions do not count toward the eviction stat,
// which tracks capacity pressure only.
func (c *BlockCache) Evict(key Key) bool {
	return c.shard(key).evict(key)
}

// EvictByPrefix removes all entries whose key string starts with prefix
// and returns how many were removed. An empty prefix empties the cache.
func (c *BlockCache) EvictByPrefix(prefix string) int {
	results := make([]int, len(c.shards))

	var wg sync.WaitGroup
	wg.Add(len(c.shards))
	for i, shard := range c.shards {
		go func(i int, shard *lruShard) {
			defer wg.Done()
			results[i] = shard.evictByPrefix(prefix)
		}(i, shard)
	}
	wg.Wait()

	evicted := 0
	for _, n := range results {
		evicted += n
	}
	return evicted
}

// Len returns the number of cached blocks.
func (c *BlockCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		total += shard.len()
	}
	return total
}

// Size returns the total byte size of cached blocks.
func (c *BlockCache) Size() int64 {
	var total int64
	for _, shard := range c.shards {
		total += shard.bytes()
	}
	return total
}

// Capacity returns the configured capacity in bytes.
func (c *BlockCache) Capacity() int64 {
	return c.capacity
}

// Stats aggregates counters across all shards.
func (c *BlockCache) Stats() Stats {
	var stats Stats
	for _, shard := range c.shards {
		stats.Hits += shard.hits.Load()
		stats.Misses += shard.misses.Load()
		stats.Evictions += shard.evictions.Load()
		stats.Blocks += shard.len()
		stats.SizeBytes += shard.bytes()
	}
	return stats
}
