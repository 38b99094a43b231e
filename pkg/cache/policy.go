package cache

import (
	"fmt"

	"github.com/quarrydb/quarry/pkg/table/block"
)

// Mode selects which block category, if any, the table writer pushes
// into the cache as it writes.
type Mode uint8

const (
	// ModeNone caches nothing on write
	ModeNone Mode = iota
	// ModeData caches data blocks on write
	ModeData
	// ModeBloom caches bloom filter chunks on write
	ModeBloom
	// ModeIndex caches every level of the block index on write
	ModeIndex
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeData:
		return "data"
	case ModeBloom:
		return "bloom"
	case ModeIndex:
		return "index"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ParseMode converts a configuration string into a Mode. The empty
// string means no caching on write.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "none":
		return ModeNone, nil
	case "data":
		return ModeData, nil
	case "bloom":
		return ModeBloom, nil
	case "index":
		return ModeIndex, nil
	default:
		return ModeNone, fmt.Errorf("invalid cache-on-write mode %q", s)
	}
}

// Coordinator routes blocks into the cache. Writers consult it as blocks
// are flushed; readers use it to populate the cache on miss and to evict
// a file's blocks when the file goes away. A nil Coordinator disables
// caching entirely.
type Coordinator struct {
	cache *BlockCache
	mode  Mode
}

// NewCoordinator creates a coordinator over the given cache.
func NewCoordinator(cache *BlockCache, mode Mode) *Coordinator {
	return &Coordinator{cache: cache, mode: mode}
}

// Mode returns the configured cache-on-write mode.
func (c *Coordinator) Mode() Mode {
	if c == nil {
		return ModeNone
	}
	return c.mode
}

// Cache returns the underlying block cache, or nil.
func (c *Coordinator) Cache() *BlockCache {
	if c == nil {
		return nil
	}
	return c.cache
}

// ShouldCacheOnWrite reports whether a freshly written block of the
// given type belongs in the cache. All index levels follow the same
// decision, so intermediate index blocks are cached exactly when leaf
// index blocks are.
func (c *Coordinator) ShouldCacheOnWrite(t block.Type) bool {
	if c == nil || c.cache == nil {
		return false
	}

	switch c.mode {
	case ModeData:
		return t.Category() == block.CategoryData
	case ModeBloom:
		return t.Category() == block.CategoryBloom
	case ModeIndex:
		return t.Category() == block.CategoryIndex
	default:
		return false
	}
}

// CacheOnWrite puts a freshly written block into the cache when the mode
// calls for it. Caching is best effort; blocks too large for the cache
// are skipped.
func (c *Coordinator) CacheOnWrite(fileName string, offset uint64, blk *block.Block) {
	if !c.ShouldCacheOnWrite(blk.Type) {
		return
	}
	_ = c.cache.Put(Key{FileName: fileName, Offset: offset}, blk)
}

// Lookup returns the cached block at the given file offset, if present.
func (c *Coordinator) Lookup(fileName string, offset uint64) (*block.Block, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}
	return c.cache.Get(Key{FileName: fileName, Offset: offset})
}

// CacheOnRead populates the cache with a block just read from disk.
func (c *Coordinator) CacheOnRead(fileName string, offset uint64, blk *block.Block) {
	if c == nil || c.cache == nil {
		return
	}
	_ = c.cache.Put(Key{FileName: fileName, Offset: offset}, blk)
}

// EvictFile removes every cached block belonging to fileName and returns
// how many were evicted.
func (c *Coordinator) EvictFile(fileName string) int {
	if c == nil || c.cache == nil {
		return 0
	}
	return c.cache.EvictByPrefix(fileName + "_")
}
