package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/quarrydb/quarry/pkg/table/block"
)

// lruShard is one independently locked LRU segment of the block cache.
type lruShard struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[Key]*list.Element
	evictList *list.List

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	key   Key
	block *block.Block
}

func newLRUShard(capacity int64) *lruShard {
	return &lruShard{
		capacity:  capacity,
		items:     make(map[Key]*list.Element),
		evictList: list.New(),
	}
}

// get returns a cached block and marks it recently used.
func (s *lruShard) get(key Key) (*block.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.items[key]; ok {
		s.hits.Add(1)
		s.evictList.MoveToFront(ent)
		return ent.Value.(*entry).block, true
	}
	s.misses.Add(1)
	return nil, false
}

// put caches a block, evicting least recently used entries to stay
// within capacity. Re-putting an existing key replaces the block without
// double-counting its size.
func (s *lruShard) put(key Key, blk *block.Block) error {
	blockSize := blk.Size()
	if blockSize > s.capacity {
		return ErrBlockTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.items[key]; ok {
		s.evictList.MoveToFront(ent)
		oldSize := ent.Value.(*entry).block.Size()
		ent.Value.(*entry).block = blk
		s.size += blockSize - oldSize
		s.evictLocked()
		return nil
	}

	for s.size+blockSize > s.capacity {
		tail := s.evictList.Back()
		if tail == nil {
			break
		}
		s.removeElement(tail)
		s.evictions.Add(1)
	}

	ent := &entry{key: key, block: blk}
	s.items[key] = s.evictList.PushFront(ent)
	s.size += blockSize

	return nil
}

// evict removes a single key, reporting whether it was present.
func (s *lruShard) evict(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.items[key]
	if !ok {
		return false
	}
	s.removeElement(ent)
	return true
}

// evictByPrefix removes entries whose key string starts with prefix and
// returns how many were removed. An empty prefix matches everything.
func (s *lruShard) evictByPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect first so the list is not modified while ranging the map
	var toRemove []*list.Element
	for key, element := range s.items {
		if strings.HasPrefix(key.String(), prefix) {
			toRemove = append(toRemove, element)
		}
	}

	for _, e := range toRemove {
		s.removeElement(e)
	}

	return len(toRemove)
}

func (s *lruShard) evictLocked() {
	for s.size > s.capacity {
		tail := s.evictList.Back()
		if tail == nil {
			break
		}
		s.removeElement(tail)
		s.evictions.Add(1)
	}
}

func (s *lruShard) removeElement(e *list.Element) {
	s.evictList.Remove(e)
	ent := e.Value.(*entry)
	delete(s.items, ent.key)
	s.size -= ent.block.Size()
}

func (s *lruShard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *lruShard) bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
