package table

import (
	"fmt"
	"sync"

	"github.com/quarrydb/quarry/pkg/kv"
	"github.com/quarrydb/quarry/pkg/table/block"
)

// Iterator walks the cells of a table file in key order. It descends the
// index tree lazily and reads every block through the reader, so a
// configured cache serves repeat visits.
type Iterator struct {
	reader *Reader
	mu     sync.Mutex

	// indexIters[0] iterates the root block; each deeper entry iterates
	// the index block its parent currently points at.
	indexIters  []*block.Iterator
	dataIter    *block.Iterator
	err         error
	initialized bool
}

// NewIterator returns an iterator positioned before the first cell.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{reader: r}
}

// SeekToFirst positions the iterator at the first cell.
func (it *Iterator) SeekToFirst() {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.err = nil
	it.initialized = true
	it.seekToFirstLocked()
}

// Seek positions the iterator at the first cell with key >= target.
func (it *Iterator) Seek(target []byte) bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.err = nil
	it.initialized = true
	return it.seekLocked(target)
}

// Next advances the iterator to the next cell.
func (it *Iterator) Next() bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	if !it.initialized {
		it.err = nil
		it.initialized = true
		return it.seekToFirstLocked()
	}
	if it.dataIter == nil {
		return false
	}
	if it.dataIter.Next() {
		return true
	}
	return it.advanceDataBlock()
}

// Key returns the encoded cell key at the current position.
func (it *Iterator) Key() []byte {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.dataIter == nil || !it.dataIter.Valid() {
		return nil
	}
	return it.dataIter.Key()
}

// Value returns the cell value at the current position.
func (it *Iterator) Value() []byte {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.dataIter == nil || !it.dataIter.Valid() {
		return nil
	}
	return it.dataIter.Value()
}

// Cell decodes the entry at the current position.
func (it *Iterator) Cell() (*kv.Cell, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.dataIter == nil || !it.dataIter.Valid() {
		return nil, fmt.Errorf("iterator is not positioned at a cell")
	}
	return entryCell(it.dataIter.Key(), it.dataIter.Value())
}

// Valid reports whether the iterator is positioned at a cell.
func (it *Iterator) Valid() bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	return it.dataIter != nil && it.dataIter.Valid()
}

// Error returns the first error encountered during iteration.
func (it *Iterator) Error() error {
	it.mu.Lock()
	defer it.mu.Unlock()

	return it.err
}

// seekToFirstLocked descends the leftmost path of the index tree and
// positions at the first cell of the first data block.
func (it *Iterator) seekToFirstLocked() bool {
	levels := int(it.reader.trailer.IndexLevels)
	stack := make([]*block.Iterator, levels)

	payload := it.reader.root
	for depth := 0; depth < levels; depth++ {
		idx, err := block.NewIterator(payload, it.reader.cmp)
		if err != nil {
			it.fail(fmt.Errorf("index block: %w", err))
			return false
		}
		if !idx.SeekToFirst() {
			it.fail(fmt.Errorf("empty index block: %w", ErrCorruption))
			return false
		}
		stack[depth] = idx
		if depth == levels-1 {
			break
		}

		child, err := it.fetchIndexChild(idx)
		if err != nil {
			it.fail(err)
			return false
		}
		payload = child
	}

	it.indexIters = stack
	it.dataIter = nil
	if !it.loadDataBlock() {
		return false
	}
	return it.dataIter.SeekToFirst()
}

// seekLocked descends by floor seek at every index level, then positions
// the data iterator at the first cell >= target.
func (it *Iterator) seekLocked(target []byte) bool {
	levels := int(it.reader.trailer.IndexLevels)
	stack := make([]*block.Iterator, levels)

	payload := it.reader.root
	for depth := 0; depth < levels; depth++ {
		idx, err := block.NewIterator(payload, it.reader.cmp)
		if err != nil {
			it.fail(fmt.Errorf("index block: %w", err))
			return false
		}
		if !idx.SeekFloor(target) {
			if depth == 0 {
				// Target sorts before the whole file, so the first
				// cell is the smallest at or above it.
				return it.seekToFirstLocked()
			}
			// A child block always starts at its parent entry's key,
			// so a floor hit above must repeat below.
			it.fail(fmt.Errorf("index level %d has no entry at or below parent key: %w",
				depth, ErrCorruption))
			return false
		}
		stack[depth] = idx
		if depth == levels-1 {
			break
		}

		child, err := it.fetchIndexChild(idx)
		if err != nil {
			it.fail(err)
			return false
		}
		payload = child
	}

	it.indexIters = stack
	it.dataIter = nil
	if !it.loadDataBlock() {
		return false
	}
	if it.dataIter.Seek(target) {
		return true
	}
	// Past the last cell of this block; the next block starts above
	// target.
	return it.advanceDataBlock()
}

// advanceDataBlock moves to the next data block in key order and
// positions at its first cell.
func (it *Iterator) advanceDataBlock() bool {
	if len(it.indexIters) == 0 {
		return false
	}

	// Advance the deepest level that still has entries.
	level := len(it.indexIters) - 1
	for level >= 0 && !it.indexIters[level].Next() {
		level--
	}
	if level < 0 {
		it.dataIter = nil
		return false
	}

	// Reload every level below the one that advanced.
	for l := level + 1; l < len(it.indexIters); l++ {
		payload, err := it.fetchIndexChild(it.indexIters[l-1])
		if err != nil {
			it.fail(err)
			return false
		}
		child, err := block.NewIterator(payload, it.reader.cmp)
		if err != nil {
			it.fail(fmt.Errorf("index block: %w", err))
			return false
		}
		if !child.SeekToFirst() {
			it.fail(fmt.Errorf("empty index block: %w", ErrCorruption))
			return false
		}
		it.indexIters[l] = child
	}

	if !it.loadDataBlock() {
		return false
	}
	return it.dataIter.SeekToFirst()
}

// fetchIndexChild reads the index block the iterator's current entry
// points at.
func (it *Iterator) fetchIndexChild(idx *block.Iterator) ([]byte, error) {
	h, err := DecodeBlockHandle(idx.Value())
	if err != nil {
		return nil, err
	}
	blk, err := it.reader.fetchBlock(h, block.CategoryIndex)
	if err != nil {
		return nil, err
	}
	return blk.Payload, nil
}

// loadDataBlock loads the data block the deepest index level points at.
// The data iterator is left unpositioned.
func (it *Iterator) loadDataBlock() bool {
	deepest := it.indexIters[len(it.indexIters)-1]
	if !deepest.Valid() {
		it.dataIter = nil
		return false
	}

	h, err := DecodeBlockHandle(deepest.Value())
	if err != nil {
		it.fail(err)
		return false
	}
	blk, err := it.reader.fetchBlock(h, block.CategoryData)
	if err != nil {
		it.fail(err)
		return false
	}
	data, err := block.NewIterator(blk.Payload, it.reader.cmp)
	if err != nil {
		it.fail(fmt.Errorf("data block: %w", err))
		return false
	}

	it.dataIter = data
	return true
}

// fail records the first error and invalidates the iterator.
func (it *Iterator) fail(err error) {
	if it.err == nil {
		it.err = err
	}
	it.indexIters = nil
	it.dataIter = nil
}
