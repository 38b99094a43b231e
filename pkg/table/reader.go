package table

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/quarrydb/quarry/pkg/cache"
	"github.com/quarrydb/quarry/pkg/codec"
	"github.com/quarrydb/quarry/pkg/compress"
	"github.com/quarrydb/quarry/pkg/kv"
	"github.com/quarrydb/quarry/pkg/table/block"
)

// ReaderOptions configures how a table file is opened.
type ReaderOptions struct {
	// Cache serves block lookups and receives blocks read from disk
	Cache *cache.Coordinator
}

// Reader serves lookups against one table file. The trailer, root index,
// and bloom index are held in memory; every other block is read through
// the cache coordinator when one is configured. Safe for concurrent use.
type Reader struct {
	path  string
	mgr   *compress.Manager
	coord *cache.Coordinator
	cmp   block.Compare

	mu   sync.RWMutex
	file *os.File
	size int64

	trailer    *Trailer
	root       []byte
	bloomIndex []byte
}

// OpenReader opens a table file without a cache.
func OpenReader(path string) (*Reader, error) {
	return OpenReaderWithOptions(path, ReaderOptions{})
}

// OpenReaderWithOptions opens a table file.
func OpenReaderWithOptions(path string, opts ReaderOptions) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	size := stat.Size()

	if size < int64(TrailerSize) {
		file.Close()
		return nil, fmt.Errorf("file too small to be a valid table: %d bytes: %w",
			size, ErrCorruption)
	}

	trailerData := make([]byte, TrailerSize)
	n, err := file.ReadAt(trailerData, size-int64(TrailerSize))
	if err != nil && n != TrailerSize {
		file.Close()
		return nil, fmt.Errorf("failed to read trailer: %w", err)
	}

	trailer, err := DecodeTrailer(trailerData)
	if err != nil {
		file.Close()
		return nil, err
	}

	mgr, err := compress.NewManager()
	if err != nil {
		file.Close()
		return nil, err
	}

	r := &Reader{
		path:    path,
		mgr:     mgr,
		coord:   opts.Cache,
		cmp:     codec.CompareCellKeys,
		file:    file,
		size:    size,
		trailer: trailer,
	}

	root, err := r.loadSection(trailer.RootIndex, block.TypeRootIndex)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("root index: %w", err)
	}
	r.root = root

	if !trailer.BloomIndex.IsZero() {
		bloomIndex, err := r.loadSection(trailer.BloomIndex, block.TypeMeta)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("bloom index: %w", err)
		}
		r.bloomIndex = bloomIndex
	}

	return r, nil
}

// readAt reads from the underlying file at the given offset.
func (r *Reader) readAt(data []byte, offset int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.file == nil {
		return 0, fmt.Errorf("reader is closed")
	}
	return r.file.ReadAt(data, offset)
}

// loadSection reads a block that stays in memory for the reader's
// lifetime, bypassing the cache.
func (r *Reader) loadSection(h BlockHandle, want block.Type) ([]byte, error) {
	raw := make([]byte, h.Size)
	n, err := r.readAt(raw, int64(h.Offset))
	if err != nil {
		return nil, fmt.Errorf("failed to read block at offset %d: %w", h.Offset, err)
	}
	if n != int(h.Size) {
		return nil, fmt.Errorf("incomplete block read: got %d bytes, expected %d: %w",
			n, h.Size, ErrCorruption)
	}

	blk, err := block.Parse(raw, r.mgr)
	if err != nil {
		return nil, fmt.Errorf("block at offset %d: %w", h.Offset, err)
	}
	if blk.Type != want {
		return nil, fmt.Errorf("block at offset %d has type %v, expected %v: %w",
			h.Offset, blk.Type, want, ErrCorruption)
	}
	return blk.Payload, nil
}

// fetchBlock returns the block at the given handle, consulting the cache
// first and populating it on a miss.
func (r *Reader) fetchBlock(h BlockHandle, want block.Category) (*block.Block, error) {
	if blk, ok := r.coord.Lookup(r.path, h.Offset); ok {
		if blk.Type.Category() != want {
			return nil, fmt.Errorf("cached block at offset %d has category %v, expected %v: %w",
				h.Offset, blk.Type.Category(), want, ErrCorruption)
		}
		return blk, nil
	}

	raw := make([]byte, h.Size)
	n, err := r.readAt(raw, int64(h.Offset))
	if err != nil {
		return nil, fmt.Errorf("failed to read block at offset %d: %w", h.Offset, err)
	}
	if n != int(h.Size) {
		return nil, fmt.Errorf("incomplete block read: got %d bytes, expected %d: %w",
			n, h.Size, ErrCorruption)
	}

	blk, err := block.Parse(raw, r.mgr)
	if err != nil {
		return nil, fmt.Errorf("block at offset %d: %w", h.Offset, err)
	}
	if blk.Type.Category() != want {
		return nil, fmt.Errorf("block at offset %d has category %v, expected %v: %w",
			h.Offset, blk.Type.Category(), want, ErrCorruption)
	}

	r.coord.CacheOnRead(r.path, h.Offset, blk)
	return blk, nil
}

// Get returns the newest stored version of one column, tombstones
// included. Family and qualifier must match exactly.
func (r *Reader) Get(row, family, qualifier []byte) (*kv.Cell, error) {
	if ok, err := r.MayContainRow(row); err == nil && !ok {
		return nil, ErrNotFound
	}

	it := r.NewIterator()
	if !it.Seek(seekKey(row, family, qualifier)) {
		if err := it.Error(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	cell, err := entryCell(it.Key(), it.Value())
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(cell.Row, row) ||
		!bytes.Equal(cell.Family, family) ||
		!bytes.Equal(cell.Qualifier, qualifier) {
		return nil, ErrNotFound
	}
	return cell, nil
}

// GetRow returns every cell stored for a row in key order.
func (r *Reader) GetRow(row []byte) ([]*kv.Cell, error) {
	if ok, err := r.MayContainRow(row); err == nil && !ok {
		return nil, ErrNotFound
	}

	it := r.NewIterator()
	var cells []*kv.Cell
	for ok := it.Seek(seekKey(row, nil, nil)); ok; ok = it.Next() {
		cell, err := entryCell(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(cell.Row, row) {
			break
		}
		cells = append(cells, cell)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, ErrNotFound
	}
	return cells, nil
}

// MayContainRow consults the bloom chunks for row membership. A false
// result is definitive; without blooms every row is a maybe. Errors are
// reported alongside a maybe so lookups can still proceed.
func (r *Reader) MayContainRow(row []byte) (bool, error) {
	if r.bloomIndex == nil {
		return true, nil
	}

	it, err := block.NewIterator(r.bloomIndex, r.cmp)
	if err != nil {
		return true, fmt.Errorf("bloom index: %w", err)
	}
	if !it.SeekFloor(seekKey(row, nil, nil)) {
		// The row sorts before the first row of the file.
		return false, nil
	}

	h, err := DecodeBlockHandle(it.Value())
	if err != nil {
		return true, err
	}
	blk, err := r.fetchBlock(h, block.CategoryBloom)
	if err != nil {
		return true, err
	}

	ok, err := ProbeBloomPayload(blk.Payload, row)
	if err != nil {
		return true, err
	}
	return ok, nil
}

// HasBloomFilter reports whether the file carries bloom chunks.
func (r *Reader) HasBloomFilter() bool {
	return r.bloomIndex != nil
}

// NumEntries returns the number of cells in the file.
func (r *Reader) NumEntries() uint64 {
	return r.trailer.NumEntries
}

// NumDataBlocks returns the number of data blocks in the file.
func (r *Reader) NumDataBlocks() uint32 {
	return r.trailer.NumDataBlocks
}

// IndexLevels returns the depth of the index tree including the root.
func (r *Reader) IndexLevels() uint32 {
	return r.trailer.IndexLevels
}

// Path returns the file path the reader was opened with.
func (r *Reader) Path() string {
	return r.path
}

// Trailer returns a copy of the file trailer.
func (r *Reader) Trailer() Trailer {
	return *r.trailer
}

// EvictCachedBlocks drops every cached block belonging to this file and
// returns how many were evicted.
func (r *Reader) EvictCachedBlocks() int {
	return r.coord.EvictFile(r.path)
}

// Close releases the file handle and compression state.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.mgr.Close()
	return err
}
