package table

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/quarrydb/quarry/pkg/cache"
	"github.com/quarrydb/quarry/pkg/codec"
	"github.com/quarrydb/quarry/pkg/compress"
	"github.com/quarrydb/quarry/pkg/kv"
	"github.com/quarrydb/quarry/pkg/table/block"
)

// fileManager writes a table through a temporary file that is renamed
// into place once the contents are complete and synced.
type fileManager struct {
	path    string
	tmpPath string
	file    *os.File
}

func newFileManager(path string) (*fileManager, error) {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp", filepath.Base(path)))

	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}

	return &fileManager{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
	}, nil
}

func (fm *fileManager) write(data []byte) (int, error) {
	return fm.file.Write(data)
}

func (fm *fileManager) sync() error {
	return fm.file.Sync()
}

func (fm *fileManager) close() error {
	if fm.file == nil {
		return nil
	}
	err := fm.file.Close()
	fm.file = nil
	return err
}

// finalize closes the temporary file and renames it to the final path.
func (fm *fileManager) finalize() error {
	if err := fm.close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(fm.tmpPath, fm.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// cleanup removes the temporary file if writing is aborted.
func (fm *fileManager) cleanup() error {
	if fm.file != nil {
		fm.close()
	}
	return os.Remove(fm.tmpPath)
}

// WriterOptions configures table writing.
type WriterOptions struct {
	// BlockSize is the target uncompressed payload size for data blocks
	BlockSize int
	// IndexChunkSize is the target payload size for leaf and
	// intermediate index blocks
	IndexChunkSize int
	// BloomBlockSize caps the serialized size of one bloom chunk
	BloomBlockSize int
	// RestartInterval is the full-key interval inside block payloads
	RestartInterval int
	// Compression selects the codec applied to every block
	Compression compress.CodecType
	// EnableBloomFilter turns on row bloom chunks
	EnableBloomFilter bool
	// BloomFPRate is the target bloom false positive rate
	BloomFPRate float64
	// Cache receives freshly written blocks according to its
	// cache-on-write mode
	Cache *cache.Coordinator
}

// DefaultWriterOptions returns the standard writing configuration.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		BlockSize:         DefaultBlockSize,
		IndexChunkSize:    DefaultIndexChunkSize,
		BloomBlockSize:    DefaultBloomBlockSize,
		RestartInterval:   block.RestartInterval,
		Compression:       compress.None,
		EnableBloomFilter: true,
		BloomFPRate:       DefaultBloomFPRate,
	}
}

// withDefaults fills unset fields so a zero options value is usable.
func (o WriterOptions) withDefaults() WriterOptions {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.IndexChunkSize <= 0 {
		o.IndexChunkSize = DefaultIndexChunkSize
	}
	if o.BloomBlockSize <= 0 {
		o.BloomBlockSize = DefaultBloomBlockSize
	}
	if o.RestartInterval <= 0 {
		o.RestartInterval = block.RestartInterval
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = DefaultBloomFPRate
	}
	return o
}

// indexLevel accumulates child block entries for one level of the index
// tree until they fill a chunk.
type indexLevel struct {
	builder  *block.Builder
	firstKey []byte
}

// bloomAccumulator builds row bloom chunks alongside data blocks. Rows
// enter the current chunk the first time they are seen; full chunks are
// written out at data block boundaries.
type bloomAccumulator struct {
	filter     *BloomFilter
	index      *block.Builder
	chunkFirst []byte
	lastRow    []byte
	maxKeys    int
	fpRate     float64
	chunks     uint32
}

// observeRow adds a row to the current chunk the first time it is seen.
func (ba *bloomAccumulator) observeRow(row []byte) {
	if ba.lastRow != nil && bytes.Equal(row, ba.lastRow) {
		return
	}
	ba.lastRow = append(ba.lastRow[:0], row...)
	if ba.chunkFirst == nil {
		// Chunks are looked up by floor seek, so the boundary key must
		// sort at or before every cell of the chunk's first row.
		ba.chunkFirst = seekKey(row, nil, nil)
	}
	ba.filter.Add(row)
}

// Writer builds a table file from cells supplied in strictly increasing
// key order.
type Writer struct {
	path string
	fm   *fileManager
	opts WriterOptions
	mgr  *compress.Manager
	cmp  block.Compare

	data         *block.Builder
	dataFirstKey []byte
	levels       []*indexLevel
	bloom        *bloomAccumulator

	offset        uint64
	lastKey       []byte
	numEntries    uint64
	numDataBlocks uint32
	finished      bool
}

// NewWriter creates a table writer with default options.
func NewWriter(path string) (*Writer, error) {
	return NewWriterWithOptions(path, DefaultWriterOptions())
}

// NewWriterWithOptions creates a table writer.
func NewWriterWithOptions(path string, opts WriterOptions) (*Writer, error) {
	opts = opts.withDefaults()

	fm, err := newFileManager(path)
	if err != nil {
		return nil, err
	}

	mgr, err := compress.NewManager()
	if err != nil {
		fm.cleanup()
		return nil, err
	}

	cmp := block.Compare(codec.CompareCellKeys)
	w := &Writer{
		path: path,
		fm:   fm,
		opts: opts,
		mgr:  mgr,
		cmp:  cmp,
		data: block.NewBuilderWithInterval(cmp, opts.RestartInterval),
	}

	if opts.EnableBloomFilter {
		maxKeys := bloomKeysPerChunk(opts.BloomBlockSize, opts.BloomFPRate)
		w.bloom = &bloomAccumulator{
			filter:  NewBloomFilter(maxKeys, opts.BloomFPRate),
			index:   block.NewBuilderWithInterval(cmp, opts.RestartInterval),
			maxKeys: maxKeys,
			fpRate:  opts.BloomFPRate,
		}
	}

	return w, nil
}

// Add appends a cell to the table.
func (w *Writer) Add(c *kv.Cell) error {
	if w.finished {
		return fmt.Errorf("writer already finished")
	}
	if len(c.Row) == 0 {
		return fmt.Errorf("cell row must not be empty")
	}
	if len(c.Row) > math.MaxUint16 {
		return fmt.Errorf("row of %d bytes exceeds maximum", len(c.Row))
	}
	if len(c.Family) > math.MaxUint8 {
		return fmt.Errorf("family of %d bytes exceeds maximum", len(c.Family))
	}

	key := codec.EncodeCellKey(c)
	if w.lastKey != nil && codec.CompareCellKeys(key, w.lastKey) <= 0 {
		return ErrOutOfOrder
	}

	if w.bloom != nil {
		w.bloom.observeRow(c.Row)
	}

	if w.data.Empty() {
		w.dataFirstKey = append(w.dataFirstKey[:0], key...)
	}
	if err := w.data.Add(key, c.Value); err != nil {
		return fmt.Errorf("failed to add cell: %w", err)
	}

	w.lastKey = key
	w.numEntries++

	if int(w.data.EstimatedSize()) >= w.opts.BlockSize {
		return w.flushDataBlock()
	}
	return nil
}

// writeBlock assembles one block, writes it at the current offset, and
// hands it to the cache when the cache-on-write mode covers its type.
func (w *Writer) writeBlock(t block.Type, payload []byte) (BlockHandle, error) {
	blk, encoded, err := block.Assemble(t, payload, w.opts.Compression, w.mgr)
	if err != nil {
		return BlockHandle{}, fmt.Errorf("failed to assemble %v block: %w", t, err)
	}

	n, err := w.fm.write(encoded)
	if err != nil {
		return BlockHandle{}, fmt.Errorf("failed to write %v block: %w", t, err)
	}
	if n != len(encoded) {
		return BlockHandle{}, fmt.Errorf("wrote incomplete %v block: %d of %d bytes",
			t, n, len(encoded))
	}

	handle := BlockHandle{Offset: w.offset, Size: uint32(n)}
	w.opts.Cache.CacheOnWrite(w.path, w.offset, blk)
	w.offset += uint64(n)

	return handle, nil
}

// flushDataBlock writes the pending data block, indexes it, and rolls
// the bloom chunk when it has filled.
func (w *Writer) flushDataBlock() error {
	if w.data.Empty() {
		return nil
	}

	payload, err := w.data.Finish()
	if err != nil {
		return fmt.Errorf("failed to finish data block: %w", err)
	}
	handle, err := w.writeBlock(block.TypeData, payload)
	if err != nil {
		return err
	}
	w.numDataBlocks++

	firstKey := append([]byte(nil), w.dataFirstKey...)
	w.data.Reset()

	if err := w.addIndexEntry(0, firstKey, handle); err != nil {
		return err
	}

	if w.bloom != nil && int(w.bloom.filter.Count()) >= w.bloom.maxKeys {
		return w.flushBloomChunk()
	}
	return nil
}

// addIndexEntry records a child block in the given index level, growing
// the tree when a level fills.
func (w *Writer) addIndexEntry(level int, firstKey []byte, h BlockHandle) error {
	for len(w.levels) <= level {
		w.levels = append(w.levels, &indexLevel{
			builder: block.NewBuilderWithInterval(w.cmp, w.opts.RestartInterval),
		})
	}

	lvl := w.levels[level]
	if lvl.builder.Empty() {
		lvl.firstKey = append(lvl.firstKey[:0], firstKey...)
	}
	if err := lvl.builder.Add(firstKey, EncodeBlockHandle(h)); err != nil {
		return fmt.Errorf("index level %d: %w", level, err)
	}

	if int(lvl.builder.EstimatedSize()) >= w.opts.IndexChunkSize {
		return w.flushIndexLevel(level)
	}
	return nil
}

// flushIndexLevel writes out one index level's pending block and records
// it in the level above.
func (w *Writer) flushIndexLevel(level int) error {
	lvl := w.levels[level]

	t := block.TypeLeafIndex
	if level > 0 {
		t = block.TypeIntermediateIndex
	}

	payload, err := lvl.builder.Finish()
	if err != nil {
		return fmt.Errorf("index level %d: %w", level, err)
	}
	handle, err := w.writeBlock(t, payload)
	if err != nil {
		return err
	}

	firstKey := append([]byte(nil), lvl.firstKey...)
	lvl.builder.Reset()

	return w.addIndexEntry(level+1, firstKey, handle)
}

// flushBloomChunk writes the accumulated filter as a bloom chunk and
// starts a fresh one.
func (w *Writer) flushBloomChunk() error {
	ba := w.bloom
	if ba.filter.Count() == 0 {
		return nil
	}

	handle, err := w.writeBlock(block.TypeBloomChunk, ba.filter.Encode())
	if err != nil {
		return err
	}
	if err := ba.index.Add(ba.chunkFirst, EncodeBlockHandle(handle)); err != nil {
		return fmt.Errorf("bloom index: %w", err)
	}

	ba.chunks++
	ba.filter = NewBloomFilter(ba.maxKeys, ba.fpRate)
	ba.chunkFirst = nil
	return nil
}

// Finish flushes all pending blocks, writes the index tree and trailer,
// and renames the file into place.
func (w *Writer) Finish() error {
	if w.finished {
		return fmt.Errorf("writer already finished")
	}
	w.finished = true

	defer w.fm.close()
	defer w.mgr.Close()

	if w.numEntries == 0 {
		return ErrEmptyTable
	}

	if err := w.flushDataBlock(); err != nil {
		return err
	}

	var bloomHandle BlockHandle
	if w.bloom != nil {
		if err := w.flushBloomChunk(); err != nil {
			return err
		}
		if !w.bloom.index.Empty() {
			payload, err := w.bloom.index.Finish()
			if err != nil {
				return fmt.Errorf("bloom index: %w", err)
			}
			bloomHandle, err = w.writeBlock(block.TypeMeta, payload)
			if err != nil {
				return err
			}
		}
	}

	// Flush every partial index level bottom-up; the remaining top
	// level becomes the root.
	for level := 0; level < len(w.levels)-1; level++ {
		if w.levels[level].builder.Empty() {
			continue
		}
		if err := w.flushIndexLevel(level); err != nil {
			return err
		}
	}

	top := w.levels[len(w.levels)-1]
	rootPayload, err := top.builder.Finish()
	if err != nil {
		return fmt.Errorf("root index: %w", err)
	}
	rootHandle, err := w.writeBlock(block.TypeRootIndex, rootPayload)
	if err != nil {
		return err
	}

	trailer := NewTrailer(rootHandle, bloomHandle, w.numEntries, w.numDataBlocks, uint32(len(w.levels)))
	data := trailer.Encode()
	n, err := w.fm.write(data)
	if err != nil {
		return fmt.Errorf("failed to write trailer: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("wrote incomplete trailer: %d of %d bytes", n, len(data))
	}

	if err := w.fm.sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return w.fm.finalize()
}

// Abort cancels the table writing process and removes the temporary
// file.
func (w *Writer) Abort() error {
	w.finished = true
	w.mgr.Close()
	return w.fm.cleanup()
}
