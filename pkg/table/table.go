// Package table reads and writes immutable column table files. A file is a
// sequence of self-describing blocks: data blocks holding cells in key
// order, a leaf/intermediate/root index tree locating them, and optional
// bloom chunks for row membership, all closed out by a fixed-size trailer.
// Block reads and writes flow through an optional cache coordinator.
package table

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/quarrydb/quarry/pkg/codec"
	"github.com/quarrydb/quarry/pkg/kv"
)

const (
	// DefaultBlockSize is the target payload size for data blocks
	DefaultBlockSize = 16 * 1024
	// DefaultIndexChunkSize is the target payload size for leaf and
	// intermediate index blocks
	DefaultIndexChunkSize = 4 * 1024
	// DefaultBloomBlockSize caps the serialized size of one bloom chunk
	DefaultBloomBlockSize = 128 * 1024
	// DefaultBloomFPRate is the target bloom false positive rate
	DefaultBloomFPRate = 0.01
	// HandleSize is the encoded size of a block handle
	HandleSize = 12
	// FileSuffix is the extension given to finished table files
	FileSuffix = ".qt"
)

var (
	// ErrNotFound indicates a key was not found in the table
	ErrNotFound = errors.New("key not found in table")
	// ErrCorruption indicates data corruption was detected
	ErrCorruption = errors.New("table corruption detected")
	// ErrEmptyTable is returned when finishing a writer with no cells
	ErrEmptyTable = errors.New("table has no cells")
	// ErrOutOfOrder is returned when cells are added out of key order
	ErrOutOfOrder = errors.New("cells must be added in strictly increasing key order")
)

// BlockHandle locates a block within a table file.
type BlockHandle struct {
	// Offset is the position of the block header in the file
	Offset uint64
	// Size is the on-disk size of the block including its header
	Size uint32
}

// IsZero reports whether the handle points nowhere. The trailer uses a
// zero handle for sections that were not written.
func (h BlockHandle) IsZero() bool {
	return h.Offset == 0 && h.Size == 0
}

// EncodeBlockHandle serializes a handle as an index entry value.
func EncodeBlockHandle(h BlockHandle) []byte {
	buf := make([]byte, HandleSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], h.Size)
	return buf
}

// DecodeBlockHandle parses a handle from an index entry value.
func DecodeBlockHandle(data []byte) (BlockHandle, error) {
	if len(data) < HandleSize {
		return BlockHandle{}, fmt.Errorf("invalid block handle (length=%d): %w",
			len(data), ErrCorruption)
	}
	return BlockHandle{
		Offset: binary.LittleEndian.Uint64(data[0:8]),
		Size:   binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// seekKey builds a cell key that sorts at or before every stored cell of
// the given coordinate: maximum timestamp and a zero type put it ahead of
// any real version.
func seekKey(row, family, qualifier []byte) []byte {
	return codec.EncodeCellKey(&kv.Cell{
		Row:       row,
		Family:    family,
		Qualifier: qualifier,
		Timestamp: math.MaxInt64,
	})
}

// entryCell rebuilds a cell from a block entry.
func entryCell(key, value []byte) (*kv.Cell, error) {
	cell, err := codec.DecodeCellKey(key)
	if err != nil {
		return nil, fmt.Errorf("cell key: %w", ErrCorruption)
	}
	if len(value) > 0 {
		cell.Value = append([]byte(nil), value...)
	}
	return cell, nil
}
