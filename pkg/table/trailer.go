package table

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// TrailerSize is the fixed size of the trailer in bytes
	TrailerSize = 68
	// TrailerMagic is a magic number to verify we're reading a valid trailer
	TrailerMagic = uint64(0xB10CCAFEB10CCAFE)
	// CurrentVersion is the current file format version
	CurrentVersion = uint32(1)
)

// Trailer holds the metadata needed to open a table file. It is the last
// TrailerSize bytes of the file.
type Trailer struct {
	// Magic number for integrity checking
	Magic uint64
	// Version of the file format
	Version uint32
	// Timestamp of when the file was created
	Timestamp int64
	// RootIndex locates the root index block
	RootIndex BlockHandle
	// BloomIndex locates the bloom chunk index, zero when blooms are
	// disabled
	BloomIndex BlockHandle
	// NumEntries is the total number of cells in the file
	NumEntries uint64
	// NumDataBlocks is the number of data blocks written
	NumDataBlocks uint32
	// IndexLevels is the depth of the index tree including the root. A
	// depth of one means root entries point directly at data blocks.
	IndexLevels uint32
	// Checksum of all trailer fields excluding the checksum itself
	Checksum uint64
}

// NewTrailer creates a trailer with the given parameters.
func NewTrailer(root, bloom BlockHandle, numEntries uint64, numDataBlocks, indexLevels uint32) *Trailer {
	return &Trailer{
		Magic:         TrailerMagic,
		Version:       CurrentVersion,
		Timestamp:     time.Now().UnixNano(),
		RootIndex:     root,
		BloomIndex:    bloom,
		NumEntries:    numEntries,
		NumDataBlocks: numDataBlocks,
		IndexLevels:   indexLevels,
	}
}

// Encode serializes the trailer to a byte slice.
func (t *Trailer) Encode() []byte {
	result := make([]byte, TrailerSize)

	binary.LittleEndian.PutUint64(result[0:8], t.Magic)
	binary.LittleEndian.PutUint32(result[8:12], t.Version)
	binary.LittleEndian.PutUint64(result[12:20], uint64(t.Timestamp))
	binary.LittleEndian.PutUint64(result[20:28], t.RootIndex.Offset)
	binary.LittleEndian.PutUint32(result[28:32], t.RootIndex.Size)
	binary.LittleEndian.PutUint64(result[32:40], t.BloomIndex.Offset)
	binary.LittleEndian.PutUint32(result[40:44], t.BloomIndex.Size)
	binary.LittleEndian.PutUint64(result[44:52], t.NumEntries)
	binary.LittleEndian.PutUint32(result[52:56], t.NumDataBlocks)
	binary.LittleEndian.PutUint32(result[56:60], t.IndexLevels)

	t.Checksum = xxhash.Sum64(result[:60])
	binary.LittleEndian.PutUint64(result[60:], t.Checksum)

	return result
}

// DecodeTrailer parses a trailer from a byte slice.
func DecodeTrailer(data []byte) (*Trailer, error) {
	if len(data) < TrailerSize {
		return nil, fmt.Errorf("trailer data too small: %d bytes, expected %d: %w",
			len(data), TrailerSize, ErrCorruption)
	}

	t := &Trailer{
		Magic:     binary.LittleEndian.Uint64(data[0:8]),
		Version:   binary.LittleEndian.Uint32(data[8:12]),
		Timestamp: int64(binary.LittleEndian.Uint64(data[12:20])),
		RootIndex: BlockHandle{
			Offset: binary.LittleEndian.Uint64(data[20:28]),
			Size:   binary.LittleEndian.Uint32(data[28:32]),
		},
		BloomIndex: BlockHandle{
			Offset: binary.LittleEndian.Uint64(data[32:40]),
			Size:   binary.LittleEndian.Uint32(data[40:44]),
		},
		NumEntries:    binary.LittleEndian.Uint64(data[44:52]),
		NumDataBlocks: binary.LittleEndian.Uint32(data[52:56]),
		IndexLevels:   binary.LittleEndian.Uint32(data[56:60]),
		Checksum:      binary.LittleEndian.Uint64(data[60:]),
	}

	if t.Magic != TrailerMagic {
		return nil, fmt.Errorf("invalid trailer magic %x, expected %x: %w",
			t.Magic, TrailerMagic, ErrCorruption)
	}

	expected := xxhash.Sum64(data[:60])
	if t.Checksum != expected {
		return nil, fmt.Errorf("trailer checksum mismatch: file has %d, calculated %d: %w",
			t.Checksum, expected, ErrCorruption)
	}

	if t.IndexLevels == 0 || t.RootIndex.IsZero() {
		return nil, fmt.Errorf("trailer missing root index: %w", ErrCorruption)
	}

	return t, nil
}
