package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Builder constructs a serialized block payload. Keys must be added in
// strictly increasing order per the builder's comparator; every
// RestartInterval-th key is stored in full, the rest share a prefix with
// their predecessor.
type Builder struct {
	buf             bytes.Buffer
	restartPoints   []uint32
	restartCounter  int
	restartInterval int
	numEntries      int
	lastKey         []byte
	cmp             Compare
}

// NewBuilder creates a new block builder with the default restart
// interval. A nil comparator defaults to bytes.Compare.
func NewBuilder(cmp Compare) *Builder {
	return NewBuilderWithInterval(cmp, RestartInterval)
}

// NewBuilderWithInterval creates a block builder that writes a full key
// every interval entries. Intervals below 1 are treated as 1.
func NewBuilderWithInterval(cmp Compare, interval int) *Builder {
	if cmp == nil {
		cmp = bytes.Compare
	}
	if interval < 1 {
		interval = 1
	}
	return &Builder{
		restartPoints:   make([]uint32, 0, 16),
		restartInterval: interval,
		cmp:             cmp,
	}
}

// Add appends a key-value pair to the block.
func (b *Builder) Add(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("cannot add empty key")
	}
	if len(key) > math.MaxUint16 {
		return fmt.Errorf("key too large: %d bytes", len(key))
	}
	if b.numEntries > 0 && b.cmp(key, b.lastKey) <= 0 {
		return fmt.Errorf("keys must be added in strictly increasing order")
	}

	var scratch [4]byte

	if b.restartCounter == 0 {
		// Full key at restart points
		b.restartPoints = append(b.restartPoints, uint32(b.buf.Len()))
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(key)))
		b.buf.Write(scratch[:2])
		b.buf.Write(key)
	} else {
		// Delta encode against the previous key:
		// [shared prefix length][unshared length][unshared bytes]
		shared := 0
		for shared < len(b.lastKey) && shared < len(key) && b.lastKey[shared] == key[shared] {
			shared++
		}
		binary.LittleEndian.PutUint16(scratch[:2], uint16(shared))
		binary.LittleEndian.PutUint16(scratch[2:], uint16(len(key)-shared))
		b.buf.Write(scratch[:4])
		b.buf.Write(key[shared:])
	}

	b.restartCounter++
	if b.restartCounter == b.restartInterval {
		b.restartCounter = 0
	}

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(value)))
	b.buf.Write(scratch[:4])
	b.buf.Write(value)

	b.numEntries++
	b.lastKey = append(b.lastKey[:0], key...)

	return nil
}

// Entries returns the number of entries added so far.
func (b *Builder) Entries() int {
	return b.numEntries
}

// Empty returns true if no entries have been added.
func (b *Builder) Empty() bool {
	return b.numEntries == 0
}

// EstimatedSize returns the payload size if the block were finished now.
func (b *Builder) EstimatedSize() uint32 {
	if b.numEntries == 0 {
		return 0
	}
	return uint32(b.buf.Len() + len(b.restartPoints)*4 + PayloadFooterSize)
}

// LastKey returns the most recently added key.
func (b *Builder) LastKey() []byte {
	return b.lastKey
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buf.Reset()
	b.restartPoints = b.restartPoints[:0]
	b.restartCounter = 0
	b.numEntries = 0
	b.lastKey = b.lastKey[:0]
}

// Finish appends the restart point array and returns the complete
// payload. The builder must not be reused without Reset.
func (b *Builder) Finish() ([]byte, error) {
	if b.numEntries == 0 {
		return nil, fmt.Errorf("cannot finish empty block")
	}

	var scratch [4]byte
	for _, point := range b.restartPoints {
		binary.LittleEndian.PutUint32(scratch[:], point)
		b.buf.Write(scratch[:])
	}
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(b.restartPoints)))
	b.buf.Write(scratch[:])

	return b.buf.Bytes(), nil
}
