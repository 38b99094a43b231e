package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Iterator walks the key-value pairs of a block payload in order.
type Iterator struct {
	payload  []byte
	restarts []uint32
	dataEnd  uint32
	cmp      Compare

	pos         uint32
	nextRestart int
	key         []byte
	value       []byte
}

// NewIterator parses the payload footer and returns an iterator over the
// entries. A nil comparator defaults to bytes.Compare.
func NewIterator(payload []byte, cmp Compare) (*Iterator, error) {
	if cmp == nil {
		cmp = bytes.Compare
	}
	if len(payload) < PayloadFooterSize {
		return nil, fmt.Errorf("%w: payload too small: %d bytes", ErrInvalidHeader, len(payload))
	}

	numRestarts := binary.LittleEndian.Uint32(payload[len(payload)-PayloadFooterSize:])
	restartsOffset := len(payload) - PayloadFooterSize - int(numRestarts)*4
	if restartsOffset < 0 {
		return nil, fmt.Errorf("%w: invalid restart point count %d", ErrInvalidHeader, numRestarts)
	}

	restarts := make([]uint32, numRestarts)
	for i := range restarts {
		restarts[i] = binary.LittleEndian.Uint32(payload[restartsOffset+i*4:])
		if restarts[i] >= uint32(restartsOffset) {
			return nil, fmt.Errorf("%w: restart point %d beyond entry data", ErrInvalidHeader, restarts[i])
		}
	}

	return &Iterator{
		payload:  payload,
		restarts: restarts,
		dataEnd:  uint32(restartsOffset),
		cmp:      cmp,
	}, nil
}

// SeekToFirst positions the iterator at the first entry.
func (it *Iterator) SeekToFirst() bool {
	it.pos = 0
	it.nextRestart = 0
	it.key = nil
	it.value = nil
	return it.step()
}

// Seek positions the iterator at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) bool {
	if len(it.restarts) == 0 {
		return false
	}

	// Find the last restart point whose key is <= target, then scan
	// forward from there.
	idx := sort.Search(len(it.restarts), func(i int) bool {
		key, ok := it.restartKey(i)
		if !ok {
			return true
		}
		return it.cmp(key, target) > 0
	})
	if idx > 0 {
		idx--
	}

	it.pos = it.restarts[idx]
	it.nextRestart = idx
	it.key = nil
	it.value = nil

	for it.step() {
		if it.cmp(it.key, target) >= 0 {
			return true
		}
	}
	return false
}

// SeekFloor positions the iterator at the last entry with key <= target.
// Returns false when every key in the block is greater than target.
func (it *Iterator) SeekFloor(target []byte) bool {
	if len(it.restarts) == 0 {
		return false
	}

	idx := sort.Search(len(it.restarts), func(i int) bool {
		key, ok := it.restartKey(i)
		if !ok {
			return true
		}
		return it.cmp(key, target) > 0
	})
	if idx == 0 {
		// The first entry is a restart point, so if its key is already
		// greater than target nothing in the block can be the floor.
		it.pos = it.dataEnd
		it.key = nil
		it.value = nil
		return false
	}
	idx--

	it.pos = it.restarts[idx]
	it.nextRestart = idx
	it.key = nil
	it.value = nil

	// Walk forward until the first entry past target, remembering the
	// state after each entry at or below it, then restore that state.
	var (
		floorPos     uint32
		floorRestart int
		floorKey     []byte
		floorValue   []byte
		found        bool
	)
	for it.step() {
		if it.cmp(it.key, target) > 0 {
			break
		}
		floorPos, floorRestart = it.pos, it.nextRestart
		floorKey, floorValue = it.key, it.value
		found = true
	}
	if !found {
		it.key = nil
		it.value = nil
		return false
	}

	it.pos, it.nextRestart = floorPos, floorRestart
	it.key, it.value = floorKey, floorValue
	return true
}

// Next advances to the next entry. Returns false at the end.
func (it *Iterator) Next() bool {
	if it.key == nil {
		return it.SeekToFirst()
	}
	return it.step()
}

// Key returns the current key, valid until the next move.
func (it *Iterator) Key() []byte {
	return it.key
}

// Value returns the current value, valid until the next move.
func (it *Iterator) Value() []byte {
	return it.value
}

// Valid returns true if the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.key != nil
}

// restartKey decodes the full key stored at restart point i without
// moving the iterator.
func (it *Iterator) restartKey(i int) ([]byte, bool) {
	pos := it.restarts[i]
	if pos+2 > it.dataEnd {
		return nil, false
	}
	keyLen := uint32(binary.LittleEndian.Uint16(it.payload[pos:]))
	if pos+2+keyLen > it.dataEnd {
		return nil, false
	}
	return it.payload[pos+2 : pos+2+keyLen], true
}

// step decodes the entry at the current position and advances past it.
func (it *Iterator) step() bool {
	if it.pos >= it.dataEnd {
		it.key = nil
		it.value = nil
		return false
	}

	atRestart := it.nextRestart < len(it.restarts) && it.restarts[it.nextRestart] == it.pos
	if atRestart {
		it.nextRestart++
	}

	data := it.payload[it.pos:it.dataEnd]
	var key []byte

	if atRestart {
		// Full key at restart points
		if len(data) < 2 {
			return it.corrupt()
		}
		keyLen := int(binary.LittleEndian.Uint16(data))
		data = data[2:]
		if len(data) < keyLen {
			return it.corrupt()
		}
		key = make([]byte, keyLen)
		copy(key, data[:keyLen])
		data = data[keyLen:]
		it.pos += uint32(2 + keyLen)
	} else {
		// Delta-encoded key: shared prefix of the previous key plus
		// an unshared suffix
		if len(data) < 4 || it.key == nil {
			return it.corrupt()
		}
		shared := int(binary.LittleEndian.Uint16(data))
		unshared := int(binary.LittleEndian.Uint16(data[2:]))
		data = data[4:]
		if shared > len(it.key) || len(data) < unshared {
			return it.corrupt()
		}
		key = make([]byte, shared+unshared)
		copy(key, it.key[:shared])
		copy(key[shared:], data[:unshared])
		data = data[unshared:]
		it.pos += uint32(4 + unshared)
	}

	if len(data) < 4 {
		return it.corrupt()
	}
	valueLen := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if len(data) < valueLen {
		return it.corrupt()
	}
	value := make([]byte, valueLen)
	copy(value, data[:valueLen])
	it.pos += uint32(4 + valueLen)

	it.key = key
	it.value = value
	return true
}

func (it *Iterator) corrupt() bool {
	it.pos = it.dataEnd
	it.key = nil
	it.value = nil
	return false
}
