package table

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// bloomHeaderSize is the fixed prefix of a serialized filter:
// numBits (8) + k (4) + count (4).
const bloomHeaderSize = 16

// BloomFilter answers row membership questions with no false negatives.
// A table file carries one filter per bloom chunk; each covers the rows
// first seen while that chunk was accumulating.
type BloomFilter struct {
	bits    []uint64
	numBits uint64
	k       uint32
	count   uint32
}

// bloomParams computes the bit count and hash count for the expected
// number of keys at the target false positive rate. Bits are rounded up
// to whole 64-bit words.
func bloomParams(expectedKeys int, fpRate float64) (numBits uint64, k uint32) {
	if expectedKeys <= 0 {
		expectedKeys = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultBloomFPRate
	}

	ln2Sq := math.Ln2 * math.Ln2
	m := float64(-expectedKeys) * math.Log(fpRate) / ln2Sq
	kFloat := (m / float64(expectedKeys)) * math.Ln2

	numBits = ((uint64(m) + 63) / 64) * 64
	if numBits < 64 {
		numBits = 64
	}

	k = uint32(math.Ceil(kFloat))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}

	return numBits, k
}

// NewBloomFilter creates a filter sized for the expected number of keys
// at the given false positive rate.
func NewBloomFilter(expectedKeys int, fpRate float64) *BloomFilter {
	numBits, k := bloomParams(expectedKeys, fpRate)
	return &BloomFilter{
		bits:    make([]uint64, numBits/64),
		numBits: numBits,
		k:       k,
	}
}

// bloomHash derives the two hash values used for double hashing. The
// second is a rotation of the first forced odd so successive probe
// positions cover the whole bit array.
func bloomHash(key []byte) (h1, h2 uint64) {
	h1 = xxhash.Sum64(key)
	h2 = bits.RotateLeft64(h1, 31) | 1
	return h1, h2
}

// Add inserts a key into the filter.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bloomHash(key)
	for i := uint64(0); i < uint64(bf.k); i++ {
		bit := (h1 + i*h2) % bf.numBits
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
	bf.count++
}

// MayContain reports whether the key might be in the filter. A false
// result is definitive.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bloomHash(key)
	for i := uint64(0); i < uint64(bf.k); i++ {
		bit := (h1 + i*h2) % bf.numBits
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of keys added.
func (bf *BloomFilter) Count() uint32 {
	return bf.count
}

// EncodedSize returns the serialized size of the filter in bytes.
func (bf *BloomFilter) EncodedSize() int {
	return bloomHeaderSize + len(bf.bits)*8
}

// Encode serializes the filter as a bloom chunk payload.
func (bf *BloomFilter) Encode() []byte {
	buf := make([]byte, bf.EncodedSize())
	binary.LittleEndian.PutUint64(buf[0:8], bf.numBits)
	binary.LittleEndian.PutUint32(buf[8:12], bf.k)
	binary.LittleEndian.PutUint32(buf[12:16], bf.count)
	for i, word := range bf.bits {
		binary.LittleEndian.PutUint64(buf[bloomHeaderSize+i*8:], word)
	}
	return buf
}

// DecodeBloomFilter deserializes a bloom chunk payload.
func DecodeBloomFilter(payload []byte) (*BloomFilter, error) {
	numBits, k, count, err := bloomHeader(payload)
	if err != nil {
		return nil, err
	}

	words := make([]uint64, numBits/64)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(payload[bloomHeaderSize+i*8:])
	}

	return &BloomFilter{
		bits:    words,
		numBits: numBits,
		k:       k,
		count:   count,
	}, nil
}

// ProbeBloomPayload tests key membership directly against a serialized
// filter, so cached chunk payloads can be probed without materializing
// the bit array.
func ProbeBloomPayload(payload, key []byte) (bool, error) {
	numBits, k, _, err := bloomHeader(payload)
	if err != nil {
		return false, err
	}

	h1, h2 := bloomHash(key)
	for i := uint64(0); i < uint64(k); i++ {
		bit := (h1 + i*h2) % numBits
		word := binary.LittleEndian.Uint64(payload[bloomHeaderSize+(bit/64)*8:])
		if word&(1<<(bit%64)) == 0 {
			return false, nil
		}
	}
	return true, nil
}

// bloomHeader validates a serialized filter and returns its parameters.
func bloomHeader(payload []byte) (numBits uint64, k, count uint32, err error) {
	if len(payload) < bloomHeaderSize {
		return 0, 0, 0, fmt.Errorf("bloom chunk too small: %d bytes: %w", len(payload), ErrCorruption)
	}

	numBits = binary.LittleEndian.Uint64(payload[0:8])
	k = binary.LittleEndian.Uint32(payload[8:12])
	count = binary.LittleEndian.Uint32(payload[12:16])

	if numBits < 64 || numBits%64 != 0 {
		return 0, 0, 0, fmt.Errorf("bloom chunk bit count %d: %w", numBits, ErrCorruption)
	}
	if k < 1 || k > 16 {
		return 0, 0, 0, fmt.Errorf("bloom chunk hash count %d: %w", k, ErrCorruption)
	}
	if len(payload) != bloomHeaderSize+int(numBits/8) {
		return 0, 0, 0, fmt.Errorf("bloom chunk length %d does not match %d bits: %w",
			len(payload), numBits, ErrCorruption)
	}

	return numBits, k, count, nil
}

// bloomKeysPerChunk inverts the sizing formula: how many keys fit in one
// chunk of the given serialized size at the target false positive rate.
func bloomKeysPerChunk(chunkSize int, fpRate float64) int {
	if chunkSize <= bloomHeaderSize {
		return 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultBloomFPRate
	}

	numBits := float64((chunkSize - bloomHeaderSize) * 8)
	keys := int(numBits * math.Ln2 * math.Ln2 / -math.Log(fpRate))
	if keys < 1 {
		keys = 1
	}
	return keys
}
