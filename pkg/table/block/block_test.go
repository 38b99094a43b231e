package block

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/quarrydb/quarry/pkg/compress"
)

func buildPayload(t *testing.T, numEntries int) ([]byte, map[string]string) {
	t.Helper()

	builder := NewBuilder(nil)
	keyValues := make(map[string]string, numEntries)

	for i := 0; i < numEntries; i++ {
		key := fmt.Sprintf("key%05d", i)
		value := fmt.Sprintf("value%05d", i)
		keyValues[key] = value

		if err := builder.Add([]byte(key), []byte(value)); err != nil {
			t.Fatalf("Failed to add entry: %v", err)
		}
	}

	payload, err := builder.Finish()
	if err != nil {
		t.Fatalf("Failed to finish block: %v", err)
	}

	return payload, kvClone(keyValues)
}

func kvClone(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func TestBuilderRoundTrip(t *testing.T) {
	// Enough entries to cross several restart intervals
	payload, keyValues := buildPayload(t, 100)

	iter, err := NewIterator(payload, nil)
	if err != nil {
		t.Fatalf("Failed to create iterator: %v", err)
	}

	foundKeys := make(map[string]bool)
	var prevKey []byte

	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		value := string(iter.Value())

		expectedValue, ok := keyValues[key]
		if !ok {
			t.Errorf("Found unexpected key: %s", key)
			continue
		}
		if value != expectedValue {
			t.Errorf("Value mismatch for key %s: expected %s, got %s",
				key, expectedValue, value)
		}

		if prevKey != nil && bytes.Compare(iter.Key(), prevKey) <= 0 {
			t.Errorf("Keys out of order: %s after %s", key, string(prevKey))
		}
		prevKey = append([]byte(nil), iter.Key()...)

		foundKeys[key] = true
	}

	if len(foundKeys) != len(keyValues) {
		t.Errorf("Expected to find %d keys, got %d", len(keyValues), len(foundKeys))
	}
}

func TestBuilderRejectsUnorderedKeys(t *testing.T) {
	builder := NewBuilder(nil)

	if err := builder.Add([]byte("banana"), []byte("v1")); err != nil {
		t.Fatalf("Failed to add first key: %v", err)
	}

	if err := builder.Add([]byte("apple"), []byte("v2")); err == nil {
		t.Error("Expected error adding key out of order")
	}

	if err := builder.Add([]byte("banana"), []byte("v3")); err == nil {
		t.Error("Expected error adding duplicate key")
	}
}

func TestBuilderCustomComparator(t *testing.T) {
	// Reverse byte order
	reverse := func(a, b []byte) int { return bytes.Compare(b, a) }

	builder := NewBuilder(reverse)
	if err := builder.Add([]byte("zebra"), []byte("v1")); err != nil {
		t.Fatalf("Failed to add first key: %v", err)
	}
	if err := builder.Add([]byte("apple"), []byte("v2")); err != nil {
		t.Errorf("Expected descending keys to be accepted: %v", err)
	}
	if err := builder.Add([]byte("mango"), []byte("v3")); err == nil {
		t.Error("Expected error adding key out of comparator order")
	}

	payload, err := builder.Finish()
	if err != nil {
		t.Fatalf("Failed to finish block: %v", err)
	}

	iter, err := NewIterator(payload, reverse)
	if err != nil {
		t.Fatalf("Failed to create iterator: %v", err)
	}

	if !iter.Seek([]byte("mango")) {
		t.Fatal("Seek failed")
	}
	// With the reverse comparator, "apple" is the first key >= "mango"
	if string(iter.Key()) != "apple" {
		t.Errorf("Expected key 'apple', got '%s'", string(iter.Key()))
	}
}

func TestBuilderEmptyFinish(t *testing.T) {
	builder := NewBuilder(nil)
	if _, err := builder.Finish(); err == nil {
		t.Error("Expected error finishing empty block")
	}
}

func TestBuilderReset(t *testing.T) {
	builder := NewBuilder(nil)

	if err := builder.Add([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	if _, err := builder.Finish(); err != nil {
		t.Fatalf("Failed to finish block: %v", err)
	}

	builder.Reset()

	if !builder.Empty() {
		t.Error("Expected builder to be empty after reset")
	}
	if builder.EstimatedSize() != 0 {
		t.Errorf("Expected zero estimated size after reset, got %d", builder.EstimatedSize())
	}

	// The same key must be accepted again after a reset
	if err := builder.Add([]byte("key1"), []byte("value2")); err != nil {
		t.Errorf("Failed to add entry after reset: %v", err)
	}

	payload, err := builder.Finish()
	if err != nil {
		t.Fatalf("Failed to finish block after reset: %v", err)
	}

	iter, err := NewIterator(payload, nil)
	if err != nil {
		t.Fatalf("Failed to create iterator: %v", err)
	}
	if !iter.SeekToFirst() {
		t.Fatal("Expected one entry after reset")
	}
	if string(iter.Value()) != "value2" {
		t.Errorf("Expected value 'value2', got '%s'", string(iter.Value()))
	}
}

func TestIteratorSeek(t *testing.T) {
	payload, _ := buildPayload(t, 100)

	iter, err := NewIterator(payload, nil)
	if err != nil {
		t.Fatalf("Failed to create iterator: %v", err)
	}

	tests := []struct {
		target   string
		expected string
		found    bool
	}{
		{"key00000", "key00000", true},
		{"key00050", "key00050", true},
		{"key00099", "key00099", true},
		// Between keys: lands on the next one
		{"key00042x", "key00043", true},
		// Before the first key
		{"aaa", "key00000", true},
		// Past the last key
		{"zzz", "", false},
	}

	for _, tt := range tests {
		found := iter.Seek([]byte(tt.target))
		if found != tt.found {
			t.Errorf("Seek(%q): expected found=%v, got %v", tt.target, tt.found, found)
			continue
		}
		if found && string(iter.Key()) != tt.expected {
			t.Errorf("Seek(%q): expected key %q, got %q", tt.target, tt.expected, string(iter.Key()))
		}
	}
}

func TestIteratorSeekThenNext(t *testing.T) {
	payload, _ := buildPayload(t, 50)

	iter, err := NewIterator(payload, nil)
	if err != nil {
		t.Fatalf("Failed to create iterator: %v", err)
	}

	if !iter.Seek([]byte("key00030")) {
		t.Fatal("Seek failed")
	}

	// Walk the tail of the block in order
	for i := 30; i < 50; i++ {
		expected := fmt.Sprintf("key%05d", i)
		if string(iter.Key()) != expected {
			t.Fatalf("Expected key %s, got %s", expected, string(iter.Key()))
		}
		iter.Next()
	}

	if iter.Valid() {
		t.Errorf("Expected iterator to be exhausted, at key %s", string(iter.Key()))
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	original := Header{
		Type:             TypeLeafIndex,
		Codec:            2,
		OnDiskSize:       1234,
		UncompressedSize: 5678,
		Checksum:         0xdeadbeefcafe,
	}

	buf := make([]byte, HeaderSize)
	if err := EncodeHeader(buf, original); err != nil {
		t.Fatalf("Failed to encode header: %v", err)
	}

	decoded, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("Failed to decode header: %v", err)
	}

	if decoded != original {
		t.Errorf("Header mismatch: expected %+v, got %+v", original, decoded)
	}
}

func TestDecodeHeaderInvalid(t *testing.T) {
	// Too short
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("Expected ErrInvalidHeader for short buffer, got %v", err)
	}

	// Unknown block type
	buf := make([]byte, HeaderSize)
	buf[0] = 0xff
	if _, err := DecodeHeader(buf); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("Expected ErrInvalidHeader for unknown type, got %v", err)
	}
}

func TestAssembleAndParse(t *testing.T) {
	mgr, err := compress.NewManager()
	if err != nil {
		t.Fatalf("Failed to create compression manager: %v", err)
	}
	defer mgr.Close()

	payload, _ := buildPayload(t, 100)

	for _, codec := range []compress.CodecType{compress.None, compress.Snappy, compress.Zstd, compress.LZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			blk, encoded, err := Assemble(TypeData, payload, codec, mgr)
			if err != nil {
				t.Fatalf("Failed to assemble block: %v", err)
			}

			if blk.Type != TypeData {
				t.Errorf("Expected type %v, got %v", TypeData, blk.Type)
			}
			if blk.UncompressedSize != uint32(len(payload)) {
				t.Errorf("Expected uncompressed size %d, got %d", len(payload), blk.UncompressedSize)
			}
			if !bytes.Equal(blk.Payload, payload) {
				t.Error("Serving payload does not match input")
			}
			if len(encoded) != HeaderSize+int(blk.OnDiskSize) {
				t.Errorf("Encoded length %d does not match header + on-disk size %d",
					len(encoded), HeaderSize+int(blk.OnDiskSize))
			}

			parsed, err := Parse(encoded, mgr)
			if err != nil {
				t.Fatalf("Failed to parse block: %v", err)
			}
			if parsed.Type != blk.Type || parsed.Checksum != blk.Checksum {
				t.Errorf("Parsed header mismatch: %+v vs %+v", parsed, blk)
			}
			if !bytes.Equal(parsed.Payload, payload) {
				t.Error("Parsed payload does not match input")
			}
		})
	}
}

func TestAssembleIncompressibleFallsBack(t *testing.T) {
	mgr, err := compress.NewManager()
	if err != nil {
		t.Fatalf("Failed to create compression manager: %v", err)
	}
	defer mgr.Close()

	// A payload this small and random-looking does not shrink
	builder := NewBuilder(nil)
	if err := builder.Add([]byte{0x01, 0x9f, 0x32}, []byte{0xfe, 0x5a}); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	payload, err := builder.Finish()
	if err != nil {
		t.Fatalf("Failed to finish block: %v", err)
	}

	blk, encoded, err := Assemble(TypeData, payload, compress.Snappy, mgr)
	if err != nil {
		t.Fatalf("Failed to assemble block: %v", err)
	}

	if blk.Compression != compress.None {
		t.Errorf("Expected fallback to no compression, got %v", blk.Compression)
	}
	if blk.OnDiskSize != blk.UncompressedSize {
		t.Errorf("Expected on-disk size %d to equal uncompressed size %d",
			blk.OnDiskSize, blk.UncompressedSize)
	}

	parsed, err := Parse(encoded, mgr)
	if err != nil {
		t.Fatalf("Failed to parse block: %v", err)
	}
	if !bytes.Equal(parsed.Payload, payload) {
		t.Error("Parsed payload does not match input")
	}
}

func TestParseChecksumMismatch(t *testing.T) {
	mgr, err := compress.NewManager()
	if err != nil {
		t.Fatalf("Failed to create compression manager: %v", err)
	}
	defer mgr.Close()

	payload, _ := buildPayload(t, 10)
	_, encoded, err := Assemble(TypeData, payload, compress.None, mgr)
	if err != nil {
		t.Fatalf("Failed to assemble block: %v", err)
	}

	// Flip a payload byte past the header
	encoded[HeaderSize] ^= 0xff

	if _, err := Parse(encoded, mgr); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected ErrChecksumMismatch, got %v", err)
	}
}

func TestParseTruncated(t *testing.T) {
	mgr, err := compress.NewManager()
	if err != nil {
		t.Fatalf("Failed to create compression manager: %v", err)
	}
	defer mgr.Close()

	payload, _ := buildPayload(t, 10)
	_, encoded, err := Assemble(TypeData, payload, compress.None, mgr)
	if err != nil {
		t.Fatalf("Failed to assemble block: %v", err)
	}

	if _, err := Parse(encoded[:len(encoded)-5], mgr); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("Expected ErrInvalidHeader for truncated block, got %v", err)
	}
}

func TestTypeCategory(t *testing.T) {
	tests := []struct {
		blockType Type
		category  Category
	}{
		{TypeData, CategoryData},
		{TypeLeafIndex, CategoryIndex},
		{TypeIntermediateIndex, CategoryIndex},
		{TypeRootIndex, CategoryIndex},
		{TypeBloomChunk, CategoryBloom},
		{TypeMeta, CategoryMeta},
		{TypeTrailer, CategoryMeta},
	}

	for _, tt := range tests {
		if got := tt.blockType.Category(); got != tt.category {
			t.Errorf("%v: expected category %v, got %v", tt.blockType, tt.category, got)
		}
	}

	if Type(0).Valid() {
		t.Error("Type(0) should not be valid")
	}
	if Type(200).Category() != CategoryUnknown {
		t.Error("Unknown type should map to CategoryUnknown")
	}
}
