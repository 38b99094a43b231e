package block

// Type identifies what a block holds.
type Type uint8

const (
	// TypeData holds encoded cells
	TypeData Type = iota + 1
	// TypeLeafIndex holds handles of data blocks
	TypeLeafIndex
	// TypeIntermediateIndex holds handles of leaf index blocks
	TypeIntermediateIndex
	// TypeRootIndex holds handles of the level below it
	TypeRootIndex
	// TypeBloomChunk holds one chunk of the table's bloom filter
	TypeBloomChunk
	// TypeMeta holds file-level metadata
	TypeMeta
	// TypeTrailer is the fixed-size structure at the end of the file
	TypeTrailer
)

// String returns a human-readable name for the block type
func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeLeafIndex:
		return "LEAF_INDEX"
	case TypeIntermediateIndex:
		return "INTERMEDIATE_INDEX"
	case TypeRootIndex:
		return "ROOT_INDEX"
	case TypeBloomChunk:
		return "BLOOM_CHUNK"
	case TypeMeta:
		return "META"
	case TypeTrailer:
		return "TRAILER"
	default:
		return "UNKNOWN"
	}
}

// Valid returns true if the type is a known block type
func (t Type) Valid() bool {
	return t >= TypeData && t <= TypeTrailer
}

// Category groups block types for cache policy decisions
type Category uint8

const (
	// CategoryData covers data blocks
	CategoryData Category = iota + 1
	// CategoryIndex covers all levels of the block index
	CategoryIndex
	// CategoryBloom covers bloom filter chunks
	CategoryBloom
	// CategoryMeta covers metadata and trailer blocks
	CategoryMeta
	// CategoryUnknown is returned for unrecognized types
	CategoryUnknown
)

// String returns a human-readable name for the category
func (c Category) String() string {
	switch c {
	case CategoryData:
		return "data"
	case CategoryIndex:
		return "index"
	case CategoryBloom:
		return "bloom"
	case CategoryMeta:
		return "meta"
	default:
		return "unknown"
	}
}

// Category returns the cache policy category for the block type
func (t Type) Category() Category {
	switch t {
	case TypeData:
		return CategoryData
	case TypeLeafIndex, TypeIntermediateIndex, TypeRootIndex:
		return CategoryIndex
	case TypeBloomChunk:
		return CategoryBloom
	case TypeMeta, TypeTrailer:
		return CategoryMeta
	default:
		return CategoryUnknown
	}
}

// Entry represents a key-value pair within a block payload
type Entry struct {
	Key   []byte
	Value []byte
}

const (
	// RestartInterval defines how often we store a full key
	RestartInterval = 16
	// PayloadFooterSize is the size of the restart count at the end of a payload
	PayloadFooterSize = 4
)

// Compare is the key ordering used when searching a block. It must be
// consistent with the order keys were added in.
type Compare func(a, b []byte) int
