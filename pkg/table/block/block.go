// Package block implements the on-disk block format shared by table
// files: a fixed header carrying type, compression codec, sizes and a
// checksum, followed by a payload of prefix-compressed key-value entries.
package block

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/quarrydb/quarry/pkg/compress"
)

// Block is the in-memory serving form of a block: header fields plus the
// uncompressed payload. This is what the cache stores.
type Block struct {
	Type             Type
	Compression      compress.CodecType
	OnDiskSize       uint32
	UncompressedSize uint32
	Checksum         uint64
	Payload          []byte
}

// Size returns the in-memory footprint used for cache accounting.
func (b *Block) Size() int64 {
	return int64(HeaderSize + len(b.Payload))
}

// Assemble builds the on-disk representation of a block from its
// uncompressed payload. It compresses with the requested codec, falling
// back to no compression when that does not shrink the payload, and
// returns both the serving form and the encoded bytes to write.
func Assemble(t Type, payload []byte, codec compress.CodecType, mgr *compress.Manager) (*Block, []byte, error) {
	if !t.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown block type %d", ErrInvalidHeader, uint8(t))
	}

	checksum := xxhash.Sum64(payload)

	onDisk := payload
	usedCodec := compress.None
	if codec != compress.None {
		compressed, err := mgr.Compress(payload, codec)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to compress %s block: %w", t, err)
		}
		if len(compressed) < len(payload) {
			onDisk = compressed
			usedCodec = codec
		}
	}

	header := Header{
		Type:             t,
		Codec:            uint8(usedCodec),
		OnDiskSize:       uint32(len(onDisk)),
		UncompressedSize: uint32(len(payload)),
		Checksum:         checksum,
	}

	encoded := make([]byte, HeaderSize+len(onDisk))
	if err := EncodeHeader(encoded, header); err != nil {
		return nil, nil, err
	}
	copy(encoded[HeaderSize:], onDisk)

	blk := &Block{
		Type:             t,
		Compression:      usedCodec,
		OnDiskSize:       header.OnDiskSize,
		UncompressedSize: header.UncompressedSize,
		Checksum:         checksum,
		Payload:          payload,
	}

	return blk, encoded, nil
}

// Decode reconstructs the serving form from a decoded header and the
// on-disk payload bytes that followed it. The payload is decompressed
// and verified against the header checksum.
func Decode(header Header, body []byte, mgr *compress.Manager) (*Block, error) {
	if uint32(len(body)) != header.OnDiskSize {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d",
			ErrInvalidHeader, len(body), header.OnDiskSize)
	}

	codec := compress.CodecType(header.Codec)
	if !codec.Valid() {
		return nil, fmt.Errorf("%w: unknown codec %d", ErrInvalidHeader, header.Codec)
	}

	payload := body
	if codec != compress.None {
		decompressed, err := mgr.Decompress(body, codec, int(header.UncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s block: %w", header.Type, err)
		}
		payload = decompressed
	} else if uint32(len(payload)) != header.UncompressedSize {
		return nil, fmt.Errorf("%w: uncompressed payload is %d bytes, header says %d",
			ErrInvalidHeader, len(payload), header.UncompressedSize)
	}

	if computed := xxhash.Sum64(payload); computed != header.Checksum {
		return nil, fmt.Errorf("%w: expected %d, got %d",
			ErrChecksumMismatch, header.Checksum, computed)
	}

	return &Block{
		Type:             header.Type,
		Compression:      codec,
		OnDiskSize:       header.OnDiskSize,
		UncompressedSize: header.UncompressedSize,
		Checksum:         header.Checksum,
		Payload:          payload,
	}, nil
}

// Parse decodes a complete encoded block (header plus on-disk payload).
func Parse(data []byte, mgr *compress.Manager) (*Block, error) {
	header, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	body := data[HeaderSize:]
	if uint32(len(body)) < header.OnDiskSize {
		return nil, fmt.Errorf("%w: truncated block: %d of %d payload bytes",
			ErrInvalidHeader, len(body), header.OnDiskSize)
	}

	return Decode(header, body[:header.OnDiskSize], mgr)
}
