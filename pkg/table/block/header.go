package block

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed size of the on-disk block header
	HeaderSize = 22

	typeOffset         = 0
	codecOffset        = 1
	onDiskSizeOffset   = 2
	uncompressedOffset = 6
	checksumOffset     = 10
	reservedOffset     = 18
)

var (
	// ErrInvalidHeader indicates a malformed or truncated block header
	ErrInvalidHeader = errors.New("invalid block header")
	// ErrChecksumMismatch indicates a block payload failed checksum verification
	ErrChecksumMismatch = errors.New("block checksum mismatch")
)

// Header is the fixed-size structure preceding every block on disk.
// The checksum covers the uncompressed payload.
type Header struct {
	Type             Type
	Codec            uint8
	OnDiskSize       uint32
	UncompressedSize uint32
	Checksum         uint64
}

// EncodeHeader serializes the header into buf, which must be at least
// HeaderSize bytes long.
func EncodeHeader(buf []byte, h Header) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: buffer too small for header: %d bytes", ErrInvalidHeader, len(buf))
	}

	buf[typeOffset] = uint8(h.Type)
	buf[codecOffset] = h.Codec
	binary.LittleEndian.PutUint32(buf[onDiskSizeOffset:], h.OnDiskSize)
	binary.LittleEndian.PutUint32(buf[uncompressedOffset:], h.UncompressedSize)
	binary.LittleEndian.PutUint64(buf[checksumOffset:], h.Checksum)
	binary.LittleEndian.PutUint32(buf[reservedOffset:], 0)

	return nil
}

// DecodeHeader parses a block header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(buf), HeaderSize)
	}

	h := Header{
		Type:             Type(buf[typeOffset]),
		Codec:            buf[codecOffset],
		OnDiskSize:       binary.LittleEndian.Uint32(buf[onDiskSizeOffset:]),
		UncompressedSize: binary.LittleEndian.Uint32(buf[uncompressedOffset:]),
		Checksum:         binary.LittleEndian.Uint64(buf[checksumOffset:]),
	}

	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("%w: unknown block type %d", ErrInvalidHeader, buf[typeOffset])
	}

	return h, nil
}
