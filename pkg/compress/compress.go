// Package compress provides the block and stream compression codecs used by
// the table writer and the segment archiver.
package compress

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	// ErrUnknownCodec is returned when an unsupported compression codec is specified
	ErrUnknownCodec = errors.New("unknown compression codec")

	// ErrInvalidCompressedData is returned when compressed data cannot be decompressed
	ErrInvalidCompressedData = errors.New("invalid compressed data")
)

// CodecType identifies a compression codec in block headers and configuration.
type CodecType uint8

const (
	// None stores payloads uncompressed
	None CodecType = 0
	// Snappy is fast with moderate ratios
	Snappy CodecType = 1
	// Zstd trades CPU for better ratios
	Zstd CodecType = 2
	// LZ4 is the fastest of the compressing codecs
	LZ4 CodecType = 3
)

// String returns the codec name used in configuration files
func (c CodecType) String() string {
	switch c {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Valid reports whether c names a known codec
func (c CodecType) Valid() bool {
	return c <= LZ4
}

// ParseCodec maps a configuration name to a CodecType
func ParseCodec(name string) (CodecType, error) {
	switch name {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Manager compresses and decompresses block payloads. It holds the reusable
// zstd encoder/decoder pair, so one Manager should be shared per writer or
// reader rather than created per block.
type Manager struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	mu sync.Mutex
}

// NewManager creates a manager with default codec settings
func NewManager() (*Manager, error) {
	return NewManagerWithZstdLevel(zstd.SpeedDefault)
}

// NewManagerWithZstdLevel creates a manager with a specific zstd level
func NewManagerWithZstdLevel(level zstd.EncoderLevel) (*Manager, error) {
	zstdEncoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	zstdDecoder, err := zstd.NewReader(nil)
	if err != nil {
		zstdEncoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Manager{
		zstdEncoder: zstdEncoder,
		zstdDecoder: zstdDecoder,
	}, nil
}

// Compress compresses data using the specified codec. LZ4 input that does
// not shrink is returned unchanged; callers that persist the codec choice
// must fall back to None whenever the result is not smaller than the input.
func (m *Manager) Compress(data []byte, codec CodecType) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch codec {
	case None:
		return data, nil

	case Snappy:
		return snappy.Encode(nil, data), nil

	case Zstd:
		return m.zstdEncoder.EncodeAll(data, nil), nil

	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if n == 0 {
			// Incompressible input.
			return data, nil
		}
		return buf[:n], nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

// Decompress decompresses data using the specified codec. uncompressedSize
// is the expected output length from the block header; a result of any
// other length is corruption.
func (m *Manager) Decompress(data []byte, codec CodecType, uncompressedSize int) ([]byte, error) {
	if len(data) == 0 && uncompressedSize == 0 {
		return data, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		result []byte
		err    error
	)

	switch codec {
	case None:
		result = data

	case Snappy:
		result, err = snappy.Decode(make([]byte, uncompressedSize), data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}

	case Zstd:
		result, err = m.zstdDecoder.DecodeAll(data, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}

	case LZ4:
		result = make([]byte, uncompressedSize)
		n, uerr := lz4.UncompressBlock(data, result)
		if uerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, uerr)
		}
		result = result[:n]

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}

	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("%w: length %d, expected %d", ErrInvalidCompressedData, len(result), uncompressedSize)
	}
	return result, nil
}

// Close releases the zstd encoder and decoder
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zstdEncoder != nil {
		m.zstdEncoder.Close()
		m.zstdEncoder = nil
	}
	if m.zstdDecoder != nil {
		m.zstdDecoder.Close()
		m.zstdDecoder = nil
	}
	return nil
}

// NewStreamWriter returns a writer that compresses a whole stream with the
// specified codec, used when mirroring archived segments
func NewStreamWriter(w io.Writer, codec CodecType) (io.WriteCloser, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil

	case Snappy:
		return snappy.NewBufferedWriter(w), nil

	case Zstd:
		return zstd.NewWriter(w)

	case LZ4:
		return lz4.NewWriter(w), nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

// NewStreamReader returns a reader that decompresses a stream produced by
// NewStreamWriter
func NewStreamReader(r io.Reader, codec CodecType) (io.ReadCloser, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil

	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil

	case Zstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{decoder}, nil

	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
