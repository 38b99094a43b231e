package compress

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestManagerRoundTrip(t *testing.T) {
	testData := []byte(strings.Repeat("hello world, this is a test message with some repetition. ", 100))

	mgr, err := NewManager()
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer mgr.Close()

	for _, codec := range []CodecType{None, Snappy, Zstd, LZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			compressed, err := mgr.Compress(testData, codec)
			if err != nil {
				t.Fatalf("Compression failed with codec %s: %v", codec, err)
			}

			if codec == None {
				if len(compressed) != len(testData) {
					t.Errorf("Expected no compression with none codec, but sizes differ: %d vs %d",
						len(compressed), len(testData))
				}
			} else if len(compressed) >= len(testData) {
				t.Errorf("Repetitive input did not shrink under %s: %d vs %d",
					codec, len(compressed), len(testData))
			}

			decompressed, err := mgr.Decompress(compressed, codec, len(testData))
			if err != nil {
				t.Fatalf("Decompression failed with codec %s: %v", codec, err)
			}
			if !bytes.Equal(testData, decompressed) {
				t.Errorf("Decompressed data does not match original for codec %s", codec)
			}
		})
	}
}

func TestLZ4IncompressibleFallsBackToRaw(t *testing.T) {
	mgr, err := NewManager()
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer mgr.Close()

	// Random bytes do not compress; LZ4 must hand the input back unchanged
	// so the caller can record the block as uncompressed.
	incompressible := make([]byte, 4096)
	if _, err := rand.Read(incompressible); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}

	out, err := mgr.Compress(incompressible, LZ4)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if len(out) < len(incompressible) {
		// Genuinely compressed after all; nothing further to assert.
		return
	}
	if !bytes.Equal(out, incompressible) {
		t.Error("incompressible LZ4 input was not returned unchanged")
	}
}

func TestDecompressInvalidData(t *testing.T) {
	mgr, err := NewManager()
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer mgr.Close()

	invalid := []byte("this is not valid compressed data")

	for _, codec := range []CodecType{Snappy, Zstd, LZ4} {
		if _, err := mgr.Decompress(invalid, codec, 500); !errors.Is(err, ErrInvalidCompressedData) {
			t.Errorf("codec %s: expected ErrInvalidCompressedData, got %v", codec, err)
		}
	}
}

func TestDecompressLengthMismatch(t *testing.T) {
	mgr, err := NewManager()
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer mgr.Close()

	data := []byte(strings.Repeat("abcdef", 200))
	compressed, err := mgr.Compress(data, Zstd)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	// A header that lies about the uncompressed size must be caught.
	if _, err := mgr.Decompress(compressed, Zstd, len(data)+1); !errors.Is(err, ErrInvalidCompressedData) {
		t.Errorf("expected ErrInvalidCompressedData on length mismatch, got %v", err)
	}
}

func TestUnknownCodec(t *testing.T) {
	mgr, err := NewManager()
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer mgr.Close()

	if _, err := mgr.Compress([]byte("x"), CodecType(77)); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("Compress: expected ErrUnknownCodec, got %v", err)
	}
	if _, err := mgr.Decompress([]byte("x"), CodecType(77), 1); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("Decompress: expected ErrUnknownCodec, got %v", err)
	}
}

func TestParseCodec(t *testing.T) {
	cases := []struct {
		name    string
		want    CodecType
		wantErr bool
	}{
		{"none", None, false},
		{"", None, false},
		{"snappy", Snappy, false},
		{"zstd", Zstd, false},
		{"lz4", LZ4, false},
		{"gzip", None, true},
	}

	for _, tc := range cases {
		got, err := ParseCodec(tc.name)
		if tc.wantErr {
			if !errors.Is(err, ErrUnknownCodec) {
				t.Errorf("ParseCodec(%q): expected ErrUnknownCodec, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCodec(%q) failed: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("ParseCodec(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestStreamRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("segment bytes for the archive mirror\n", 500))

	for _, codec := range []CodecType{None, Snappy, Zstd, LZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			var buf bytes.Buffer

			w, err := NewStreamWriter(&buf, codec)
			if err != nil {
				t.Fatalf("NewStreamWriter failed: %v", err)
			}
			if _, err := w.Write(payload); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			r, err := NewStreamReader(bytes.NewReader(buf.Bytes()), codec)
			if err != nil {
				t.Fatalf("NewStreamReader failed: %v", err)
			}
			defer r.Close()

			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("stream round trip mismatch for %s", codec)
			}
		})
	}
}
