package wal

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/quarrydb/quarry/pkg/kv"
)

// buildSegment writes n small entries through a WAL and returns the
// resulting segment path.
func buildSegment(t *testing.T, n int) string {
	t.Helper()
	cfg := newTestConfig(t.TempDir())
	w, err := NewWAL(cfg, cfg.WALDir)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := w.Append([]byte("region-0001"), []byte("users"), makeEdit(i), int64(i), false); err != nil {
			t.Fatalf("Failed to append entry %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close WAL: %v", err)
	}

	files, err := FindSegmentFiles(cfg.WALDir)
	if err != nil || len(files) != 1 {
		t.Fatalf("Expected 1 segment, got %v (%v)", files, err)
	}
	return files[0]
}

// recordOffsets walks a segment's physical records and returns each
// record's byte offset.
func recordOffsets(t *testing.T, path string) []int64 {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read segment: %v", err)
	}

	var offsets []int64
	off := 0
	for off+HeaderSize <= len(data) {
		offsets = append(offsets, int64(off))
		length := int(binary.LittleEndian.Uint16(data[off+4 : off+6]))
		off += HeaderSize + length
	}
	if off != len(data) {
		t.Fatalf("Segment does not end on a record boundary: %d != %d", off, len(data))
	}
	return offsets
}

// readAll drains a reader, returning the entries before the first
// error and that error.
func readAll(t *testing.T, path string) ([]*LogEntry, error) {
	t.Helper()
	reader, err := OpenSegmentReader(path)
	if err != nil {
		t.Fatalf("Failed to open segment: %v", err)
	}
	defer reader.Close()

	var entries []*LogEntry
	for {
		entry, err := reader.Next()
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
}

func TestSegmentReaderTruncatedTail(t *testing.T) {
	t.Run("MidHeader", func(t *testing.T) {
		path := buildSegment(t, 5)
		offsets := recordOffsets(t, path)
		if err := os.Truncate(path, offsets[4]+3); err != nil {
			t.Fatalf("Failed to truncate: %v", err)
		}

		entries, err := readAll(t, path)
		if err != io.EOF {
			t.Fatalf("Expected clean io.EOF after truncation, got %v", err)
		}
		if len(entries) != 4 {
			t.Errorf("Expected 4 intact entries, got %d", len(entries))
		}
	})

	t.Run("MidPayload", func(t *testing.T) {
		path := buildSegment(t, 5)
		offsets := recordOffsets(t, path)
		if err := os.Truncate(path, offsets[4]+HeaderSize+5); err != nil {
			t.Fatalf("Failed to truncate: %v", err)
		}

		entries, err := readAll(t, path)
		if err != io.EOF {
			t.Fatalf("Expected clean io.EOF after truncation, got %v", err)
		}
		if len(entries) != 4 {
			t.Errorf("Expected 4 intact entries, got %d", len(entries))
		}
	})

	t.Run("MidFragmentRun", func(t *testing.T) {
		cfg := newTestConfig(t.TempDir())
		w, err := NewWAL(cfg, cfg.WALDir)
		if err != nil {
			t.Fatalf("Failed to create WAL: %v", err)
		}
		for i := 0; i < 2; i++ {
			if _, err := w.Append([]byte("r"), []byte("t"), makeEdit(i), int64(i), false); err != nil {
				t.Fatalf("Failed to append: %v", err)
			}
		}
		big := make([]byte, 100*1024)
		edit := kv.NewEdit().Add(kv.NewPut([]byte("row"), []byte("cf"), []byte("blob"), 1, big))
		if _, err := w.Append([]byte("r"), []byte("t"), edit, 3, false); err != nil {
			t.Fatalf("Failed to append large entry: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Failed to close WAL: %v", err)
		}

		files, _ := FindSegmentFiles(cfg.WALDir)
		offsets := recordOffsets(t, files[0])
		// Records 0 and 1 are the small entries; record 2 starts the
		// fragment run. Cut inside its second fragment.
		if len(offsets) < 4 {
			t.Fatalf("Expected a fragment run, got %d records", len(offsets))
		}
		if err := os.Truncate(files[0], offsets[3]+HeaderSize+100); err != nil {
			t.Fatalf("Failed to truncate: %v", err)
		}

		entries, err := readAll(t, files[0])
		if err != io.EOF {
			t.Fatalf("Expected clean io.EOF for unfinished fragment run, got %v", err)
		}
		if len(entries) != 2 {
			t.Errorf("Expected 2 intact entries, got %d", len(entries))
		}
	})
}

func TestSegmentReaderCorruptCRC(t *testing.T) {
	path := buildSegment(t, 3)
	offsets := recordOffsets(t, path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read segment: %v", err)
	}
	data[offsets[1]+HeaderSize+2] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write corrupted segment: %v", err)
	}

	entries, err := readAll(t, path)
	if !errors.Is(err, ErrCRCMismatch) {
		t.Fatalf("Expected ErrCRCMismatch, got %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 entry before the corruption, got %d", len(entries))
	}
}

func TestSegmentReaderInvalidRecordType(t *testing.T) {
	path := buildSegment(t, 3)
	offsets := recordOffsets(t, path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read segment: %v", err)
	}
	data[offsets[1]+6] = 9
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write corrupted segment: %v", err)
	}

	entries, err := readAll(t, path)
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Expected ErrInvalidRecord, got %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 entry before the corruption, got %d", len(entries))
	}
}

func TestFindSegmentFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"00000000000000000002.wal", "00000000000000000001.wal", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("Failed to create %s: %v", name, err)
		}
	}

	files, err := FindSegmentFiles(dir)
	if err != nil {
		t.Fatalf("Failed to find segments: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(files))
	}
	if filepath.Base(files[0]) != "00000000000000000001.wal" || filepath.Base(files[1]) != "00000000000000000002.wal" {
		t.Errorf("Segments not sorted by name: %v", files)
	}
}

func TestReplayDir(t *testing.T) {
	cfg := newTestConfig(t.TempDir())
	cfg.WALMaxSegmentSize = 2048
	w, err := NewWAL(cfg, cfg.WALDir)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}

	const n = 100
	for i := 0; i < n; i++ {
		if _, err := w.Append([]byte("region-0001"), []byte("users"), makeEdit(i), int64(i), false); err != nil {
			t.Fatalf("Failed to append entry %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close WAL: %v", err)
	}

	var seqs []uint64
	count, err := ReplayDir(cfg.WALDir, func(entry *LogEntry) error {
		seqs = append(seqs, entry.SequenceNumber)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
	if count != n || len(seqs) != n {
		t.Fatalf("Expected %d replayed entries, got %d", n, count)
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("Replay out of order at %d: got sequence %d", i, seq)
		}
	}
}

func TestReplaySegmentHandlerError(t *testing.T) {
	path := buildSegment(t, 5)

	boundary := errors.New("stop here")
	seen := 0
	count, err := ReplaySegment(path, func(entry *LogEntry) error {
		seen++
		if seen == 3 {
			return boundary
		}
		return nil
	})
	if !errors.Is(err, boundary) {
		t.Fatalf("Expected handler error to propagate, got %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 handled entries before the error, got %d", count)
	}
}
