package table

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/quarrydb/quarry/pkg/compress"
	"github.com/quarrydb/quarry/pkg/kv"
)

// makeCell builds a single-column put for the i-th synthetic row.
func makeCell(i int, value string) *kv.Cell {
	row := fmt.Sprintf("row%06d", i)
	return kv.NewPut([]byte(row), []byte("cf"), []byte("col"), 100, []byte(value))
}

// writeTable writes n single-cell rows with the given options and
// returns the file path.
func writeTable(t *testing.T, opts WriterOptions, n int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "000001"+FileSuffix)
	writer, err := NewWriterWithOptions(path, opts)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}

	for i := 0; i < n; i++ {
		if err := writer.Add(makeCell(i, fmt.Sprintf("value%06d", i))); err != nil {
			t.Fatalf("Failed to add cell %d: %v", i, err)
		}
	}
	if err := writer.Finish(); err != nil {
		t.Fatalf("Failed to finish table: %v", err)
	}
	return path
}

func TestWriterBasics(t *testing.T) {
	path := writeTable(t, DefaultWriterOptions(), 100)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Table file %s does not exist after Finish()", path)
	}

	reader, err := OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer reader.Close()

	if reader.NumEntries() != 100 {
		t.Errorf("Expected 100 entries, got %d", reader.NumEntries())
	}
	if reader.NumDataBlocks() == 0 {
		t.Error("Expected at least one data block")
	}
	if reader.IndexLevels() != 1 {
		t.Errorf("Small table should have a single index level, got %d", reader.IndexLevels())
	}
	if !reader.HasBloomFilter() {
		t.Error("Default options should produce bloom chunks")
	}
}

func TestWriterAbort(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "aborted"+FileSuffix)

	writer, err := NewWriter(path)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := writer.Add(makeCell(i, "v")); err != nil {
			t.Fatalf("Failed to add cell: %v", err)
		}
	}

	tmpPath := filepath.Join(tempDir, fmt.Sprintf(".%s.tmp", filepath.Base(path)))
	if err := writer.Abort(); err != nil {
		t.Fatalf("Failed to abort writer: %v", err)
	}

	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("Temp file %s still exists after abort", tmpPath)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Final file %s exists after abort", path)
	}
}

func TestWriterEmptyFinish(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty"+FileSuffix)

	writer, err := NewWriter(path)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	if err := writer.Finish(); !errors.Is(err, ErrEmptyTable) {
		t.Errorf("Finish on empty writer = %v, want ErrEmptyTable", err)
	}
}

func TestWriterRejectsOutOfOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order"+FileSuffix)

	writer, err := NewWriter(path)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Abort()

	if err := writer.Add(makeCell(10, "v")); err != nil {
		t.Fatalf("Failed to add cell: %v", err)
	}
	if err := writer.Add(makeCell(5, "v")); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("Adding earlier row = %v, want ErrOutOfOrder", err)
	}
	if err := writer.Add(makeCell(10, "v")); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("Adding duplicate cell = %v, want ErrOutOfOrder", err)
	}
}

func TestWriterVersionOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions"+FileSuffix)

	writer, err := NewWriter(path)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Abort()

	// Newer timestamps sort first, so version 200 must precede 100.
	row, cf, col := []byte("row1"), []byte("cf"), []byte("col")
	if err := writer.Add(kv.NewPut(row, cf, col, 200, []byte("new"))); err != nil {
		t.Fatalf("Failed to add newer version: %v", err)
	}
	if err := writer.Add(kv.NewPut(row, cf, col, 100, []byte("old"))); err != nil {
		t.Fatalf("Failed to add older version: %v", err)
	}
	if err := writer.Add(kv.NewPut(row, cf, col, 300, []byte("x"))); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("Adding newer version after older = %v, want ErrOutOfOrder", err)
	}
}

func TestWriterMultiLevelIndex(t *testing.T) {
	opts := DefaultWriterOptions()
	opts.BlockSize = 256
	opts.IndexChunkSize = 256
	path := writeTable(t, opts, 2000)

	reader, err := OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer reader.Close()

	if reader.IndexLevels() < 3 {
		t.Errorf("Expected at least 3 index levels with tiny chunks, got %d", reader.IndexLevels())
	}

	// Every cell must still be reachable through the deeper tree.
	for _, i := range []int{0, 1, 999, 1998, 1999} {
		cell, err := reader.Get([]byte(fmt.Sprintf("row%06d", i)), []byte("cf"), []byte("col"))
		if err != nil {
			t.Errorf("Failed to get row %d: %v", i, err)
			continue
		}
		if got, want := string(cell.Value), fmt.Sprintf("value%06d", i); got != want {
			t.Errorf("Row %d value = %q, want %q", i, got, want)
		}
	}

	iter := reader.NewIterator()
	count := 0
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		t.Fatalf("Iteration failed: %v", err)
	}
	if count != 2000 {
		t.Errorf("Full scan visited %d cells, want 2000", count)
	}
}

func TestWriterTombstones(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tombstones"+FileSuffix)

	writer, err := NewWriter(path)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}

	if err := writer.Add(kv.NewPut([]byte("row1"), []byte("cf"), []byte("col"), 100, []byte("live"))); err != nil {
		t.Fatalf("Failed to add put: %v", err)
	}
	if err := writer.Add(kv.NewDelete([]byte("row2"), []byte("cf"), []byte("col"), 100)); err != nil {
		t.Fatalf("Failed to add delete: %v", err)
	}
	if err := writer.Finish(); err != nil {
		t.Fatalf("Failed to finish table: %v", err)
	}

	reader, err := OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer reader.Close()

	cell, err := reader.Get([]byte("row2"), []byte("cf"), []byte("col"))
	if err != nil {
		t.Fatalf("Failed to get tombstone: %v", err)
	}
	if cell.Type != kv.CellDelete {
		t.Errorf("Tombstone type = %v, want %v", cell.Type, kv.CellDelete)
	}
	if len(cell.Value) != 0 {
		t.Errorf("Tombstone should have no value, got %q", cell.Value)
	}
}

func TestWriterCompressedTable(t *testing.T) {
	codecs := []compress.CodecType{compress.Snappy, compress.Zstd, compress.LZ4}

	for _, codec := range codecs {
		t.Run(codec.String(), func(t *testing.T) {
			opts := DefaultWriterOptions()
			opts.BlockSize = 1024
			opts.Compression = codec
			path := writeTable(t, opts, 500)

			reader, err := OpenReader(path)
			if err != nil {
				t.Fatalf("Failed to open table: %v", err)
			}
			defer reader.Close()

			for _, i := range []int{0, 250, 499} {
				cell, err := reader.Get([]byte(fmt.Sprintf("row%06d", i)), []byte("cf"), []byte("col"))
				if err != nil {
					t.Errorf("Failed to get row %d: %v", i, err)
					continue
				}
				if got, want := string(cell.Value), fmt.Sprintf("value%06d", i); got != want {
					t.Errorf("Row %d value = %q, want %q", i, got, want)
				}
			}
		})
	}
}
