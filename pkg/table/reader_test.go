package table

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/quarrydb/quarry/pkg/kv"
)

func TestReaderGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "get"+FileSuffix)

	writer, err := NewWriter(path)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}

	// Two columns on row1, the first with two versions.
	cells := []*kv.Cell{
		kv.NewPut([]byte("row1"), []byte("cf"), []byte("a"), 200, []byte("a-new")),
		kv.NewPut([]byte("row1"), []byte("cf"), []byte("a"), 100, []byte("a-old")),
		kv.NewPut([]byte("row1"), []byte("cf"), []byte("b"), 100, []byte("b-val")),
		kv.NewPut([]byte("row2"), []byte("cf"), []byte("a"), 100, []byte("r2-val")),
	}
	for _, c := range cells {
		if err := writer.Add(c); err != nil {
			t.Fatalf("Failed to add cell: %v", err)
		}
	}
	if err := writer.Finish(); err != nil {
		t.Fatalf("Failed to finish table: %v", err)
	}

	reader, err := OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer reader.Close()

	// Get returns the newest version of the column.
	cell, err := reader.Get([]byte("row1"), []byte("cf"), []byte("a"))
	if err != nil {
		t.Fatalf("Failed to get row1/cf:a: %v", err)
	}
	if string(cell.Value) != "a-new" {
		t.Errorf("Got value %q, want %q", cell.Value, "a-new")
	}
	if cell.Timestamp != 200 {
		t.Errorf("Got timestamp %d, want 200", cell.Timestamp)
	}

	cell, err = reader.Get([]byte("row1"), []byte("cf"), []byte("b"))
	if err != nil {
		t.Fatalf("Failed to get row1/cf:b: %v", err)
	}
	if string(cell.Value) != "b-val" {
		t.Errorf("Got value %q, want %q", cell.Value, "b-val")
	}

	// Missing row, missing qualifier, and missing family all miss.
	if _, err := reader.Get([]byte("row9"), []byte("cf"), []byte("a")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing row = %v, want ErrNotFound", err)
	}
	if _, err := reader.Get([]byte("row1"), []byte("cf"), []byte("z")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing qualifier = %v, want ErrNotFound", err)
	}
	if _, err := reader.Get([]byte("row1"), []byte("cx"), []byte("a")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing family = %v, want ErrNotFound", err)
	}
}

func TestReaderGetRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "getrow"+FileSuffix)

	writer, err := NewWriter(path)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}

	cells := []*kv.Cell{
		kv.NewPut([]byte("row1"), []byte("cf"), []byte("a"), 200, []byte("a2")),
		kv.NewPut([]byte("row1"), []byte("cf"), []byte("a"), 100, []byte("a1")),
		kv.NewPut([]byte("row1"), []byte("cf"), []byte("b"), 100, []byte("b1")),
		kv.NewPut([]byte("row2"), []byte("cf"), []byte("a"), 100, []byte("other")),
	}
	for _, c := range cells {
		if err := writer.Add(c); err != nil {
			t.Fatalf("Failed to add cell: %v", err)
		}
	}
	if err := writer.Finish(); err != nil {
		t.Fatalf("Failed to finish table: %v", err)
	}

	reader, err := OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer reader.Close()

	got, err := reader.GetRow([]byte("row1"))
	if err != nil {
		t.Fatalf("Failed to get row1: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("GetRow returned %d cells, want 3", len(got))
	}

	// Cells come back qualifier-ascending, newest version first.
	wantValues := []string{"a2", "a1", "b1"}
	for i, c := range got {
		if string(c.Row) != "row1" {
			t.Errorf("Cell %d row = %q, want row1", i, c.Row)
		}
		if string(c.Value) != wantValues[i] {
			t.Errorf("Cell %d value = %q, want %q", i, c.Value, wantValues[i])
		}
	}

	if _, err := reader.GetRow([]byte("row0")); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRow missing row = %v, want ErrNotFound", err)
	}
	if _, err := reader.GetRow([]byte("row3")); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRow past last row = %v, want ErrNotFound", err)
	}
}

func TestReaderRowSpanningBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wide"+FileSuffix)

	opts := DefaultWriterOptions()
	opts.BlockSize = 256
	writer, err := NewWriterWithOptions(path, opts)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}

	// A single wide row that cannot fit in one 256-byte block.
	const numCols = 200
	for i := 0; i < numCols; i++ {
		col := []byte(fmt.Sprintf("col%04d", i))
		if err := writer.Add(kv.NewPut([]byte("wide"), []byte("cf"), col, 100, []byte(fmt.Sprintf("v%04d", i)))); err != nil {
			t.Fatalf("Failed to add column %d: %v", i, err)
		}
	}
	if err := writer.Add(kv.NewPut([]byte("zzz"), []byte("cf"), []byte("col"), 100, []byte("tail"))); err != nil {
		t.Fatalf("Failed to add trailing row: %v", err)
	}
	if err := writer.Finish(); err != nil {
		t.Fatalf("Failed to finish table: %v", err)
	}

	reader, err := OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer reader.Close()

	if reader.NumDataBlocks() < 2 {
		t.Fatalf("Wide row should span multiple blocks, got %d", reader.NumDataBlocks())
	}

	cells, err := reader.GetRow([]byte("wide"))
	if err != nil {
		t.Fatalf("Failed to get wide row: %v", err)
	}
	if len(cells) != numCols {
		t.Errorf("GetRow returned %d cells, want %d", len(cells), numCols)
	}

	// A column that lives deep in a later block is still addressable.
	cell, err := reader.Get([]byte("wide"), []byte("cf"), []byte(fmt.Sprintf("col%04d", numCols-1)))
	if err != nil {
		t.Fatalf("Failed to get last column: %v", err)
	}
	if got, want := string(cell.Value), fmt.Sprintf("v%04d", numCols-1); got != want {
		t.Errorf("Last column value = %q, want %q", got, want)
	}
}

func TestReaderMayContainRow(t *testing.T) {
	opts := DefaultWriterOptions()
	opts.BlockSize = 1024
	path := writeTable(t, opts, 1000)

	reader, err := OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer reader.Close()

	if !reader.HasBloomFilter() {
		t.Fatal("Expected table to carry bloom chunks")
	}

	// Present rows must never be reported absent.
	for i := 0; i < 1000; i += 37 {
		row := []byte(fmt.Sprintf("row%06d", i))
		ok, err := reader.MayContainRow(row)
		if err != nil {
			t.Fatalf("MayContainRow(%s) failed: %v", row, err)
		}
		if !ok {
			t.Errorf("False negative for present row %s", row)
		}
	}

	// A row sorting before the whole file is definitively absent.
	ok, err := reader.MayContainRow([]byte("aaa"))
	if err != nil {
		t.Fatalf("MayContainRow failed: %v", err)
	}
	if ok {
		t.Error("Row before first key should be reported absent")
	}

	// Absent rows inside the key range mostly miss the filter.
	falsePositives := 0
	for i := 0; i < 500; i++ {
		ok, err := reader.MayContainRow([]byte(fmt.Sprintf("row%06d-x", i)))
		if err != nil {
			t.Fatalf("MayContainRow failed: %v", err)
		}
		if ok {
			falsePositives++
		}
	}
	if falsePositives > 25 {
		t.Errorf("False positive rate too high: %d of 500", falsePositives)
	}
}

func TestReaderWithoutBloomFilter(t *testing.T) {
	opts := DefaultWriterOptions()
	opts.EnableBloomFilter = false
	path := writeTable(t, opts, 100)

	reader, err := OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer reader.Close()

	if reader.HasBloomFilter() {
		t.Error("Bloom filter should be disabled")
	}

	// Without a filter every row may be present.
	ok, err := reader.MayContainRow([]byte("no-such-row"))
	if err != nil {
		t.Fatalf("MayContainRow failed: %v", err)
	}
	if !ok {
		t.Error("MayContainRow without a filter must return true")
	}

	// Gets still work, they just pay the index walk.
	if _, err := reader.Get([]byte("row000042"), []byte("cf"), []byte("col")); err != nil {
		t.Errorf("Failed to get present row: %v", err)
	}
	if _, err := reader.Get([]byte("no-such-row"), []byte("cf"), []byte("col")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get absent row = %v, want ErrNotFound", err)
	}
}

func TestReaderAfterClose(t *testing.T) {
	path := writeTable(t, DefaultWriterOptions(), 10)

	reader, err := OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("Failed to close reader: %v", err)
	}

	if _, err := reader.Get([]byte("row000001"), []byte("cf"), []byte("col")); err == nil {
		t.Error("Get after Close should fail")
	}
	if err := reader.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

func TestOpenReaderRejectsCorruptFile(t *testing.T) {
	tempDir := t.TempDir()

	t.Run("TooSmall", func(t *testing.T) {
		path := filepath.Join(tempDir, "tiny"+FileSuffix)
		if err := os.WriteFile(path, []byte("short"), 0644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
		if _, err := OpenReader(path); !errors.Is(err, ErrCorruption) {
			t.Errorf("OpenReader on tiny file = %v, want ErrCorruption", err)
		}
	})

	t.Run("BadTrailer", func(t *testing.T) {
		path := writeTable(t, DefaultWriterOptions(), 10)

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Failed to read file: %v", err)
		}
		// Flip a byte inside the trailer magic.
		data[len(data)-TrailerSize] ^= 0xFF
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatalf("Failed to rewrite file: %v", err)
		}

		if _, err := OpenReader(path); !errors.Is(err, ErrCorruption) {
			t.Errorf("OpenReader with corrupt trailer = %v, want ErrCorruption", err)
		}
	})
}
