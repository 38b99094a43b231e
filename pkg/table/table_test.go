package table

import (
	"errors"
	"testing"

	"github.com/quarrydb/quarry/pkg/codec"
	"github.com/quarrydb/quarry/pkg/kv"
)

func TestBlockHandleRoundTrip(t *testing.T) {
	h := BlockHandle{Offset: 123456789, Size: 4096}

	encoded := EncodeBlockHandle(h)
	if len(encoded) != HandleSize {
		t.Fatalf("Encoded length %d, want %d", len(encoded), HandleSize)
	}

	decoded, err := DecodeBlockHandle(encoded)
	if err != nil {
		t.Fatalf("Failed to decode handle: %v", err)
	}
	if decoded != h {
		t.Errorf("Decoded handle %+v, want %+v", decoded, h)
	}
}

func TestDecodeBlockHandleTooShort(t *testing.T) {
	if _, err := DecodeBlockHandle(make([]byte, HandleSize-1)); !errors.Is(err, ErrCorruption) {
		t.Errorf("DecodeBlockHandle on short input = %v, want ErrCorruption", err)
	}
}

func TestSeekKeyOrdering(t *testing.T) {
	row := []byte("row42")
	cells := []*kv.Cell{
		kv.NewPut(row, []byte("a"), []byte("q"), 100, []byte("v")),
		kv.NewPut(row, []byte("cf"), nil, 500, []byte("v")),
		kv.NewPut(row, []byte("cf"), []byte("col"), 1, []byte("v")),
		kv.NewDelete(row, []byte("zz"), []byte("z"), 999),
	}

	// The row probe sorts at or before every real cell of that row.
	probe := seekKey(row, nil, nil)
	for i, c := range cells {
		if codec.CompareCellKeys(probe, codec.EncodeCellKey(c)) > 0 {
			t.Errorf("Row probe sorts after cell %d", i)
		}
	}

	// And strictly after every cell of any earlier row.
	earlier := codec.EncodeCellKey(kv.NewPut([]byte("row41"), []byte("zz"), []byte("z"), 1, []byte("v")))
	if codec.CompareCellKeys(probe, earlier) <= 0 {
		t.Error("Row probe sorts before an earlier row's cell")
	}

	// A column probe sorts at or before every version of that column.
	colProbe := seekKey(row, []byte("cf"), []byte("col"))
	for _, ts := range []int64{1, 100, 1<<62 - 1} {
		cellKey := codec.EncodeCellKey(kv.NewPut(row, []byte("cf"), []byte("col"), ts, []byte("v")))
		if codec.CompareCellKeys(colProbe, cellKey) > 0 {
			t.Errorf("Column probe sorts after version with timestamp %d", ts)
		}
	}
}

func TestEntryCell(t *testing.T) {
	cell := kv.NewPut([]byte("row"), []byte("cf"), []byte("col"), 42, []byte("value"))

	got, err := entryCell(codec.EncodeCellKey(cell), cell.Value)
	if err != nil {
		t.Fatalf("Failed to decode entry: %v", err)
	}
	if kv.Compare(got, cell) != 0 {
		t.Errorf("Decoded cell key %v, want %v", got, cell)
	}
	if string(got.Value) != "value" {
		t.Errorf("Decoded value %q, want %q", got.Value, "value")
	}

	if _, err := entryCell([]byte{0x01, 0x02}, nil); !errors.Is(err, ErrCorruption) {
		t.Errorf("entryCell on malformed key = %v, want ErrCorruption", err)
	}
}
