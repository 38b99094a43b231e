// Package kv defines the cell-level data model for column mutations.
package kv

import (
	"bytes"
	"fmt"
)

// CellType identifies the kind of mutation a cell carries.
type CellType uint8

const (
	// CellPut writes a value for a (row, family, qualifier) coordinate
	CellPut CellType = 1
	// CellDelete removes a single version of a coordinate
	CellDelete CellType = 2
	// CellDeleteColumn removes all versions of a coordinate
	CellDeleteColumn CellType = 3
	// CellDeleteFamily removes every column of a family for a row
	CellDeleteFamily CellType = 4
)

// String returns the name of the cell type
func (t CellType) String() string {
	switch t {
	case CellPut:
		return "PUT"
	case CellDelete:
		return "DELETE"
	case CellDeleteColumn:
		return "DELETE_COLUMN"
	case CellDeleteFamily:
		return "DELETE_FAMILY"
	default:
		return fmt.Sprintf("CELL_TYPE(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the defined cell types
func (t CellType) Valid() bool {
	return t >= CellPut && t <= CellDeleteFamily
}

// IsDelete reports whether t is any of the delete variants
func (t CellType) IsDelete() bool {
	return t == CellDelete || t == CellDeleteColumn || t == CellDeleteFamily
}

// Cell is one mutation at a (row, family, qualifier, timestamp) coordinate.
// Byte slices are owned by the cell after construction; callers must not
// mutate them.
type Cell struct {
	Row       []byte
	Family    []byte
	Qualifier []byte
	Timestamp int64
	Type      CellType
	Value     []byte
}

// NewPut returns a put cell for the given coordinate and value
func NewPut(row, family, qualifier []byte, ts int64, value []byte) *Cell {
	return &Cell{
		Row:       row,
		Family:    family,
		Qualifier: qualifier,
		Timestamp: ts,
		Type:      CellPut,
		Value:     value,
	}
}

// NewDelete returns a delete cell for a single version of the coordinate
func NewDelete(row, family, qualifier []byte, ts int64) *Cell {
	return &Cell{
		Row:       row,
		Family:    family,
		Qualifier: qualifier,
		Timestamp: ts,
		Type:      CellDelete,
	}
}

// Size returns the payload byte count of the cell, used for buffer sizing
// and cache charge accounting
func (c *Cell) Size() int {
	return len(c.Row) + len(c.Family) + len(c.Qualifier) + len(c.Value) + cellFixedOverhead
}

// Fixed per-cell cost: timestamp, type, and the four length prefixes the
// codec writes.
const cellFixedOverhead = 8 + 1 + 4*4

// Clone returns a deep copy of the cell
func (c *Cell) Clone() *Cell {
	return &Cell{
		Row:       append([]byte(nil), c.Row...),
		Family:    append([]byte(nil), c.Family...),
		Qualifier: append([]byte(nil), c.Qualifier...),
		Timestamp: c.Timestamp,
		Type:      c.Type,
		Value:     append([]byte(nil), c.Value...),
	}
}

// Equal reports whether two cells have identical coordinates, type, and value
func (c *Cell) Equal(o *Cell) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Type == o.Type &&
		c.Timestamp == o.Timestamp &&
		bytes.Equal(c.Row, o.Row) &&
		bytes.Equal(c.Family, o.Family) &&
		bytes.Equal(c.Qualifier, o.Qualifier) &&
		bytes.Equal(c.Value, o.Value)
}

// Compare orders cells by (row, family, qualifier) ascending, then
// timestamp descending so newer versions sort first, then type.
func Compare(a, b *Cell) int {
	if c := bytes.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	if c := bytes.Compare(a.Family, b.Family); c != 0 {
		return c
	}
	if c := bytes.Compare(a.Qualifier, b.Qualifier); c != 0 {
		return c
	}
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return -1
		}
		return 1
	}
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	return 0
}

// Edit is an ordered set of cell mutations applied as one unit. The order
// cells are added is the order they are serialized and replayed.
type Edit struct {
	cells []*Cell
}

// NewEdit returns an empty edit
func NewEdit() *Edit {
	return &Edit{}
}

// Add appends a cell to the edit and returns the edit for chaining
func (e *Edit) Add(c *Cell) *Edit {
	e.cells = append(e.cells, c)
	return e
}

// Cells returns the cells in insertion order. The returned slice is the
// edit's backing store; callers must not modify it.
func (e *Edit) Cells() []*Cell {
	return e.cells
}

// NumCells returns the number of cells in the edit
func (e *Edit) NumCells() int {
	return len(e.cells)
}

// Empty reports whether the edit carries no cells. An empty edit is legal;
// it still consumes a sequence number when appended.
func (e *Edit) Empty() bool {
	return len(e.cells) == 0
}

// Size returns the summed payload size of all cells
func (e *Edit) Size() int {
	total := 0
	for _, c := range e.cells {
		total += c.Size()
	}
	return total
}

// Equal reports whether two edits hold pairwise-equal cells in the same order
func (e *Edit) Equal(o *Edit) bool {
	if e == nil || o == nil {
		return e == o
	}
	if len(e.cells) != len(o.cells) {
		return false
	}
	for i := range e.cells {
		if !e.cells[i].Equal(o.cells[i]) {
			return false
		}
	}
	return true
}
