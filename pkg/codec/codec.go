// Package codec implements the binary wire format for cells, edits, and
// typed mutations. The WAL and the table writer both rely on it; the
// encoding is lossless and carries no compression of its own.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/quarrydb/quarry/pkg/kv"
)

var (
	// ErrInvalidFormat indicates a malformed or truncated payload
	ErrInvalidFormat = errors.New("invalid payload format")

	// ErrBufferTooSmall indicates the provided buffer cannot hold the encoding
	ErrBufferTooSmall = errors.New("buffer too small")
)

const (
	// Cell encoding: type(1) + timestamp(8) + rowlen(4) + famlen(4) +
	// quallen(4) + vallen(4), followed by the four byte sections.
	cellFixedSize = 25

	// Edit encoding: cell count prefix.
	editHeaderSize = 4
)

// EncodedCellSize returns the exact byte length EncodeCell produces for c
func EncodedCellSize(c *kv.Cell) int {
	return cellFixedSize + len(c.Row) + len(c.Family) + len(c.Qualifier) + len(c.Value)
}

// EncodeCell converts a cell to its wire representation
func EncodeCell(c *kv.Cell) []byte {
	buf := make([]byte, EncodedCellSize(c))
	n, err := EncodeCellTo(c, buf)
	if err != nil || n != len(buf) {
		// Only reachable if EncodedCellSize disagrees with EncodeCellTo.
		panic("codec: cell size accounting mismatch")
	}
	return buf
}

// EncodeCellTo encodes a cell into buf and returns the number of bytes
// written, or ErrBufferTooSmall
func EncodeCellTo(c *kv.Cell, buf []byte) (int, error) {
	total := EncodedCellSize(c)
	if len(buf) < total {
		return 0, ErrBufferTooSmall
	}

	buf[0] = byte(c.Type)
	offset := 1

	binary.LittleEndian.PutUint64(buf[offset:offset+8], uint64(c.Timestamp))
	offset += 8

	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(len(c.Row)))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(len(c.Family)))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(len(c.Qualifier)))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(len(c.Value)))
	offset += 4

	copy(buf[offset:], c.Row)
	offset += len(c.Row)
	copy(buf[offset:], c.Family)
	offset += len(c.Family)
	copy(buf[offset:], c.Qualifier)
	offset += len(c.Qualifier)
	copy(buf[offset:], c.Value)
	offset += len(c.Value)

	return offset, nil
}

// DecodeCell parses one cell from the start of data and returns it with the
// number of bytes consumed
func DecodeCell(data []byte) (*kv.Cell, int, error) {
	if len(data) < cellFixedSize {
		return nil, 0, ErrInvalidFormat
	}

	typ := kv.CellType(data[0])
	if !typ.Valid() {
		return nil, 0, ErrInvalidFormat
	}
	offset := 1

	ts := int64(binary.LittleEndian.Uint64(data[offset : offset+8]))
	offset += 8

	rowLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4
	famLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4
	qualLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4
	valLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4

	total := offset + rowLen + famLen + qualLen + valLen
	if total > len(data) {
		return nil, 0, ErrInvalidFormat
	}

	cell := &kv.Cell{
		Timestamp: ts,
		Type:      typ,
	}
	cell.Row = append([]byte(nil), data[offset:offset+rowLen]...)
	offset += rowLen
	cell.Family = append([]byte(nil), data[offset:offset+famLen]...)
	offset += famLen
	cell.Qualifier = append([]byte(nil), data[offset:offset+qualLen]...)
	offset += qualLen
	if valLen > 0 {
		cell.Value = append([]byte(nil), data[offset:offset+valLen]...)
		offset += valLen
	}

	return cell, offset, nil
}

// EncodedEditSize returns the exact byte length EncodeEdit produces for e
func EncodedEditSize(e *kv.Edit) int {
	size := editHeaderSize
	for _, c := range e.Cells() {
		size += EncodedCellSize(c)
	}
	return size
}

// EncodeEdit converts an edit to its wire representation: a cell count
// followed by each cell in insertion order
func EncodeEdit(e *kv.Edit) []byte {
	buf := make([]byte, EncodedEditSize(e))

	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.NumCells()))
	offset := editHeaderSize

	for _, c := range e.Cells() {
		n, err := EncodeCellTo(c, buf[offset:])
		if err != nil {
			panic("codec: edit size accounting mismatch")
		}
		offset += n
	}

	return buf
}

// DecodeEdit parses an edit produced by EncodeEdit. The whole input must be
// consumed; trailing bytes are treated as corruption.
func DecodeEdit(data []byte) (*kv.Edit, error) {
	if len(data) < editHeaderSize {
		return nil, ErrInvalidFormat
	}

	count := binary.LittleEndian.Uint32(data[0:4])
	offset := editHeaderSize

	edit := kv.NewEdit()
	for i := uint32(0); i < count; i++ {
		cell, n, err := DecodeCell(data[offset:])
		if err != nil {
			return nil, err
		}
		edit.Add(cell)
		offset += n
	}

	if offset != len(data) {
		return nil, ErrInvalidFormat
	}

	return edit, nil
}

// EncodeCellKey returns the coordinate portion of a cell, used as the sort
// key inside table blocks: rowlen(2) + row + famlen(1) + family + qualifier
// + timestamp(8) + type(1).
func EncodeCellKey(c *kv.Cell) []byte {
	key := make([]byte, 2+len(c.Row)+1+len(c.Family)+len(c.Qualifier)+9)

	binary.BigEndian.PutUint16(key[0:2], uint16(len(c.Row)))
	offset := 2
	copy(key[offset:], c.Row)
	offset += len(c.Row)

	key[offset] = byte(len(c.Family))
	offset++
	copy(key[offset:], c.Family)
	offset += len(c.Family)

	copy(key[offset:], c.Qualifier)
	offset += len(c.Qualifier)

	binary.BigEndian.PutUint64(key[offset:offset+8], uint64(c.Timestamp))
	offset += 8
	key[offset] = byte(c.Type)

	return key
}

// CellKeyRow extracts the row bytes from an encoded cell key
func CellKeyRow(key []byte) ([]byte, error) {
	if len(key) < 2 {
		return nil, ErrInvalidFormat
	}
	rowLen := int(binary.BigEndian.Uint16(key[0:2]))
	if 2+rowLen > len(key) {
		return nil, ErrInvalidFormat
	}
	return key[2 : 2+rowLen], nil
}

// DecodeCellKey parses an encoded cell key back into a cell with no value
func DecodeCellKey(key []byte) (*kv.Cell, error) {
	if len(key) < 2+1+9 {
		return nil, ErrInvalidFormat
	}

	rowLen := int(binary.BigEndian.Uint16(key[0:2]))
	offset := 2
	if offset+rowLen+1 > len(key) {
		return nil, ErrInvalidFormat
	}
	row := append([]byte(nil), key[offset:offset+rowLen]...)
	offset += rowLen

	famLen := int(key[offset])
	offset++
	if offset+famLen+9 > len(key) {
		return nil, ErrInvalidFormat
	}
	family := append([]byte(nil), key[offset:offset+famLen]...)
	offset += famLen

	qualLen := len(key) - offset - 9
	qualifier := append([]byte(nil), key[offset:offset+qualLen]...)
	offset += qualLen

	ts := int64(binary.BigEndian.Uint64(key[offset : offset+8]))
	offset += 8
	typ := kv.CellType(key[offset])
	if !typ.Valid() {
		return nil, ErrInvalidFormat
	}

	return &kv.Cell{
		Row:       row,
		Family:    family,
		Qualifier: qualifier,
		Timestamp: ts,
		Type:      typ,
	}, nil
}

// CompareCellKeys orders two encoded cell keys the same way kv.Compare
// orders the cells they came from: row, family, and qualifier ascending,
// timestamp descending, type ascending. The length prefixes and the
// descending timestamp make the encoding unsuitable for raw byte
// comparison, so the fields are located and compared in place. Keys that
// do not parse fall back to byte order so the result is still a total
// order.
func CompareCellKeys(a, b []byte) int {
	ar, af, aq, at, atyp, ok := splitCellKey(a)
	if !ok {
		return bytes.Compare(a, b)
	}
	br, bf, bq, bt, btyp, ok := splitCellKey(b)
	if !ok {
		return bytes.Compare(a, b)
	}

	if c := bytes.Compare(ar, br); c != 0 {
		return c
	}
	if c := bytes.Compare(af, bf); c != 0 {
		return c
	}
	if c := bytes.Compare(aq, bq); c != 0 {
		return c
	}
	if at != bt {
		if at > bt {
			return -1
		}
		return 1
	}
	if atyp != btyp {
		if atyp < btyp {
			return -1
		}
		return 1
	}
	return 0
}

// splitCellKey locates the field boundaries of an encoded cell key without
// copying. ok is false when the key is truncated or the lengths disagree
// with the total size.
func splitCellKey(key []byte) (row, family, qualifier []byte, ts int64, typ uint8, ok bool) {
	if len(key) < 2+1+9 {
		return nil, nil, nil, 0, 0, false
	}

	rowLen := int(binary.BigEndian.Uint16(key[0:2]))
	offset := 2
	if offset+rowLen+1+9 > len(key) {
		return nil, nil, nil, 0, 0, false
	}
	row = key[offset : offset+rowLen]
	offset += rowLen

	famLen := int(key[offset])
	offset++
	if offset+famLen+9 > len(key) {
		return nil, nil, nil, 0, 0, false
	}
	family = key[offset : offset+famLen]
	offset += famLen

	qualifier = key[offset : len(key)-9]
	ts = int64(binary.BigEndian.Uint64(key[len(key)-9 : len(key)-1]))
	typ = key[len(key)-1]
	return row, family, qualifier, ts, typ, true
}
