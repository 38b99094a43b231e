package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/quarrydb/quarry/pkg/kv"
)

// ErrUnknownMutation indicates a wire discriminator with no registered decoder
var ErrUnknownMutation = errors.New("unknown mutation kind")

// MutationKind is the wire discriminator for mutation payloads.
type MutationKind uint8

const (
	// KindPut writes one or more column values for a row
	KindPut MutationKind = 1
	// KindDelete removes column values or whole families for a row
	KindDelete MutationKind = 2
	// KindAppend and KindIncrement are reserved discriminators; no decoder
	// is registered for them here.
	KindAppend    MutationKind = 3
	KindIncrement MutationKind = 4
)

// String returns the name of the mutation kind
func (k MutationKind) String() string {
	switch k {
	case KindPut:
		return "PUT"
	case KindDelete:
		return "DELETE"
	case KindAppend:
		return "APPEND"
	case KindIncrement:
		return "INCREMENT"
	default:
		return fmt.Sprintf("MUTATION(%d)", uint8(k))
	}
}

// TypeMismatchError is returned when a typed accessor meets a mutation of a
// different kind. It is never coerced silently.
type TypeMismatchError struct {
	Want MutationKind
	Got  MutationKind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("mutation type mismatch: want %s, got %s", e.Want, e.Got)
}

// Mutation is a row-scoped group of cell changes decoded from the wire.
type Mutation interface {
	// Kind returns the wire discriminator
	Kind() MutationKind
	// Row returns the row all cells of the mutation belong to
	Row() []byte
	// Edit returns the cells as an appendable edit
	Edit() *kv.Edit
	// Encode returns the wire representation
	Encode() []byte
}

// MutationDecoder builds a typed mutation from a decoded row and edit.
type MutationDecoder func(row []byte, edit *kv.Edit) (Mutation, error)

var (
	decoderMu sync.RWMutex
	decoders  = make(map[MutationKind]MutationDecoder)
)

// RegisterMutationDecoder installs the decoder for a mutation kind. The
// built-in kinds are registered at package init; callers extending the wire
// format register theirs before any decoding happens.
func RegisterMutationDecoder(kind MutationKind, dec MutationDecoder) {
	decoderMu.Lock()
	defer decoderMu.Unlock()
	decoders[kind] = dec
}

func lookupDecoder(kind MutationKind) (MutationDecoder, bool) {
	decoderMu.RLock()
	defer decoderMu.RUnlock()
	dec, ok := decoders[kind]
	return dec, ok
}

func init() {
	RegisterMutationDecoder(KindPut, func(row []byte, edit *kv.Edit) (Mutation, error) {
		return &Put{row: row, edit: edit}, nil
	})
	RegisterMutationDecoder(KindDelete, func(row []byte, edit *kv.Edit) (Mutation, error) {
		return &Delete{row: row, edit: edit}, nil
	})
}

// DecodeMutation parses a mutation payload: kind(1) + rowlen(4) + row +
// encoded edit. The decoder registered for the kind builds the typed value;
// an unregistered kind fails with ErrUnknownMutation.
func DecodeMutation(data []byte) (Mutation, error) {
	if len(data) < 5 {
		return nil, ErrInvalidFormat
	}

	kind := MutationKind(data[0])
	rowLen := int(binary.LittleEndian.Uint32(data[1:5]))
	offset := 5
	if offset+rowLen > len(data) {
		return nil, ErrInvalidFormat
	}
	row := append([]byte(nil), data[offset:offset+rowLen]...)
	offset += rowLen

	edit, err := DecodeEdit(data[offset:])
	if err != nil {
		return nil, err
	}

	dec, ok := lookupDecoder(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMutation, kind)
	}
	return dec(row, edit)
}

func encodeMutation(kind MutationKind, row []byte, edit *kv.Edit) []byte {
	editBytes := EncodeEdit(edit)
	buf := make([]byte, 5+len(row)+len(editBytes))
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(row)))
	copy(buf[5:], row)
	copy(buf[5+len(row):], editBytes)
	return buf
}

// Put is a row-scoped set of column writes.
type Put struct {
	row  []byte
	edit *kv.Edit
}

// NewPut starts a put for the given row
func NewPut(row []byte) *Put {
	return &Put{row: row, edit: kv.NewEdit()}
}

// AddColumn adds one column write at the given timestamp
func (p *Put) AddColumn(family, qualifier []byte, ts int64, value []byte) *Put {
	p.edit.Add(kv.NewPut(p.row, family, qualifier, ts, value))
	return p
}

// Kind returns KindPut
func (p *Put) Kind() MutationKind { return KindPut }

// Row returns the row the put targets
func (p *Put) Row() []byte { return p.row }

// Edit returns the accumulated cells
func (p *Put) Edit() *kv.Edit { return p.edit }

// Encode returns the wire representation of the put
func (p *Put) Encode() []byte {
	return encodeMutation(KindPut, p.row, p.edit)
}

// Delete is a row-scoped set of column or family removals.
type Delete struct {
	row  []byte
	edit *kv.Edit
}

// NewDelete starts a delete for the given row
func NewDelete(row []byte) *Delete {
	return &Delete{row: row, edit: kv.NewEdit()}
}

// AddColumn removes a single version of a column
func (d *Delete) AddColumn(family, qualifier []byte, ts int64) *Delete {
	d.edit.Add(kv.NewDelete(d.row, family, qualifier, ts))
	return d
}

// AddColumns removes all versions of a column
func (d *Delete) AddColumns(family, qualifier []byte, ts int64) *Delete {
	d.edit.Add(&kv.Cell{
		Row:       d.row,
		Family:    family,
		Qualifier: qualifier,
		Timestamp: ts,
		Type:      kv.CellDeleteColumn,
	})
	return d
}

// AddFamily removes every column of a family for the row
func (d *Delete) AddFamily(family []byte, ts int64) *Delete {
	d.edit.Add(&kv.Cell{
		Row:       d.row,
		Family:    family,
		Timestamp: ts,
		Type:      kv.CellDeleteFamily,
	})
	return d
}

// Kind returns KindDelete
func (d *Delete) Kind() MutationKind { return KindDelete }

// Row returns the row the delete targets
func (d *Delete) Row() []byte { return d.row }

// Edit returns the accumulated cells
func (d *Delete) Edit() *kv.Edit { return d.edit }

// Encode returns the wire representation of the delete
func (d *Delete) Encode() []byte {
	return encodeMutation(KindDelete, d.row, d.edit)
}

// AsPut returns m as a *Put, or a TypeMismatchError when m is a different
// kind of mutation
func AsPut(m Mutation) (*Put, error) {
	p, ok := m.(*Put)
	if !ok {
		return nil, &TypeMismatchError{Want: KindPut, Got: m.Kind()}
	}
	return p, nil
}

// AsDelete returns m as a *Delete, or a TypeMismatchError when m is a
// different kind of mutation
func AsDelete(m Mutation) (*Delete, error) {
	d, ok := m.(*Delete)
	if !ok {
		return nil, &TypeMismatchError{Want: KindDelete, Got: m.Kind()}
	}
	return d, nil
}
