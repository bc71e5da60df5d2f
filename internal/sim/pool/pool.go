package pool

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TypeCode is the runtime tag stored at a fixed offset of every slot.
type TypeCode uint32

var (
	ErrInvalidSlot    = errors.New("invalid slot")
	ErrInvalidGlobals = errors.New("invalid globals range")
)

// Provider is the host side of the pool: it knows where the slot array lives
// and how to move bytes in and out of it. Implementations must not cache.
type Provider interface {
	SlotCount() int
	Stride() int
	TypeOffset() int
	TypeWidth() int
	InactiveType() TypeCode

	ReadAt(slot, offset int, p []byte) error
	WriteAt(slot, offset int, p []byte) error
}

// GlobalsProvider is implemented by providers that also expose the host's
// global simulation block. Offsets are relative to the start of the block.
type GlobalsProvider interface {
	GlobalsSize() int
	ReadGlobals(offset int, p []byte) error
	WriteGlobals(offset int, p []byte) error
}

// Field is the minimal description the view needs to move a value in or out
// of a slot. schema.FieldDescriptor satisfies it.
type Field interface {
	FieldOffset() int
	FieldWidth() int
	FieldSigned() bool
}

// View is the accessor the rest of the engine uses. It re-reads host memory on
// every call.
type View struct {
	p Provider
}

func NewView(p Provider) *View { return &View{p: p} }

func (v *View) Provider() Provider     { return v.p }
func (v *View) SlotCount() int         { return v.p.SlotCount() }
func (v *View) Stride() int            { return v.p.Stride() }
func (v *View) InactiveType() TypeCode { return v.p.InactiveType() }

func (v *View) checkRange(slot, offset, width int) error {
	if slot < 0 || slot >= v.p.SlotCount() {
		return fmt.Errorf("%w: slot %d out of [0,%d)", ErrInvalidSlot, slot, v.p.SlotCount())
	}
	if offset < 0 || width < 0 || offset+width > v.p.Stride() {
		return fmt.Errorf("%w: slot %d range [%d,%d) exceeds stride %d", ErrInvalidSlot, slot, offset, offset+width, v.p.Stride())
	}
	return nil
}

func (v *View) ReadType(slot int) (TypeCode, error) {
	w := v.p.TypeWidth()
	var buf [4]byte
	if err := v.ReadBytes(slot, v.p.TypeOffset(), buf[:w]); err != nil {
		return 0, err
	}
	return TypeCode(decodeUnsigned(buf[:w])), nil
}

func (v *View) WriteType(slot int, tc TypeCode) error {
	w := v.p.TypeWidth()
	var buf [4]byte
	encodeUnsigned(buf[:w], uint32(tc))
	return v.WriteBytes(slot, v.p.TypeOffset(), buf[:w])
}

func (v *View) IsActive(slot int) (bool, error) {
	tc, err := v.ReadType(slot)
	if err != nil {
		return false, err
	}
	return tc != v.p.InactiveType(), nil
}

// ReadField returns the field value, sign-extended when the field is signed.
func (v *View) ReadField(slot int, f Field) (int64, error) {
	w := f.FieldWidth()
	if w != 1 && w != 2 && w != 4 {
		return 0, fmt.Errorf("read field: unsupported width %d", w)
	}
	var buf [4]byte
	if err := v.ReadBytes(slot, f.FieldOffset(), buf[:w]); err != nil {
		return 0, err
	}
	return extend(decodeUnsigned(buf[:w]), w, f.FieldSigned()), nil
}

func extend(u uint32, width int, signed bool) int64 {
	if !signed {
		return int64(u)
	}
	switch width {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	default:
		return int64(int32(u))
	}
}

// WriteField truncates value to the field width.
func (v *View) WriteField(slot int, f Field, value int64) error {
	w := f.FieldWidth()
	if w != 1 && w != 2 && w != 4 {
		return fmt.Errorf("write field: unsupported width %d", w)
	}
	var buf [4]byte
	encodeUnsigned(buf[:w], uint32(value))
	return v.WriteBytes(slot, f.FieldOffset(), buf[:w])
}

func (v *View) ReadBytes(slot, offset int, p []byte) error {
	if err := v.checkRange(slot, offset, len(p)); err != nil {
		return err
	}
	return v.p.ReadAt(slot, offset, p)
}

func (v *View) WriteBytes(slot, offset int, p []byte) error {
	if err := v.checkRange(slot, offset, len(p)); err != nil {
		return err
	}
	return v.p.WriteAt(slot, offset, p)
}

// ReadSlot copies the whole slot into dst (len must equal the stride).
func (v *View) ReadSlot(slot int, dst []byte) error {
	if len(dst) != v.p.Stride() {
		return fmt.Errorf("read slot: buffer %d != stride %d", len(dst), v.p.Stride())
	}
	return v.ReadBytes(slot, 0, dst)
}

// GlobalsSize is 0 when the provider has no globals block.
func (v *View) GlobalsSize() int {
	if g, ok := v.p.(GlobalsProvider); ok {
		return g.GlobalsSize()
	}
	return 0
}

func (v *View) globals(offset, width int) (GlobalsProvider, error) {
	g, ok := v.p.(GlobalsProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider has no globals block", ErrInvalidGlobals)
	}
	if offset < 0 || width < 0 || offset+width > g.GlobalsSize() {
		return nil, fmt.Errorf("%w: range [%d,%d) exceeds globals size %d", ErrInvalidGlobals, offset, offset+width, g.GlobalsSize())
	}
	return g, nil
}

func (v *View) ReadGlobals(offset int, p []byte) error {
	g, err := v.globals(offset, len(p))
	if err != nil {
		return err
	}
	return g.ReadGlobals(offset, p)
}

func (v *View) WriteGlobals(offset int, p []byte) error {
	g, err := v.globals(offset, len(p))
	if err != nil {
		return err
	}
	return g.WriteGlobals(offset, p)
}

// ReadGlobalField is ReadField over the globals block.
func (v *View) ReadGlobalField(f Field) (int64, error) {
	w := f.FieldWidth()
	if w != 1 && w != 2 && w != 4 {
		return 0, fmt.Errorf("read global: unsupported width %d", w)
	}
	var buf [4]byte
	if err := v.ReadGlobals(f.FieldOffset(), buf[:w]); err != nil {
		return 0, err
	}
	return extend(decodeUnsigned(buf[:w]), w, f.FieldSigned()), nil
}

func (v *View) WriteGlobalField(f Field, value int64) error {
	w := f.FieldWidth()
	if w != 1 && w != 2 && w != 4 {
		return fmt.Errorf("write global: unsupported width %d", w)
	}
	var buf [4]byte
	encodeUnsigned(buf[:w], uint32(value))
	return v.WriteGlobals(f.FieldOffset(), buf[:w])
}

// ActiveSlots returns the indices whose tag differs from the inactive sentinel,
// in ascending order.
func (v *View) ActiveSlots() ([]int, error) {
	var out []int
	inactive := v.p.InactiveType()
	for i := 0; i < v.p.SlotCount(); i++ {
		tc, err := v.ReadType(i)
		if err != nil {
			return nil, err
		}
		if tc != inactive {
			out = append(out, i)
		}
	}
	return out, nil
}

func decodeUnsigned(b []byte) uint32 {
	switch len(b) {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	default:
		return binary.LittleEndian.Uint32(b)
	}
}

func encodeUnsigned(b []byte, v uint32) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	default:
		binary.LittleEndian.PutUint32(b, v)
	}
}
