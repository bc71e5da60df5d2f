package pool

import "fmt"

// Layout describes the slot array the way the host lays it out.
type Layout struct {
	Slots        int
	Stride       int
	TypeOffset   int
	TypeWidth    int
	InactiveType TypeCode

	// GlobalsSize is the byte size of the host's global state block (RNG
	// seed, timers, object list heads); 0 when the host exposes none.
	GlobalsSize int
}

// DefaultLayout mirrors the observed host object pool: 1024 slots of 382
// bytes with a 4-byte tag at offset 0, plus a 128-byte globals block.
func DefaultLayout() Layout {
	return Layout{Slots: 1024, Stride: 382, TypeOffset: 0, TypeWidth: 4, InactiveType: 0, GlobalsSize: 128}
}

func (l Layout) Validate() error {
	if l.Slots <= 0 {
		return fmt.Errorf("slots must be > 0")
	}
	if l.Stride <= 0 {
		return fmt.Errorf("stride must be > 0")
	}
	if l.TypeWidth != 1 && l.TypeWidth != 2 && l.TypeWidth != 4 {
		return fmt.Errorf("type width must be 1, 2 or 4 (got %d)", l.TypeWidth)
	}
	if l.TypeOffset < 0 || l.TypeOffset+l.TypeWidth > l.Stride {
		return fmt.Errorf("type tag [%d,%d) outside stride %d", l.TypeOffset, l.TypeOffset+l.TypeWidth, l.Stride)
	}
	if l.GlobalsSize < 0 {
		return fmt.Errorf("globals size must be >= 0 (got %d)", l.GlobalsSize)
	}
	return nil
}

// Arena is an in-process Provider backed by one contiguous buffer: the slot
// array followed by the globals block.
type Arena struct {
	layout Layout
	mem    []byte
}

func NewArena(l Layout) (*Arena, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &Arena{layout: l, mem: make([]byte, l.Slots*l.Stride+l.GlobalsSize)}, nil
}

func (a *Arena) SlotCount() int         { return a.layout.Slots }
func (a *Arena) Stride() int            { return a.layout.Stride }
func (a *Arena) TypeOffset() int        { return a.layout.TypeOffset }
func (a *Arena) TypeWidth() int         { return a.layout.TypeWidth }
func (a *Arena) InactiveType() TypeCode { return a.layout.InactiveType }
func (a *Arena) Layout() Layout         { return a.layout }

func (a *Arena) ReadAt(slot, offset int, p []byte) error {
	base, err := a.span(slot, offset, len(p))
	if err != nil {
		return err
	}
	copy(p, a.mem[base:base+len(p)])
	return nil
}

func (a *Arena) WriteAt(slot, offset int, p []byte) error {
	base, err := a.span(slot, offset, len(p))
	if err != nil {
		return err
	}
	copy(a.mem[base:base+len(p)], p)
	return nil
}

func (a *Arena) GlobalsSize() int { return a.layout.GlobalsSize }

func (a *Arena) ReadGlobals(offset int, p []byte) error {
	base, err := a.globalsSpan(offset, len(p))
	if err != nil {
		return err
	}
	copy(p, a.mem[base:base+len(p)])
	return nil
}

func (a *Arena) WriteGlobals(offset int, p []byte) error {
	base, err := a.globalsSpan(offset, len(p))
	if err != nil {
		return err
	}
	copy(a.mem[base:base+len(p)], p)
	return nil
}

// Bytes exposes the raw backing memory. Tests and the replay tool use it to
// compare whole pools.
func (a *Arena) Bytes() []byte { return a.mem }

// Clone returns an independent copy of the arena.
func (a *Arena) Clone() *Arena {
	mem := make([]byte, len(a.mem))
	copy(mem, a.mem)
	return &Arena{layout: a.layout, mem: mem}
}

func (a *Arena) span(slot, offset, n int) (int, error) {
	if slot < 0 || slot >= a.layout.Slots {
		return 0, fmt.Errorf("%w: slot %d", ErrInvalidSlot, slot)
	}
	if offset < 0 || offset+n > a.layout.Stride {
		return 0, fmt.Errorf("%w: slot %d offset %d len %d", ErrInvalidSlot, slot, offset, n)
	}
	return slot*a.layout.Stride + offset, nil
}

func (a *Arena) globalsSpan(offset, n int) (int, error) {
	if offset < 0 || offset+n > a.layout.GlobalsSize {
		return 0, fmt.Errorf("%w: offset %d len %d", ErrInvalidGlobals, offset, n)
	}
	return a.layout.Slots*a.layout.Stride + offset, nil
}
