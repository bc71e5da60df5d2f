package snapshotcodec

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"fm2k.dev/rollback/internal/sim/pool"
	"fm2k.dev/rollback/internal/sim/schema"
)

var (
	ErrCaptureOverflow  = errors.New("capture overflow")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrCorrupt          = errors.New("corrupt snapshot")
)

// Entry is one active slot's dynamic fields, concatenated in schema order.
type Entry struct {
	Slot     int
	Type     pool.TypeCode
	Fields   []byte
	Checksum uint32

	FullCapture bool

	// Static is the checksum of the slot's undeclared bytes, present only
	// when the snapshot was taken in diagnostic mode.
	Static    uint32
	HasStatic bool
}

// Snapshot must not be modified after Encode returns it.
type Snapshot struct {
	Frame   uint64
	Entries []Entry

	// Globals holds the declared fields of the globals block in schema order.
	Globals         []byte
	GlobalsChecksum uint32

	Checksum uint32
}

func (s *Snapshot) PayloadBytes() int {
	n := len(s.Globals)
	for i := range s.Entries {
		n += len(s.Entries[i].Fields)
	}
	return n
}

func (s *Snapshot) FullCaptureEntries() int {
	n := 0
	for i := range s.Entries {
		if s.Entries[i].FullCapture {
			n++
		}
	}
	return n
}

// Entry returns the entry for slot, if the slot was active.
func (s *Snapshot) Entry(slot int) (Entry, bool) {
	i := sort.Search(len(s.Entries), func(i int) bool { return s.Entries[i].Slot >= slot })
	if i < len(s.Entries) && s.Entries[i].Slot == slot {
		return s.Entries[i], true
	}
	return Entry{}, false
}

type Options struct {
	// MaxBytes bounds the payload of one snapshot; 0 disables the bound.
	MaxBytes int
	// Diagnostic records and verifies the undeclared bytes of every slot.
	Diagnostic bool
	// Strategy limits capture to some classes. Slots of other classes are
	// neither captured nor touched on decode.
	Strategy schema.Strategy
}

// Stats counts codec work. Times are wall-clock totals.
type Stats struct {
	Encodes      uint64
	Decodes      uint64
	EncodeTime   time.Duration
	DecodeTime   time.Duration
	EncodedBytes uint64
	PeakBytes    int
	Excluded     uint64 // active slots left out by the strategy
}

func (s Stats) AvgEncode() time.Duration {
	if s.Encodes == 0 {
		return 0
	}
	return s.EncodeTime / time.Duration(s.Encodes)
}

func (s Stats) AvgDecode() time.Duration {
	if s.Decodes == 0 {
		return 0
	}
	return s.DecodeTime / time.Duration(s.Decodes)
}

func (s Stats) AvgBytes() uint64 {
	if s.Encodes == 0 {
		return 0
	}
	return s.EncodedBytes / s.Encodes
}

type binding struct {
	tc pool.TypeCode
	s  *schema.TypeSchema
}

// Codec turns pool state into snapshots and back. It caches the schema bound
// to each slot until the lifecycle tracker invalidates it.
type Codec struct {
	reg  *schema.Registry
	opts Options
	log  *zap.Logger

	bindings map[int]binding
	scratch  []byte
	stats    Stats
}

func New(reg *schema.Registry, opts Options, log *zap.Logger) *Codec {
	if log == nil {
		log = zap.NewNop()
	}
	return &Codec{reg: reg, opts: opts, log: log, bindings: map[int]binding{}}
}

func (c *Codec) Options() Options { return c.opts }

func (c *Codec) Stats() Stats { return c.stats }

func (c *Codec) Invalidate(slot int) { delete(c.bindings, slot) }

func (c *Codec) InvalidateAll() { c.bindings = map[int]binding{} }

func (c *Codec) schemaFor(slot int, tc pool.TypeCode) *schema.TypeSchema {
	if b, ok := c.bindings[slot]; ok && b.tc == tc {
		return b.s
	}
	s, _ := c.reg.Lookup(tc)
	c.bindings[slot] = binding{tc: tc, s: s}
	return s
}

// Encode captures the declared fields of every slot in active. Slots whose
// tag reads as inactive are skipped.
func (c *Codec) Encode(frame uint64, v *pool.View, active []int) (Snapshot, error) {
	start := time.Now()
	slots := append([]int(nil), active...)
	sort.Ints(slots)

	snap := Snapshot{Frame: frame, Entries: make([]Entry, 0, len(slots))}
	if g := c.reg.Globals(); g != nil {
		snap.Globals = make([]byte, g.PayloadSize())
		off := 0
		for _, f := range g.Fields {
			if err := v.ReadGlobals(f.Offset, snap.Globals[off:off+f.Width]); err != nil {
				return Snapshot{}, fmt.Errorf("encode frame %d globals: %w", frame, err)
			}
			off += f.Width
		}
		snap.GlobalsChecksum = Fletcher32(snap.Globals)
	}
	inactive := v.InactiveType()
	total := len(snap.Globals)
	for _, slot := range slots {
		tc, err := v.ReadType(slot)
		if err != nil {
			return Snapshot{}, fmt.Errorf("encode frame %d: %w", frame, err)
		}
		if tc == inactive {
			continue
		}
		s := c.schemaFor(slot, tc)
		if !c.opts.Strategy.Captures(s.Class) {
			c.stats.Excluded++
			continue
		}
		e := Entry{Slot: slot, Type: tc, Fields: make([]byte, s.PayloadSize()), FullCapture: s.FullCapture}
		off := 0
		for _, f := range s.Fields {
			if err := v.ReadBytes(slot, f.Offset, e.Fields[off:off+f.Width]); err != nil {
				return Snapshot{}, fmt.Errorf("encode frame %d slot %d: %w", frame, slot, err)
			}
			off += f.Width
		}
		total += len(e.Fields)
		if c.opts.MaxBytes > 0 && total > c.opts.MaxBytes {
			return Snapshot{}, fmt.Errorf("%w: frame %d reached %d bytes at slot %d (limit %d)", ErrCaptureOverflow, frame, total, slot, c.opts.MaxBytes)
		}
		if c.opts.Diagnostic {
			sum, err := c.staticSum(v, slot, s)
			if err != nil {
				return Snapshot{}, fmt.Errorf("encode frame %d slot %d: %w", frame, slot, err)
			}
			e.Static, e.HasStatic = sum, true
		}
		e.Checksum = entryChecksum(&e)
		snap.Entries = append(snap.Entries, e)
	}
	snap.Checksum = combine(&snap)
	c.stats.Encodes++
	c.stats.EncodeTime += time.Since(start)
	c.stats.EncodedBytes += uint64(total)
	if total > c.stats.PeakBytes {
		c.stats.PeakBytes = total
	}
	return snap, nil
}

type Mismatch struct {
	Slot int
	Type pool.TypeCode
	Want uint32
	Got  uint32
}

type DecodeReport struct {
	Entries    int
	Bytes      int
	Cleared    []int
	Skipped    []int
	Mismatches []Mismatch
}

// Decode writes every entry's field bytes back to its slot, restores the
// entry's type tag and the globals block, and clears the tag of slots that
// were not active at capture time. No other byte is written. A snapshot that
// does not fit the pool is rejected before anything is written.
func (c *Codec) Decode(snap *Snapshot, v *pool.View) (DecodeReport, error) {
	var rep DecodeReport
	if err := c.check(snap, v); err != nil {
		return rep, err
	}
	start := time.Now()
	defer func() {
		c.stats.Decodes++
		c.stats.DecodeTime += time.Since(start)
	}()

	if g := c.reg.Globals(); g != nil && len(snap.Globals) > 0 {
		off := 0
		for _, f := range g.Fields {
			if err := v.WriteGlobals(f.Offset, snap.Globals[off:off+f.Width]); err != nil {
				return rep, fmt.Errorf("decode frame %d globals: %w", snap.Frame, err)
			}
			off += f.Width
		}
		rep.Bytes += len(snap.Globals)
	}

	present := make([]bool, v.SlotCount())
	for i := range snap.Entries {
		e := &snap.Entries[i]
		present[e.Slot] = true
		s := c.schemaFor(e.Slot, e.Type)
		if len(e.Fields) != s.PayloadSize() {
			c.log.Error("snapshot entry does not match schema",
				zap.Uint64("frame", snap.Frame),
				zap.Int("slot", e.Slot),
				zap.Uint32("type", uint32(e.Type)),
				zap.Int("have", len(e.Fields)),
				zap.Int("want", s.PayloadSize()))
			rep.Skipped = append(rep.Skipped, e.Slot)
			continue
		}
		if err := v.WriteType(e.Slot, e.Type); err != nil {
			return rep, fmt.Errorf("decode frame %d: %w", snap.Frame, err)
		}
		off := 0
		for _, f := range s.Fields {
			if err := v.WriteBytes(e.Slot, f.Offset, e.Fields[off:off+f.Width]); err != nil {
				return rep, fmt.Errorf("decode frame %d slot %d: %w", snap.Frame, e.Slot, err)
			}
			off += f.Width
		}
		rep.Entries++
		rep.Bytes += len(e.Fields)

		if e.HasStatic {
			got, err := c.staticSum(v, e.Slot, s)
			if err != nil {
				return rep, fmt.Errorf("decode frame %d slot %d: %w", snap.Frame, e.Slot, err)
			}
			if got != e.Static {
				m := Mismatch{Slot: e.Slot, Type: e.Type, Want: e.Static, Got: got}
				rep.Mismatches = append(rep.Mismatches, m)
				c.log.Warn("static bytes drifted since capture",
					zap.Error(ErrChecksumMismatch),
					zap.Uint64("frame", snap.Frame),
					zap.Int("slot", m.Slot),
					zap.Uint32("type", uint32(m.Type)),
					zap.Uint32("want", m.Want),
					zap.Uint32("got", m.Got))
			}
		}
	}

	inactive := v.InactiveType()
	for slot := 0; slot < v.SlotCount(); slot++ {
		if present[slot] {
			continue
		}
		tc, err := v.ReadType(slot)
		if err != nil {
			return rep, fmt.Errorf("decode frame %d: %w", snap.Frame, err)
		}
		if tc == inactive {
			continue
		}
		if c.opts.Strategy != schema.CaptureComplete && !c.opts.Strategy.Captures(c.schemaFor(slot, tc).Class) {
			continue
		}
		if err := v.WriteType(slot, inactive); err != nil {
			return rep, fmt.Errorf("decode frame %d: %w", snap.Frame, err)
		}
		rep.Cleared = append(rep.Cleared, slot)
	}
	return rep, nil
}

// check rejects snapshots that could only be applied in part: slots outside
// the pool, unordered entries or a globals block the pool cannot take.
func (c *Codec) check(snap *Snapshot, v *pool.View) error {
	for i := range snap.Entries {
		slot := snap.Entries[i].Slot
		if slot < 0 || slot >= v.SlotCount() {
			return fmt.Errorf("decode frame %d: %w: slot %d", snap.Frame, pool.ErrInvalidSlot, slot)
		}
		if i > 0 && snap.Entries[i-1].Slot >= slot {
			return fmt.Errorf("decode frame %d: %w: entries not ordered at slot %d", snap.Frame, ErrCorrupt, slot)
		}
	}
	if len(snap.Globals) == 0 {
		return nil
	}
	g := c.reg.Globals()
	if g == nil || len(snap.Globals) != g.PayloadSize() {
		return fmt.Errorf("decode frame %d: %w: globals carry %d bytes, schema declares %d", snap.Frame, ErrCorrupt, len(snap.Globals), payloadOf(g))
	}
	if g.Extent() > v.GlobalsSize() {
		return fmt.Errorf("decode frame %d: %w: globals extent %d, block is %d", snap.Frame, pool.ErrInvalidGlobals, g.Extent(), v.GlobalsSize())
	}
	return nil
}

func payloadOf(s *schema.TypeSchema) int {
	if s == nil {
		return 0
	}
	return s.PayloadSize()
}

// Verify recomputes every checksum of a snapshot that came from outside the
// process (archive, wire).
func Verify(snap *Snapshot) error {
	for i := range snap.Entries {
		e := &snap.Entries[i]
		if i > 0 && snap.Entries[i-1].Slot >= e.Slot {
			return fmt.Errorf("%w: frame %d entries not ordered at slot %d", ErrCorrupt, snap.Frame, e.Slot)
		}
		if got := entryChecksum(e); got != e.Checksum {
			return fmt.Errorf("%w: frame %d slot %d checksum %08x want %08x", ErrCorrupt, snap.Frame, e.Slot, got, e.Checksum)
		}
	}
	if len(snap.Globals) > 0 {
		if got := Fletcher32(snap.Globals); got != snap.GlobalsChecksum {
			return fmt.Errorf("%w: frame %d globals checksum %08x want %08x", ErrCorrupt, snap.Frame, got, snap.GlobalsChecksum)
		}
	}
	if got := combine(snap); got != snap.Checksum {
		return fmt.Errorf("%w: frame %d checksum %08x want %08x", ErrCorrupt, snap.Frame, got, snap.Checksum)
	}
	return nil
}

// staticSum checksums the bytes of a slot that neither the schema nor the
// type tag cover.
func (c *Codec) staticSum(v *pool.View, slot int, s *schema.TypeSchema) (uint32, error) {
	if cap(c.scratch) < v.Stride() {
		c.scratch = make([]byte, v.Stride())
	}
	buf := c.scratch[:v.Stride()]
	if err := v.ReadSlot(slot, buf); err != nil {
		return 0, err
	}
	tagOff := v.Provider().TypeOffset()
	tagEnd := tagOff + v.Provider().TypeWidth()
	mask := make([]bool, len(buf))
	for _, f := range s.Fields {
		for i := f.Offset; i < f.End() && i < len(mask); i++ {
			mask[i] = true
		}
	}
	var f fletcher32
	for i, b := range buf {
		if mask[i] || (i >= tagOff && i < tagEnd) {
			continue
		}
		f.add(b)
	}
	return f.sum(), nil
}
