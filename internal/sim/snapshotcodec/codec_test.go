package snapshotcodec

import (
	"bytes"
	"errors"
	"testing"

	"fm2k.dev/rollback/internal/sim/pool"
	"fm2k.dev/rollback/internal/sim/schema"
)

var testLayout = pool.Layout{Slots: 8, Stride: 400, TypeOffset: 0, TypeWidth: 4, InactiveType: 0}

const testTable = `
stride: 400
rows:
  - {type_code: 0x04, offset: 8, width: 4, signed: true, label: pos_x}
  - {type_code: 0x04, offset: 12, width: 4, signed: true, label: pos_y}
  - {type_code: 0x04, offset: 44, width: 2, label: anim}
  - {type_code: 0x11, offset: 382, width: 1, label: state}
  - {type_code: 0x11, offset: 386, width: 1, label: counter}
`

type fixture struct {
	arena *pool.Arena
	view  *pool.View
	reg   *schema.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	a, err := pool.NewArena(testLayout)
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	tbl, err := schema.ParseTable([]byte(testTable))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	reg, err := schema.FromTable(tbl, testLayout, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return fixture{arena: a, view: pool.NewView(a), reg: reg}
}

func (f fixture) fill(t *testing.T, slot int, seed byte) {
	t.Helper()
	buf := make([]byte, testLayout.Stride)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
	if err := f.view.WriteBytes(slot, 0, buf); err != nil {
		t.Fatalf("fill: %v", err)
	}
}

func TestEncode_DeclaredFieldsOnly(t *testing.T) {
	f := newFixture(t)
	f.fill(t, 5, 0x30)
	_ = f.view.WriteType(5, 0x11)
	_ = f.view.WriteBytes(5, 382, []byte{0x02})
	_ = f.view.WriteBytes(5, 386, []byte{0x07})

	c := New(f.reg, Options{}, nil)
	snap, err := c.Encode(9, f.view, []int{5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	e, ok := snap.Entry(5)
	if !ok || e.Type != 0x11 || !bytes.Equal(e.Fields, []byte{0x02, 0x07}) {
		t.Fatalf("entry=%+v ok=%v", e, ok)
	}
	if snap.PayloadBytes() != 2 {
		t.Fatalf("payload=%d want 2", snap.PayloadBytes())
	}

	before := append([]byte(nil), f.arena.Bytes()...)
	_ = f.view.WriteBytes(5, 382, []byte{0x09})
	_ = f.view.WriteBytes(5, 386, []byte{0x01})
	_ = f.view.WriteBytes(5, 100, []byte{0xEE})
	if _, err := c.Decode(&snap, f.view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	after := f.arena.Bytes()
	base := 5 * testLayout.Stride
	for i := range after {
		want := before[i]
		if i == base+100 {
			want = 0xEE
		}
		if after[i] != want {
			t.Fatalf("byte %d (slot off %d)=%#x want %#x", i, i-base, after[i], want)
		}
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	f := newFixture(t)
	_ = f.view.WriteType(1, 0x04)
	_ = f.view.WriteField(1, schema.FieldDescriptor{Offset: 8, Width: 4, Signed: true}, -120)
	_ = f.view.WriteField(1, schema.FieldDescriptor{Offset: 12, Width: 4, Signed: true}, 340)
	_ = f.view.WriteType(3, 0x11)

	c := New(f.reg, Options{}, nil)
	snap, err := c.Encode(1, f.view, []int{3, 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := Verify(&snap); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(snap.Entries) != 2 || snap.Entries[0].Slot != 1 || snap.Entries[1].Slot != 3 {
		t.Fatalf("entries not in slot order: %+v", snap.Entries)
	}

	// Mutate declared fields, retag a slot, and spawn a new one.
	_ = f.view.WriteField(1, schema.FieldDescriptor{Offset: 8, Width: 4, Signed: true}, 999)
	_ = f.view.WriteType(3, 0x04)
	_ = f.view.WriteType(6, 0x11)

	rep, err := c.Decode(&snap, f.view)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Entries != 2 || len(rep.Cleared) != 1 || rep.Cleared[0] != 6 {
		t.Fatalf("report=%+v", rep)
	}
	x, _ := f.view.ReadField(1, schema.FieldDescriptor{Offset: 8, Width: 4, Signed: true})
	if x != -120 {
		t.Fatalf("pos_x=%d want -120", x)
	}
	if tc, _ := f.view.ReadType(3); tc != 0x11 {
		t.Fatalf("slot 3 type=%#x want 0x11", tc)
	}
	if active, _ := f.view.ActiveSlots(); len(active) != 2 {
		t.Fatalf("active=%v want [1 3]", active)
	}

	again, err := c.Encode(1, f.view, []int{1, 3})
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if again.Checksum != snap.Checksum {
		t.Fatalf("checksum %08x want %08x", again.Checksum, snap.Checksum)
	}
}

func TestEncode_FullCaptureForUnknownType(t *testing.T) {
	f := newFixture(t)
	f.fill(t, 2, 0x10)
	_ = f.view.WriteType(2, 0x77)

	c := New(f.reg, Options{}, nil)
	snap, err := c.Encode(0, f.view, []int{2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	e := snap.Entries[0]
	if !e.FullCapture || len(e.Fields) != testLayout.Stride {
		t.Fatalf("entry full=%v len=%d", e.FullCapture, len(e.Fields))
	}
	raw := make([]byte, testLayout.Stride)
	_ = f.view.ReadSlot(2, raw)
	if !bytes.Equal(raw, e.Fields) {
		t.Fatalf("full capture is not verbatim")
	}
	if snap.FullCaptureEntries() != 1 {
		t.Fatalf("full capture count=%d", snap.FullCaptureEntries())
	}
}

func TestEncode_Overflow(t *testing.T) {
	f := newFixture(t)
	_ = f.view.WriteType(0, 0x77)
	_ = f.view.WriteType(1, 0x77)

	c := New(f.reg, Options{MaxBytes: 500}, nil)
	if _, err := c.Encode(3, f.view, []int{0, 1}); !errors.Is(err, ErrCaptureOverflow) {
		t.Fatalf("err=%v want ErrCaptureOverflow", err)
	}
	if _, err := c.Encode(3, f.view, []int{0}); err != nil {
		t.Fatalf("single slot within bound: %v", err)
	}
}

func TestDecode_DiagnosticStaticDrift(t *testing.T) {
	f := newFixture(t)
	f.fill(t, 4, 0x01)
	_ = f.view.WriteType(4, 0x04)

	c := New(f.reg, Options{Diagnostic: true}, nil)
	snap, err := c.Encode(2, f.view, []int{4})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !snap.Entries[0].HasStatic {
		t.Fatalf("diagnostic entry lacks static sum")
	}

	// Declared field changes are restored and never reported.
	_ = f.view.WriteBytes(4, 8, []byte{0, 0, 0, 0})
	rep, err := c.Decode(&snap, f.view)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rep.Mismatches) != 0 {
		t.Fatalf("unexpected mismatches %+v", rep.Mismatches)
	}

	_ = f.view.WriteBytes(4, 200, []byte{0xAB})
	rep, err = c.Decode(&snap, f.view)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rep.Mismatches) != 1 || rep.Mismatches[0].Slot != 4 {
		t.Fatalf("mismatches=%+v want slot 4", rep.Mismatches)
	}
}

// reseal recomputes every checksum, as a peer forging state would.
func reseal(snap *Snapshot) {
	for i := range snap.Entries {
		snap.Entries[i].Checksum = entryChecksum(&snap.Entries[i])
	}
	snap.Checksum = combine(snap)
}

func TestDecode_RejectsBeforeWriting(t *testing.T) {
	cases := []struct {
		name  string
		tweak func(*Snapshot)
		want  error
	}{
		{"slot past pool", func(s *Snapshot) {
			s.Entries = append(s.Entries, Entry{Slot: 99, Type: 0x11, Fields: []byte{1, 2}})
		}, pool.ErrInvalidSlot},
		{"negative slot", func(s *Snapshot) {
			s.Entries = append(s.Entries, Entry{Slot: -1, Type: 0x11, Fields: []byte{1, 2}})
		}, pool.ErrInvalidSlot},
		{"unordered", func(s *Snapshot) {
			s.Entries[0], s.Entries[1] = s.Entries[1], s.Entries[0]
		}, ErrCorrupt},
		{"globals without schema", func(s *Snapshot) {
			s.Globals = []byte{1, 2, 3, 4}
			s.GlobalsChecksum = Fletcher32(s.Globals)
		}, ErrCorrupt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.fill(t, 1, 0x05)
			_ = f.view.WriteType(1, 0x11)
			f.fill(t, 2, 0x40)
			_ = f.view.WriteType(2, 0x04)
			c := New(f.reg, Options{}, nil)
			snap, err := c.Encode(3, f.view, []int{1, 2})
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			tc.tweak(&snap)
			reseal(&snap)

			// Move the pool away from the snapshot: new bytes in slot 1, a
			// spawn in slot 4.
			f.fill(t, 1, 0x90)
			_ = f.view.WriteType(1, 0x11)
			_ = f.view.WriteType(4, 0x04)
			before := append([]byte(nil), f.arena.Bytes()...)

			if _, err := c.Decode(&snap, f.view); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
			if !bytes.Equal(before, f.arena.Bytes()) {
				t.Fatalf("rejected decode modified the pool")
			}
		})
	}
}

const globalsTable = testTable + `types:
  - {type_code: 0x11, class: plus}
globals:
  - {offset: 0, width: 4, label: random_seed}
  - {offset: 8, width: 2, label: round_timer}
`

func newGlobalsFixture(t *testing.T) fixture {
	t.Helper()
	layout := testLayout
	layout.GlobalsSize = 16
	a, err := pool.NewArena(layout)
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	tbl, err := schema.ParseTable([]byte(globalsTable))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	reg, err := schema.FromTable(tbl, layout, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return fixture{arena: a, view: pool.NewView(a), reg: reg}
}

func TestEncodeDecode_Globals(t *testing.T) {
	f := newGlobalsFixture(t)
	_ = f.view.WriteGlobals(0, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	_ = f.view.WriteGlobals(8, []byte{0x10, 0x0E})
	_ = f.view.WriteGlobals(12, []byte{0x77}) // undeclared
	c := New(f.reg, Options{}, nil)
	snap, err := c.Encode(7, f.view, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(snap.Globals, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x10, 0x0E}) {
		t.Fatalf("globals=% x", snap.Globals)
	}
	if snap.PayloadBytes() != 6 {
		t.Fatalf("payload=%d want 6", snap.PayloadBytes())
	}
	if err := Verify(&snap); err != nil {
		t.Fatalf("verify: %v", err)
	}

	_ = f.view.WriteGlobals(0, []byte{1, 2, 3, 4})
	_ = f.view.WriteGlobals(12, []byte{0x55})
	changed, err := c.Encode(7, f.view, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if changed.Checksum == snap.Checksum {
		t.Fatalf("globals change did not move the checksum")
	}

	if _, err := c.Decode(&snap, f.view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	buf := make([]byte, 16)
	_ = f.view.ReadGlobals(0, buf)
	if !bytes.Equal(buf[:4], []byte{0xDE, 0xAD, 0xBE, 0xEF}) || buf[12] != 0x55 {
		t.Fatalf("globals after decode=% x", buf)
	}

	snap.Globals[5] ^= 0xFF
	if err := Verify(&snap); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("tampered globals err=%v want ErrCorrupt", err)
	}
}

func TestStrategy_CriticalOnly(t *testing.T) {
	f := newGlobalsFixture(t)
	f.fill(t, 0, 0x10)
	_ = f.view.WriteType(0, 0x04)
	f.fill(t, 1, 0x20)
	_ = f.view.WriteType(1, 0x11)
	c := New(f.reg, Options{Strategy: schema.CaptureCritical}, nil)
	snap, err := c.Encode(1, f.view, []int{0, 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].Slot != 0 {
		t.Fatalf("entries=%+v want slot 0 only", snap.Entries)
	}
	if st := c.Stats(); st.Excluded != 1 || st.Encodes != 1 || st.PeakBytes != snap.PayloadBytes() {
		t.Fatalf("stats=%+v", st)
	}

	// A plus-class spawn and edits to plus slots survive the decode; a
	// critical spawn is undone.
	f.fill(t, 1, 0x60)
	_ = f.view.WriteType(1, 0x11)
	_ = f.view.WriteType(2, 0x11)
	_ = f.view.WriteType(3, 0x04)
	slot1 := make([]byte, testLayout.Stride)
	_ = f.view.ReadSlot(1, slot1)
	rep, err := c.Decode(&snap, f.view)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rep.Cleared) != 1 || rep.Cleared[0] != 3 {
		t.Fatalf("cleared=%v want [3]", rep.Cleared)
	}
	if tc, _ := f.view.ReadType(2); tc != 0x11 {
		t.Fatalf("plus slot 2 type=%#x want 0x11", tc)
	}
	after := make([]byte, testLayout.Stride)
	_ = f.view.ReadSlot(1, after)
	if !bytes.Equal(slot1, after) {
		t.Fatalf("excluded slot 1 was written")
	}
	if st := c.Stats(); st.Decodes != 1 {
		t.Fatalf("decodes=%d want 1", st.Decodes)
	}
}

func TestVerify_DetectsTamper(t *testing.T) {
	f := newFixture(t)
	_ = f.view.WriteType(0, 0x04)
	c := New(f.reg, Options{}, nil)
	snap, err := c.Encode(4, f.view, []int{0})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	snap.Entries[0].Fields[0] ^= 0xFF
	if err := Verify(&snap); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err=%v want ErrCorrupt", err)
	}
}

func TestCodec_InvalidateRebinds(t *testing.T) {
	f := newFixture(t)
	_ = f.view.WriteType(0, 0x04)
	c := New(f.reg, Options{}, nil)
	if _, err := c.Encode(0, f.view, []int{0}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	_ = f.view.WriteType(0, 0x11)
	c.Invalidate(0)
	snap, err := c.Encode(1, f.view, []int{0})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(snap.Entries[0].Fields) != 2 {
		t.Fatalf("slot bound to stale schema: %d bytes", len(snap.Entries[0].Fields))
	}
}

func TestFletcher32(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"", 0},
		{"abcde", 0xF04FC729},
		{"abcdef", 0x56502D2A},
		{"abcdefgh", 0xEBE19591},
	}
	for _, c := range cases {
		if got := Fletcher32([]byte(c.in)); got != c.want {
			t.Fatalf("Fletcher32(%q)=%08x want %08x", c.in, got, c.want)
		}
	}
}
