package ring

import (
	"errors"
	"testing"

	"fm2k.dev/rollback/internal/sim/snapshotcodec"
)

func snap(frame uint64) snapshotcodec.Snapshot {
	return snapshotcodec.Snapshot{Frame: frame, Checksum: uint32(frame) * 7}
}

func TestBuffer_EvictsOldest(t *testing.T) {
	b := New(8)
	for f := uint64(0); f <= 8; f++ {
		if err := b.Push(snap(f)); err != nil {
			t.Fatalf("push %d: %v", f, err)
		}
	}
	if b.Len() != 8 || b.Cap() != 8 {
		t.Fatalf("len=%d cap=%d", b.Len(), b.Cap())
	}
	if _, err := b.Get(0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("frame 0 should be evicted, err=%v", err)
	}
	for f := uint64(1); f <= 8; f++ {
		s, err := b.Get(f)
		if err != nil || s.Frame != f {
			t.Fatalf("get %d: %+v %v", f, s, err)
		}
	}
	if o, _ := b.Oldest(); o.Frame != 1 {
		t.Fatalf("oldest=%d want 1", o.Frame)
	}
	if n, _ := b.Newest(); n.Frame != 8 {
		t.Fatalf("newest=%d want 8", n.Frame)
	}
}

func TestBuffer_NewestAtOrBefore(t *testing.T) {
	b := New(4)
	for _, f := range []uint64{10, 12, 15} {
		_ = b.Push(snap(f))
	}
	cases := []struct {
		frame uint64
		want  uint64
		miss  bool
	}{
		{frame: 9, miss: true},
		{frame: 10, want: 10},
		{frame: 11, want: 10},
		{frame: 14, want: 12},
		{frame: 15, want: 15},
		{frame: 99, want: 15},
	}
	for _, c := range cases {
		s, err := b.NewestAtOrBefore(c.frame)
		if c.miss {
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("frame %d: err=%v want ErrNotFound", c.frame, err)
			}
			continue
		}
		if err != nil || s.Frame != c.want {
			t.Fatalf("frame %d: got %d err=%v want %d", c.frame, s.Frame, err, c.want)
		}
	}
}

func TestBuffer_PushMustAdvance(t *testing.T) {
	b := New(4)
	_ = b.Push(snap(5))
	if err := b.Push(snap(5)); !errors.Is(err, ErrNotMonotone) {
		t.Fatalf("err=%v want ErrNotMonotone", err)
	}
	if err := b.Push(snap(3)); !errors.Is(err, ErrNotMonotone) {
		t.Fatalf("err=%v want ErrNotMonotone", err)
	}
}

func TestBuffer_ReplaceAndPut(t *testing.T) {
	b := New(3)
	for f := uint64(0); f < 5; f++ {
		_ = b.Push(snap(f))
	}
	repl := snapshotcodec.Snapshot{Frame: 3, Checksum: 0xDEAD}
	if err := b.Replace(repl); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if s, _ := b.Get(3); s.Checksum != 0xDEAD {
		t.Fatalf("checksum=%x", s.Checksum)
	}
	if err := b.Replace(snap(0)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("replace evicted frame: err=%v", err)
	}
	if err := b.Put(snap(5)); err != nil {
		t.Fatalf("put new: %v", err)
	}
	if got := b.Frames(); len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("frames=%v want [3 4 5]", got)
	}
}

func TestBuffer_Reset(t *testing.T) {
	b := New(2)
	_ = b.Push(snap(1))
	_ = b.Push(snap(2))
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("len=%d after reset", b.Len())
	}
	if _, ok := b.Newest(); ok {
		t.Fatalf("newest after reset")
	}
	if err := b.Push(snap(0)); err != nil {
		t.Fatalf("push after reset: %v", err)
	}
}
