package lifecycle

import (
	"testing"

	"fm2k.dev/rollback/internal/sim/pool"
)

type recordingInvalidator struct{ slots []int }

func (r *recordingInvalidator) Invalidate(slot int) { r.slots = append(r.slots, slot) }

func setup(t *testing.T) (*pool.View, *Tracker, *recordingInvalidator) {
	t.Helper()
	a, err := pool.NewArena(pool.Layout{Slots: 4, Stride: 16, TypeWidth: 4})
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	inv := &recordingInvalidator{}
	return pool.NewView(a), New(4, 0, inv, nil), inv
}

func observe(t *testing.T, tr *Tracker, v *pool.View) []Event {
	t.Helper()
	ev, err := tr.Observe(v)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	return ev
}

func TestTracker_CreatedThenTransformed(t *testing.T) {
	v, tr, inv := setup(t)
	if ev := observe(t, tr, v); len(ev) != 0 {
		t.Fatalf("empty pool events=%v", ev)
	}

	_ = v.WriteType(1, 0x04)
	ev := observe(t, tr, v)
	if len(ev) != 1 || ev[0] != (Event{Kind: Created, Slot: 1, New: 0x04}) {
		t.Fatalf("events=%+v want one Created(1,0x04)", ev)
	}
	if len(inv.slots) != 0 {
		t.Fatalf("creation should not invalidate: %v", inv.slots)
	}

	_ = v.WriteType(1, 0x5E)
	ev = observe(t, tr, v)
	if len(ev) != 1 || ev[0] != (Event{Kind: Transformed, Slot: 1, Old: 0x04, New: 0x5E}) {
		t.Fatalf("events=%+v want one Transformed(1,0x04,0x5E)", ev)
	}
	if len(inv.slots) != 1 || inv.slots[0] != 1 {
		t.Fatalf("invalidated=%v want [1]", inv.slots)
	}

	if ev := observe(t, tr, v); len(ev) != 0 {
		t.Fatalf("unchanged pool events=%v", ev)
	}
}

func TestTracker_DestroyedAndOrdering(t *testing.T) {
	v, tr, _ := setup(t)
	_ = v.WriteType(0, 0x01)
	_ = v.WriteType(3, 0x02)
	observe(t, tr, v)

	_ = v.WriteType(0, 0)
	_ = v.WriteType(2, 0x09)
	ev := observe(t, tr, v)
	want := []Event{
		{Kind: Destroyed, Slot: 0, Old: 0x01},
		{Kind: Created, Slot: 2, New: 0x09},
	}
	if len(ev) != len(want) {
		t.Fatalf("events=%+v want %+v", ev, want)
	}
	for i := range want {
		if ev[i] != want[i] {
			t.Fatalf("event[%d]=%+v want %+v", i, ev[i], want[i])
		}
	}
	if got := tr.Active(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("active=%v want [2 3]", got)
	}
}

func TestTracker_RebaseEmitsNothing(t *testing.T) {
	v, tr, inv := setup(t)
	_ = v.WriteType(1, 0x04)
	observe(t, tr, v)

	_ = v.WriteType(1, 0x07)
	if err := tr.Rebase(v); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if len(inv.slots) != 1 || inv.slots[0] != 1 {
		t.Fatalf("rebase should invalidate changed slot: %v", inv.slots)
	}
	if tr.TypeOf(1) != 0x07 {
		t.Fatalf("type=%#x want 0x07", tr.TypeOf(1))
	}
	if ev := observe(t, tr, v); len(ev) != 0 {
		t.Fatalf("after rebase events=%v", ev)
	}
}

func TestTracker_Stats(t *testing.T) {
	v, tr, _ := setup(t)
	_ = v.WriteType(0, 1)
	_ = v.WriteType(1, 1)
	observe(t, tr, v)
	_ = v.WriteType(1, 0)
	observe(t, tr, v)

	st := tr.Stats()
	if st.PeakActive != 2 || st.CurrentActive != 1 {
		t.Fatalf("peak=%d current=%d", st.PeakActive, st.CurrentActive)
	}
	if st.TotalCreated != 2 || st.TotalDestroyed != 1 {
		t.Fatalf("created=%d destroyed=%d", st.TotalCreated, st.TotalDestroyed)
	}
	if st.AvgActive != 1.5 {
		t.Fatalf("avg=%v want 1.5", st.AvgActive)
	}
}
