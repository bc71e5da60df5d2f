package lifecycle

import (
	"fmt"

	"go.uber.org/zap"

	"fm2k.dev/rollback/internal/sim/pool"
)

type Kind uint8

const (
	Created Kind = iota + 1
	Destroyed
	Transformed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "CREATED"
	case Destroyed:
		return "DESTROYED"
	case Transformed:
		return "TRANSFORMED"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Event is one slot transition between two consecutive observations.
// Created carries New, Destroyed carries Old, Transformed carries both.
type Event struct {
	Kind Kind
	Slot int
	Old  pool.TypeCode
	New  pool.TypeCode
}

// Invalidator drops any cached schema binding for a slot.
type Invalidator interface {
	Invalidate(slot int)
}

type Stats struct {
	CurrentActive    int
	PeakActive       int
	AvgActive        float64
	TotalCreated     uint64
	TotalDestroyed   uint64
	TotalTransformed uint64
	Observations     uint64
}

// Tracker remembers the type of every slot as of the last observation.
type Tracker struct {
	prev     []pool.TypeCode
	inactive pool.TypeCode
	inv      Invalidator
	log      *zap.Logger

	active []int
	stats  Stats
	accum  uint64
}

func New(slots int, inactive pool.TypeCode, inv Invalidator, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	prev := make([]pool.TypeCode, slots)
	for i := range prev {
		prev[i] = inactive
	}
	return &Tracker{prev: prev, inactive: inactive, inv: inv, log: log}
}

// Observe reads every slot tag, returns the transitions since the previous
// call in slot order, and remembers the current tags.
func (t *Tracker) Observe(v *pool.View) ([]Event, error) {
	cur, err := t.read(v)
	if err != nil {
		return nil, err
	}
	var events []Event
	for slot, now := range cur {
		was := t.prev[slot]
		if was == now {
			continue
		}
		switch {
		case was == t.inactive:
			events = append(events, Event{Kind: Created, Slot: slot, New: now})
			t.stats.TotalCreated++
		case now == t.inactive:
			events = append(events, Event{Kind: Destroyed, Slot: slot, Old: was})
			t.stats.TotalDestroyed++
			t.invalidate(slot)
		default:
			events = append(events, Event{Kind: Transformed, Slot: slot, Old: was, New: now})
			t.stats.TotalTransformed++
			t.invalidate(slot)
		}
		t.log.Debug("slot lifecycle",
			zap.Stringer("kind", events[len(events)-1].Kind),
			zap.Int("slot", slot),
			zap.Uint32("old", uint32(was)),
			zap.Uint32("new", uint32(now)))
	}
	t.commit(cur)
	return events, nil
}

// Rebase adopts the current pool tags without emitting events. It is used
// after a snapshot restore, where the transitions already happened once.
func (t *Tracker) Rebase(v *pool.View) error {
	cur, err := t.read(v)
	if err != nil {
		return err
	}
	for slot, now := range cur {
		if t.prev[slot] != now {
			t.invalidate(slot)
		}
	}
	t.adopt(cur)
	return nil
}

// Active returns the active slots as of the last Observe or Rebase. The slice
// is reused by the next call.
func (t *Tracker) Active() []int { return t.active }

// TypeOf returns the remembered tag of a slot.
func (t *Tracker) TypeOf(slot int) pool.TypeCode { return t.prev[slot] }

func (t *Tracker) Stats() Stats { return t.stats }

func (t *Tracker) read(v *pool.View) ([]pool.TypeCode, error) {
	if v.SlotCount() != len(t.prev) {
		return nil, fmt.Errorf("tracker sized for %d slots, pool has %d", len(t.prev), v.SlotCount())
	}
	cur := make([]pool.TypeCode, len(t.prev))
	for i := range cur {
		tc, err := v.ReadType(i)
		if err != nil {
			return nil, err
		}
		cur[i] = tc
	}
	return cur, nil
}

func (t *Tracker) adopt(cur []pool.TypeCode) {
	copy(t.prev, cur)
	t.active = t.active[:0]
	for slot, tc := range cur {
		if tc != t.inactive {
			t.active = append(t.active, slot)
		}
	}
}

func (t *Tracker) commit(cur []pool.TypeCode) {
	t.adopt(cur)
	n := len(t.active)
	t.stats.Observations++
	t.stats.CurrentActive = n
	if n > t.stats.PeakActive {
		t.stats.PeakActive = n
	}
	t.accum += uint64(n)
	t.stats.AvgActive = float64(t.accum) / float64(t.stats.Observations)
}

func (t *Tracker) invalidate(slot int) {
	if t.inv != nil {
		t.inv.Invalidate(slot)
	}
}
