package ring

import (
	"errors"
	"fmt"
	"sort"

	"fm2k.dev/rollback/internal/sim/snapshotcodec"
)

var (
	ErrNotFound    = errors.New("snapshot not retained")
	ErrNotMonotone = errors.New("snapshot frame not after newest")
)

// Buffer retains the most recent snapshots in frame order. Pushing onto a
// full buffer evicts the oldest snapshot.
type Buffer struct {
	buf   []snapshotcodec.Snapshot
	head  int
	count int
}

func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{buf: make([]snapshotcodec.Snapshot, capacity)}
}

func (b *Buffer) Len() int { return b.count }
func (b *Buffer) Cap() int { return len(b.buf) }

func (b *Buffer) at(i int) *snapshotcodec.Snapshot {
	return &b.buf[(b.head+i)%len(b.buf)]
}

func (b *Buffer) Push(s snapshotcodec.Snapshot) error {
	if b.count > 0 {
		if newest := b.at(b.count - 1).Frame; s.Frame <= newest {
			return fmt.Errorf("%w: push %d, newest %d", ErrNotMonotone, s.Frame, newest)
		}
	}
	if b.count == len(b.buf) {
		b.buf[b.head] = snapshotcodec.Snapshot{}
		b.head = (b.head + 1) % len(b.buf)
		b.count--
	}
	*b.at(b.count) = s
	b.count++
	return nil
}

// index returns the position of the first retained snapshot with Frame >= frame.
func (b *Buffer) index(frame uint64) int {
	return sort.Search(b.count, func(i int) bool { return b.at(i).Frame >= frame })
}

func (b *Buffer) Get(frame uint64) (snapshotcodec.Snapshot, error) {
	i := b.index(frame)
	if i < b.count && b.at(i).Frame == frame {
		return *b.at(i), nil
	}
	return snapshotcodec.Snapshot{}, fmt.Errorf("%w: frame %d", ErrNotFound, frame)
}

func (b *Buffer) NewestAtOrBefore(frame uint64) (snapshotcodec.Snapshot, error) {
	i := b.index(frame)
	if i < b.count && b.at(i).Frame == frame {
		return *b.at(i), nil
	}
	if i == 0 {
		return snapshotcodec.Snapshot{}, fmt.Errorf("%w: nothing at or before frame %d", ErrNotFound, frame)
	}
	return *b.at(i - 1), nil
}

// Replace overwrites the retained snapshot with the same frame. Resimulation
// uses it to refresh the window after a correction.
func (b *Buffer) Replace(s snapshotcodec.Snapshot) error {
	i := b.index(s.Frame)
	if i < b.count && b.at(i).Frame == s.Frame {
		*b.at(i) = s
		return nil
	}
	return fmt.Errorf("%w: replace frame %d", ErrNotFound, s.Frame)
}

// Put replaces a retained frame or pushes a newer one.
func (b *Buffer) Put(s snapshotcodec.Snapshot) error {
	if err := b.Replace(s); err == nil {
		return nil
	}
	return b.Push(s)
}

func (b *Buffer) Oldest() (snapshotcodec.Snapshot, bool) {
	if b.count == 0 {
		return snapshotcodec.Snapshot{}, false
	}
	return *b.at(0), true
}

func (b *Buffer) Newest() (snapshotcodec.Snapshot, bool) {
	if b.count == 0 {
		return snapshotcodec.Snapshot{}, false
	}
	return *b.at(b.count - 1), true
}

// Frames lists retained frame numbers oldest first.
func (b *Buffer) Frames() []uint64 {
	out := make([]uint64, b.count)
	for i := range out {
		out[i] = b.at(i).Frame
	}
	return out
}

func (b *Buffer) Reset() {
	for i := range b.buf {
		b.buf[i] = snapshotcodec.Snapshot{}
	}
	b.head, b.count = 0, 0
}
