package snapshotcodec

import (
	"encoding/binary"
	"math/bits"
)

// fletcher32 is the 16-bit-word Fletcher checksum over little-endian byte
// pairs; an odd trailing byte is zero-padded.
type fletcher32 struct {
	s1, s2  uint32
	pending bool
	lo      byte
}

func (f *fletcher32) add(b byte) {
	if !f.pending {
		f.lo, f.pending = b, true
		return
	}
	f.pending = false
	f.word(uint32(f.lo) | uint32(b)<<8)
}

func (f *fletcher32) word(w uint32) {
	f.s1 = (f.s1 + w) % 65535
	f.s2 = (f.s2 + f.s1) % 65535
}

func (f *fletcher32) write(p []byte) {
	for _, b := range p {
		f.add(b)
	}
}

func (f *fletcher32) sum() uint32 {
	s := *f
	if s.pending {
		s.word(uint32(s.lo))
	}
	return s.s2<<16 | s.s1
}

func Fletcher32(p []byte) uint32 {
	var f fletcher32
	f.write(p)
	return f.sum()
}

func entryChecksum(e *Entry) uint32 {
	var f fletcher32
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(e.Slot))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(e.Type))
	f.write(hdr[:])
	f.write(e.Fields)
	return f.sum()
}

// combine folds the frame number, the entry checksums in slot order and the
// globals checksum.
func combine(s *Snapshot) uint32 {
	sum := uint32(s.Frame) ^ bits.RotateLeft32(uint32(s.Frame>>32), 16)
	for i := range s.Entries {
		sum = bits.RotateLeft32(sum, 7) ^ s.Entries[i].Checksum
	}
	if len(s.Globals) > 0 {
		sum = bits.RotateLeft32(sum, 7) ^ s.GlobalsChecksum
	}
	return sum
}
