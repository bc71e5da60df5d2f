package rollback

import (
	"context"
	"errors"

	"fm2k.dev/rollback/internal/sim/snapshotcodec"
)

var (
	ErrOutOfRange    = errors.New("rollback out of range")
	ErrResyncPending = errors.New("resync pending")
	ErrNotStarted    = errors.New("controller not started")
	ErrBadInput      = errors.New("bad input")
	ErrStaleResync   = errors.New("resync state older than requested")
)

// Input is one player's controller state for one frame.
type Input uint32

type FrameInputs struct {
	Frame  uint64
	Inputs []Input // indexed by player
}

type RemoteInput struct {
	Frame  uint64
	Player int
	Input  Input
}

// Stepper advances the host simulation by exactly one frame. It must be
// deterministic in the pool contents and the inputs.
type Stepper interface {
	Step(in FrameInputs) error
}

type StepFunc func(in FrameInputs) error

func (f StepFunc) Step(in FrameInputs) error { return f(in) }

// ResyncRequester asks the authoritative peer for full state from a frame.
type ResyncRequester interface {
	RequestResync(ctx context.Context, fromFrame uint64) error
}

// FrameRecord describes one durable frame: the inputs it was stepped with and
// the checksum of the state at the start of the next frame.
type FrameRecord struct {
	Frame        uint64
	Inputs       []Input
	Checksum     uint32
	Entries      int
	PayloadBytes int
	FullCapture  int
	Events       int
	Resimulated  bool
}

type Correction struct {
	Frame  uint64 // frame of the corrected input
	Player int
	From   uint64 // snapshot restored
	To     uint64 // authoritative frame after resimulation
}

func (c Correction) Depth() uint64 { return c.To - c.From }

// Recorder receives durable frames and control events. Calls happen on the
// controller's goroutine and must not block.
type Recorder interface {
	RecordFrame(r FrameRecord)
	RecordCorrection(c Correction)
	RecordResync(fromFrame uint64)
}

type nopRecorder struct{}

func (nopRecorder) RecordFrame(FrameRecord)     {}
func (nopRecorder) RecordCorrection(Correction) {}
func (nopRecorder) RecordResync(uint64)         {}

// Recorders fans out to several recorders in order.
type Recorders []Recorder

func (rs Recorders) RecordFrame(r FrameRecord) {
	for _, x := range rs {
		x.RecordFrame(r)
	}
}

func (rs Recorders) RecordCorrection(c Correction) {
	for _, x := range rs {
		x.RecordCorrection(c)
	}
}

func (rs Recorders) RecordResync(fromFrame uint64) {
	for _, x := range rs {
		x.RecordResync(fromFrame)
	}
}

type State uint8

const (
	Advancing State = iota
	Correcting
	OutOfRange
)

func (s State) String() string {
	switch s {
	case Advancing:
		return "ADVANCING"
	case Correcting:
		return "CORRECTING"
	case OutOfRange:
		return "OUT_OF_RANGE"
	default:
		return "UNKNOWN"
	}
}

type Stats struct {
	FramesAdvanced     uint64
	FramesResimulated  uint64
	Corrections        uint64
	IdenticalLate      uint64
	MaxCorrectionDepth uint64
	OutOfRange         uint64
	Resyncs            uint64

	Codec snapshotcodec.Stats
}
