package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"fm2k.dev/rollback/internal/sim/rollback"
)

type FrameRecord struct {
	Frame        uint64   `json:"frame"`
	Inputs       []uint32 `json:"inputs"`
	Checksum     uint32   `json:"checksum"`
	Entries      int      `json:"entries"`
	PayloadBytes int      `json:"payload_bytes"`
	FullCapture  int      `json:"full_capture,omitempty"`
	Events       int      `json:"events,omitempty"`
	Resimulated  bool     `json:"resimulated,omitempty"`
}

func (r FrameRecord) FrameInputs() rollback.FrameInputs {
	in := make([]rollback.Input, len(r.Inputs))
	for i, v := range r.Inputs {
		in[i] = rollback.Input(v)
	}
	return rollback.FrameInputs{Frame: r.Frame, Inputs: in}
}

const (
	ControlCorrection = "CORRECTION"
	ControlResync     = "RESYNC"
)

type ControlRecord struct {
	Kind   string `json:"kind"`
	Frame  uint64 `json:"frame"`
	Player int    `json:"player,omitempty"`
	From   uint64 `json:"from,omitempty"`
	To     uint64 `json:"to,omitempty"`
}

// SegmentFrames is one hour of play at 100 Hz.
const SegmentFrames = 360000

// FrameLogger persists every durable frame and control event of a session
// as compressed JSONL. It implements rollback.Recorder.
type FrameLogger struct {
	frames  *SegmentWriter
	control *SegmentWriter
	log     *zap.Logger

	writeErrs atomic.Uint64
}

func NewFrameLogger(sessionDir string, log *zap.Logger) *FrameLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &FrameLogger{
		frames:  NewSegmentWriter(filepath.Join(sessionDir, "frames"), "frames", SegmentFrames),
		control: NewSegmentWriter(filepath.Join(sessionDir, "control"), "control", SegmentFrames),
		log:     log,
	}
}

func (l *FrameLogger) RecordFrame(r rollback.FrameRecord) {
	in := make([]uint32, len(r.Inputs))
	for i, v := range r.Inputs {
		in[i] = uint32(v)
	}
	l.write(l.frames, r.Frame, FrameRecord{
		Frame:        r.Frame,
		Inputs:       in,
		Checksum:     r.Checksum,
		Entries:      r.Entries,
		PayloadBytes: r.PayloadBytes,
		FullCapture:  r.FullCapture,
		Events:       r.Events,
		Resimulated:  r.Resimulated,
	})
}

func (l *FrameLogger) RecordCorrection(c rollback.Correction) {
	l.write(l.control, c.Frame, ControlRecord{Kind: ControlCorrection, Frame: c.Frame, Player: c.Player, From: c.From, To: c.To})
}

func (l *FrameLogger) RecordResync(from uint64) {
	l.write(l.control, from, ControlRecord{Kind: ControlResync, Frame: from})
}

func (l *FrameLogger) write(w *SegmentWriter, frame uint64, v any) {
	if err := w.Append(frame, v); err != nil {
		if l.writeErrs.Add(1) == 1 {
			l.log.Error("frame log write failed", zap.Error(err))
		}
	}
}

func (l *FrameLogger) WriteErrors() uint64 { return l.writeErrs.Load() }

// Bytes is the uncompressed size of everything logged so far.
func (l *FrameLogger) Bytes() uint64 { return l.frames.Stats().Bytes + l.control.Stats().Bytes }

func (l *FrameLogger) Sync() error {
	if err := l.frames.Sync(); err != nil {
		return err
	}
	return l.control.Sync()
}

func (l *FrameLogger) Close() error {
	err1 := l.frames.Close()
	err2 := l.control.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// ReadFrames loads the frame log of a session ordered by frame. A frame that
// was resimulated appears once, with its last recorded inputs.
func ReadFrames(sessionDir string) ([]FrameRecord, error) {
	byFrame := map[uint64]FrameRecord{}
	err := readJSONL(filepath.Join(sessionDir, "frames"), "frames", func(line []byte) error {
		var r FrameRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		byFrame[r.Frame] = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]FrameRecord, 0, len(byFrame))
	for _, r := range byFrame {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Frame < out[j].Frame })
	return out, nil
}

func ReadControl(sessionDir string) ([]ControlRecord, error) {
	var out []ControlRecord
	err := readJSONL(filepath.Join(sessionDir, "control"), "control", func(line []byte) error {
		var r ControlRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func readJSONL(dir, prefix string, fn func([]byte) error) error {
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return err
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := readFile(p, fn); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

func readFile(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}
