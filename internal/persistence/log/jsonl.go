package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// SegmentWriter appends JSON lines to zstd segments that each start on a
// multiple of span frames: `<dir>/<prefix>-<first frame>.jsonl.zst`, with
// the frame zero-padded so names sort in frame order. Records for frames
// before the open segment (resimulation, resync) stay in it, so a reader
// that walks segments in name order sees every rewrite after the original.
type SegmentWriter struct {
	dir    string
	prefix string
	span   uint64

	mu    sync.Mutex
	open  bool
	start uint64
	f     *os.File
	enc   *zstd.Encoder
	w     *bufio.Writer
	stats SegmentStats
}

type SegmentStats struct {
	Lines    uint64
	Bytes    uint64 // uncompressed, including newlines
	Segments int    // segments opened by this writer
}

func NewSegmentWriter(dir, prefix string, span uint64) *SegmentWriter {
	if span == 0 {
		span = 1
	}
	return &SegmentWriter{dir: dir, prefix: prefix, span: span}
}

func (w *SegmentWriter) Stats() SegmentStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Append writes v as one line of the segment covering frame.
func (w *SegmentWriter) Append(frame uint64, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open || frame >= w.start+w.span {
		if err := w.rotateLocked(frame - frame%w.span); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.stats.Lines++
	w.stats.Bytes += uint64(len(b)) + 1
	return w.w.Flush()
}

// Sync pushes buffered lines through the compressor to the file.
func (w *SegmentWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *SegmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *SegmentWriter) rotateLocked(start uint64) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	// Appending adds a new zstd frame; readers decode concatenated frames.
	f, err := os.OpenFile(w.segmentPath(start), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.enc = f, enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.start, w.open = start, true
	w.stats.Segments++
	return nil
}

func (w *SegmentWriter) closeLocked() error {
	if !w.open {
		return nil
	}
	ferr := w.w.Flush()
	if err := w.enc.Close(); err != nil && ferr == nil {
		ferr = err
	}
	if err := w.f.Close(); err != nil && ferr == nil {
		ferr = err
	}
	w.f, w.enc, w.w = nil, nil, nil
	w.open = false
	return ferr
}

func (w *SegmentWriter) segmentPath(start uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%012d.jsonl.zst", w.prefix, start))
}
