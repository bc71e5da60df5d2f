package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"fm2k.dev/rollback/internal/sim/pool"
	"fm2k.dev/rollback/internal/sim/snapshotcodec"
)

const Version = 1

var ErrSchemaDigest = errors.New("archive schema digest mismatch")

// Header is written as the first (JSON) line so tools can inspect an archive
// without decoding the gob body.
type Header struct {
	Version      int    `json:"version"`
	SessionID    string `json:"session_id"`
	Frame        uint64 `json:"frame"`
	SchemaDigest string `json:"schema_digest"`
	Slots        int    `json:"slots"`
	Stride       int    `json:"stride"`
	Checksum     uint32 `json:"checksum"`
}

type LayoutV1 struct {
	Slots        int    `json:"slots"`
	Stride       int    `json:"stride"`
	TypeOffset   int    `json:"type_offset"`
	TypeWidth    int    `json:"type_width"`
	InactiveType uint32 `json:"inactive_type"`
	GlobalsSize  int    `json:"globals_size,omitempty"`
}

func LayoutOf(l pool.Layout) LayoutV1 {
	return LayoutV1{
		Slots:        l.Slots,
		Stride:       l.Stride,
		TypeOffset:   l.TypeOffset,
		TypeWidth:    l.TypeWidth,
		InactiveType: uint32(l.InactiveType),
		GlobalsSize:  l.GlobalsSize,
	}
}

func (l LayoutV1) Pool() pool.Layout {
	return pool.Layout{
		Slots:        l.Slots,
		Stride:       l.Stride,
		TypeOffset:   l.TypeOffset,
		TypeWidth:    l.TypeWidth,
		InactiveType: pool.TypeCode(l.InactiveType),
		GlobalsSize:  l.GlobalsSize,
	}
}

// ArchiveV1 is a durable checkpoint of the state at the start of
// Header.Frame.
type ArchiveV1 struct {
	Header   Header
	Layout   LayoutV1
	Players  int
	Snapshot snapshotcodec.Snapshot
	Strategy string // capture strategy the session ran with; empty means complete

	// Image is the whole pool at capture time when the process owns the
	// memory. Restoring it first makes undeclared bytes match as well.
	Image []byte
}

func WriteArchive(path string, a ArchiveV1) error {
	if a.Header.Version == 0 {
		a.Header.Version = Version
	}
	a.Header.Frame = a.Snapshot.Frame
	a.Header.Checksum = a.Snapshot.Checksum
	a.Header.Slots = a.Layout.Slots
	a.Header.Stride = a.Layout.Stride

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, &a); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, a *ArchiveV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(a.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(a); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

// ReadArchive decodes an archive and verifies its snapshot checksums. A
// non-empty wantDigest must match the schema digest the archive was taken
// with.
func ReadArchive(path, wantDigest string) (ArchiveV1, error) {
	var a ArchiveV1
	f, err := os.Open(path)
	if err != nil {
		return a, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return a, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return a, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&a); err != nil {
		return a, fmt.Errorf("gob decode: %w", err)
	}
	if a.Header.Version != Version {
		return a, fmt.Errorf("unsupported archive version %d", a.Header.Version)
	}
	if wantDigest != "" && a.Header.SchemaDigest != wantDigest {
		return a, fmt.Errorf("%w: archive %s, loaded %s", ErrSchemaDigest, short(a.Header.SchemaDigest), short(wantDigest))
	}
	if err := snapshotcodec.Verify(&a.Snapshot); err != nil {
		return a, err
	}
	return a, nil
}

func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Path names archives so lexical and frame order agree.
func Path(dir string, frame uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%012d.snap.zst", frame))
}

// List returns archive frames in dir, oldest first.
func List(dir string) ([]uint64, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var frames []uint64
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		frames = append(frames, n)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
	return frames, nil
}

// Prune removes all but the newest keep archives in dir.
func Prune(dir string, keep int) ([]string, error) {
	frames, err := List(dir)
	if err != nil || len(frames) <= keep {
		return nil, err
	}
	var removed []string
	for _, fr := range frames[:len(frames)-keep] {
		p := Path(dir, fr)
		if err := os.Remove(p); err != nil {
			return removed, err
		}
		removed = append(removed, p)
	}
	return removed, nil
}

func short(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
