package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"fm2k.dev/rollback/internal/logging"
	persistlog "fm2k.dev/rollback/internal/persistence/log"
	"fm2k.dev/rollback/internal/persistence/snapshot"
	"fm2k.dev/rollback/internal/sim/hostsim"
	"fm2k.dev/rollback/internal/sim/pool"
	"fm2k.dev/rollback/internal/sim/rollback"
	"fm2k.dev/rollback/internal/sim/schema"
	"fm2k.dev/rollback/internal/sim/session"
	"fm2k.dev/rollback/internal/sim/tuning"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst")
		sessionDir = flag.String("session", "", "session dir containing frames/ (optional)")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning file (default: <configs>/tuning.yaml)")
		schemaPath = flag.String("schema", "", "schema table (overrides tuning)")
		scriptPath = flag.String("script", "", "sim script (overrides tuning)")
		toFrame    = flag.Uint64("to_frame", 0, "stop after this frame (inclusive, optional)")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.Must(level, "console")
	defer func() { _ = logger.Sync() }()

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	if *schemaPath != "" {
		tune.Schema.Path = *schemaPath
	}
	if *scriptPath != "" {
		tune.Sim.Script = *scriptPath
	}

	h, err := snapshot.ReadHeader(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read header:", err)
		os.Exit(1)
	}
	fmt.Printf("archive v%d session=%s frame=%d slots=%d stride=%d checksum=%08x schema=%s\n",
		h.Version, h.SessionID, h.Frame, h.Slots, h.Stride, h.Checksum, h.SchemaDigest)

	if *sessionDir == "" {
		return
	}

	res, err := replaySession(*snapPath, *sessionDir, tune.Schema.Path, tune.Sim.Script, *toFrame, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if res.StoppedAtResync {
		fmt.Printf("resync requested at frame %d; frames after it are not replayable\n", res.ResyncFrame)
	}
	fmt.Printf("replay ok: checked=%d frames (from archive frame=%d)\n", res.Checked, h.Frame)
}

type replayResult struct {
	Checked         uint64
	StoppedAtResync bool
	ResyncFrame     uint64
}

// replaySession restores the archive into a fresh pool, steps the logged
// inputs through the sim script and compares every resulting checksum with
// the logged one.
func replaySession(archivePath, sessionDir, schemaPath, scriptPath string, toFrame uint64, log *zap.Logger) (replayResult, error) {
	var res replayResult
	if log == nil {
		log = zap.NewNop()
	}

	a, err := snapshot.ReadArchive(archivePath, "")
	if err != nil {
		return res, err
	}
	layout := a.Layout.Pool()
	reg, err := schema.Load(schemaPath, layout, log)
	if err != nil {
		return res, err
	}
	if reg.Digest() != a.Header.SchemaDigest {
		return res, fmt.Errorf("%w: archive %s, loaded %s", snapshot.ErrSchemaDigest, a.Header.SchemaDigest, reg.Digest())
	}

	strategy, err := schema.ParseStrategy(a.Strategy)
	if err != nil {
		return res, err
	}

	arena, err := pool.NewArena(layout)
	if err != nil {
		return res, err
	}
	view := pool.NewView(arena)
	sim, err := hostsim.Load(scriptPath, view, log)
	if err != nil {
		return res, err
	}
	defer sim.Close()

	var got uint32
	rec := checksumRecorder(func(r rollback.FrameRecord) { got = r.Checksum })
	ctl, err := rollback.New(rollback.Config{Players: a.Players, RingCapacity: 2, Strategy: strategy}, view, reg, sim,
		rollback.WithRecorder(rec), rollback.WithLogger(log))
	if err != nil {
		return res, err
	}
	if err := session.RestoreArchive(a, arena, ctl.Codec()); err != nil {
		return res, err
	}
	if err := ctl.StartAt(a.Snapshot.Frame); err != nil {
		return res, err
	}
	if cur, _ := ctl.Current(); cur.Checksum != a.Snapshot.Checksum {
		return res, fmt.Errorf("restored state checksum %08x, archive says %08x", cur.Checksum, a.Snapshot.Checksum)
	}

	control, err := persistlog.ReadControl(sessionDir)
	if err != nil {
		return res, err
	}
	for _, c := range control {
		if c.Kind == persistlog.ControlResync && c.Frame >= a.Snapshot.Frame {
			res.StoppedAtResync, res.ResyncFrame = true, c.Frame
			break
		}
	}

	frames, err := persistlog.ReadFrames(sessionDir)
	if err != nil {
		return res, err
	}
	ctx := context.Background()
	for _, r := range frames {
		if r.Frame < a.Snapshot.Frame {
			continue
		}
		if toFrame != 0 && r.Frame > toFrame {
			break
		}
		if res.StoppedAtResync && r.Frame >= res.ResyncFrame {
			break
		}
		if r.Frame != ctl.Frame() {
			return res, fmt.Errorf("frame log gap: want frame %d, got %d", ctl.Frame(), r.Frame)
		}
		if len(r.Inputs) != a.Players {
			return res, fmt.Errorf("frame %d: %d inputs for %d players", r.Frame, len(r.Inputs), a.Players)
		}
		in := r.FrameInputs()
		for p := 1; p < a.Players; p++ {
			if err := ctl.HandleRemoteInput(ctx, rollback.RemoteInput{Frame: r.Frame, Player: p, Input: in.Inputs[p]}); err != nil {
				return res, err
			}
		}
		if err := ctl.Advance(in.Inputs[0]); err != nil {
			return res, err
		}
		res.Checked++
		if got != r.Checksum {
			return res, fmt.Errorf("checksum mismatch at frame %d: got=%08x want=%08x", r.Frame, got, r.Checksum)
		}
	}
	return res, nil
}

type checksumRecorder func(rollback.FrameRecord)

func (f checksumRecorder) RecordFrame(r rollback.FrameRecord) { f(r) }
func (checksumRecorder) RecordCorrection(rollback.Correction) {}
func (checksumRecorder) RecordResync(uint64)                  {}
