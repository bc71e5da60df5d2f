// Package session drives a rollback controller at a fixed frame rate: it
// applies remote inputs between frames, advances with the local input and
// hands periodic archives to a background writer.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fm2k.dev/rollback/internal/persistence/archive"
	"fm2k.dev/rollback/internal/persistence/snapshot"
	"fm2k.dev/rollback/internal/sim/pool"
	"fm2k.dev/rollback/internal/sim/rollback"
	"fm2k.dev/rollback/internal/sim/schema"
	"fm2k.dev/rollback/internal/sim/snapshotcodec"
)

// Transport is the remote side of a session.
type Transport interface {
	Inbox() <-chan rollback.RemoteInput
	States() <-chan snapshotcodec.Snapshot
	BroadcastInput(ctx context.Context, frame uint64, player int, in rollback.Input) int
	SetFrame(frame uint64)
}

// LocalInput returns the local player's input for a frame.
type LocalInput func(frame uint64) (rollback.Input, error)

// ArchiveSink is told about every archive written.
type ArchiveSink interface {
	RecordArchive(path string, a snapshot.ArchiveV1, checkpoint bool)
}

type Config struct {
	SessionID       string
	Dir             string // session directory; archives go to Dir/snapshots
	Players         int
	LocalPlayer     int
	FrameDuration   time.Duration
	ArchiveEvery    uint64
	CheckpointEvery uint64
	KeepArchives    int
	Strategy        schema.Strategy // recorded in archives for replay
}

type Session struct {
	cfg   Config
	ctl   *rollback.Controller
	arena *pool.Arena
	reg   *schema.Registry
	tr    Transport
	local LocalInput
	sink  ArchiveSink
	log   *zap.Logger

	archives chan snapshot.ArchiveV1

	frame       atomic.Uint64
	archived    atomic.Uint64
	archiveErrs atomic.Uint64
	rejected    atomic.Uint64
	ctlStats    atomic.Pointer[rollback.Stats]
}

type Option func(*Session)

func WithArchiveSink(s ArchiveSink) Option { return func(x *Session) { x.sink = s } }
func WithLogger(l *zap.Logger) Option      { return func(x *Session) { x.log = l } }

func New(cfg Config, ctl *rollback.Controller, arena *pool.Arena, reg *schema.Registry, tr Transport, local LocalInput, opts ...Option) *Session {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 10 * time.Millisecond
	}
	if cfg.KeepArchives < 1 {
		cfg.KeepArchives = 1
	}
	s := &Session{
		cfg:      cfg,
		ctl:      ctl,
		arena:    arena,
		reg:      reg,
		tr:       tr,
		local:    local,
		log:      zap.NewNop(),
		archives: make(chan snapshot.ArchiveV1, 2),
	}
	for _, o := range opts {
		o(s)
	}
	s.frame.Store(ctl.Frame())
	s.publish()
	return s
}

func (s *Session) ArchiveDir() string { return filepath.Join(s.cfg.Dir, "snapshots") }

// Frame is safe to call from other goroutines.
func (s *Session) Frame() uint64 { return s.frame.Load() }

type Stats struct {
	Frame         uint64
	Archived      uint64
	ArchiveErrors uint64
	Rejected      uint64
}

func (s *Session) Stats() Stats {
	return Stats{
		Frame:         s.frame.Load(),
		Archived:      s.archived.Load(),
		ArchiveErrors: s.archiveErrs.Load(),
		Rejected:      s.rejected.Load(),
	}
}

// ControllerStats is the controller's counters as of the last tick. Safe
// for other goroutines.
func (s *Session) ControllerStats() rollback.Stats { return *s.ctlStats.Load() }

func (s *Session) publish() {
	st := s.ctl.Stats()
	s.ctlStats.Store(&st)
}

// Run owns the controller until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FrameDuration)
	defer ticker.Stop()

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeArchives(wctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	var pendingInputs []rollback.RemoteInput
	var pendingStates []snapshotcodec.Snapshot

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-s.tr.Inbox():
			pendingInputs = append(pendingInputs, in)
		case st := <-s.tr.States():
			pendingStates = append(pendingStates, st)
		case <-ticker.C:
			if err := s.Tick(ctx, pendingInputs, pendingStates); err != nil {
				return err
			}
			pendingInputs = pendingInputs[:0]
			pendingStates = pendingStates[:0]
		}
	}
}

// Tick applies queued remote traffic and advances at most one frame. A
// failed step leaves the controller waiting for resync and is only logged;
// local input failures are returned.
func (s *Session) Tick(ctx context.Context, inputs []rollback.RemoteInput, states []snapshotcodec.Snapshot) error {
	defer s.publish()
	if s.ctl.State() == rollback.OutOfRange {
		for _, st := range states {
			if err := s.ctl.CompleteResync(st); err != nil {
				s.rejected.Add(1)
				s.log.Warn("resync snapshot rejected", zap.Uint64("frame", st.Frame), zap.Error(err))
				continue
			}
			break
		}
	}
	for _, in := range inputs {
		err := s.ctl.HandleRemoteInput(ctx, in)
		switch {
		case err == nil:
		case errors.Is(err, rollback.ErrOutOfRange):
			s.log.Warn("remote input outside rollback window", zap.Uint64("frame", in.Frame), zap.Int("player", in.Player))
		case errors.Is(err, rollback.ErrBadInput):
			s.rejected.Add(1)
			s.log.Warn("remote input rejected", zap.Error(err))
		default:
			return fmt.Errorf("remote input frame %d: %w", in.Frame, err)
		}
	}
	if s.ctl.State() == rollback.OutOfRange {
		return nil
	}

	f := s.ctl.Frame()
	local, err := s.local(f)
	if err != nil {
		return err
	}
	if err := s.ctl.Advance(local); err != nil {
		if errors.Is(err, rollback.ErrOutOfRange) {
			s.log.Warn("frame abandoned, waiting for resync", zap.Uint64("frame", f), zap.Error(err))
			return nil
		}
		return err
	}
	s.tr.BroadcastInput(ctx, f, s.cfg.LocalPlayer, local)
	s.frame.Store(f + 1)
	s.tr.SetFrame(f + 1)

	if s.cfg.ArchiveEvery > 0 && (f+1)%s.cfg.ArchiveEvery == 0 {
		s.queueArchive()
	}
	return nil
}

func (s *Session) queueArchive() {
	snap, err := s.ctl.Current()
	if err != nil {
		s.log.Warn("archive: no current snapshot", zap.Error(err))
		return
	}
	l := s.arena.Layout()
	a := snapshot.ArchiveV1{
		Header: snapshot.Header{
			SessionID:    s.cfg.SessionID,
			Frame:        snap.Frame,
			SchemaDigest: s.reg.Digest(),
			Slots:        l.Slots,
			Stride:       l.Stride,
			Checksum:     snap.Checksum,
		},
		Layout:   snapshot.LayoutOf(l),
		Players:  s.cfg.Players,
		Snapshot: snap,
		Strategy: s.cfg.Strategy.String(),
		Image:    append([]byte(nil), s.arena.Bytes()...),
	}
	select {
	case s.archives <- a:
	default:
		s.archiveErrs.Add(1)
		s.log.Warn("archive writer busy, skipping", zap.Uint64("frame", snap.Frame))
	}
}

func (s *Session) writeArchives(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-s.archives:
			if err := s.WriteArchive(a); err != nil {
				s.archiveErrs.Add(1)
				s.log.Error("archive write", zap.Uint64("frame", a.Header.Frame), zap.Error(err))
			}
		}
	}
}

// WriteArchive persists a, promotes it to a checkpoint when due and prunes
// old rolling archives.
func (s *Session) WriteArchive(a snapshot.ArchiveV1) error {
	path := snapshot.Path(s.ArchiveDir(), a.Header.Frame)
	if err := snapshot.WriteArchive(path, a); err != nil {
		return err
	}
	s.archived.Add(1)
	if s.sink != nil {
		s.sink.RecordArchive(path, a, false)
	}
	dst, promoted, err := archive.PromoteCheckpoint(s.cfg.Dir, path, a.Header, s.cfg.CheckpointEvery)
	if err != nil {
		return fmt.Errorf("promote checkpoint: %w", err)
	}
	if promoted {
		s.log.Info("checkpoint promoted", zap.Uint64("frame", a.Header.Frame), zap.String("path", dst))
		if s.sink != nil {
			s.sink.RecordArchive(dst, a, true)
		}
	}
	removed, err := snapshot.Prune(s.ArchiveDir(), s.cfg.KeepArchives)
	if err != nil {
		return fmt.Errorf("prune archives: %w", err)
	}
	s.log.Debug("archive written", zap.String("path", path), zap.Int("pruned", len(removed)))
	return nil
}

// Restore loads an archive into arena and returns its snapshot. Callers
// start the controller with StartAt(snapshot.Frame) afterwards.
func Restore(path string, reg *schema.Registry, arena *pool.Arena, codec *snapshotcodec.Codec) (snapshotcodec.Snapshot, error) {
	a, err := snapshot.ReadArchive(path, reg.Digest())
	if err != nil {
		return snapshotcodec.Snapshot{}, err
	}
	return a.Snapshot, RestoreArchive(a, arena, codec)
}

// RestoreArchive writes the pool image, when present, and then decodes the
// snapshot over it.
func RestoreArchive(a snapshot.ArchiveV1, arena *pool.Arena, codec *snapshotcodec.Codec) error {
	if got, want := a.Layout.Pool(), arena.Layout(); got != want {
		return fmt.Errorf("archive layout %+v does not match pool %+v", got, want)
	}
	if len(a.Image) > 0 {
		if len(a.Image) != len(arena.Bytes()) {
			return fmt.Errorf("archive image is %d bytes, pool is %d", len(a.Image), len(arena.Bytes()))
		}
		copy(arena.Bytes(), a.Image)
	}
	codec.InvalidateAll()
	if _, err := codec.Decode(&a.Snapshot, pool.NewView(arena)); err != nil {
		return fmt.Errorf("restore frame %d: %w", a.Snapshot.Frame, err)
	}
	return nil
}

// Latest returns the newest rolling archive in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	frames, err := snapshot.List(dir)
	if err != nil || len(frames) == 0 {
		return "", err
	}
	return snapshot.Path(dir, frames[len(frames)-1]), nil
}
