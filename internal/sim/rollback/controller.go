package rollback

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fm2k.dev/rollback/internal/sim/lifecycle"
	"fm2k.dev/rollback/internal/sim/pool"
	"fm2k.dev/rollback/internal/sim/ring"
	"fm2k.dev/rollback/internal/sim/schema"
	"fm2k.dev/rollback/internal/sim/snapshotcodec"
)

type Config struct {
	Players      int
	LocalPlayer  int
	RingCapacity int
	MaxBytes     int
	Diagnostic   bool
	Strategy     schema.Strategy
}

// Controller owns the pool while a frame is stepped or resimulated. It is not
// safe for concurrent use; feed it from one goroutine.
type Controller struct {
	cfg     Config
	view    *pool.View
	codec   *snapshotcodec.Codec
	tracker *lifecycle.Tracker
	ring    *ring.Buffer
	step    Stepper
	resync  ResyncRequester
	rec     Recorder
	log     *zap.Logger

	state   State
	started bool
	frame   uint64 // next frame to step
	pending uint64 // resync origin while OutOfRange

	// history holds the inputs each retained frame was stepped with.
	history   map[uint64][]Input
	confirmed []map[uint64]Input

	// base is the latest confirmed input per player that was pruned.
	base      []Input
	baseFrame []uint64
	hasBase   []bool

	stats Stats
}

type Option func(*Controller)

func WithResync(r ResyncRequester) Option { return func(c *Controller) { c.resync = r } }
func WithRecorder(r Recorder) Option      { return func(c *Controller) { c.rec = r } }
func WithLogger(l *zap.Logger) Option     { return func(c *Controller) { c.log = l } }

func New(cfg Config, view *pool.View, reg *schema.Registry, step Stepper, opts ...Option) (*Controller, error) {
	if cfg.Players < 1 {
		return nil, fmt.Errorf("players must be >= 1, got %d", cfg.Players)
	}
	if cfg.LocalPlayer < 0 || cfg.LocalPlayer >= cfg.Players {
		return nil, fmt.Errorf("local player %d out of range [0,%d)", cfg.LocalPlayer, cfg.Players)
	}
	if cfg.RingCapacity < 1 {
		return nil, fmt.Errorf("ring capacity must be >= 1, got %d", cfg.RingCapacity)
	}
	if reg.Stride() != view.Stride() {
		return nil, fmt.Errorf("schema stride %d does not match pool stride %d", reg.Stride(), view.Stride())
	}
	if g := reg.Globals(); g != nil && g.Extent() > view.GlobalsSize() {
		return nil, fmt.Errorf("schema globals end at %d, pool globals block is %d bytes", g.Extent(), view.GlobalsSize())
	}
	c := &Controller{
		cfg:       cfg,
		view:      view,
		ring:      ring.New(cfg.RingCapacity),
		step:      step,
		rec:       nopRecorder{},
		log:       zap.NewNop(),
		history:   map[uint64][]Input{},
		confirmed: make([]map[uint64]Input, cfg.Players),
		base:      make([]Input, cfg.Players),
		baseFrame: make([]uint64, cfg.Players),
		hasBase:   make([]bool, cfg.Players),
	}
	for i := range c.confirmed {
		c.confirmed[i] = map[uint64]Input{}
	}
	for _, o := range opts {
		o(c)
	}
	c.codec = snapshotcodec.New(reg, snapshotcodec.Options{MaxBytes: cfg.MaxBytes, Diagnostic: cfg.Diagnostic, Strategy: cfg.Strategy}, c.log)
	c.tracker = lifecycle.New(view.SlotCount(), view.InactiveType(), c.codec, c.log)
	return c, nil
}

func (c *Controller) State() State                { return c.state }
func (c *Controller) Frame() uint64               { return c.frame }
func (c *Controller) Ring() *ring.Buffer          { return c.ring }
func (c *Controller) Tracker() *lifecycle.Tracker { return c.tracker }
func (c *Controller) Codec() *snapshotcodec.Codec { return c.codec }

// Stats includes the codec's save and load counters.
func (c *Controller) Stats() Stats {
	st := c.stats
	st.Codec = c.codec.Stats()
	return st
}

// Current returns the snapshot of the state at the start of the current frame.
func (c *Controller) Current() (snapshotcodec.Snapshot, error) {
	return c.ring.Get(c.frame)
}

// Start captures the state at the start of frame 0.
func (c *Controller) Start() error {
	return c.StartAt(0)
}

// StartAt captures the current pool as the state at the start of frame. It
// is how a session resumes from an archive.
func (c *Controller) StartAt(frame uint64) error {
	if c.started {
		return nil
	}
	c.frame = frame
	if _, err := c.tracker.Observe(c.view); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	snap, err := c.codec.Encode(c.frame, c.view, c.tracker.Active())
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := c.ring.Push(snap); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	c.started = true
	c.log.Info("rollback controller started",
		zap.Uint64("frame", c.frame),
		zap.Int("active", len(c.tracker.Active())),
		zap.Int("payload_bytes", snap.PayloadBytes()))
	return nil
}

// Advance steps the current frame with the local input and predicted or
// confirmed remote inputs, then captures the resulting state.
func (c *Controller) Advance(local Input) error {
	if !c.started {
		return ErrNotStarted
	}
	switch c.state {
	case Advancing:
	case OutOfRange:
		return fmt.Errorf("%w: from frame %d", ErrResyncPending, c.pending)
	default:
		return fmt.Errorf("advance in state %s", c.state)
	}
	f := c.frame
	c.confirmed[c.cfg.LocalPlayer][f] = local
	snap, events, err := c.run(f)
	if err != nil {
		// The pool may be partly stepped; only authoritative state can
		// repair it.
		return c.abandon(context.Background(), f, err)
	}
	if err := c.ring.Push(snap); err != nil {
		return c.abandon(context.Background(), f, fmt.Errorf("advance frame %d: %w", f, err))
	}
	c.frame = f + 1
	c.stats.FramesAdvanced++
	c.record(f, snap, events, false)
	c.prune()
	return nil
}

// HandleRemoteInput accepts a confirmed input from the remote channel. A
// correction for a past frame rolls back and resimulates to the current
// frame; a correction older than every retained snapshot leaves the
// controller OutOfRange and requests a resync.
func (c *Controller) HandleRemoteInput(ctx context.Context, in RemoteInput) error {
	if in.Player < 0 || in.Player >= c.cfg.Players {
		return fmt.Errorf("%w: player %d out of range", ErrBadInput, in.Player)
	}
	if in.Player == c.cfg.LocalPlayer {
		return fmt.Errorf("%w: player %d is local", ErrBadInput, in.Player)
	}
	c.confirmed[in.Player][in.Frame] = in.Input
	if !c.started || c.state == OutOfRange || in.Frame >= c.frame {
		return nil
	}
	if used, ok := c.history[in.Frame]; ok && used[in.Player] == in.Input {
		c.stats.IdenticalLate++
		return nil
	}
	return c.correct(ctx, in)
}

func (c *Controller) correct(ctx context.Context, in RemoteInput) error {
	snap, err := c.ring.NewestAtOrBefore(in.Frame)
	if err != nil {
		return c.outOfRange(ctx, in.Frame)
	}
	c.state = Correcting
	to := c.frame
	rep, err := c.codec.Decode(&snap, c.view)
	if err != nil {
		return c.abandon(ctx, in.Frame, fmt.Errorf("restore frame %d: %w", snap.Frame, err))
	}
	if err := c.tracker.Rebase(c.view); err != nil {
		return c.abandon(ctx, in.Frame, fmt.Errorf("restore frame %d: %w", snap.Frame, err))
	}
	for f := snap.Frame; f < to; f++ {
		s, events, err := c.run(f)
		if err != nil {
			return c.abandon(ctx, in.Frame, err)
		}
		if err := c.ring.Put(s); err != nil {
			return c.abandon(ctx, in.Frame, fmt.Errorf("resimulate frame %d: %w", f, err))
		}
		c.stats.FramesResimulated++
		c.record(f, s, events, true)
	}
	c.state = Advancing

	corr := Correction{Frame: in.Frame, Player: in.Player, From: snap.Frame, To: to}
	c.stats.Corrections++
	if d := corr.Depth(); d > c.stats.MaxCorrectionDepth {
		c.stats.MaxCorrectionDepth = d
	}
	c.rec.RecordCorrection(corr)
	c.log.Info("rollback correction",
		zap.Uint64("input_frame", in.Frame),
		zap.Int("player", in.Player),
		zap.Uint64("restored", snap.Frame),
		zap.Uint64("depth", corr.Depth()),
		zap.Int("cleared", len(rep.Cleared)),
		zap.Int("mismatches", len(rep.Mismatches)))
	return nil
}

func (c *Controller) outOfRange(ctx context.Context, frame uint64) error {
	oldest, _ := c.ring.Oldest()
	c.log.Warn("correction older than retained window",
		zap.Uint64("input_frame", frame),
		zap.Uint64("oldest_retained", oldest.Frame),
		zap.Uint64("current", c.frame))
	c.escalate(ctx, frame)
	return fmt.Errorf("%w: frame %d precedes retained frame %d", ErrOutOfRange, frame, oldest.Frame)
}

// abandon gives up on a frame or correction that failed after the pool was
// touched. The pool no longer matches any retained snapshot, so the
// controller waits for authoritative state from frame on.
func (c *Controller) abandon(ctx context.Context, frame uint64, cause error) error {
	c.log.Error("pool left inconsistent, escalating to resync",
		zap.Uint64("from", frame),
		zap.Uint64("current", c.frame),
		zap.Error(cause))
	c.escalate(ctx, frame)
	return fmt.Errorf("%w: resync from frame %d: %w", ErrOutOfRange, frame, cause)
}

func (c *Controller) escalate(ctx context.Context, frame uint64) {
	c.ring.Reset()
	c.state = OutOfRange
	c.pending = frame
	c.stats.OutOfRange++
	c.rec.RecordResync(frame)
	if c.resync != nil {
		if err := c.resync.RequestResync(ctx, frame); err != nil {
			c.log.Error("resync request failed", zap.Uint64("from", frame), zap.Error(err))
		}
	}
}

// CompleteResync installs authoritative state received after an
// out-of-range correction and resumes advancing from its frame.
func (c *Controller) CompleteResync(snap snapshotcodec.Snapshot) error {
	if c.state == OutOfRange && snap.Frame < c.pending {
		return fmt.Errorf("%w: state for frame %d, resync needs frame %d or later", ErrStaleResync, snap.Frame, c.pending)
	}
	if err := snapshotcodec.Verify(&snap); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	c.codec.InvalidateAll()
	if _, err := c.codec.Decode(&snap, c.view); err != nil {
		return fmt.Errorf("resync frame %d: %w", snap.Frame, err)
	}
	if err := c.tracker.Rebase(c.view); err != nil {
		return fmt.Errorf("resync frame %d: %w", snap.Frame, err)
	}
	c.ring.Reset()
	if err := c.ring.Push(snap); err != nil {
		return fmt.Errorf("resync frame %d: %w", snap.Frame, err)
	}
	c.history = map[uint64][]Input{}
	c.frame = snap.Frame
	c.state = Advancing
	c.started = true
	c.stats.Resyncs++
	c.log.Info("resync complete", zap.Uint64("frame", snap.Frame), zap.Uint64("requested_from", c.pending))
	return nil
}

// run steps frame f from the current pool state and captures frame f+1.
func (c *Controller) run(f uint64) (snapshotcodec.Snapshot, []lifecycle.Event, error) {
	inputs := c.inputsFor(f)
	c.history[f] = inputs
	if err := c.step.Step(FrameInputs{Frame: f, Inputs: inputs}); err != nil {
		return snapshotcodec.Snapshot{}, nil, fmt.Errorf("step frame %d: %w", f, err)
	}
	events, err := c.tracker.Observe(c.view)
	if err != nil {
		return snapshotcodec.Snapshot{}, nil, fmt.Errorf("observe frame %d: %w", f, err)
	}
	snap, err := c.codec.Encode(f+1, c.view, c.tracker.Active())
	if err != nil {
		return snapshotcodec.Snapshot{}, nil, fmt.Errorf("capture frame %d: %w", f+1, err)
	}
	return snap, events, nil
}

// inputsFor uses the confirmed input of each player when known and repeats
// the player's latest earlier confirmed input otherwise.
func (c *Controller) inputsFor(f uint64) []Input {
	out := make([]Input, c.cfg.Players)
	for p := range out {
		out[p] = c.predict(p, f)
	}
	return out
}

func (c *Controller) predict(p int, f uint64) Input {
	if in, ok := c.confirmed[p][f]; ok {
		return in
	}
	var (
		best  Input
		bestF uint64
		found bool
	)
	for g, in := range c.confirmed[p] {
		if g < f && (!found || g > bestF) {
			best, bestF, found = in, g, true
		}
	}
	if found {
		return best
	}
	return c.base[p]
}

func (c *Controller) record(f uint64, s snapshotcodec.Snapshot, events []lifecycle.Event, resim bool) {
	c.rec.RecordFrame(FrameRecord{
		Frame:        f,
		Inputs:       c.history[f],
		Checksum:     s.Checksum,
		Entries:      len(s.Entries),
		PayloadBytes: s.PayloadBytes(),
		FullCapture:  s.FullCaptureEntries(),
		Events:       len(events),
		Resimulated:  resim,
	})
}

// prune drops inputs older than the oldest retained snapshot; they can no
// longer be replayed.
func (c *Controller) prune() {
	oldest, ok := c.ring.Oldest()
	if !ok {
		return
	}
	for f := range c.history {
		if f < oldest.Frame {
			delete(c.history, f)
		}
	}
	for p, m := range c.confirmed {
		for f, in := range m {
			if f >= oldest.Frame {
				continue
			}
			if !c.hasBase[p] || f >= c.baseFrame[p] {
				c.base[p], c.baseFrame[p], c.hasBase[p] = in, f, true
			}
			delete(m, f)
		}
	}
}
