package tuning

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"fm2k.dev/rollback/internal/sim/pool"
	"fm2k.dev/rollback/internal/sim/rollback"
	"fm2k.dev/rollback/internal/sim/schema"
)

type Tuning struct {
	Pool        PoolTuning        `yaml:"pool" toml:"pool"`
	Rollback    RollbackTuning    `yaml:"rollback" toml:"rollback"`
	Schema      SchemaTuning      `yaml:"schema" toml:"schema"`
	Sim         SimTuning         `yaml:"sim" toml:"sim"`
	Persistence PersistenceTuning `yaml:"persistence" toml:"persistence"`
	Network     NetworkTuning     `yaml:"network" toml:"network"`
	Logging     LoggingTuning     `yaml:"logging" toml:"logging"`
}

type PoolTuning struct {
	Slots        int    `yaml:"slots" toml:"slots"`
	Stride       int    `yaml:"stride" toml:"stride"`
	TypeOffset   int    `yaml:"type_offset" toml:"type_offset"`
	TypeWidth    int    `yaml:"type_width" toml:"type_width"`
	InactiveType uint32 `yaml:"inactive_type" toml:"inactive_type"`
	GlobalsSize  int    `yaml:"globals_size" toml:"globals_size"`
}

type RollbackTuning struct {
	RingCapacity     int    `yaml:"ring_capacity" toml:"ring_capacity"`
	MaxSnapshotBytes int    `yaml:"max_snapshot_bytes" toml:"max_snapshot_bytes"`
	Diagnostic       bool   `yaml:"diagnostic" toml:"diagnostic"`
	CaptureStrategy  string `yaml:"capture_strategy" toml:"capture_strategy"` // complete, critical_plus or critical_only
}

type SchemaTuning struct {
	Path string `yaml:"path" toml:"path"`
}

type SimTuning struct {
	Script      string `yaml:"script" toml:"script"`
	Players     int    `yaml:"players" toml:"players"`
	LocalPlayer int    `yaml:"local_player" toml:"local_player"`
	FrameRateHz int    `yaml:"frame_rate_hz" toml:"frame_rate_hz"`
}

type PersistenceTuning struct {
	DataDir               string `yaml:"data_dir" toml:"data_dir"`
	SessionID             string `yaml:"session_id" toml:"session_id"`
	ArchiveEveryFrames    int    `yaml:"archive_every_frames" toml:"archive_every_frames"`
	CheckpointEveryFrames int    `yaml:"checkpoint_every_frames" toml:"checkpoint_every_frames"`
	KeepArchives          int    `yaml:"keep_archives" toml:"keep_archives"`
	DisableIndex          bool   `yaml:"disable_index" toml:"disable_index"`
}

type NetworkTuning struct {
	Addr      string `yaml:"addr" toml:"addr"`
	InboxSize int    `yaml:"inbox_size" toml:"inbox_size"`
}

type LoggingTuning struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults matches the observed host: 1024 slots of 382 bytes with a 4-byte
// tag at offset 0 and a 128-byte globals block, stepped at 100 Hz.
func Defaults() Tuning {
	l := pool.DefaultLayout()
	return Tuning{
		Pool: PoolTuning{
			Slots:        l.Slots,
			Stride:       l.Stride,
			TypeOffset:   l.TypeOffset,
			TypeWidth:    l.TypeWidth,
			InactiveType: uint32(l.InactiveType),
			GlobalsSize:  l.GlobalsSize,
		},
		Rollback: RollbackTuning{
			RingCapacity:     120,
			MaxSnapshotBytes: 1 << 20,
			CaptureStrategy:  schema.CaptureComplete.String(),
		},
		Schema: SchemaTuning{Path: "configs/schemas.yaml"},
		Sim: SimTuning{
			Script:      "configs/sim.lua",
			Players:     2,
			FrameRateHz: 100,
		},
		Persistence: PersistenceTuning{
			DataDir:               "data",
			SessionID:             "local",
			ArchiveEveryFrames:    600,
			CheckpointEveryFrames: 36000,
			KeepArchives:          5,
		},
		Network: NetworkTuning{Addr: ":7070", InboxSize: 1024},
		Logging: LoggingTuning{Level: "info", Format: "console"},
	}
}

// Load reads a YAML or TOML file (by extension) over Defaults and validates
// the result.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	default:
		return t, fmt.Errorf("%s: unsupported tuning format %q", filepath.Base(path), ext)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if err := t.Layout().Validate(); err != nil {
		errs = append(errs, err)
	}
	if t.Rollback.RingCapacity < 2 {
		errs = append(errs, fmt.Errorf("rollback.ring_capacity must be >= 2, got %d", t.Rollback.RingCapacity))
	}
	if t.Rollback.MaxSnapshotBytes < 0 {
		errs = append(errs, fmt.Errorf("rollback.max_snapshot_bytes must be >= 0, got %d", t.Rollback.MaxSnapshotBytes))
	}
	if _, err := schema.ParseStrategy(t.Rollback.CaptureStrategy); err != nil {
		errs = append(errs, fmt.Errorf("rollback.capture_strategy: %w", err))
	}
	if t.Sim.Players < 1 {
		errs = append(errs, fmt.Errorf("sim.players must be >= 1, got %d", t.Sim.Players))
	}
	if t.Sim.LocalPlayer < 0 || t.Sim.LocalPlayer >= t.Sim.Players {
		errs = append(errs, fmt.Errorf("sim.local_player %d out of range", t.Sim.LocalPlayer))
	}
	if t.Sim.FrameRateHz <= 0 || t.Sim.FrameRateHz > 1000 {
		errs = append(errs, fmt.Errorf("sim.frame_rate_hz must be in 1..1000, got %d", t.Sim.FrameRateHz))
	}
	if t.Persistence.ArchiveEveryFrames < 0 || t.Persistence.CheckpointEveryFrames < 0 {
		errs = append(errs, fmt.Errorf("persistence.archive_every_frames and checkpoint_every_frames must be >= 0"))
	}
	if t.Persistence.KeepArchives < 1 {
		errs = append(errs, fmt.Errorf("persistence.keep_archives must be >= 1, got %d", t.Persistence.KeepArchives))
	}
	if t.Network.InboxSize < 1 {
		errs = append(errs, fmt.Errorf("network.inbox_size must be >= 1"))
	}
	return errors.Join(errs...)
}

func (t Tuning) Layout() pool.Layout {
	return pool.Layout{
		Slots:        t.Pool.Slots,
		Stride:       t.Pool.Stride,
		TypeOffset:   t.Pool.TypeOffset,
		TypeWidth:    t.Pool.TypeWidth,
		InactiveType: pool.TypeCode(t.Pool.InactiveType),
		GlobalsSize:  t.Pool.GlobalsSize,
	}
}

// ControllerConfig assumes t has been validated.
func (t Tuning) ControllerConfig() rollback.Config {
	strategy, _ := schema.ParseStrategy(t.Rollback.CaptureStrategy)
	return rollback.Config{
		Players:      t.Sim.Players,
		LocalPlayer:  t.Sim.LocalPlayer,
		RingCapacity: t.Rollback.RingCapacity,
		MaxBytes:     t.Rollback.MaxSnapshotBytes,
		Diagnostic:   t.Rollback.Diagnostic,
		Strategy:     strategy,
	}
}

func (t Tuning) FrameDuration() time.Duration {
	return time.Second / time.Duration(t.Sim.FrameRateHz)
}
