package schema

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"fm2k.dev/rollback/internal/sim/pool"
)

const FullCaptureLabel = "full_capture"

// ErrSchemaMiss marks a lookup that fell back to full capture. It is never
// returned from Lookup; it tags miss notifications.
var ErrSchemaMiss = errors.New("schema miss")

// FieldDescriptor describes one dynamic field of a slot for one type.
type FieldDescriptor struct {
	Offset int
	Width  int
	Signed bool
	Label  string
}

func (f FieldDescriptor) FieldOffset() int  { return f.Offset }
func (f FieldDescriptor) FieldWidth() int   { return f.Width }
func (f FieldDescriptor) FieldSigned() bool { return f.Signed }
func (f FieldDescriptor) End() int          { return f.Offset + f.Width }

// Class ranks how much a type matters to the outcome of a frame.
type Class uint8

const (
	ClassCritical Class = iota // fighters and projectiles
	ClassPlus                  // effects that can still touch gameplay
	ClassComplete              // everything else, including unknown types
)

func (c Class) String() string {
	switch c {
	case ClassCritical:
		return "critical"
	case ClassPlus:
		return "plus"
	default:
		return "complete"
	}
}

func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "critical":
		return ClassCritical, nil
	case "plus":
		return ClassPlus, nil
	case "complete":
		return ClassComplete, nil
	}
	return 0, fmt.Errorf("unknown capture class %q", s)
}

// Strategy selects which classes a snapshot captures. The zero value
// captures everything.
type Strategy uint8

const (
	CaptureComplete Strategy = iota
	CapturePlus
	CaptureCritical
)

func (s Strategy) String() string {
	switch s {
	case CaptureCritical:
		return "critical_only"
	case CapturePlus:
		return "critical_plus"
	default:
		return "complete"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "complete":
		return CaptureComplete, nil
	case "critical_plus":
		return CapturePlus, nil
	case "critical_only":
		return CaptureCritical, nil
	}
	return 0, fmt.Errorf("unknown capture strategy %q", s)
}

// Captures reports whether slots of class c are part of a snapshot.
func (s Strategy) Captures(c Class) bool {
	switch s {
	case CaptureCritical:
		return c == ClassCritical
	case CapturePlus:
		return c <= ClassPlus
	default:
		return true
	}
}

type TypeSchema struct {
	Type   pool.TypeCode
	Fields []FieldDescriptor
	Class  Class

	// FullCapture is set on the fallback schema only.
	FullCapture bool

	payload int
}

// PayloadSize is the number of bytes one entry of this type carries.
func (s *TypeSchema) PayloadSize() int { return s.payload }

// Extent is the end of the furthest field.
func (s *TypeSchema) Extent() int {
	n := 0
	for _, f := range s.Fields {
		if f.End() > n {
			n = f.End()
		}
	}
	return n
}

// Covers reports whether byte offset off belongs to a declared field.
func (s *TypeSchema) Covers(off int) bool {
	for _, f := range s.Fields {
		if off >= f.Offset && off < f.End() {
			return true
		}
	}
	return false
}

func newTypeSchema(tc pool.TypeCode, fields []FieldDescriptor) *TypeSchema {
	s := &TypeSchema{Type: tc, Fields: fields}
	for _, f := range fields {
		s.payload += f.Width
	}
	return s
}

// MissFunc is notified the first time each unknown type is looked up.
type MissFunc func(tc pool.TypeCode)

// Registry maps type codes to schemas. It is read-only after construction
// except for miss bookkeeping.
type Registry struct {
	stride  int
	byType  map[pool.TypeCode]*TypeSchema
	globals *TypeSchema
	digest  string

	log    *zap.Logger
	onMiss MissFunc

	mu       sync.Mutex
	fallback map[pool.TypeCode]*TypeSchema
	misses   map[pool.TypeCode]uint64
}

type Option func(*Registry)

// WithGlobals declares the captured fields of the globals block. Offsets are
// relative to the block.
func WithGlobals(fields ...FieldDescriptor) Option {
	return func(r *Registry) {
		if len(fields) > 0 {
			r.globals = newTypeSchema(0, fields)
		}
	}
}

// New builds a registry from already-validated schemas. Use Load or
// FromTable for external tables.
func New(stride int, schemas []*TypeSchema, log *zap.Logger, opts ...Option) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		stride:   stride,
		byType:   make(map[pool.TypeCode]*TypeSchema, len(schemas)),
		log:      log,
		fallback: map[pool.TypeCode]*TypeSchema{},
		misses:   map[pool.TypeCode]uint64{},
	}
	for _, s := range schemas {
		s.payload = 0
		for _, f := range s.Fields {
			s.payload += f.Width
		}
		r.byType[s.Type] = s
	}
	for _, o := range opts {
		o(r)
	}
	r.digest = r.computeDigest()
	return r
}

func (r *Registry) OnMiss(fn MissFunc) { r.onMiss = fn }

func (r *Registry) Stride() int { return r.stride }

// Lookup returns the registered schema for tc, or the full-capture fallback
// with exact=false.
func (r *Registry) Lookup(tc pool.TypeCode) (s *TypeSchema, exact bool) {
	if s, ok := r.byType[tc]; ok {
		return s, true
	}
	r.mu.Lock()
	fb, ok := r.fallback[tc]
	if !ok {
		fb = newTypeSchema(tc, []FieldDescriptor{{Offset: 0, Width: r.stride, Label: FullCaptureLabel}})
		fb.FullCapture = true
		fb.Class = ClassComplete
		r.fallback[tc] = fb
	}
	r.misses[tc]++
	n := r.misses[tc]
	r.mu.Unlock()

	if n == 1 {
		r.log.Warn("schema miss, using full capture", zap.Uint32("type", uint32(tc)), zap.Int("bytes", r.stride))
		if r.onMiss != nil {
			r.onMiss(tc)
		}
	} else {
		r.log.Debug("schema miss", zap.Uint32("type", uint32(tc)), zap.Uint64("count", n))
	}
	return fb, false
}

// Globals is the globals block schema, or nil when none is declared.
func (r *Registry) Globals() *TypeSchema { return r.globals }

// Misses returns a copy of the per-type miss counters.
func (r *Registry) Misses() map[pool.TypeCode]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[pool.TypeCode]uint64, len(r.misses))
	for k, v := range r.misses {
		out[k] = v
	}
	return out
}

// Codes lists registered type codes in ascending order.
func (r *Registry) Codes() []pool.TypeCode {
	out := make([]pool.TypeCode, 0, len(r.byType))
	for tc := range r.byType {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Digest identifies the table contents; archives carry it so a replay never
// decodes with a different table.
func (r *Registry) Digest() string { return r.digest }

func (r *Registry) computeDigest() string {
	h := sha256.New()
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(r.stride))
	h.Write(tmp[:])
	writeFields := func(fields []FieldDescriptor) {
		binary.LittleEndian.PutUint64(tmp[:], uint64(len(fields)))
		h.Write(tmp[:])
		for _, f := range fields {
			binary.LittleEndian.PutUint32(tmp[:4], uint32(f.Offset))
			binary.LittleEndian.PutUint32(tmp[4:], uint32(f.Width))
			h.Write(tmp[:])
			if f.Signed {
				h.Write([]byte{1})
			} else {
				h.Write([]byte{0})
			}
			h.Write([]byte(f.Label))
			h.Write([]byte{0})
		}
	}
	for _, tc := range r.Codes() {
		s := r.byType[tc]
		binary.LittleEndian.PutUint64(tmp[:], uint64(tc))
		h.Write(tmp[:])
		writeFields(s.Fields)
		// Critical is the zero class and adds nothing.
		if s.Class != ClassCritical {
			h.Write([]byte{'c', byte(s.Class)})
		}
	}
	if r.globals != nil {
		h.Write([]byte("globals"))
		writeFields(r.globals.Fields)
	}
	return hex.EncodeToString(h.Sum(nil))
}
