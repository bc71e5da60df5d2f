package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fm2k.dev/rollback/internal/sim/pool"
)

var testLayout = pool.Layout{Slots: 8, Stride: 400, TypeOffset: 0, TypeWidth: 4, InactiveType: 0}

const sampleTable = `
stride: 400
rows:
  - {type_code: 0x04, offset: 8, width: 4, signed: true, label: pos_x}
  - {type_code: 0x04, offset: 12, width: 4, signed: true, label: pos_y}
  - {type_code: 0x04, offset: 44, width: 2, label: anim}
  - {type_code: 0x11, offset: 382, width: 1, label: state}
  - {type_code: 0x11, offset: 386, width: 1, label: counter}
`

func mustRegistry(t *testing.T, src string) *Registry {
	t.Helper()
	tbl, err := ParseTable([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r, err := FromTable(tbl, testLayout, nil)
	if err != nil {
		t.Fatalf("from table: %v", err)
	}
	return r
}

func TestLoad_GroupsRowsInOrder(t *testing.T) {
	r := mustRegistry(t, sampleTable)
	s, exact := r.Lookup(0x04)
	if !exact {
		t.Fatalf("0x04 should be an exact match")
	}
	if len(s.Fields) != 3 || s.Fields[0].Label != "pos_x" || s.Fields[2].Label != "anim" {
		t.Fatalf("fields=%+v", s.Fields)
	}
	if s.PayloadSize() != 10 {
		t.Fatalf("payload=%d want 10", s.PayloadSize())
	}
	if got := r.Codes(); len(got) != 2 || got[0] != 0x04 || got[1] != 0x11 {
		t.Fatalf("codes=%v", got)
	}
	if len(r.Rows()) != 5 {
		t.Fatalf("rows=%d want 5", len(r.Rows()))
	}
}

func TestLoad_FromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "schemas.yaml")
	if err := os.WriteFile(p, []byte(sampleTable), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := Load(p, testLayout, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.Digest() == "" {
		t.Fatalf("empty digest")
	}
	if r.Digest() != mustRegistry(t, sampleTable).Digest() {
		t.Fatalf("digest not stable across loads")
	}
}

func TestLoad_Rejects(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"overlap", `rows:
  - {type_code: 1, offset: 8, width: 4}
  - {type_code: 1, offset: 10, width: 2}`},
		{"non-contiguous type", `rows:
  - {type_code: 1, offset: 8, width: 4}
  - {type_code: 2, offset: 8, width: 4}
  - {type_code: 1, offset: 20, width: 4}`},
		{"bad width", `rows:
  - {type_code: 1, offset: 8, width: 3}`},
		{"past stride", `rows:
  - {type_code: 1, offset: 398, width: 4}`},
		{"inactive sentinel", `rows:
  - {type_code: 0, offset: 8, width: 4}`},
		{"unknown key", `rows:
  - {type_code: 1, offset: 8, width: 4, colour: red}`},
		{"stride mismatch", `stride: 382
rows:
  - {type_code: 1, offset: 8, width: 4}`},
		{"missing rows", `stride: 400`},
		{"global without block", `rows:
  - {type_code: 1, offset: 8, width: 4}
globals:
  - {offset: 0, width: 4, label: seed}`},
		{"class for unknown type", `rows:
  - {type_code: 1, offset: 8, width: 4}
types:
  - {type_code: 2, class: plus}`},
		{"class twice", `rows:
  - {type_code: 1, offset: 8, width: 4}
types:
  - {type_code: 1, class: plus}
  - {type_code: 1, class: complete}`},
		{"bad class", `rows:
  - {type_code: 1, offset: 8, width: 4}
types:
  - {type_code: 1, class: cosmetic}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tbl, err := ParseTable([]byte(c.src))
			if err == nil {
				_, err = FromTable(tbl, testLayout, nil)
			}
			if !errors.Is(err, ErrDefinition) {
				t.Fatalf("err=%v want ErrDefinition", err)
			}
			var de *DefinitionError
			if !errors.As(err, &de) {
				t.Fatalf("err=%T want *DefinitionError", err)
			}
		})
	}
}

func TestLookup_FullCaptureFallback(t *testing.T) {
	r := mustRegistry(t, sampleTable)
	var missed []pool.TypeCode
	r.OnMiss(func(tc pool.TypeCode) { missed = append(missed, tc) })

	s, exact := r.Lookup(0x77)
	if exact {
		t.Fatalf("0x77 must not match")
	}
	if !s.FullCapture || len(s.Fields) != 1 || s.Fields[0].Offset != 0 || s.Fields[0].Width != 400 {
		t.Fatalf("fallback schema=%+v", s)
	}
	s2, _ := r.Lookup(0x77)
	if s2 != s {
		t.Fatalf("fallback should be cached per type")
	}
	if r.Misses()[0x77] != 2 {
		t.Fatalf("misses=%v want 2 for 0x77", r.Misses())
	}
	if len(missed) != 1 || missed[0] != 0x77 {
		t.Fatalf("miss hook calls=%v want one for 0x77", missed)
	}
}

func TestTypeSchema_Covers(t *testing.T) {
	r := mustRegistry(t, sampleTable)
	s, _ := r.Lookup(0x11)
	if !s.Covers(382) || !s.Covers(386) {
		t.Fatalf("declared offsets not covered")
	}
	if s.Covers(383) || s.Covers(0) {
		t.Fatalf("undeclared offsets covered")
	}
}

func TestLoad_ShippedTable(t *testing.T) {
	r, err := Load(filepath.Join("..", "..", "..", "configs", "schemas.yaml"), pool.DefaultLayout(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := r.Codes(); len(got) != 3 {
		t.Fatalf("codes=%v", got)
	}
	if s, exact := r.Lookup(0x04); !exact || s.PayloadSize() != 28 {
		t.Fatalf("fighter payload=%d", s.PayloadSize())
	}
	if s, _ := r.Lookup(0x20); s.Class != ClassPlus {
		t.Fatalf("spark class=%v want plus", s.Class)
	}
	g := r.Globals()
	if g == nil || g.Extent() > pool.DefaultLayout().GlobalsSize {
		t.Fatalf("globals=%+v", g)
	}
}

func TestLoad_ClassesAndGlobals(t *testing.T) {
	layout := testLayout
	layout.GlobalsSize = 16
	src := sampleTable + `types:
  - {type_code: 0x11, class: complete, label: projectile}
globals:
  - {offset: 0, width: 4, label: random_seed}
  - {offset: 4, width: 2, signed: true, label: round_timer}
`
	tbl, err := ParseTable([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r, err := FromTable(tbl, layout, nil)
	if err != nil {
		t.Fatalf("from table: %v", err)
	}
	if s, _ := r.Lookup(0x04); s.Class != ClassCritical {
		t.Fatalf("unlisted type class=%v want critical", s.Class)
	}
	if s, _ := r.Lookup(0x11); s.Class != ClassComplete {
		t.Fatalf("0x11 class=%v want complete", s.Class)
	}
	g := r.Globals()
	if g == nil || g.PayloadSize() != 6 || g.Extent() != 6 {
		t.Fatalf("globals=%+v", g)
	}
	if r.Digest() == mustRegistry(t, sampleTable).Digest() {
		t.Fatalf("classes and globals must change the digest")
	}
	back := r.Table()
	if len(back.Types) != 1 || back.Types[0].Class != "complete" || len(back.Globals) != 2 {
		t.Fatalf("table=%+v", back)
	}
}

func TestStrategy_Captures(t *testing.T) {
	cases := []struct {
		s    Strategy
		want [3]bool
	}{
		{CaptureComplete, [3]bool{true, true, true}},
		{CapturePlus, [3]bool{true, true, false}},
		{CaptureCritical, [3]bool{true, false, false}},
	}
	for _, c := range cases {
		for i, cl := range []Class{ClassCritical, ClassPlus, ClassComplete} {
			if got := c.s.Captures(cl); got != c.want[i] {
				t.Fatalf("%v captures %v = %v", c.s, cl, got)
			}
		}
		back, err := ParseStrategy(c.s.String())
		if err != nil || back != c.s {
			t.Fatalf("parse %q = %v, %v", c.s.String(), back, err)
		}
	}
	if _, err := ParseStrategy("ui_only"); err == nil {
		t.Fatalf("unknown strategy accepted")
	}
}

func TestLoad_ReappearingTypeNamesRow(t *testing.T) {
	tbl, err := ParseTable([]byte(`rows:
  - {type_code: 1, offset: 8, width: 4}
  - {type_code: 2, offset: 8, width: 4}
  - {type_code: 1, offset: 20, width: 4}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = FromTable(tbl, testLayout, nil)
	var de *DefinitionError
	if !errors.As(err, &de) || de.Row != 2 || de.Type != 1 || !strings.Contains(de.Reason, "not contiguous") {
		t.Fatalf("err=%v want row 2 rejected as not contiguous", err)
	}
}
