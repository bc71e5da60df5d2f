package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"fm2k.dev/rollback/internal/sim/pool"
)

var ErrDefinition = errors.New("schema definition error")

// DefinitionError reports a malformed schema table. Row is the zero-based row
// index, or -1 when the problem concerns the document as a whole.
type DefinitionError struct {
	Row    int
	Type   pool.TypeCode
	Reason string
}

func (e *DefinitionError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("schema definition: %s", e.Reason)
	}
	return fmt.Sprintf("schema definition: row %d (type %#x): %s", e.Row, uint32(e.Type), e.Reason)
}

func (e *DefinitionError) Unwrap() error { return ErrDefinition }

// Table is the on-disk form: one row per field; the contiguous rows sharing
// a type code form one schema, in row order. Types optionally assigns capture
// classes and Globals declares the captured fields of the globals block.
type Table struct {
	Stride  int         `yaml:"stride,omitempty" json:"stride,omitempty"`
	Rows    []Row       `yaml:"rows" json:"rows"`
	Types   []TypeRow   `yaml:"types,omitempty" json:"types,omitempty"`
	Globals []GlobalRow `yaml:"globals,omitempty" json:"globals,omitempty"`
}

type Row struct {
	TypeCode uint32 `yaml:"type_code" json:"type_code"`
	Offset   int    `yaml:"offset" json:"offset"`
	Width    int    `yaml:"width" json:"width"`
	Signed   bool   `yaml:"signed,omitempty" json:"signed,omitempty"`
	Label    string `yaml:"label,omitempty" json:"label,omitempty"`
}

// TypeRow assigns a capture class to a type that has rows. Types without one
// are critical.
type TypeRow struct {
	TypeCode uint32 `yaml:"type_code" json:"type_code"`
	Class    string `yaml:"class" json:"class"`
	Label    string `yaml:"label,omitempty" json:"label,omitempty"`
}

type GlobalRow struct {
	Offset int    `yaml:"offset" json:"offset"`
	Width  int    `yaml:"width" json:"width"`
	Signed bool   `yaml:"signed,omitempty" json:"signed,omitempty"`
	Label  string `yaml:"label,omitempty" json:"label,omitempty"`
}

const tableSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["rows"],
  "additionalProperties": false,
  "properties": {
    "stride": {"type": "integer", "minimum": 1},
    "rows": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type_code", "offset", "width"],
        "additionalProperties": false,
        "properties": {
          "type_code": {"type": "integer", "minimum": 0, "maximum": 4294967295},
          "offset": {"type": "integer", "minimum": 0},
          "width": {"enum": [1, 2, 4]},
          "signed": {"type": "boolean"},
          "label": {"type": "string"}
        }
      }
    },
    "types": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type_code", "class"],
        "additionalProperties": false,
        "properties": {
          "type_code": {"type": "integer", "minimum": 0, "maximum": 4294967295},
          "class": {"enum": ["critical", "plus", "complete"]},
          "label": {"type": "string"}
        }
      }
    },
    "globals": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["offset", "width"],
        "additionalProperties": false,
        "properties": {
          "offset": {"type": "integer", "minimum": 0},
          "width": {"enum": [1, 2, 4]},
          "signed": {"type": "boolean"},
          "label": {"type": "string"}
        }
      }
    }
  }
}`

var tableSchema = jsonschema.MustCompileString("schema_table.json", tableSchemaJSON)

// Load reads a YAML schema table and builds a registry for the given layout.
func Load(path string, layout pool.Layout, log *zap.Logger) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema table %s: %w", path, err)
	}
	t, err := ParseTable(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return FromTable(t, layout, log)
}

// ParseTable decodes a YAML (or JSON) document and checks it structurally.
func ParseTable(raw []byte) (Table, error) {
	var t Table
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return t, &DefinitionError{Row: -1, Reason: err.Error()}
	}
	// Round-trip through JSON so the validator sees json.Number values.
	b, err := json.Marshal(doc)
	if err != nil {
		return t, &DefinitionError{Row: -1, Reason: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return t, &DefinitionError{Row: -1, Reason: err.Error()}
	}
	if err := tableSchema.Validate(generic); err != nil {
		return t, &DefinitionError{Row: -1, Reason: err.Error()}
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, &DefinitionError{Row: -1, Reason: err.Error()}
	}
	return t, nil
}

// FromTable validates row semantics and builds the registry.
func FromTable(t Table, layout pool.Layout, log *zap.Logger) (*Registry, error) {
	if t.Stride != 0 && t.Stride != layout.Stride {
		return nil, &DefinitionError{Row: -1, Reason: fmt.Sprintf("table stride %d != pool stride %d", t.Stride, layout.Stride)}
	}
	schemas, err := group(t.Rows, layout)
	if err != nil {
		return nil, err
	}
	if err := assignClasses(schemas, t.Types); err != nil {
		return nil, err
	}
	globals, err := globalFields(t.Globals, layout)
	if err != nil {
		return nil, err
	}
	return New(layout.Stride, schemas, log, WithGlobals(globals...)), nil
}

func assignClasses(schemas []*TypeSchema, types []TypeRow) error {
	byType := make(map[pool.TypeCode]*TypeSchema, len(schemas))
	for _, s := range schemas {
		byType[s.Type] = s
	}
	seen := map[pool.TypeCode]bool{}
	for i, tr := range types {
		tc := pool.TypeCode(tr.TypeCode)
		s, ok := byType[tc]
		if !ok {
			return &DefinitionError{Row: i, Type: tc, Reason: "class given for a type without rows"}
		}
		if seen[tc] {
			return &DefinitionError{Row: i, Type: tc, Reason: "class given twice"}
		}
		seen[tc] = true
		c, err := ParseClass(tr.Class)
		if err != nil {
			return &DefinitionError{Row: i, Type: tc, Reason: err.Error()}
		}
		s.Class = c
	}
	return nil
}

func globalFields(rows []GlobalRow, layout pool.Layout) ([]FieldDescriptor, error) {
	var out []FieldDescriptor
	for i, r := range rows {
		if r.Width != 1 && r.Width != 2 && r.Width != 4 {
			return nil, &DefinitionError{Row: i, Reason: fmt.Sprintf("global %q width %d not in {1,2,4}", r.Label, r.Width)}
		}
		if r.Offset < 0 || r.Offset+r.Width > layout.GlobalsSize {
			return nil, &DefinitionError{Row: i, Reason: fmt.Sprintf("global %q range [%d,%d) exceeds globals size %d", r.Label, r.Offset, r.Offset+r.Width, layout.GlobalsSize)}
		}
		fd := FieldDescriptor{Offset: r.Offset, Width: r.Width, Signed: r.Signed, Label: r.Label}
		for _, f := range out {
			if fd.Offset < f.End() && f.Offset < fd.End() {
				return nil, &DefinitionError{Row: i, Reason: fmt.Sprintf("global %q overlaps %q", fd.Label, f.Label)}
			}
		}
		out = append(out, fd)
	}
	return out, nil
}

func group(rows []Row, layout pool.Layout) ([]*TypeSchema, error) {
	var (
		out  []*TypeSchema
		seen = map[pool.TypeCode]bool{}
		cur  *TypeSchema
	)
	for i, r := range rows {
		tc := pool.TypeCode(r.TypeCode)
		if tc == layout.InactiveType {
			return nil, &DefinitionError{Row: i, Type: tc, Reason: "type code equals the inactive sentinel"}
		}
		if r.Width != 1 && r.Width != 2 && r.Width != 4 {
			return nil, &DefinitionError{Row: i, Type: tc, Reason: fmt.Sprintf("width %d not in {1,2,4}", r.Width)}
		}
		if r.Offset < 0 || r.Offset+r.Width > layout.Stride {
			return nil, &DefinitionError{Row: i, Type: tc, Reason: fmt.Sprintf("range [%d,%d) exceeds stride %d", r.Offset, r.Offset+r.Width, layout.Stride)}
		}
		if cur == nil || cur.Type != tc {
			if seen[tc] {
				return nil, &DefinitionError{Row: i, Type: tc, Reason: "rows for this type code are not contiguous"}
			}
			seen[tc] = true
			cur = &TypeSchema{Type: tc}
			out = append(out, cur)
		}
		fd := FieldDescriptor{Offset: r.Offset, Width: r.Width, Signed: r.Signed, Label: r.Label}
		for _, f := range cur.Fields {
			if fd.Offset < f.End() && f.Offset < fd.End() {
				return nil, &DefinitionError{Row: i, Type: tc, Reason: fmt.Sprintf("field %q overlaps %q", fd.Label, f.Label)}
			}
		}
		cur.Fields = append(cur.Fields, fd)
		cur.payload += fd.Width
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// Table flattens the registry back into its on-disk form, for the index and
// tooling.
func (r *Registry) Table() Table {
	t := Table{Stride: r.stride, Rows: r.Rows()}
	for _, tc := range r.Codes() {
		if c := r.byType[tc].Class; c != ClassCritical {
			t.Types = append(t.Types, TypeRow{TypeCode: uint32(tc), Class: c.String()})
		}
	}
	if r.globals != nil {
		for _, f := range r.globals.Fields {
			t.Globals = append(t.Globals, GlobalRow{Offset: f.Offset, Width: f.Width, Signed: f.Signed, Label: f.Label})
		}
	}
	return t
}

func (r *Registry) Rows() []Row {
	var out []Row
	for _, tc := range r.Codes() {
		for _, f := range r.byType[tc].Fields {
			out = append(out, Row{TypeCode: uint32(tc), Offset: f.Offset, Width: f.Width, Signed: f.Signed, Label: f.Label})
		}
	}
	return out
}
