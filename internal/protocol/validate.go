package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var inbound = map[string]*jsonschema.Schema{
	TypeHello: mustCompile("hello.schema.json"),
	TypeInput: mustCompile("input.schema.json"),
	TypeState: mustCompile("state.schema.json"),
}

func mustCompile(name string) *jsonschema.Schema {
	b, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(err)
	}
	return jsonschema.MustCompileString(name, string(b))
}

// Validate checks an inbound message against the schema for its type.
// Types without a schema are rejected.
func Validate(typ string, raw []byte) error {
	s, ok := inbound[typ]
	if !ok {
		return fmt.Errorf("no inbound schema for %q", typ)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return s.Validate(v)
}
