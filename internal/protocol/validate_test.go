package protocol

import (
	"encoding/json"
	"testing"

	"fm2k.dev/rollback/internal/sim/snapshotcodec"
)

func TestValidate_Samples(t *testing.T) {
	state, _ := json.Marshal(StateMsg{
		Type:         TypeState,
		SchemaDigest: "abc",
		Snapshot: snapshotcodec.Snapshot{Frame: 20, Checksum: 7, Entries: []snapshotcodec.Entry{
			{Slot: 1, Type: 4, Fields: []byte{1, 2}, Checksum: 9},
		}},
	})
	cases := []struct {
		typ  string
		raw  string
		okay bool
	}{
		{TypeHello, `{"type":"HELLO","protocol_version":"1.0","peer_name":"p2","player":1}`, true},
		{TypeHello, `{"type":"HELLO","protocol_version":"1.0","peer_name":"p2","player":9}`, false},
		{TypeHello, `{"type":"HELLO","protocol_version":"1.0","peer_name":"p2","player":1,"token":"x"}`, false},
		{TypeInput, `{"type":"INPUT","frame":12,"player":1,"input":255}`, true},
		{TypeInput, `{"type":"INPUT","frame":-1,"player":1,"input":255}`, false},
		{TypeInput, `{"type":"INPUT","frame":3,"player":1}`, false},
		{TypeState, string(state), true},
		{TypeState, `{"type":"STATE","schema_digest":"abc","snapshot":{"Frame":1}}`, false},
		{TypeWelcome, `{"type":"WELCOME"}`, false},
	}
	for i, c := range cases {
		err := Validate(c.typ, []byte(c.raw))
		if (err == nil) != c.okay {
			t.Fatalf("case %d (%s): err=%v want ok=%v", i, c.typ, err, c.okay)
		}
	}
}

func TestDecodeBase(t *testing.T) {
	b, _ := json.Marshal(InputMsg{Type: TypeInput, Frame: 4, Player: 1, Input: 3})
	m, err := DecodeBase(b)
	if err != nil || m.Type != TypeInput {
		t.Fatalf("base=%+v err=%v", m, err)
	}
	if e := NewError(ErrStale, "late"); e.Type != TypeError || !IsKnownCode(e.Code) {
		t.Fatalf("error msg=%+v", e)
	}
}
