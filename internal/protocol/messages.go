package protocol

import "fm2k.dev/rollback/internal/sim/snapshotcodec"

// HELLO (peer -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PeerName        string `json:"peer_name"`
	Player          int    `json:"player"`
	SchemaDigest    string `json:"schema_digest,omitempty"`
}

// WELCOME (server -> peer)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Players         int    `json:"players"`
	Player          int    `json:"player"`
	Frame           uint64 `json:"frame"`
	SchemaDigest    string `json:"schema_digest"`
}

// INPUT carries one confirmed input. Sent in both directions.
type InputMsg struct {
	Type   string `json:"type"`
	Frame  uint64 `json:"frame"`
	Player int    `json:"player"`
	Input  uint32 `json:"input"`
}

// RESYNC (server -> peers) asks for authoritative state from a frame.
type ResyncMsg struct {
	Type      string `json:"type"`
	FromFrame uint64 `json:"from_frame"`
}

// STATE (peer -> server) answers RESYNC with a full snapshot.
type StateMsg struct {
	Type         string                 `json:"type"`
	SchemaDigest string                 `json:"schema_digest"`
	Snapshot     snapshotcodec.Snapshot `json:"snapshot"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Code: code, Message: msg}
}
