package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session routing.
	ErrBadPlayer   = "E_BAD_PLAYER"
	ErrPlayerTaken = "E_PLAYER_TAKEN"

	// Input/rollback layer.
	ErrStale         = "E_STALE"
	ErrResyncPending = "E_RESYNC_PENDING"
	ErrSchemaDigest  = "E_SCHEMA_DIGEST"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrBadPlayer:       {},
	ErrPlayerTaken:     {},
	ErrStale:           {},
	ErrResyncPending:   {},
	ErrSchemaDigest:    {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
