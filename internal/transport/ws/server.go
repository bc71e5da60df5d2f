package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fm2k.dev/rollback/internal/protocol"
	"fm2k.dev/rollback/internal/sim/rollback"
	"fm2k.dev/rollback/internal/sim/snapshotcodec"
)

var ErrNoPeers = errors.New("no connected peers")

type SessionInfo struct {
	SessionID    string
	Players      int
	LocalPlayer  int
	SchemaDigest string
}

// Server is the remote input channel. Peers say HELLO for one player slot,
// then stream INPUT messages that arrive on Inbox. The simulation loop is the
// only consumer; the server never touches the controller.
type Server struct {
	info SessionInfo
	log  *zap.Logger

	upgrader websocket.Upgrader

	inbox  chan rollback.RemoteInput
	states chan snapshotcodec.Snapshot
	frame  atomic.Uint64

	mu    sync.Mutex
	peers map[int]*peer
}

type peer struct {
	player int
	name   string
	out    chan []byte
}

func NewServer(info SessionInfo, inboxSize int, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if inboxSize <= 0 {
		inboxSize = 1024
	}
	return &Server{
		info: info,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		inbox:  make(chan rollback.RemoteInput, inboxSize),
		states: make(chan snapshotcodec.Snapshot, 4),
		peers:  map[int]*peer{},
	}
}

func (s *Server) Inbox() <-chan rollback.RemoteInput { return s.inbox }

// States delivers snapshots peers sent in answer to RESYNC.
func (s *Server) States() <-chan snapshotcodec.Snapshot { return s.states }

// SetFrame publishes the authoritative frame for WELCOME messages.
func (s *Server) SetFrame(f uint64) { s.frame.Store(f) }

func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// RequestResync broadcasts RESYNC to every peer.
func (s *Server) RequestResync(ctx context.Context, fromFrame uint64) error {
	b, _ := json.Marshal(protocol.ResyncMsg{Type: protocol.TypeResync, FromFrame: fromFrame})
	if n := s.broadcast(ctx, b); n == 0 {
		return ErrNoPeers
	}
	return nil
}

// BroadcastInput sends a confirmed local input to every peer.
func (s *Server) BroadcastInput(ctx context.Context, frame uint64, player int, in rollback.Input) int {
	b, _ := json.Marshal(protocol.InputMsg{Type: protocol.TypeInput, Frame: frame, Player: player, Input: uint32(in)})
	return s.broadcast(ctx, b)
}

func (s *Server) broadcast(ctx context.Context, b []byte) int {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	sent := 0
	for _, p := range peers {
		select {
		case p.out <- b:
			sent++
		case <-ctx.Done():
			return sent
		default:
			s.log.Warn("peer queue full, dropping message", zap.Int("player", p.player))
		}
	}
	return sent
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		p := s.handshake(conn)
		if p == nil {
			return
		}
		defer s.leave(p)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-p.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			if err := s.dispatch(ctx, p, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, p *peer, msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.reply(p, protocol.ErrProtoBadRequest, "malformed json")
		return nil
	}
	switch base.Type {
	case protocol.TypeInput:
		if err := protocol.Validate(base.Type, msg); err != nil {
			s.reply(p, protocol.ErrProtoBadRequest, err.Error())
			return nil
		}
		var in protocol.InputMsg
		if err := json.Unmarshal(msg, &in); err != nil {
			return nil
		}
		if in.Player != p.player {
			s.reply(p, protocol.ErrBadPlayer, fmt.Sprintf("peer owns player %d", p.player))
			return nil
		}
		select {
		case s.inbox <- rollback.RemoteInput{Frame: in.Frame, Player: in.Player, Input: rollback.Input(in.Input)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	case protocol.TypeState:
		if err := protocol.Validate(base.Type, msg); err != nil {
			s.reply(p, protocol.ErrProtoBadRequest, err.Error())
			return nil
		}
		var st protocol.StateMsg
		if err := json.Unmarshal(msg, &st); err != nil {
			return nil
		}
		if st.SchemaDigest != s.info.SchemaDigest {
			s.reply(p, protocol.ErrSchemaDigest, "schema digest mismatch")
			return nil
		}
		select {
		case s.states <- st.Snapshot:
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		s.reply(p, protocol.ErrProtoBadRequest, "unexpected "+base.Type)
	}
	return nil
}

func (s *Server) reply(p *peer, code, msg string) {
	b, _ := json.Marshal(protocol.NewError(code, msg))
	select {
	case p.out <- b:
	default:
	}
}

func (s *Server) handshake(conn *websocket.Conn) *peer {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return nil
	}
	if err := protocol.Validate(protocol.TypeHello, msg); err != nil {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		closeWith(conn, "bad HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoVersion, "server speaks "+protocol.Version))
		closeWith(conn, "bad protocol_version")
		return nil
	}
	if hello.SchemaDigest != "" && hello.SchemaDigest != s.info.SchemaDigest {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrSchemaDigest, "schema digest mismatch"))
		closeWith(conn, "schema digest mismatch")
		return nil
	}
	if hello.Player == s.info.LocalPlayer || hello.Player >= s.info.Players {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrBadPlayer, fmt.Sprintf("player %d not available", hello.Player)))
		closeWith(conn, "bad player")
		return nil
	}

	p := &peer{player: hello.Player, name: hello.PeerName, out: make(chan []byte, 256)}
	s.mu.Lock()
	_, taken := s.peers[p.player]
	if !taken {
		s.peers[p.player] = p
	}
	s.mu.Unlock()
	if taken {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrPlayerTaken, fmt.Sprintf("player %d already connected", p.player)))
		closeWith(conn, "player taken")
		return nil
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       s.info.SessionID,
		Players:         s.info.Players,
		Player:          s.info.LocalPlayer,
		Frame:           s.frame.Load(),
		SchemaDigest:    s.info.SchemaDigest,
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.leave(p)
		return nil
	}
	s.log.Info("peer joined", zap.String("peer", p.name), zap.Int("player", p.player))
	return p
}

func (s *Server) leave(p *peer) {
	s.mu.Lock()
	if s.peers[p.player] == p {
		delete(s.peers, p.player)
	}
	s.mu.Unlock()
	s.log.Info("peer left", zap.String("peer", p.name), zap.Int("player", p.player))
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
