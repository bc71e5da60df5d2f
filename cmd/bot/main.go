package main

import (
	"encoding/json"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fm2k.dev/rollback/internal/logging"
	"fm2k.dev/rollback/internal/protocol"
)

// bot joins a session as a remote player and streams random inputs. With
// -lag it sends each input that many frames late, which forces the server
// through its correction path.
func main() {
	var (
		url    = flag.String("url", "ws://localhost:7070/v1/ws", "ws url")
		name   = flag.String("name", "bot", "peer name")
		player = flag.Int("player", 1, "player slot to claim")
		hz     = flag.Int("hz", 100, "input rate")
		lag    = flag.Int("lag", 3, "frames of artificial input delay")
		seed   = flag.Int64("seed", 1, "input rng seed")
	)
	flag.Parse()

	logger := logging.Must("info", "console").Named("bot")
	defer func() { _ = logger.Sync() }()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatal("dial", zap.Error(err))
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PeerName:        *name,
		Player:          *player,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatal("send HELLO", zap.Error(err))
	}

	welcome := make(chan protocol.WelcomeMsg, 1)
	go readLoop(conn, logger, welcome)

	var w protocol.WelcomeMsg
	select {
	case w = <-welcome:
	case <-time.After(5 * time.Second):
		logger.Fatal("no WELCOME")
	}
	logger.Info("WELCOME",
		zap.String("session", w.SessionID),
		zap.Int("players", w.Players),
		zap.Uint64("frame", w.Frame),
		zap.String("schema_digest", w.SchemaDigest))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	ticker := time.NewTicker(time.Second / time.Duration(*hz))
	defer ticker.Stop()
	r := rand.New(rand.NewSource(*seed))
	frame := w.Frame
	var pending []protocol.InputMsg
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		pending = append(pending, protocol.InputMsg{
			Type:   protocol.TypeInput,
			Frame:  frame,
			Player: *player,
			Input:  uint32(r.Intn(4)) | uint32(r.Intn(8)/7)<<4,
		})
		frame++
		for len(pending) > *lag {
			if err := conn.WriteJSON(pending[0]); err != nil {
				logger.Error("send INPUT", zap.Error(err))
				return
			}
			pending = pending[1:]
		}
	}
}

func readLoop(conn *websocket.Conn, logger *zap.Logger, welcome chan<- protocol.WelcomeMsg) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Info("connection closed", zap.Error(err))
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err == nil {
				welcome <- w
			}
		case protocol.TypeResync:
			var rs protocol.ResyncMsg
			_ = json.Unmarshal(msg, &rs)
			logger.Warn("server requested resync; bot holds no state", zap.Uint64("from_frame", rs.FromFrame))
		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			logger.Warn("server error", zap.String("code", e.Code), zap.String("message", e.Message))
		}
	}
}
