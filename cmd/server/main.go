package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fm2k.dev/rollback/internal/logging"
	persistlog "fm2k.dev/rollback/internal/persistence/log"
	"fm2k.dev/rollback/internal/sim/hostsim"
	"fm2k.dev/rollback/internal/sim/pool"
	"fm2k.dev/rollback/internal/sim/rollback"
	"fm2k.dev/rollback/internal/sim/schema"
	"fm2k.dev/rollback/internal/sim/session"
	"fm2k.dev/rollback/internal/sim/tuning"
	"fm2k.dev/rollback/internal/transport/ws"
)

func main() {
	var (
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml or tuning.toml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides tuning)")
		addr       = flag.String("addr", "", "http listen address (overrides tuning)")
		sessionID  = flag.String("session", "", "session id (overrides tuning)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index")

		snapPath = flag.String("snapshot", "", "archive to resume from (optional)")
		resume   = flag.Bool("resume", true, "resume from the newest archive in the session dir when -snapshot is empty")
	)
	flag.Parse()

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil && !os.IsNotExist(tuneErr) {
		fmt.Fprintln(os.Stderr, "load tuning:", tuneErr)
		os.Exit(1)
	}
	if *dataDir != "" {
		tune.Persistence.DataDir = *dataDir
	}
	if *addr != "" {
		tune.Network.Addr = *addr
	}
	if *sessionID != "" {
		tune.Persistence.SessionID = *sessionID
	}
	if *disableDB {
		tune.Persistence.DisableIndex = true
	}

	logger := logging.Must(tune.Logging.Level, tune.Logging.Format)
	defer func() { _ = logger.Sync() }()
	if tuneErr != nil {
		logger.Warn("tuning not found; using defaults", zap.String("path", tp))
	}

	if err := run(tune, strings.TrimSpace(*snapPath), *resume, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(tune tuning.Tuning, snapPath string, resume bool, logger *zap.Logger) error {
	layout := tune.Layout()
	reg, err := schema.Load(tune.Schema.Path, layout, logger)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	arena, err := pool.NewArena(layout)
	if err != nil {
		return err
	}
	view := pool.NewView(arena)
	sim, err := hostsim.Load(tune.Sim.Script, view, logger)
	if err != nil {
		return err
	}
	defer sim.Close()

	sessionDir := filepath.Join(tune.Persistence.DataDir, "sessions", tune.Persistence.SessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return err
	}

	idx, err := openRuntimeIndex(sessionDir, tune.Persistence.DisableIndex, logger)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertSchema(reg, tune.Persistence.SessionID); err != nil {
			logger.Warn("index: upsert schema", zap.Error(err))
		}
		reg.OnMiss(idx.RecordSchemaMiss)
	}

	frameLog := persistlog.NewFrameLogger(sessionDir, logger)
	defer frameLog.Close()
	recorders := rollback.Recorders{frameLog}
	if idx != nil {
		recorders = append(recorders, idx)
	}

	transport := ws.NewServer(ws.SessionInfo{
		SessionID:    tune.Persistence.SessionID,
		Players:      tune.Sim.Players,
		LocalPlayer:  tune.Sim.LocalPlayer,
		SchemaDigest: reg.Digest(),
	}, tune.Network.InboxSize, logger)

	ctl, err := rollback.New(tune.ControllerConfig(), view, reg, sim,
		rollback.WithResync(transport),
		rollback.WithRecorder(recorders),
		rollback.WithLogger(logger))
	if err != nil {
		return err
	}

	archiveDir := filepath.Join(sessionDir, "snapshots")
	if snapPath == "" && resume {
		if snapPath, err = session.Latest(archiveDir); err != nil {
			return err
		}
	}
	if snapPath != "" {
		snap, err := session.Restore(snapPath, reg, arena, ctl.Codec())
		if err != nil {
			return fmt.Errorf("resume from %s: %w", snapPath, err)
		}
		if err := ctl.StartAt(snap.Frame); err != nil {
			return err
		}
		logger.Info("resumed", zap.String("archive", filepath.Base(snapPath)), zap.Uint64("frame", snap.Frame))
	} else if err := ctl.Start(); err != nil {
		return err
	}
	transport.SetFrame(ctl.Frame())

	opts := []session.Option{session.WithLogger(logger)}
	if idx != nil {
		opts = append(opts, session.WithArchiveSink(idx))
	}
	sess := session.New(session.Config{
		SessionID:       tune.Persistence.SessionID,
		Dir:             sessionDir,
		Players:         tune.Sim.Players,
		LocalPlayer:     tune.Sim.LocalPlayer,
		FrameDuration:   tune.FrameDuration(),
		ArchiveEvery:    uint64(tune.Persistence.ArchiveEveryFrames),
		CheckpointEvery: uint64(tune.Persistence.CheckpointEveryFrames),
		KeepArchives:    tune.Persistence.KeepArchives,
		Strategy:        tune.ControllerConfig().Strategy,
	}, ctl, arena, reg, transport, sim.LocalInput, opts...)

	ctx, cancel := signalContext()
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		err := sess.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session stopped", zap.Error(err))
		}
		runErr <- err
		cancel()
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		m := metricsSnapshot{Session: sess.Stats(), Controller: sess.ControllerStats(), Peers: transport.Peers()}
		if idx != nil {
			st := idx.Stats()
			m.Index = &st
		}
		writeMetrics(rw, tune.Persistence.SessionID, m)
	})
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"session_id":    tune.Persistence.SessionID,
			"frame":         sess.Frame(),
			"schema_digest": reg.Digest(),
			"session":       sess.Stats(),
			"controller":    sess.ControllerStats(),
			"peers":         transport.Peers(),
		})
	})
	mux.HandleFunc("/v1/ws", transport.Handler())

	srv := &http.Server{
		Addr:              tune.Network.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening",
		zap.String("addr", tune.Network.Addr),
		zap.String("session", tune.Persistence.SessionID),
		zap.Uint64("frame", ctl.Frame()),
		zap.String("schema_digest", reg.Digest()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		cancel()
		<-runErr
		return fmt.Errorf("listen: %w", err)
	}
	err = <-runErr
	if werr := frameLog.WriteErrors(); werr > 0 {
		logger.Warn("frame log write errors", zap.Uint64("count", werr))
	}
	return err
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
