package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"fm2k.dev/rollback/internal/persistence/snapshot"
	"fm2k.dev/rollback/internal/sim/pool"
	"fm2k.dev/rollback/internal/sim/rollback"
	"fm2k.dev/rollback/internal/sim/schema"
)

// SQLiteIndex is a queryable read model of a session. Writes are queued and
// applied in batches by one goroutine; when the queue is full they are
// dropped, since the frame log stays the source of truth.
type SQLiteIndex struct {
	db  *sql.DB
	log *zap.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu orders sends on ch against close(ch).
	mu     sync.RWMutex
	closed bool

	dropFrame      atomic.Uint64
	dropCorrection atomic.Uint64
	dropResync     atomic.Uint64
	dropMiss       atomic.Uint64
	dropArchive    atomic.Uint64
	writeErrors    atomic.Uint64
}

type reqKind int

const (
	reqFrame reqKind = iota + 1
	reqCorrection
	reqResync
	reqMiss
	reqArchive
	reqFlush
)

type req struct {
	kind reqKind
	at   string

	frame      rollback.FrameRecord
	correction rollback.Correction
	resync     uint64
	miss       pool.TypeCode
	archive    archiveRow
	done       chan struct{}
}

type archiveRow struct {
	Frame        uint64
	Path         string
	Checksum     uint32
	SchemaDigest string
	Entries      int
	PayloadBytes int
	Checkpoint   bool
}

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	DropFrameTotal      uint64
	DropCorrectionTotal uint64
	DropResyncTotal     uint64
	DropMissTotal       uint64
	DropArchiveTotal    uint64
	WriteErrorTotal     uint64
}

func OpenSQLite(path string, log *zap.Logger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:  db,
		log: log,
		// A long correction burst records one row per resimulated frame.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS schemas (
			digest TEXT PRIMARY KEY,
			stride INTEGER NOT NULL,
			types INTEGER NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS frames (
			frame INTEGER PRIMARY KEY,
			checksum INTEGER NOT NULL,
			entries INTEGER NOT NULL,
			payload_bytes INTEGER NOT NULL,
			full_capture INTEGER NOT NULL,
			events INTEGER NOT NULL,
			resimulated INTEGER NOT NULL,
			inputs_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS corrections (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			input_frame INTEGER NOT NULL,
			player INTEGER NOT NULL,
			from_frame INTEGER NOT NULL,
			to_frame INTEGER NOT NULL,
			depth INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_corrections_input_frame ON corrections(input_frame);`,
		`CREATE TABLE IF NOT EXISTS resyncs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			from_frame INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS schema_misses (
			type_code INTEGER PRIMARY KEY,
			first_seen_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,
			sessions INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS archives (
			frame INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			checksum INTEGER NOT NULL,
			schema_digest TEXT NOT NULL,
			entries INTEGER NOT NULL,
			payload_bytes INTEGER NOT NULL,
			checkpoint INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
		DropFrameTotal:      s.dropFrame.Load(),
		DropCorrectionTotal: s.dropCorrection.Load(),
		DropResyncTotal:     s.dropResync.Load(),
		DropMissTotal:       s.dropMiss.Load(),
		DropArchiveTotal:    s.dropArchive.Load(),
		WriteErrorTotal:     s.writeErrors.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	r.at = time.Now().UTC().Format(time.RFC3339Nano)
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) RecordFrame(r rollback.FrameRecord) {
	s.enqueue(req{kind: reqFrame, frame: r}, &s.dropFrame)
}

func (s *SQLiteIndex) RecordCorrection(c rollback.Correction) {
	s.enqueue(req{kind: reqCorrection, correction: c}, &s.dropCorrection)
}

func (s *SQLiteIndex) RecordResync(from uint64) {
	s.enqueue(req{kind: reqResync, resync: from}, &s.dropResync)
}

// RecordSchemaMiss fits schema.MissFunc.
func (s *SQLiteIndex) RecordSchemaMiss(tc pool.TypeCode) {
	s.enqueue(req{kind: reqMiss, miss: tc}, &s.dropMiss)
}

func (s *SQLiteIndex) RecordArchive(path string, a snapshot.ArchiveV1, checkpoint bool) {
	s.enqueue(req{kind: reqArchive, archive: archiveRow{
		Frame:        a.Snapshot.Frame,
		Path:         path,
		Checksum:     a.Snapshot.Checksum,
		SchemaDigest: a.Header.SchemaDigest,
		Entries:      len(a.Snapshot.Entries),
		PayloadBytes: a.Snapshot.PayloadBytes(),
		Checkpoint:   checkpoint,
	}}, &s.dropArchive)
}

// UpsertSchema stores the schema table in effect, keyed by its digest, and
// the session metadata.
func (s *SQLiteIndex) UpsertSchema(reg *schema.Registry, sessionID string) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(reg.Table())
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	meta := [][2]string{
		{"schema_version", "1"},
		{"session_id", sessionID},
		{"schema_digest", reg.Digest()},
	}
	for _, kv := range meta {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, kv[0], kv[1]); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO schemas(digest,stride,types,json,updated_at) VALUES(?,?,?,?,?)`,
		reg.Digest(), reg.Stride(), len(reg.Codes()), string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFrame, _ := s.db.Prepare(`INSERT OR REPLACE INTO frames(frame,checksum,entries,payload_bytes,full_capture,events,resimulated,inputs_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertCorrection, _ := s.db.Prepare(`INSERT INTO corrections(input_frame,player,from_frame,to_frame,depth,recorded_at) VALUES(?,?,?,?,?,?)`)
	insertResync, _ := s.db.Prepare(`INSERT INTO resyncs(from_frame,recorded_at) VALUES(?,?)`)
	upsertMiss, _ := s.db.Prepare(`INSERT INTO schema_misses(type_code,first_seen_at,last_seen_at,sessions) VALUES(?,?,?,1)
		ON CONFLICT(type_code) DO UPDATE SET last_seen_at=excluded.last_seen_at, sessions=sessions+1`)
	insertArchive, _ := s.db.Prepare(`INSERT OR REPLACE INTO archives(frame,path,checksum,schema_digest,entries,payload_bytes,checkpoint) VALUES(?,?,?,?,?,?,?)`)
	for _, st := range []*sql.Stmt{insertFrame, insertCorrection, insertResync, upsertMiss, insertArchive} {
		if st != nil {
			defer st.Close()
		}
	}

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.log.Warn("index begin failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollbackTx := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			if s.writeErrors.Add(1) == 1 {
				s.log.Error("index write failed", zap.Error(err))
			}
			rollbackTx()
			return
		}
		opCount++
	}

	tick := time.NewTicker(commitMaxWait / 2)
	defer tick.Stop()
	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			if r.kind == reqFlush {
				commit()
				close(r.done)
				continue
			}
			begin()
			if tx == nil {
				continue
			}
			switch r.kind {
			case reqFrame:
				f := r.frame
				in, _ := json.Marshal(f.Inputs)
				exec(insertFrame, int64(f.Frame), int64(f.Checksum), f.Entries, f.PayloadBytes, f.FullCapture, f.Events, f.Resimulated, string(in))
			case reqCorrection:
				c := r.correction
				exec(insertCorrection, int64(c.Frame), c.Player, int64(c.From), int64(c.To), int64(c.Depth()), r.at)
			case reqResync:
				exec(insertResync, int64(r.resync), r.at)
			case reqMiss:
				exec(upsertMiss, int64(r.miss), r.at, r.at)
			case reqArchive:
				a := r.archive
				exec(insertArchive, int64(a.Frame), a.Path, int64(a.Checksum), a.SchemaDigest, a.Entries, a.PayloadBytes, a.Checkpoint)
			}
			if tx != nil && opCount >= commitEvery {
				commit()
			}
		case <-tick.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		}
	}
}

// Flush commits everything queued so far. It waits for the writer but never
// drops the request.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
