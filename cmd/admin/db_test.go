package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"fm2k.dev/rollback/internal/persistence/indexdb"
	"fm2k.dev/rollback/internal/sim/rollback"
)

func TestDumpRows_FramesAndCorrections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.sqlite")
	idx, err := indexdb.OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	idx.RecordFrame(rollback.FrameRecord{Frame: 3, Inputs: []rollback.Input{1, 2}, Checksum: 99, Entries: 2})
	idx.RecordCorrection(rollback.Correction{Frame: 2, Player: 1, From: 1, To: 4})
	if err := idx.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql open: %v", err)
	}
	defer db.Close()

	var buf bytes.Buffer
	q := queries["frames"]
	if err := dumpRows(&buf, db, q.sql, q.cols, 10); err != nil {
		t.Fatalf("frames: %v", err)
	}
	var row map[string]any
	if err := json.Unmarshal(buf.Bytes(), &row); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if row["frame"].(float64) != 3 || row["checksum"].(float64) != 99 {
		t.Fatalf("row=%v", row)
	}
	if in, ok := row["inputs"].([]any); !ok || len(in) != 2 {
		t.Fatalf("inputs=%v", row["inputs"])
	}

	buf.Reset()
	q = queries["corrections"]
	if err := dumpRows(&buf, db, q.sql, q.cols, 10); err != nil {
		t.Fatalf("corrections: %v", err)
	}
	if !strings.Contains(buf.String(), `"depth":3`) {
		t.Fatalf("corrections=%s", buf.String())
	}
}
