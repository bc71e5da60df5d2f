package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// queries maps a db subcommand to its SQL. Every query takes one LIMIT
// argument and lists newest rows first.
var queries = map[string]struct {
	sql  string
	cols []string
}{
	"frames": {
		`SELECT frame, checksum, entries, payload_bytes, full_capture, events, resimulated, inputs_json FROM frames ORDER BY frame DESC LIMIT ?`,
		[]string{"frame", "checksum", "entries", "payload_bytes", "full_capture", "events", "resimulated", "inputs"},
	},
	"corrections": {
		`SELECT input_frame, player, from_frame, to_frame, depth, recorded_at FROM corrections ORDER BY seq DESC LIMIT ?`,
		[]string{"input_frame", "player", "from_frame", "to_frame", "depth", "recorded_at"},
	},
	"resyncs": {
		`SELECT from_frame, recorded_at FROM resyncs ORDER BY seq DESC LIMIT ?`,
		[]string{"from_frame", "recorded_at"},
	},
	"misses": {
		`SELECT type_code, first_seen_at, last_seen_at, sessions FROM schema_misses ORDER BY last_seen_at DESC LIMIT ?`,
		[]string{"type_code", "first_seen_at", "last_seen_at", "sessions"},
	},
	"archives": {
		`SELECT frame, path, checksum, schema_digest, entries, payload_bytes, checkpoint FROM archives ORDER BY frame DESC LIMIT ?`,
		[]string{"frame", "path", "checksum", "schema_digest", "entries", "payload_bytes", "checkpoint"},
	},
	"meta": {
		`SELECT key, value FROM meta ORDER BY key LIMIT ?`,
		[]string{"key", "value"},
	},
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "local", "session id (ignored with -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "frames"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	query, ok := queries[q]
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		os.Exit(2)
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "sessions", *sessionID, "index", "session.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}
	if err := dumpRows(os.Stdout, db, query.sql, query.cols, *limit); err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

func dumpRows(w io.Writer, db *sql.DB, q string, cols []string, limit int) error {
	rows, err := db.Query(q, limit)
	if err != nil {
		return err
	}
	defer rows.Close()
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		out := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				out[c] = string(b)
				continue
			}
			out[c] = vals[i]
		}
		if raw, ok := out["inputs"].(string); ok {
			out["inputs"] = json.RawMessage(raw)
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return rows.Err()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
