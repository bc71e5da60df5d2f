package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"fm2k.dev/rollback/internal/persistence/archive"
	"fm2k.dev/rollback/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "archives":
			archivesCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "sessions"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

// archivesCmd prints the header of every rolling archive and checkpoint of
// a session, oldest first.
func archivesCmd(args []string) {
	fs := flag.NewFlagSet("archives", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "local", "session id")
	_ = fs.Parse(args)

	sessionDir := filepath.Join(*dataDir, "sessions", *sessionID)
	dir := filepath.Join(sessionDir, "snapshots")
	frames, err := snapshot.List(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	for _, f := range frames {
		path := snapshot.Path(dir, f)
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(path), err)
			continue
		}
		printJSON(struct {
			Kind string `json:"kind"`
			Path string `json:"path"`
			snapshot.Header
		}{"rolling", path, h})
	}

	cps, _ := filepath.Glob(filepath.Join(sessionDir, "checkpoints", "frame_*"))
	for _, cp := range cps {
		m, err := archive.ReadMeta(cp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(cp), err)
			continue
		}
		printJSON(struct {
			Kind string `json:"kind"`
			Dir  string `json:"dir"`
			archive.CheckpointMeta
		}{"checkpoint", cp, m})
	}
}
