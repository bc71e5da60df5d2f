package archive

import (
	"os"
	"path/filepath"
	"testing"

	"fm2k.dev/rollback/internal/persistence/snapshot"
)

func TestPromoteCheckpoint(t *testing.T) {
	dataDir := t.TempDir()
	src := snapshot.Path(filepath.Join(dataDir, "snapshots"), 1200)
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	want := []byte("dummy")
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	cases := []struct {
		frame, every uint64
		promoted     bool
	}{
		{frame: 1200, every: 600, promoted: true},
		{frame: 1100, every: 600},
		{frame: 0, every: 600},
		{frame: 1200, every: 0},
	}
	for _, c := range cases {
		h := snapshot.Header{Frame: c.frame, SessionID: "s1", SchemaDigest: "abc", Checksum: 7}
		dst, ok, err := PromoteCheckpoint(dataDir, src, h, c.every)
		if err != nil {
			t.Fatalf("frame %d: %v", c.frame, err)
		}
		if ok != c.promoted {
			t.Fatalf("frame %d every %d: promoted=%v want %v", c.frame, c.every, ok, c.promoted)
		}
		if !ok {
			continue
		}
		got, err := os.ReadFile(dst)
		if err != nil || string(got) != string(want) {
			t.Fatalf("copied content=%q err=%v", got, err)
		}
		m, err := ReadMeta(filepath.Dir(dst))
		if err != nil {
			t.Fatalf("meta: %v", err)
		}
		if m.Frame != 1200 || m.SessionID != "s1" || m.Snapshot != filepath.Base(src) {
			t.Fatalf("meta=%+v", m)
		}
	}
}
