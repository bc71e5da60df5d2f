package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"fm2k.dev/rollback/internal/persistence/snapshot"
)

type CheckpointMeta struct {
	Frame        uint64 `json:"frame"`
	SessionID    string `json:"session_id"`
	SchemaDigest string `json:"schema_digest"`
	Checksum     uint32 `json:"checksum"`
	Snapshot     string `json:"snapshot"`
	CreatedAt    string `json:"created_at"`
}

// PromoteCheckpoint copies a rolling archive into
// `dataDir/checkpoints/frame_<N>/` when its frame is a multiple of every.
// Rolling archives are pruned; checkpoints are kept.
func PromoteCheckpoint(dataDir, archivePath string, h snapshot.Header, every uint64) (dst string, promoted bool, err error) {
	if every == 0 || h.Frame == 0 || h.Frame%every != 0 {
		return "", false, nil
	}
	dir := filepath.Join(dataDir, "checkpoints", fmt.Sprintf("frame_%012d", h.Frame))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, err
	}
	dst = filepath.Join(dir, filepath.Base(archivePath))
	if err := copyFile(archivePath, dst); err != nil {
		return "", false, err
	}
	meta := CheckpointMeta{
		Frame:        h.Frame,
		SessionID:    h.SessionID,
		SchemaDigest: h.SchemaDigest,
		Checksum:     h.Checksum,
		Snapshot:     filepath.Base(dst),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644)
	}
	return dst, true, nil
}

// ReadMeta loads the meta.json next to a promoted checkpoint.
func ReadMeta(checkpointDir string) (CheckpointMeta, error) {
	var m CheckpointMeta
	b, err := os.ReadFile(filepath.Join(checkpointDir, "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
