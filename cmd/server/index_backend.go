package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"fm2k.dev/rollback/internal/persistence/indexdb"
)

// openRuntimeIndex opens the read-model index. It never affects what the
// controller computes; the frame log stays the source of truth.
func openRuntimeIndex(sessionDir string, disable bool, log *zap.Logger) (*indexdb.SQLiteIndex, error) {
	if disable {
		return nil, nil
	}
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("RB_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}
	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(sessionDir, "index", "session.sqlite"), log)
	default:
		return nil, fmt.Errorf("unsupported RB_INDEX_BACKEND: %s", backend)
	}
}
