// Package backend opens the storage.Engine selected in configuration.
package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/snehjoshi/chatsync/internal/config"
	"github.com/snehjoshi/chatsync/internal/storage"
	"github.com/snehjoshi/chatsync/internal/storage/local"
	"github.com/snehjoshi/chatsync/internal/storage/sqlite"
)

// Path resolves the database file for cfg.
func Path(cfg *config.Config) string {
	if cfg.Storage.Path != "" {
		return cfg.Storage.Path
	}
	name := "chatsync.db"
	if cfg.Storage.Backend == config.BackendSQLite {
		name = "chatsync.sqlite"
	}
	return filepath.Join(cfg.Device.DataDir, name)
}

// Open creates the data directory if needed and opens the configured engine.
func Open(cfg *config.Config) (storage.Engine, error) {
	path := Path(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("backend: create dir: %w", err)
	}

	switch cfg.Storage.Backend {
	case config.BackendBolt, "":
		return local.Open(path)
	case config.BackendSQLite:
		return sqlite.Open(path)
	default:
		return nil, fmt.Errorf("backend: unknown storage backend %q", cfg.Storage.Backend)
	}
}

// Compactor is implemented by engines that can reclaim free space.
type Compactor interface {
	Compact() (before, after int64, err error)
}

type vacuumer interface{ Vacuum() error }

// Compact reclaims free space when the engine supports it. It reports false
// when the engine has no compaction.
func Compact(eng storage.Engine) (bool, error) {
	switch e := eng.(type) {
	case Compactor:
		_, _, err := e.Compact()
		return true, err
	case vacuumer:
		return true, e.Vacuum()
	}
	return false, nil
}
