package local

import (
	"errors"
	"fmt"
	"os"

	"go.etcd.io/bbolt"
)

// compactTxMaxSize bounds each copy transaction during compaction.
const compactTxMaxSize = 64 << 10

// Compact rewrites the database into a fresh file, dropping the free pages
// that bbolt keeps after deletes. Cache eviction deletes whole channels at a
// time, so without compaction the file never shrinks.
//
// Compact holds the store's write lock for the whole rewrite; reads and
// writes block until it returns. It returns the file size before and after.
func (s *Store) Compact() (before, after int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0, errClosed
	}

	if fi, err := os.Stat(s.path); err == nil {
		before = fi.Size()
	}

	tmpPath := s.path + ".compact"
	_ = os.Remove(tmpPath)

	dst, err := bbolt.Open(tmpPath, 0o640, &bbolt.Options{Timeout: s.cfg.Timeout, NoSync: s.cfg.NoSync})
	if err != nil {
		return before, 0, fmt.Errorf("local: compact: open %s: %w", tmpPath, err)
	}
	if err := bbolt.Compact(dst, s.db, compactTxMaxSize); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return before, 0, fmt.Errorf("local: compact: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return before, 0, fmt.Errorf("local: compact: close copy: %w", err)
	}

	if err := s.db.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return before, 0, fmt.Errorf("local: compact: close source: %w", err)
	}
	renameErr := os.Rename(tmpPath, s.path)

	// Reopen whichever file is now at s.path so the store stays usable even
	// when the rename failed.
	db, openErr := openDB(s.path, s.cfg)
	if openErr != nil {
		s.closed = true
		return before, 0, errors.Join(renameErr, openErr)
	}
	s.db = db
	if renameErr != nil {
		_ = os.Remove(tmpPath)
		return before, before, fmt.Errorf("local: compact: swap files: %w", renameErr)
	}

	if fi, err := os.Stat(s.path); err == nil {
		after = fi.Size()
	}
	return before, after, nil
}
