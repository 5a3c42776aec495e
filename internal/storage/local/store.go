// Package local is the default storage.Engine: a single bbolt file holding one
// bucket per table plus one companion bucket per table for the secondary index.
//
// bbolt is pure Go, ACID, and keeps everything in one file inside the data
// directory, which is what an embedded client store needs.
package local

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/chatsync/internal/storage"
)

// Config holds options that tune Store behaviour.
type Config struct {
	// Timeout is how long Open waits for the file lock. Zero fails fast when
	// another process holds the database.
	Timeout time.Duration
	// NoSync skips fsync on commit. Tests only.
	NoSync bool
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{Timeout: time.Second}
}

// Store is the bbolt implementation of storage.Engine.
//
// All operations hold mu for reading; Compact holds it for writing while it
// swaps the underlying file.
type Store struct {
	path string
	cfg  Config

	mu     sync.RWMutex
	db     *bbolt.DB
	closed bool
}

var _ storage.Engine = (*Store)(nil)

// Open opens (or creates) the database file at path and provisions every
// table in storage.Tables.
func Open(path string, cfgs ...Config) (*Store, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	db, err := openDB(path, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg, db: db}, nil
}

func openDB(path string, cfg Config) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("local: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, t := range storage.Tables {
			if _, err := tx.CreateBucketIfNotExists(dataBucket(t)); err != nil {
				return err
			}
			if _, err := tx.CreateBucketIfNotExists(indexBucket(t)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local: init buckets: %w", err)
	}
	return db, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// ─── Reads ────────────────────────────────────────────────────────────────────

// Get returns the value stored under id.
func (s *Store) Get(table storage.Table, id string) ([]byte, error) {
	var out []byte
	err := s.view(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, table)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		_, val, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		// Values returned by bbolt are only valid inside the transaction.
		out = bytes.Clone(val)
		return nil
	})
	return out, err
}

// ForEach iterates the table in key order.
func (s *Store) ForEach(table storage.Table, fn func(id string, value []byte) error) error {
	return s.view(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, table)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			_, val, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("local: %s/%s: %w", table, k, err)
			}
			return fn(string(k), val)
		})
	})
}

// ScanIndex walks the index bucket by prefix and resolves each hit.
func (s *Store) ScanIndex(table storage.Table, index string, fn func(id string, value []byte) error) error {
	return s.view(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, table)
		if err != nil {
			return err
		}
		prefix := indexPrefix(index)
		c := tx.Bucket(indexBucket(table)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			id := k[len(prefix):]
			raw := b.Get(id)
			if raw == nil {
				// Dangling index key; Put/Delete keep both buckets in one
				// transaction so this only happens on a corrupted file.
				continue
			}
			_, val, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			if err := fn(string(id), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of records in table.
func (s *Store) Count(table storage.Table) (int, error) {
	var n int
	err := s.view(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, table)
		if err != nil {
			return err
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// Size returns the database file size in bytes.
func (s *Store) Size() (int64, error) {
	var n int64
	err := s.view(func(tx *bbolt.Tx) error {
		n = tx.Size()
		return nil
	})
	return n, err
}

// ─── Writes ───────────────────────────────────────────────────────────────────

// Put upserts one record in its own transaction.
func (s *Store) Put(table storage.Table, id, index string, value []byte) error {
	return s.Batch(func(w storage.Writer) error { return w.Put(table, id, index, value) })
}

// Delete removes one record in its own transaction.
func (s *Store) Delete(table storage.Table, id string) error {
	return s.Batch(func(w storage.Writer) error { return w.Delete(table, id) })
}

// Batch runs fn in a single bbolt write transaction.
func (s *Store) Batch(fn func(w storage.Writer) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(txWriter{tx: tx})
	})
}

// Clear drops and recreates the table's buckets.
func (s *Store) Clear(table storage.Table) error {
	if !storage.Known(table) {
		return fmt.Errorf("%w: %s", storage.ErrUnknownTable, table)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{dataBucket(table), indexBucket(table)} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database. Calling Close twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var errClosed = errors.New("local: store is closed")

func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return s.db.View(fn)
}

// txWriter binds storage.Writer to one bbolt transaction.
type txWriter struct{ tx *bbolt.Tx }

func (w txWriter) Put(table storage.Table, id, index string, value []byte) error {
	if id == "" {
		return errors.New("local: empty record id")
	}
	if bytes.IndexByte([]byte(index), 0) >= 0 {
		return errors.New("local: index value must not contain NUL")
	}
	b, err := bucket(w.tx, table)
	if err != nil {
		return err
	}
	idx := w.tx.Bucket(indexBucket(table))
	key := []byte(id)

	if old := b.Get(key); old != nil {
		oldIndex, _, err := decodeRecord(old)
		if err == nil && oldIndex != "" && oldIndex != index {
			if err := idx.Delete(indexKey(oldIndex, id)); err != nil {
				return err
			}
		}
	}
	if err := b.Put(key, encodeRecord(index, value)); err != nil {
		return fmt.Errorf("local: put %s/%s: %w", table, id, err)
	}
	if index != "" {
		if err := idx.Put(indexKey(index, id), []byte{}); err != nil {
			return fmt.Errorf("local: index %s/%s: %w", table, id, err)
		}
	}
	return nil
}

func (w txWriter) Delete(table storage.Table, id string) error {
	b, err := bucket(w.tx, table)
	if err != nil {
		return err
	}
	key := []byte(id)
	old := b.Get(key)
	if old == nil {
		return nil
	}
	if oldIndex, _, err := decodeRecord(old); err == nil && oldIndex != "" {
		if err := w.tx.Bucket(indexBucket(table)).Delete(indexKey(oldIndex, id)); err != nil {
			return err
		}
	}
	return b.Delete(key)
}

// ─── Bucket naming ────────────────────────────────────────────────────────────

func dataBucket(t storage.Table) []byte  { return []byte(t) }
func indexBucket(t storage.Table) []byte { return []byte(string(t) + ".idx") }

func indexPrefix(index string) []byte { return append([]byte(index), 0) }

func indexKey(index, id string) []byte { return append(indexPrefix(index), id...) }

func bucket(tx *bbolt.Tx, t storage.Table) (*bbolt.Bucket, error) {
	if !storage.Known(t) {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownTable, t)
	}
	b := tx.Bucket(dataBucket(t))
	if b == nil {
		return nil, fmt.Errorf("local: bucket %s missing", t)
	}
	return b, nil
}
