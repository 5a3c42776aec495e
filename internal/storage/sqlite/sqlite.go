// Package sqlite is an alternate storage.Engine backed by modernc.org/sqlite,
// a CGO-free SQLite. Every table shares one relation keyed by (tbl, id) with a
// secondary index on (tbl, idx).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/snehjoshi/chatsync/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	tbl   TEXT NOT NULL,
	id    TEXT NOT NULL,
	idx   TEXT NOT NULL DEFAULT '',
	value BLOB NOT NULL,
	PRIMARY KEY (tbl, id)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS records_idx ON records (tbl, idx);
`

// Store is the SQLite implementation of storage.Engine.
type Store struct {
	db   *sql.DB
	path string
}

var _ storage.Engine = (*Store)(nil)

// Open opens (or creates) the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One connection serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

func checkTable(t storage.Table) error {
	if !storage.Known(t) {
		return fmt.Errorf("%w: %s", storage.ErrUnknownTable, t)
	}
	return nil
}

// Get returns the value stored under id.
func (s *Store) Get(table storage.Table, id string) ([]byte, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	var val []byte
	err := s.db.QueryRow(`SELECT value FROM records WHERE tbl = ? AND id = ?`, string(table), id).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s/%s: %w", table, id, err)
	}
	return val, nil
}

// ForEach iterates in id order. Rows are read fully before fn runs so that
// the single connection is free again for any follow-up query.
func (s *Store) ForEach(table storage.Table, fn func(id string, value []byte) error) error {
	if err := checkTable(table); err != nil {
		return err
	}
	recs, err := s.query(`SELECT id, value FROM records WHERE tbl = ? ORDER BY id`, string(table))
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := fn(r.id, r.value); err != nil {
			return err
		}
	}
	return nil
}

// ScanIndex iterates records whose idx equals index.
func (s *Store) ScanIndex(table storage.Table, index string, fn func(id string, value []byte) error) error {
	if err := checkTable(table); err != nil {
		return err
	}
	recs, err := s.query(`SELECT id, value FROM records WHERE tbl = ? AND idx = ? ORDER BY id`, string(table), index)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := fn(r.id, r.value); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of records in table.
func (s *Store) Count(table storage.Table) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE tbl = ?`, string(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count %s: %w", table, err)
	}
	return n, nil
}

// Size returns page_count * page_size.
func (s *Store) Size() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: size: %w", err)
	}
	return n, nil
}

// Put upserts one record.
func (s *Store) Put(table storage.Table, id, index string, value []byte) error {
	return execWriter{s.db}.Put(table, id, index, value)
}

// Delete removes one record.
func (s *Store) Delete(table storage.Table, id string) error {
	return execWriter{s.db}.Delete(table, id)
}

// Batch runs fn inside one SQL transaction.
func (s *Store) Batch(fn func(w storage.Writer) error) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(execWriter{tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Clear removes every record in table.
func (s *Store) Clear(table storage.Table) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM records WHERE tbl = ?`, string(table)); err != nil {
		return fmt.Errorf("sqlite: clear %s: %w", table, err)
	}
	return nil
}

// Vacuum rebuilds the database file to reclaim free pages.
func (s *Store) Vacuum() error {
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("sqlite: vacuum: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

type record struct {
	id    string
	value []byte
}

func (s *Store) query(q string, args ...any) ([]record, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	var out []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.id, &r.value); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type execWriter struct{ ex execer }

func (w execWriter) Put(table storage.Table, id, index string, value []byte) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if id == "" {
		return errors.New("sqlite: empty record id")
	}
	if value == nil {
		value = []byte{}
	}
	_, err := w.ex.Exec(`INSERT INTO records (tbl, id, idx, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (tbl, id) DO UPDATE SET idx = excluded.idx, value = excluded.value`,
		string(table), id, index, value)
	if err != nil {
		return fmt.Errorf("sqlite: put %s/%s: %w", table, id, err)
	}
	return nil
}

func (w execWriter) Delete(table storage.Table, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := w.ex.Exec(`DELETE FROM records WHERE tbl = ? AND id = ?`, string(table), id); err != nil {
		return fmt.Errorf("sqlite: delete %s/%s: %w", table, id, err)
	}
	return nil
}
