// Package storage defines the durable key-value contract every chatsync
// component persists through.
//
// The engine stores opaque values in named tables. Each record may carry one
// secondary index value (a message's channel id, a queue item's status) that
// ScanIndex can look up without a full table scan. Layers above this package
// must never touch files directly; swapping bbolt for SQLite is a config
// change, not a code change.
package storage

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrUnknownTable is returned for a table name outside Tables.
var ErrUnknownTable = errors.New("storage: unknown table")

// Table names one logical entity family.
type Table string

const (
	TableChannels   Table = "channels"
	TableMessages   Table = "messages"
	TableUsers      Table = "users"
	TableQueue      Table = "queue"
	TableCacheMeta  Table = "cache_meta"
	TableTombstones Table = "tombstones"
)

// Tables lists every table an engine must provision on open.
var Tables = []Table{
	TableChannels,
	TableMessages,
	TableUsers,
	TableQueue,
	TableCacheMeta,
	TableTombstones,
}

// Known reports whether t is one of Tables.
func Known(t Table) bool {
	for _, k := range Tables {
		if k == t {
			return true
		}
	}
	return false
}

// Reader is the read half of the engine.
type Reader interface {
	// Get returns the value stored under id, or ErrNotFound.
	Get(table Table, id string) ([]byte, error)

	// ForEach calls fn for every record in table in key order. Iteration
	// stops at the first non-nil error. fn must not write to the engine.
	ForEach(table Table, fn func(id string, value []byte) error) error

	// ScanIndex calls fn for every record whose index value equals index.
	// fn must not write to the engine.
	ScanIndex(table Table, index string, fn func(id string, value []byte) error) error

	// Count returns the number of records in table.
	Count(table Table) (int, error)
}

// Writer is the write half of the engine. Inside Batch it is bound to a
// single transaction.
type Writer interface {
	// Put upserts the record. index may be empty. A changed index value
	// replaces the previous one.
	Put(table Table, id, index string, value []byte) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(table Table, id string) error
}

// Engine is the single abstraction through which all state is persisted.
//
// Implementations:
//   - local.Store  bbolt, one file, the default
//   - sqlite.Store modernc.org/sqlite, one file, no CGO
//
// All methods must be safe for concurrent use.
type Engine interface {
	Reader
	Writer

	// Batch runs fn in one atomic write transaction. If fn returns an error
	// nothing it wrote is kept. fn must only touch the engine through w.
	Batch(fn func(w Writer) error) error

	// Clear removes every record in table.
	Clear(table Table) error

	// Size returns the on-disk size of the store in bytes.
	Size() (int64, error)

	// Close flushes pending writes and releases file handles.
	Close() error
}
