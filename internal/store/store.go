// Package store is the typed adapter over storage.Engine. Each entity family
// gets a Collection that JSON-encodes values and maintains the secondary
// index the layers above rely on:
//
//	channels    no index
//	messages    indexed by channel id
//	users       no index
//	queue       indexed by status
//	cache_meta  indexed by kind
//	tombstones  indexed by item type
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/snehjoshi/chatsync/internal/storage"
	"github.com/snehjoshi/chatsync/internal/types"
)

// ErrNotFound is storage.ErrNotFound re-exported for callers that only import store.
var ErrNotFound = storage.ErrNotFound

// Collection is a typed view over one table.
type Collection[T any] struct {
	eng   storage.Engine
	table storage.Table
	id    func(*T) string
	index func(*T) string
}

// NewCollection builds a collection. index may be nil.
func NewCollection[T any](eng storage.Engine, table storage.Table, id, index func(*T) string) Collection[T] {
	return Collection[T]{eng: eng, table: table, id: id, index: index}
}

// Table returns the underlying table name.
func (c Collection[T]) Table() storage.Table { return c.table }

// Get returns the value with id, or an error wrapping ErrNotFound.
func (c Collection[T]) Get(id string) (*T, error) {
	raw, err := c.eng.Get(c.table, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("store: %s/%s: %w", c.table, id, ErrNotFound)
		}
		return nil, err
	}
	return decode[T](c.table, id, raw)
}

// All returns every value in key order.
func (c Collection[T]) All() ([]*T, error) {
	var out []*T
	err := c.eng.ForEach(c.table, func(id string, raw []byte) error {
		v, err := decode[T](c.table, id, raw)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// ByIndex returns every value whose index equals idx.
func (c Collection[T]) ByIndex(idx string) ([]*T, error) {
	var out []*T
	err := c.eng.ScanIndex(c.table, idx, func(id string, raw []byte) error {
		v, err := decode[T](c.table, id, raw)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// Put upserts v in its own transaction.
func (c Collection[T]) Put(v *T) error { return c.PutTx(c.eng, v) }

// PutTx upserts v through w, typically inside Store.Batch.
func (c Collection[T]) PutTx(w storage.Writer, v *T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", c.table, err)
	}
	idx := ""
	if c.index != nil {
		idx = c.index(v)
	}
	return w.Put(c.table, c.id(v), idx, raw)
}

// Delete removes id in its own transaction.
func (c Collection[T]) Delete(id string) error { return c.eng.Delete(c.table, id) }

// DeleteTx removes id through w.
func (c Collection[T]) DeleteTx(w storage.Writer, id string) error { return w.Delete(c.table, id) }

// Count returns the number of records.
func (c Collection[T]) Count() (int, error) { return c.eng.Count(c.table) }

// Clear removes every record.
func (c Collection[T]) Clear() error { return c.eng.Clear(c.table) }

func decode[T any](table storage.Table, id string, raw []byte) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("store: decode %s/%s: %w", table, id, err)
	}
	return v, nil
}

// ─── Store ────────────────────────────────────────────────────────────────────

// Store bundles the typed collections for every table.
type Store struct {
	eng storage.Engine

	Channels   Collection[types.Channel]
	Messages   Collection[types.Message]
	Users      Collection[types.User]
	Queue      Collection[types.QueueItem]
	Meta       Collection[types.CacheMeta]
	Tombstones Collection[types.Tombstone]
}

// New wraps eng.
func New(eng storage.Engine) *Store {
	return &Store{
		eng: eng,
		Channels: NewCollection(eng, storage.TableChannels,
			func(c *types.Channel) string { return c.ID }, nil),
		Messages: NewCollection(eng, storage.TableMessages,
			func(m *types.Message) string { return m.ID },
			func(m *types.Message) string { return m.ChannelID }),
		Users: NewCollection(eng, storage.TableUsers,
			func(u *types.User) string { return u.ID }, nil),
		Queue: NewCollection(eng, storage.TableQueue,
			func(q *types.QueueItem) string { return q.ID },
			func(q *types.QueueItem) string { return q.Status.String() }),
		Meta: NewCollection(eng, storage.TableCacheMeta,
			func(m *types.CacheMeta) string { return m.Key },
			func(m *types.CacheMeta) string { return string(m.Kind) }),
		Tombstones: NewCollection(eng, storage.TableTombstones,
			func(t *types.Tombstone) string { return types.TombstoneKey(t.ItemType, t.ID) },
			func(t *types.Tombstone) string { return t.ItemType.String() }),
	}
}

// Engine returns the underlying engine.
func (s *Store) Engine() storage.Engine { return s.eng }

// Batch runs fn in one atomic transaction.
func (s *Store) Batch(fn func(w storage.Writer) error) error { return s.eng.Batch(fn) }

// Close closes the underlying engine.
func (s *Store) Close() error { return s.eng.Close() }
