package conflict

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/storage"
	"github.com/snehjoshi/chatsync/internal/store"
	"github.com/snehjoshi/chatsync/internal/types"
)

// DefaultTombstoneRetention is how long deletions are remembered.
const DefaultTombstoneRetention = 30 * 24 * time.Hour

// TombstoneStore persists deletion markers in the tombstones table.
type TombstoneStore struct {
	st  *store.Store
	now func() time.Time
	log *zap.Logger
}

// TombstoneOption configures a TombstoneStore.
type TombstoneOption func(*TombstoneStore)

// WithTombstoneClock overrides time.Now.
func WithTombstoneClock(now func() time.Time) TombstoneOption {
	return func(t *TombstoneStore) { t.now = now }
}

// WithTombstoneLogger sets the logger.
func WithTombstoneLogger(l *zap.Logger) TombstoneOption {
	return func(t *TombstoneStore) { t.log = l }
}

// NewTombstoneStore wraps st.
func NewTombstoneStore(st *store.Store, opts ...TombstoneOption) *TombstoneStore {
	t := &TombstoneStore{st: st, now: time.Now, log: zap.NewNop()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Add records ts. A zero DeletedAt is stamped with the current time. Adding
// the same entity twice keeps the later record.
func (t *TombstoneStore) Add(ts types.Tombstone) (*types.Tombstone, error) {
	if ts.ID == "" {
		return nil, errors.New("conflict: tombstone id is empty")
	}
	if ts.DeletedAt == 0 {
		ts.DeletedAt = t.now().UnixMilli()
	}
	if err := t.st.Tombstones.Put(&ts); err != nil {
		return nil, fmt.Errorf("conflict: add tombstone %s: %w", ts.ID, err)
	}
	return &ts, nil
}

// IsDeleted reports whether a tombstone exists for the entity.
func (t *TombstoneStore) IsDeleted(it types.ItemType, id string) (bool, error) {
	_, err := t.st.Tombstones.Get(types.TombstoneKey(it, id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Get returns the tombstone for the entity or an error wrapping
// store.ErrNotFound.
func (t *TombstoneStore) Get(it types.ItemType, id string) (*types.Tombstone, error) {
	return t.st.Tombstones.Get(types.TombstoneKey(it, id))
}

// GetAll returns every tombstone.
func (t *TombstoneStore) GetAll() ([]*types.Tombstone, error) {
	return t.st.Tombstones.All()
}

// ByType returns the tombstones for one item type.
func (t *TombstoneStore) ByType(it types.ItemType) ([]*types.Tombstone, error) {
	return t.st.Tombstones.ByIndex(it.String())
}

// Clear drops every tombstone.
func (t *TombstoneStore) Clear() error { return t.st.Tombstones.Clear() }

// Cleanup removes tombstones older than retention and returns how many were
// removed. Entries exactly at the boundary are kept.
func (t *TombstoneStore) Cleanup(retention time.Duration) (int, error) {
	cutoff := t.now().UnixMilli() - retention.Milliseconds()

	all, err := t.st.Tombstones.All()
	if err != nil {
		return 0, fmt.Errorf("conflict: cleanup tombstones: %w", err)
	}
	var expired []string
	for _, ts := range all {
		if ts.DeletedAt < cutoff {
			expired = append(expired, types.TombstoneKey(ts.ItemType, ts.ID))
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	err = t.st.Batch(func(w storage.Writer) error {
		for _, key := range expired {
			if err := t.st.Tombstones.DeleteTx(w, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("conflict: cleanup tombstones: %w", err)
	}
	t.log.Info("pruned tombstones", zap.Int("removed", len(expired)), zap.Duration("retention", retention))
	return len(expired), nil
}
