package conflict_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/chatsync/internal/conflict"
	"github.com/snehjoshi/chatsync/internal/store"
	"github.com/snehjoshi/chatsync/internal/store/storetest"
	"github.com/snehjoshi/chatsync/internal/types"
)

const day = 24 * time.Hour

func TestTombstones_AddGet(t *testing.T) {
	clk := storetest.NewClock(5_000)
	ts := conflict.NewTombstoneStore(storetest.New(t), conflict.WithTombstoneClock(clk.Now))

	got, err := ts.Add(types.Tombstone{ID: "m1", ItemType: types.ItemMessage, DeletedBy: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), got.DeletedAt)

	deleted, err := ts.IsDeleted(types.ItemMessage, "m1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = ts.IsDeleted(types.ItemMessage, "m2")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = ts.Get(types.ItemMessage, "m2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = ts.Add(types.Tombstone{})
	assert.Error(t, err)
}

func TestTombstones_KeyedByItemType(t *testing.T) {
	clk := storetest.NewClock(1_000)
	ts := conflict.NewTombstoneStore(storetest.New(t), conflict.WithTombstoneClock(clk.Now))

	_, err := ts.Add(types.Tombstone{ID: "x1", ItemType: types.ItemChannel, DeletedAt: 100})
	require.NoError(t, err)
	_, err = ts.Add(types.Tombstone{ID: "x1", ItemType: types.ItemMessage, DeletedAt: 900})
	require.NoError(t, err)

	ch, err := ts.Get(types.ItemChannel, "x1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), ch.DeletedAt)
	m, err := ts.Get(types.ItemMessage, "x1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), m.DeletedAt)

	deleted, err := ts.IsDeleted(types.ItemUser, "x1")
	require.NoError(t, err)
	assert.False(t, deleted)

	all, err := ts.GetAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTombstones_ByTypeAndClear(t *testing.T) {
	ts := conflict.NewTombstoneStore(storetest.New(t))
	for _, tb := range []types.Tombstone{
		{ID: "m1", ItemType: types.ItemMessage},
		{ID: "m2", ItemType: types.ItemMessage},
		{ID: "c1", ItemType: types.ItemChannel},
	} {
		_, err := ts.Add(tb)
		require.NoError(t, err)
	}

	msgs, err := ts.ByType(types.ItemMessage)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	require.NoError(t, ts.Clear())
	all, err := ts.GetAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTombstones_CleanupRemovesOnlyOlder(t *testing.T) {
	now := int64(100 * day / time.Millisecond)
	clk := storetest.NewClock(now)
	ts := conflict.NewTombstoneStore(storetest.New(t), conflict.WithTombstoneClock(clk.Now))

	add := func(id string, age time.Duration) {
		_, err := ts.Add(types.Tombstone{ID: id, ItemType: types.ItemMessage, DeletedAt: now - age.Milliseconds()})
		require.NoError(t, err)
	}
	add("ancient", 40*day)
	add("old", 31*day)
	add("boundary", 30*day)
	add("recent", day)

	n, err := ts.Cleanup(30 * day)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := ts.GetAll()
	require.NoError(t, err)
	var ids []string
	for _, tb := range all {
		ids = append(ids, tb.ID)
	}
	assert.ElementsMatch(t, []string{"boundary", "recent"}, ids)

	n, err = ts.Cleanup(30 * day)
	require.NoError(t, err)
	assert.Zero(t, n)
}
