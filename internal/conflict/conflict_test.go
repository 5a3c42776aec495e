package conflict_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/chatsync/internal/conflict"
	"github.com/snehjoshi/chatsync/internal/types"
)

func msg(id, content string, updatedAt int64) *types.Message {
	return &types.Message{ID: id, ChannelID: "c1", Content: content, UpdatedAt: updatedAt}
}

func newMessageResolver(opts ...conflict.Option[types.Message]) *conflict.Resolver[types.Message] {
	opts = append([]conflict.Option[types.Message]{conflict.WithMerge(conflict.MergeMessages)}, opts...)
	return conflict.NewResolver(types.ItemMessage, opts...)
}

var ctx = context.Background()

// ─── detection ───────────────────────────────────────────────────────────────

func TestDetectConflict(t *testing.T) {
	r := newMessageResolver()

	tests := []struct {
		name   string
		local  *types.Message
		remote *types.Message
		want   conflict.Type
	}{
		{"identical timestamps", msg("m", "a", 1000), msg("m", "b", 1000), ""},
		{"missing remote", msg("m", "a", 1000), nil, ""},
		{"missing local", nil, msg("m", "a", 1000), ""},
		{"within window", msg("m", "a", 1000), msg("m", "b", 1500), conflict.ConcurrentEdit},
		{"just under window", msg("m", "a", 2999), msg("m", "b", 2000), conflict.ConcurrentEdit},
		{"exactly window", msg("m", "a", 1000), msg("m", "b", 2000), conflict.VersionMismatch},
		{"far apart", msg("m", "a", 1000), msg("m", "b", 90_000), conflict.VersionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := r.DetectConflict(tt.local, tt.remote)
			if tt.want == "" {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			assert.Equal(t, tt.want, c.Type)
			assert.Equal(t, types.ItemMessage, c.ItemType)
			assert.Equal(t, "m", c.EntityID)
			assert.NotEmpty(t, c.ID)
			assert.Equal(t, tt.local.UpdatedAt, c.LocalTimestamp)
			assert.Equal(t, tt.remote.UpdatedAt, c.RemoteTimestamp)
		})
	}
}

func TestDetectConflict_ConfigurableWindow(t *testing.T) {
	r := newMessageResolver(conflict.WithWindow[types.Message](5 * time.Second))
	c := r.DetectConflict(msg("m", "a", 0), msg("m", "b", 4000))
	require.NotNil(t, c)
	assert.Equal(t, conflict.ConcurrentEdit, c.Type)
}

// ─── strategies ──────────────────────────────────────────────────────────────

func TestResolve_LastWriteWins(t *testing.T) {
	r := newMessageResolver()

	newerLocal := r.NewConflict(conflict.VersionMismatch, msg("m", "local", 2000), msg("m", "remote", 1000))
	res := r.Resolve(ctx, newerLocal, conflict.LastWriteWins)
	require.True(t, res.Resolved)
	assert.Equal(t, "local", res.Value.Content)
	assert.Equal(t, conflict.SideLocal, res.Winner)

	newerRemote := r.NewConflict(conflict.VersionMismatch, msg("m", "local", 1000), msg("m", "remote", 2000))
	res = r.Resolve(ctx, newerRemote, conflict.LastWriteWins)
	assert.Equal(t, "remote", res.Value.Content)

	tie := r.NewConflict(conflict.VersionMismatch, msg("m", "local", 1000), msg("m", "remote", 1000))
	res = r.Resolve(ctx, tie, conflict.LastWriteWins)
	assert.Equal(t, "remote", res.Value.Content, "ties favour remote")
}

func TestResolve_FixedSides(t *testing.T) {
	r := newMessageResolver()
	c := r.NewConflict(conflict.VersionMismatch, msg("m", "local", 1), msg("m", "remote", 2))

	assert.Equal(t, "local", r.Resolve(ctx, c, conflict.LocalWins).Value.Content)
	assert.Equal(t, "remote", r.Resolve(ctx, c, conflict.RemoteWins).Value.Content)

	res := r.Resolve(ctx, c, "coin_flip")
	assert.False(t, res.Resolved)
	assert.ErrorIs(t, res.Err, conflict.ErrUnknownStrategy)
}

func TestResolve_MergeUnionsReactions(t *testing.T) {
	r := newMessageResolver()

	local := msg("m", "hello", 1000)
	local.Reactions = []types.Reaction{
		{Emoji: "👍", UserIDs: []string{"u1", "u2"}, Count: 2},
		{Emoji: "🎉", UserIDs: []string{"u3"}, Count: 1},
	}
	remote := msg("m", "hello", 1200)
	remote.Edited = true
	remote.Reactions = []types.Reaction{
		{Emoji: "👍", UserIDs: []string{"u4"}, Count: 1},
	}

	res := r.Resolve(ctx, r.DetectConflict(local, remote), conflict.Merge)
	require.True(t, res.Resolved)
	require.NoError(t, res.Err)
	assert.Equal(t, conflict.SideMerged, res.Winner)
	assert.True(t, res.Value.Edited, "remote's other fields are kept")
	assert.Equal(t, []types.Reaction{
		{Emoji: "👍", UserIDs: []string{"u4", "u1", "u2"}, Count: 3},
		{Emoji: "🎉", UserIDs: []string{"u3"}, Count: 1},
	}, res.Value.Reactions)

	// Inputs are untouched.
	assert.Len(t, remote.Reactions[0].UserIDs, 1)
}

func TestMergeMessages_KeepsRemoteTimestamp(t *testing.T) {
	local := msg("m", "hello", 2000)
	local.Reactions = []types.Reaction{{Emoji: "👍", UserIDs: []string{"u1"}, Count: 1}}
	remote := msg("m", "hello", 1500)

	out, err := conflict.MergeMessages(local, remote, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), out.UpdatedAt)
	require.Len(t, out.Reactions, 1)
	assert.Equal(t, []string{"u1"}, out.Reactions[0].UserIDs)
}

func TestResolve_MergeDifferentContentNeedsUser(t *testing.T) {
	r := newMessageResolver()
	c := r.DetectConflict(msg("m", "mine", 1000), msg("m", "theirs", 1500))

	res := r.Resolve(ctx, c, conflict.Merge)
	assert.False(t, res.Resolved)
	assert.True(t, res.NeedsUserInput)
	assert.ErrorIs(t, res.Err, conflict.ErrMergeConflict)
}

func TestResolve_MergeUnsupported(t *testing.T) {
	r := conflict.NewResolver[types.Channel](types.ItemChannel)
	c := r.NewConflict(conflict.ConcurrentEdit,
		&types.Channel{ID: "c", UpdatedAt: 1}, &types.Channel{ID: "c", UpdatedAt: 2})

	res := r.Resolve(ctx, c, conflict.Merge)
	assert.False(t, res.Resolved)
	assert.ErrorIs(t, res.Err, conflict.ErrMergeUnsupported)
}

func TestResolve_UserPrompt(t *testing.T) {
	r := newMessageResolver()
	c := r.NewConflict(conflict.ConcurrentEdit, msg("m", "a", 1), msg("m", "b", 2))

	res := r.Resolve(ctx, c, conflict.UserPrompt)
	assert.True(t, res.NeedsUserInput)
	assert.ErrorIs(t, res.Err, conflict.ErrUserResolution)

	r.SetPrompt(func(_ context.Context, c *conflict.Conflict[types.Message]) (*types.Message, error) {
		m := c.Local.Clone()
		m.Content = "a+b"
		return m, nil
	})
	res = r.Resolve(ctx, c, conflict.UserPrompt)
	require.True(t, res.Resolved)
	assert.Equal(t, "a+b", res.Value.Content)
	assert.Equal(t, conflict.SideUser, res.Winner)

	dismissed := errors.New("dialog dismissed")
	r.SetPrompt(func(context.Context, *conflict.Conflict[types.Message]) (*types.Message, error) {
		return nil, dismissed
	})
	res = r.Resolve(ctx, c, conflict.UserPrompt)
	assert.True(t, res.NeedsUserInput)
	assert.ErrorIs(t, res.Err, conflict.ErrUserResolution)
	assert.ErrorIs(t, res.Err, dismissed)

	r.SetPrompt(func(context.Context, *conflict.Conflict[types.Message]) (*types.Message, error) {
		panic("ui crashed")
	})
	res = r.Resolve(ctx, c, conflict.UserPrompt)
	assert.True(t, res.NeedsUserInput)
}

// ─── auto resolution ─────────────────────────────────────────────────────────

func TestAutoResolve_ConcurrentEditFallsBackToLWW(t *testing.T) {
	r := newMessageResolver()
	c := r.DetectConflict(msg("m", "local edit", 10_000), msg("m", "remote edit", 10_500))
	require.Equal(t, conflict.ConcurrentEdit, c.Type)

	res := r.AutoResolve(ctx, c)
	require.True(t, res.Resolved)
	assert.Equal(t, conflict.LastWriteWins, res.Strategy)
	assert.Equal(t, "remote edit", res.Value.Content)
}

func TestAutoResolve_ConcurrentEditMerges(t *testing.T) {
	r := newMessageResolver()
	c := r.DetectConflict(msg("m", "same", 10_000), msg("m", "same", 10_200))

	res := r.AutoResolve(ctx, c)
	require.True(t, res.Resolved)
	assert.Equal(t, conflict.Merge, res.Strategy)
}

func TestAutoResolve_DeleteEditPrefersDeletion(t *testing.T) {
	r := newMessageResolver()
	c := r.NewConflict(conflict.DeleteEdit, msg("m", "edited later", 99_000), nil)

	res := r.AutoResolve(ctx, c)
	require.True(t, res.Resolved)
	assert.Nil(t, res.Value)
	assert.Equal(t, conflict.SideRemote, res.Winner)
}

func TestAutoResolve_VersionMismatchAndDuplicate(t *testing.T) {
	r := newMessageResolver()
	for _, typ := range []conflict.Type{conflict.VersionMismatch, conflict.Duplicate} {
		c := r.NewConflict(typ, msg("m", "newer", 5000), msg("m", "older", 1000))
		res := r.AutoResolve(ctx, c)
		assert.Equal(t, conflict.LastWriteWins, res.Strategy, typ)
		assert.Equal(t, "newer", res.Value.Content, typ)
	}
}

func TestResolveMany_PreservesOrder(t *testing.T) {
	r := newMessageResolver()
	cs := []*conflict.Conflict[types.Message]{
		r.NewConflict(conflict.VersionMismatch, msg("a", "la", 2), msg("a", "ra", 1)),
		r.NewConflict(conflict.VersionMismatch, msg("b", "lb", 1), msg("b", "rb", 2)),
		r.NewConflict(conflict.VersionMismatch, msg("c", "lc", 3), msg("c", "rc", 1)),
	}
	res := r.ResolveMany(ctx, cs, conflict.LastWriteWins)
	require.Len(t, res, 3)
	assert.Equal(t, "la", res[0].Value.Content)
	assert.Equal(t, "rb", res[1].Value.Content)
	assert.Equal(t, "lc", res[2].Value.Content)
}
