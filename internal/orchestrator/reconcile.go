package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/cache"
	"github.com/snehjoshi/chatsync/internal/conflict"
	"github.com/snehjoshi/chatsync/internal/events"
	"github.com/snehjoshi/chatsync/internal/metrics"
	"github.com/snehjoshi/chatsync/internal/types"
)

// ConflictEvent is the payload of conflict_detected and conflict_resolved.
type ConflictEvent struct {
	ID             string            `json:"id"`
	Type           conflict.Type     `json:"type"`
	ItemType       types.ItemType    `json:"item_type"`
	EntityID       string            `json:"entity_id"`
	Strategy       conflict.Strategy `json:"strategy,omitempty"`
	Winner         conflict.Side     `json:"winner,omitempty"`
	NeedsUserInput bool              `json:"needs_user_input,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// pull fetches server deltas and folds them into the cache. The first run
// fetches everything; later runs ask for changes since each channel's cursor.
func (o *Orchestrator) pull(ctx context.Context, res *RunResult) error {
	first := o.tracker.IsFirstSync()

	channels, err := o.fetcher.FetchChannels(ctx)
	if err != nil {
		return fmt.Errorf("fetch channels: %w", err)
	}
	res.Channels = len(channels)
	for _, remote := range channels {
		local, err := peekOrNil(o.cache.PeekChannel(remote.ID))
		if err != nil {
			return err
		}
		if err := reconcile(ctx, o, o.channels, local, remote, o.cache.SetChannel, o.cache.RemoveChannel, res); err != nil {
			return err
		}
	}
	if first && len(o.tracker.IDs()) == 0 {
		o.autoTrack(channels)
	}
	o.progress(res, "channels", len(channels), len(channels))

	users, err := o.fetcher.FetchUsers(ctx)
	if err != nil {
		return fmt.Errorf("fetch users: %w", err)
	}
	res.Users = len(users)
	for _, remote := range users {
		local, err := peekOrNil(o.cache.PeekUser(remote.ID))
		if err != nil {
			return err
		}
		if err := reconcile(ctx, o, o.users, local, remote, o.cache.SetUser, o.cache.RemoveUser, res); err != nil {
			return err
		}
	}
	o.progress(res, "users", len(users), len(users))

	ids := o.tracker.IDs()
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		var since int64
		if !first {
			if since, err = o.tracker.Cursor(id); err != nil {
				return err
			}
		}
		msgs, err := o.fetcher.FetchMessages(ctx, id, since, o.cfg.MessageFetchLimit)
		if err != nil {
			return fmt.Errorf("fetch messages %s: %w", id, err)
		}
		res.Messages += len(msgs)

		cursor := since
		for _, remote := range msgs {
			if err := o.reconcileMessage(ctx, remote, res); err != nil {
				return err
			}
			cursor = max(cursor, remote.UpdatedAt)
		}
		if err := o.tracker.MarkSynced(id, cursor); err != nil {
			return err
		}
		o.progress(res, "messages", i+1, len(ids))
	}
	return nil
}

func (o *Orchestrator) autoTrack(channels []*types.Channel) {
	limit := o.cfg.Cache.MaxChannels
	for i, ch := range channels {
		if limit > 0 && i >= limit {
			break
		}
		if err := o.tracker.Track(ch.ID); err != nil {
			o.log.Warn("track channel", zap.String("channel", ch.ID), zap.Error(err))
		}
	}
}

// reconcileMessage handles server-side deletions and the optimistic copy
// before the generic conflict path.
func (o *Orchestrator) reconcileMessage(ctx context.Context, remote *types.Message, res *RunResult) error {
	local, err := peekOrNil(o.cache.PeekMessage(remote.ID))
	if err != nil {
		return err
	}

	if remote.Deleted {
		if local != nil && local.UpdatedAt > remote.UpdatedAt {
			c := o.messages.NewConflict(conflict.DeleteEdit, local, nil)
			c.RemoteTimestamp = remote.UpdatedAt
			if err := settle(ctx, o, o.messages, c, o.replaceOptimistic, o.cache.RemoveMessage, res); err != nil {
				return err
			}
		} else if err := o.cache.RemoveMessage(remote.ID); err != nil {
			return err
		}
		_, err := o.tombs.Add(types.Tombstone{
			ID:        remote.ID,
			ItemType:  types.ItemMessage,
			DeletedAt: remote.UpdatedAt,
			DeletedBy: remote.AuthorID,
			Reason:    "deleted on server",
		})
		return err
	}

	return reconcile(ctx, o, o.messages, local, remote, o.replaceOptimistic, o.cache.RemoveMessage, res)
}

// reconcile folds one remote entity into the cache. A tombstoned entity is
// only revived by a remote edit newer than the deletion.
func reconcile[T conflict.Entity](
	ctx context.Context,
	o *Orchestrator,
	r *conflict.Resolver[T],
	local, remote *T,
	write func(*T) error,
	remove func(string) error,
	res *RunResult,
) error {
	id := (*remote).EntityID()
	stale, err := o.deletedAfter(r.ItemType(), id, (*remote).LastModified())
	if err != nil {
		return err
	}
	if stale {
		o.log.Debug("ignoring stale edit of deleted entity", zap.String("id", id))
		return nil
	}

	c := r.DetectConflict(local, remote)
	if c == nil {
		return write(remote)
	}
	return settle(ctx, o, r, c, write, remove, res)
}

// settle auto-resolves c and applies the winner. Unresolved conflicts keep
// the local copy.
func settle[T conflict.Entity](
	ctx context.Context,
	o *Orchestrator,
	r *conflict.Resolver[T],
	c *conflict.Conflict[T],
	write func(*T) error,
	remove func(string) error,
	res *RunResult,
) error {
	ev := ConflictEvent{ID: c.ID, Type: c.Type, ItemType: c.ItemType, EntityID: c.EntityID}
	o.bus.Emit(events.ConflictDetected, ev)
	res.Conflicts++

	out := r.AutoResolve(ctx, c)
	ev.Strategy, ev.Winner, ev.NeedsUserInput = out.Strategy, out.Winner, out.NeedsUserInput
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	if o.metrics != nil {
		o.metrics.Conflicts.Inc(metrics.ConflictKey(string(c.Type), string(out.Strategy)))
	}

	if !out.Resolved {
		res.Unresolved++
		o.log.Info("conflict needs user input",
			zap.String("conflict", c.ID),
			zap.String("entity", c.EntityID),
			zap.Error(out.Err),
		)
		return nil
	}

	var err error
	switch {
	case out.Value == nil:
		err = remove(c.EntityID)
	case out.Winner != conflict.SideLocal:
		err = write(out.Value)
	}
	if err != nil {
		return err
	}
	o.bus.Emit(events.ConflictResolved, ev)
	return nil
}

// deletedAfter reports whether the entity carries a tombstone at or after
// modified.
func (o *Orchestrator) deletedAfter(it types.ItemType, id string, modified int64) (bool, error) {
	deleted, err := o.tombs.IsDeleted(it, id)
	if err != nil || !deleted {
		return false, err
	}
	ts, err := o.tombs.Get(it, id)
	if err != nil {
		return false, err
	}
	return modified <= ts.DeletedAt, nil
}

func (o *Orchestrator) progress(res *RunResult, phase string, done, total int) {
	o.bus.Emit(events.SyncProgress, Progress{
		RunID: res.ID, Phase: phase, Done: done, Total: total,
		Succeeded: res.Succeeded, Failed: res.Failed + res.Retried,
	})
}

func peekOrNil[T any](v *T, err error) (*T, error) {
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	return v, err
}
