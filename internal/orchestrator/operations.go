package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/cache"
	"github.com/snehjoshi/chatsync/internal/device"
	"github.com/snehjoshi/chatsync/internal/events"
	"github.com/snehjoshi/chatsync/internal/queue"
	"github.com/snehjoshi/chatsync/internal/types"
)

// Operation is a user action to queue.
type Operation struct {
	Type      types.ItemType  `json:"item_type"`
	Op        types.Operation `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	// EntityID is derived from the payload for messages, reactions,
	// channels, users, typing and presence when left empty.
	EntityID   string `json:"entity_id,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// QueueOperation applies op to the cache optimistically and records it in
// the action queue together with the pre-update snapshot. If the queue
// rejects the item the optimistic update is undone.
func (o *Orchestrator) QueueOperation(ctx context.Context, op Operation) (*types.QueueItem, error) {
	if !op.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownItemType, uint8(op.Type))
	}

	snap, err := o.applyOptimistic(&op)
	if err != nil {
		return nil, err
	}

	item, err := o.queue.Add(ctx, op.Type, op.Op, op.Payload, queue.AddOptions{
		Priority:   op.Priority,
		ChannelID:  op.ChannelID,
		EntityID:   op.EntityID,
		MaxRetries: op.MaxRetries,
		Rollback:   snap,
	})
	if err != nil {
		if snap != nil {
			if rerr := o.cache.Restore(snap); rerr != nil {
				o.log.Error("undo optimistic update", zap.String("entity", snap.EntityID), zap.Error(rerr))
			}
		}
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.ItemsQueued.Inc(item.Type.String())
	}
	o.bus.Emit(events.OperationQueued, item)
	o.log.Debug("operation queued",
		zap.String("id", item.ID),
		zap.Stringer("type", item.Type),
		zap.String("op", string(item.Operation)),
	)
	if o.cfg.AutoSync && o.online() {
		o.TriggerSync()
	}
	return item, nil
}

// applyOptimistic fills in derived ids, mutates the cache the way the server
// is expected to, and returns the snapshot that undoes it. Item types with no
// cached representation return a nil snapshot.
func (o *Orchestrator) applyOptimistic(op *Operation) (*types.RollbackSnapshot, error) {
	now := o.now().UnixMilli()

	switch op.Type {
	case types.ItemMessage:
		var msg types.Message
		if err := decode(op, &msg); err != nil {
			return nil, err
		}
		if op.Op == types.OpCreate && msg.ID == "" {
			msg.ID = msg.ClientID
			if msg.ID == "" {
				msg.ID = device.MustNewID()
			}
			msg.ClientID = msg.ID
		}
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: message id is required for %s", queue.ErrInvalidItem, op.Op)
		}
		if err := reencode(op, &msg); err != nil {
			return nil, err
		}
		op.EntityID = orDefault(op.EntityID, msg.ID)
		op.ChannelID = orDefault(op.ChannelID, msg.ChannelID)

		snap, err := o.cache.Snapshot(types.KindMessage, msg.ID)
		if err != nil {
			return nil, err
		}
		return snap, o.optimisticMessage(op.Op, &msg, now)

	case types.ItemReaction:
		var rc types.ReactionChange
		if err := decode(op, &rc); err != nil {
			return nil, err
		}
		op.EntityID = orDefault(op.EntityID, rc.MessageID+"|"+rc.Emoji)
		op.ChannelID = orDefault(op.ChannelID, rc.ChannelID)
		cur, err := o.cache.PeekMessage(rc.MessageID)
		if errors.Is(err, cache.ErrMiss) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		snap, err := o.cache.Snapshot(types.KindMessage, rc.MessageID)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		next.ApplyReaction(rc.Emoji, rc.UserID, rc.Add)
		return snap, o.cache.SetMessage(next)

	case types.ItemChannel:
		var ch types.Channel
		if err := decode(op, &ch); err != nil {
			return nil, err
		}
		op.EntityID = orDefault(op.EntityID, ch.ID)
		op.ChannelID = orDefault(op.ChannelID, ch.ID)
		snap, err := o.cache.Snapshot(types.KindChannel, ch.ID)
		if err != nil || ch.ID == "" {
			return nil, err
		}
		if op.Op == types.OpDelete {
			return snap, o.cache.RemoveChannel(ch.ID)
		}
		ch.UpdatedAt = max(ch.UpdatedAt, now)
		return snap, o.cache.SetChannel(&ch)

	case types.ItemUser:
		var u types.User
		if err := decode(op, &u); err != nil {
			return nil, err
		}
		op.EntityID = orDefault(op.EntityID, u.ID)
		snap, err := o.cache.Snapshot(types.KindUser, u.ID)
		if err != nil || u.ID == "" {
			return nil, err
		}
		if op.Op == types.OpDelete {
			return snap, o.cache.RemoveUser(u.ID)
		}
		u.UpdatedAt = max(u.UpdatedAt, now)
		return snap, o.cache.SetUser(&u)

	case types.ItemTyping:
		var ts types.TypingSignal
		if err := decode(op, &ts); err != nil {
			return nil, err
		}
		op.EntityID = orDefault(op.EntityID, ts.ChannelID)
		op.ChannelID = orDefault(op.ChannelID, ts.ChannelID)

	case types.ItemReadReceipt:
		var rr types.ReadReceipt
		if err := decode(op, &rr); err != nil {
			return nil, err
		}
		op.EntityID = orDefault(op.EntityID, rr.ChannelID)
		op.ChannelID = orDefault(op.ChannelID, rr.ChannelID)

	case types.ItemPresence:
		var p types.PresenceUpdate
		if err := decode(op, &p); err != nil {
			return nil, err
		}
		op.EntityID = orDefault(op.EntityID, p.UserID)
	}
	return nil, nil
}

func (o *Orchestrator) optimisticMessage(op types.Operation, msg *types.Message, now int64) error {
	switch op {
	case types.OpCreate:
		if msg.CreatedAt == 0 {
			msg.CreatedAt = now
		}
		msg.UpdatedAt = max(msg.UpdatedAt, now)
		return o.cache.SetMessage(msg)
	case types.OpUpdate:
		cur, err := o.cache.PeekMessage(msg.ID)
		if errors.Is(err, cache.ErrMiss) {
			return nil
		}
		if err != nil {
			return err
		}
		next := cur.Clone()
		next.Content = msg.Content
		next.Edited = true
		next.UpdatedAt = max(next.UpdatedAt, now)
		return o.cache.SetMessage(next)
	case types.OpDelete:
		return o.cache.RemoveMessage(msg.ID)
	}
	return nil
}

// RollbackOperation removes a pending or failed operation and restores the
// cache state captured when it was queued.
func (o *Orchestrator) RollbackOperation(id string) (*types.QueueItem, error) {
	cur, err := o.queue.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Status == types.StatusCompleted {
		return nil, fmt.Errorf("%w: %s already completed", ErrNotFound, id)
	}

	item, err := o.queue.RemoveIdle(id)
	switch {
	case errors.Is(err, queue.ErrInFlight):
		return nil, fmt.Errorf("%w: %s", ErrInFlight, id)
	case errors.Is(err, queue.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return nil, err
	}

	if item.Rollback != nil {
		if err := o.cache.Restore(item.Rollback); err != nil {
			return item, fmt.Errorf("orchestrator: rollback %s: %w", id, err)
		}
	}
	o.log.Info("operation rolled back", zap.String("id", id), zap.Stringer("type", item.Type))
	o.bus.Emit(events.OperationRollback, item)
	return item, nil
}

func decode(op *Operation, v any) error {
	if err := json.Unmarshal(op.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", queue.ErrInvalidItem, op.Type, err)
	}
	return nil
}

func reencode(op *Operation, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("orchestrator: encode payload: %w", err)
	}
	op.Payload = raw
	return nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
