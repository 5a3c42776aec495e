// Package handlers binds the orchestrator's dispatch table to the chat
// server REST client.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/snehjoshi/chatsync/internal/orchestrator"
	"github.com/snehjoshi/chatsync/internal/types"
	"github.com/snehjoshi/chatsync/pkg/client"
)

// ErrUnsupported is returned for an operation the server does not expose.
var ErrUnsupported = errors.New("handlers: unsupported operation")

// API is the slice of *client.Client the handlers call.
type API interface {
	SendMessage(ctx context.Context, msg *client.Message) (*client.Message, error)
	EditMessage(ctx context.Context, id, content string) (*client.Message, error)
	DeleteMessage(ctx context.Context, id string) (*client.Tombstone, error)
	React(ctx context.Context, messageID, emoji string, add bool) (*client.Message, error)
	MarkRead(ctx context.Context, channelID, messageID string) error
	Typing(ctx context.Context, channelID string, typing bool) error
	SetPresence(ctx context.Context, status string) error
	UpsertChannel(ctx context.Context, ch *client.Channel) (*client.Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	UpdateUser(ctx context.Context, u *client.User) (*client.User, error)
}

var (
	_ API                  = (*client.Client)(nil)
	_ orchestrator.Fetcher = Fetcher{}
)

// Register installs a handler for every item type on o.
func Register(o *orchestrator.Orchestrator, api API) error {
	table := map[types.ItemType]orchestrator.Handler{
		types.ItemMessage:     messageHandler(api),
		types.ItemReaction:    reactionHandler(api),
		types.ItemReadReceipt: readReceiptHandler(api),
		types.ItemTyping:      typingHandler(api),
		types.ItemPresence:    presenceHandler(api),
		types.ItemChannel:     channelHandler(api),
		types.ItemUser:        userHandler(api),
	}
	for _, t := range types.ItemTypes() {
		h, ok := table[t]
		if !ok {
			return fmt.Errorf("handlers: no handler for %s", t)
		}
		if err := o.RegisterHandler(t, h); err != nil {
			return err
		}
	}
	return nil
}

func messageHandler(api API) orchestrator.Handler {
	return func(ctx context.Context, it *types.QueueItem) (*orchestrator.Ack, error) {
		var msg types.Message
		if err := decode(it, &msg); err != nil {
			return nil, err
		}
		switch it.Operation {
		case types.OpCreate:
			if msg.ClientID == "" {
				msg.ClientID = msg.ID
			}
			out, err := api.SendMessage(ctx, &msg)
			if err != nil {
				return nil, err
			}
			if out.ClientID == "" {
				out.ClientID = msg.ClientID
			}
			return &orchestrator.Ack{Message: out}, nil

		case types.OpUpdate:
			out, err := api.EditMessage(ctx, msg.ID, msg.Content)
			if err != nil {
				return nil, err
			}
			return &orchestrator.Ack{Message: out}, nil

		case types.OpDelete:
			ts, err := api.DeleteMessage(ctx, msg.ID)
			if client.IsNotFound(err) {
				// Already gone on the server: the local delete stands.
				return &orchestrator.Ack{Deleted: &types.Tombstone{ID: msg.ID, ItemType: types.ItemMessage}}, nil
			}
			if err != nil {
				return nil, err
			}
			return &orchestrator.Ack{Deleted: ts}, nil
		}
		return nil, fmt.Errorf("%w: message %s", ErrUnsupported, it.Operation)
	}
}

func reactionHandler(api API) orchestrator.Handler {
	return func(ctx context.Context, it *types.QueueItem) (*orchestrator.Ack, error) {
		var rc types.ReactionChange
		if err := decode(it, &rc); err != nil {
			return nil, err
		}
		out, err := api.React(ctx, rc.MessageID, rc.Emoji, rc.Add)
		if err != nil {
			return nil, err
		}
		return &orchestrator.Ack{Message: out}, nil
	}
}

func readReceiptHandler(api API) orchestrator.Handler {
	return func(ctx context.Context, it *types.QueueItem) (*orchestrator.Ack, error) {
		var rr types.ReadReceipt
		if err := decode(it, &rr); err != nil {
			return nil, err
		}
		return nil, api.MarkRead(ctx, rr.ChannelID, rr.MessageID)
	}
}

func typingHandler(api API) orchestrator.Handler {
	return func(ctx context.Context, it *types.QueueItem) (*orchestrator.Ack, error) {
		var ts types.TypingSignal
		if err := decode(it, &ts); err != nil {
			return nil, err
		}
		return nil, api.Typing(ctx, ts.ChannelID, ts.Typing)
	}
}

func presenceHandler(api API) orchestrator.Handler {
	return func(ctx context.Context, it *types.QueueItem) (*orchestrator.Ack, error) {
		var p types.PresenceUpdate
		if err := decode(it, &p); err != nil {
			return nil, err
		}
		return nil, api.SetPresence(ctx, p.Status)
	}
}

func channelHandler(api API) orchestrator.Handler {
	return func(ctx context.Context, it *types.QueueItem) (*orchestrator.Ack, error) {
		var ch types.Channel
		if err := decode(it, &ch); err != nil {
			return nil, err
		}
		if it.Operation == types.OpDelete {
			if err := api.DeleteChannel(ctx, ch.ID); err != nil && !client.IsNotFound(err) {
				return nil, err
			}
			return &orchestrator.Ack{Deleted: &types.Tombstone{ID: ch.ID, ItemType: types.ItemChannel}}, nil
		}
		out, err := api.UpsertChannel(ctx, &ch)
		if err != nil {
			return nil, err
		}
		return &orchestrator.Ack{Channel: out}, nil
	}
}

func userHandler(api API) orchestrator.Handler {
	return func(ctx context.Context, it *types.QueueItem) (*orchestrator.Ack, error) {
		if it.Operation == types.OpDelete {
			return nil, fmt.Errorf("%w: user delete", ErrUnsupported)
		}
		var u types.User
		if err := decode(it, &u); err != nil {
			return nil, err
		}
		out, err := api.UpdateUser(ctx, &u)
		if err != nil {
			return nil, err
		}
		return &orchestrator.Ack{User: out}, nil
	}
}

func decode(it *types.QueueItem, v any) error {
	if err := json.Unmarshal(it.Payload, v); err != nil {
		return fmt.Errorf("handlers: decode %s payload: %w", it.Type, err)
	}
	return nil
}

// ─── Fetcher ──────────────────────────────────────────────────────────────────

// Fetcher adapts the REST client to orchestrator.Fetcher.
type Fetcher struct {
	C *client.Client
}

func (f Fetcher) FetchChannels(ctx context.Context) ([]*types.Channel, error) {
	return f.C.Channels(ctx)
}

func (f Fetcher) FetchMessages(ctx context.Context, channelID string, since int64, limit int) ([]*types.Message, error) {
	return f.C.Messages(ctx, channelID, client.Since(since), client.Limit(limit))
}

func (f Fetcher) FetchUsers(ctx context.Context) ([]*types.User, error) {
	return f.C.Users(ctx)
}
