// Package types contains the core domain types shared across all chatsync
// internal packages. It imports no other chatsync package so that storage,
// queue, cache and conflict layers can all depend on it without cycles.
//
// All timestamps are UTC milliseconds since the Unix epoch.
package types

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a QueueItem.
type Status uint8

const (
	// StatusPending means the item is waiting to be dispatched.
	StatusPending Status = iota
	// StatusSyncing means a handler currently owns the item.
	StatusSyncing
	// StatusFailed means the item exhausted its retries. It stays visible
	// until the user retries or discards it.
	StatusFailed
	// StatusCompleted means the server acknowledged the item. It lingers for
	// a short grace window so duplicate enqueues can be suppressed.
	StatusCompleted
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSyncing:
		return "syncing"
	case StatusFailed:
		return "failed"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "syncing":
		return StatusSyncing, nil
	case "failed":
		return StatusFailed, nil
	case "completed":
		return StatusCompleted, nil
	}
	return 0, fmt.Errorf("types: unknown status %q", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ItemType identifies the kind of entity a queued operation targets. The set
// is closed: handler tables are arrays indexed by ItemType.
type ItemType uint8

const (
	ItemMessage ItemType = iota
	ItemReaction
	ItemReadReceipt
	ItemTyping
	ItemPresence
	ItemChannel
	ItemUser

	// NumItemTypes is the number of valid item types.
	NumItemTypes
)

var itemTypeNames = [NumItemTypes]string{
	ItemMessage:     "message",
	ItemReaction:    "reaction",
	ItemReadReceipt: "read_receipt",
	ItemTyping:      "typing",
	ItemPresence:    "presence",
	ItemChannel:     "channel",
	ItemUser:        "user",
}

// Valid reports whether t is one of the declared item types.
func (t ItemType) Valid() bool { return t < NumItemTypes }

func (t ItemType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("item_type(%d)", uint8(t))
	}
	return itemTypeNames[t]
}

// ParseItemType resolves a wire name such as "read_receipt".
func ParseItemType(s string) (ItemType, error) {
	for i, name := range itemTypeNames {
		if name == s {
			return ItemType(i), nil
		}
	}
	return 0, fmt.Errorf("types: unknown item type %q", s)
}

// ItemTypes returns every valid item type in declaration order.
func ItemTypes() []ItemType {
	out := make([]ItemType, 0, NumItemTypes)
	for t := ItemType(0); t < NumItemTypes; t++ {
		out = append(out, t)
	}
	return out
}

func (t ItemType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("types: invalid item type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *ItemType) UnmarshalText(b []byte) error {
	v, err := ParseItemType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Operation is the mutation a queued item performs.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is create, update or delete.
func (op Operation) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// QueueItem is a durable unit of not-yet-confirmed work.
type QueueItem struct {
	ID         string          `json:"id"`
	Type       ItemType        `json:"item_type"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	// Priority orders dispatch: higher is earlier.
	Priority  int    `json:"priority"`
	ChannelID string `json:"channel_id,omitempty"`
	// EntityID is the id of the entity the operation targets. Items sharing
	// (Type, Operation, EntityID) are collapsed by queue de-duplication.
	EntityID    string `json:"entity_id,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	NextRetryAt int64  `json:"next_retry_at,omitempty"`
	CompletedAt int64  `json:"completed_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`

	// Rollback is captured at enqueue time and never mutated afterwards.
	Rollback *RollbackSnapshot `json:"rollback,omitempty"`
}

// Key is the de-duplication key (itemType, operation, entityId).
func (q *QueueItem) Key() string {
	return q.Type.String() + "|" + string(q.Operation) + "|" + q.EntityID
}

// Clone returns a copy of the item that shares no mutable state.
func (q *QueueItem) Clone() *QueueItem {
	c := *q
	if q.Payload != nil {
		c.Payload = append(json.RawMessage(nil), q.Payload...)
	}
	if q.Rollback != nil {
		rb := *q.Rollback
		if rb.Data != nil {
			rb.Data = append(json.RawMessage(nil), rb.Data...)
		}
		c.Rollback = &rb
	}
	return &c
}

// RollbackSnapshot is the pre-optimistic-update state of one cached entity.
// Existed=false means the entity was absent and rollback removes it.
type RollbackSnapshot struct {
	Kind     Kind            `json:"kind"`
	EntityID string          `json:"entity_id"`
	Existed  bool            `json:"existed"`
	Data     json.RawMessage `json:"data,omitempty"`
}
