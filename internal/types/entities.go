package types

import "slices"

// Kind names a cached entity family. It prefixes cache metadata keys.
type Kind string

const (
	KindChannel Kind = "channel"
	KindMessage Kind = "message"
	KindUser    Kind = "user"
)

// MetaKey returns the cache metadata key "<kind>:<id>".
func MetaKey(kind Kind, id string) string { return string(kind) + ":" + id }

// Channel mirrors a server-side conversation.
type Channel struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Topic         string   `json:"topic,omitempty"`
	Members       []string `json:"members,omitempty"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
	LastMessageAt int64    `json:"last_message_at,omitempty"`
}

func (c Channel) EntityID() string    { return c.ID }
func (c Channel) LastModified() int64 { return c.UpdatedAt }

// Reaction is one emoji on a message with the set of users who added it.
// Count always equals len(UserIDs) after a merge.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
	Count   int      `json:"count"`
}

// Message mirrors a chat message.
type Message struct {
	ID string `json:"id"`
	// ClientID is the id assigned when the message was composed locally. The
	// server echoes it back so optimistic copies can be matched.
	ClientID  string     `json:"client_id,omitempty"`
	ChannelID string     `json:"channel_id"`
	AuthorID  string     `json:"author_id"`
	Content   string     `json:"content"`
	Reactions []Reaction `json:"reactions,omitempty"`
	ThreadID  string     `json:"thread_id,omitempty"`
	Edited    bool       `json:"edited,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
	CreatedAt int64      `json:"created_at"`
	UpdatedAt int64      `json:"updated_at"`
}

func (m Message) EntityID() string    { return m.ID }
func (m Message) LastModified() int64 { return m.UpdatedAt }

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Reactions != nil {
		c.Reactions = make([]Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			c.Reactions[i] = Reaction{Emoji: r.Emoji, UserIDs: slices.Clone(r.UserIDs), Count: r.Count}
		}
	}
	return &c
}

// ApplyReaction adds or removes userID from the emoji's user set and keeps
// Count consistent. Empty reactions are dropped.
func (m *Message) ApplyReaction(emoji, userID string, add bool) {
	for i := range m.Reactions {
		r := &m.Reactions[i]
		if r.Emoji != emoji {
			continue
		}
		idx := slices.Index(r.UserIDs, userID)
		switch {
		case add && idx < 0:
			r.UserIDs = append(r.UserIDs, userID)
		case !add && idx >= 0:
			r.UserIDs = slices.Delete(r.UserIDs, idx, idx+1)
		}
		r.Count = len(r.UserIDs)
		if r.Count == 0 {
			m.Reactions = slices.Delete(m.Reactions, i, i+1)
		}
		return
	}
	if add {
		m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, UserIDs: []string{userID}, Count: 1})
	}
}

// User mirrors a chat participant.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Presence    string `json:"presence,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
}

func (u User) EntityID() string    { return u.ID }
func (u User) LastModified() int64 { return u.UpdatedAt }

// Tombstone records that an entity was deleted.
type Tombstone struct {
	ID        string   `json:"id"`
	ItemType  ItemType `json:"item_type"`
	DeletedAt int64    `json:"deleted_at"`
	DeletedBy string   `json:"deleted_by,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// TombstoneKey returns the storage key "<item type>:<id>", so entities of
// different types sharing an id keep separate markers.
func TombstoneKey(it ItemType, id string) string { return it.String() + ":" + id }

// CacheMeta is the bookkeeping record kept beside every cached entity.
type CacheMeta struct {
	Key         string `json:"key"`
	Kind        Kind   `json:"kind"`
	EntityID    string `json:"entity_id"`
	ChannelID   string `json:"channel_id,omitempty"`
	CachedAt    int64  `json:"cached_at"`
	ExpiresAt   int64  `json:"expires_at"`
	AccessCount int64  `json:"access_count"`
	// Size is the encoded entity size in bytes; the sum drives quota checks.
	Size int64 `json:"size"`
}

// ─── Operation payloads ───────────────────────────────────────────────────────

// ReactionChange is the payload of a reaction item.
type ReactionChange struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	Add       bool   `json:"add"`
}

// ReadReceipt is the payload of a read_receipt item.
type ReadReceipt struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id,omitempty"`
	ReadAt    int64  `json:"read_at"`
}

// TypingSignal is the payload of a typing item.
type TypingSignal struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id,omitempty"`
	Typing    bool   `json:"typing"`
}

// PresenceUpdate is the payload of a presence item.
type PresenceUpdate struct {
	UserID string `json:"user_id,omitempty"`
	Status string `json:"status"`
}
