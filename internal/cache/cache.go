// Package cache is the bounded local mirror of server entities.
//
// Every cached entity has exactly one metadata record keyed "<kind>:<id>"
// in the cache_meta table. Entity and metadata are always written and
// removed together in one storage batch, so a crash can never leave one
// without the other.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/events"
	"github.com/snehjoshi/chatsync/internal/metrics"
	"github.com/snehjoshi/chatsync/internal/storage"
	"github.com/snehjoshi/chatsync/internal/store"
	"github.com/snehjoshi/chatsync/internal/types"
)

// ErrMiss is returned by Get* when nothing is cached under the id.
var ErrMiss = errors.New("cache: miss")

// Config bounds the cache.
type Config struct {
	MaxAge time.Duration
	// ChannelMessages is the number of newest messages kept per channel.
	ChannelMessages int
	// MaxChannels caps the number of cached channels.
	MaxChannels int
	// MaxBytes is the storage quota the thresholds are fractions of.
	MaxBytes          int64
	WarningThreshold  float64
	CriticalThreshold float64
	// EvictFraction of channels, oldest first, is dropped on critical pressure.
	EvictFraction float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:            7 * 24 * time.Hour,
		ChannelMessages:   100,
		MaxChannels:       50,
		MaxBytes:          50 << 20,
		WarningThreshold:  0.8,
		CriticalThreshold: 0.95,
		EvictFraction:     0.2,
	}
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option        { return func(m *Manager) { m.log = l } }
func WithBus(b *events.Bus) Option           { return func(m *Manager) { m.bus = b } }
func WithMetrics(r *metrics.Registry) Option { return func(m *Manager) { m.metrics = r } }
func WithClock(now func() time.Time) Option  { return func(m *Manager) { m.now = now } }

// Manager owns the channels, messages, users and cache_meta tables.
// It is safe for concurrent use; each call is atomic per batch.
type Manager struct {
	cfg     Config
	st      *store.Store
	log     *zap.Logger
	bus     *events.Bus
	metrics *metrics.Registry
	now     func() time.Time

	// mmu serialises metadata read-modify-write against set and remove.
	mmu sync.Mutex
}

// New returns a Manager over st.
func New(st *store.Store, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.ChannelMessages <= 0 {
		cfg.ChannelMessages = def.ChannelMessages
	}
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = def.MaxChannels
	}
	if cfg.EvictFraction <= 0 {
		cfg.EvictFraction = def.EvictFraction
	}
	m := &Manager{
		cfg:     cfg,
		st:      st,
		log:     zap.NewNop(),
		metrics: new(metrics.Registry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// ─── Event payloads ───────────────────────────────────────────────────────────

// KeyEvent is the payload of cache_hit, cache_miss, cache_set and cache_delete.
type KeyEvent struct {
	Kind types.Kind `json:"kind"`
	ID   string     `json:"id"`
}

// CleanupReport is returned by RunCleanup and carried by cache_expired and
// cache_evicted.
type CleanupReport struct {
	Expired         int      `json:"expired"`
	EvictedChannels []string `json:"evicted_channels,omitempty"`
	EvictedMessages int      `json:"evicted_messages"`
	EstimatedBytes  int64    `json:"estimated_bytes"`
	Usage           float64  `json:"usage"`
}

// StorageWarning is the payload of storage_warning.
type StorageWarning struct {
	EstimatedBytes int64   `json:"estimated_bytes"`
	MaxBytes       int64   `json:"max_bytes"`
	Usage          float64 `json:"usage"`
	Critical       bool    `json:"critical"`
}

func (m *Manager) emit(t events.Type, data any) {
	if m.bus != nil {
		m.bus.Emit(t, data)
	}
}

func (m *Manager) hit(kind types.Kind, id string) {
	m.metrics.CacheHits.Inc(string(kind))
	m.touch(kind, id)
	m.emit(events.CacheHit, KeyEvent{Kind: kind, ID: id})
}

// touch bumps the access counter of a cached entry.
func (m *Manager) touch(kind types.Kind, id string) {
	m.mmu.Lock()
	defer m.mmu.Unlock()
	key := types.MetaKey(kind, id)
	meta, err := m.st.Meta.Get(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("read cache meta", zap.String("key", key), zap.Error(err))
		}
		return
	}
	meta.AccessCount++
	if err := m.st.Meta.Put(meta); err != nil {
		m.log.Warn("write cache meta", zap.String("key", key), zap.Error(err))
	}
}

func (m *Manager) miss(kind types.Kind, id string) {
	m.metrics.CacheMisses.Inc(string(kind))
	m.emit(events.CacheMiss, KeyEvent{Kind: kind, ID: id})
}

// ─── Generic write path ───────────────────────────────────────────────────────

// entry is one entity write prepared for a batch.
type entry struct {
	kind      types.Kind
	id        string
	channelID string
	size      int64
	put       func(w storage.Writer) error
}

// writeEntries stores entities and refreshes their metadata in one batch.
func (m *Manager) writeEntries(entries []entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := m.commit(entries); err != nil {
		return err
	}
	for _, e := range entries {
		m.emit(events.CacheSet, KeyEvent{Kind: e.kind, ID: e.id})
	}
	return nil
}

// commit writes entries and their metadata in one batch under mmu.
func (m *Manager) commit(entries []entry) error {
	m.mmu.Lock()
	defer m.mmu.Unlock()
	now := m.now().UnixMilli()
	expires := now + m.cfg.MaxAge.Milliseconds()

	metas := make([]*types.CacheMeta, len(entries))
	for i, e := range entries {
		key := types.MetaKey(e.kind, e.id)
		var access int64
		if prev, err := m.st.Meta.Get(key); err == nil {
			access = prev.AccessCount
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("cache: read meta %s: %w", key, err)
		}
		metas[i] = &types.CacheMeta{
			Key:         key,
			Kind:        e.kind,
			EntityID:    e.id,
			ChannelID:   e.channelID,
			CachedAt:    now,
			ExpiresAt:   expires,
			AccessCount: access + 1,
			Size:        e.size,
		}
	}

	err := m.st.Batch(func(w storage.Writer) error {
		for i, e := range entries {
			if err := e.put(w); err != nil {
				return err
			}
			if err := m.st.Meta.PutTx(w, metas[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

// removeEntries deletes entities and their metadata in one batch.
func (m *Manager) removeEntries(keys []KeyEvent) error {
	if len(keys) == 0 {
		return nil
	}
	m.mmu.Lock()
	defer m.mmu.Unlock()
	err := m.st.Batch(func(w storage.Writer) error {
		for _, k := range keys {
			if err := w.Delete(tableFor(k.Kind), k.ID); err != nil {
				return err
			}
			if err := m.st.Meta.DeleteTx(w, types.MetaKey(k.Kind, k.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: remove: %w", err)
	}
	return nil
}

func tableFor(kind types.Kind) storage.Table {
	switch kind {
	case types.KindChannel:
		return storage.TableChannels
	case types.KindMessage:
		return storage.TableMessages
	default:
		return storage.TableUsers
	}
}

func sizeOf(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

// ─── Channels ─────────────────────────────────────────────────────────────────

// GetChannel returns the cached channel or ErrMiss.
func (m *Manager) GetChannel(id string) (*types.Channel, error) {
	c, err := m.PeekChannel(id)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			m.miss(types.KindChannel, id)
		}
		return nil, err
	}
	m.hit(types.KindChannel, id)
	return c, nil
}

// PeekChannel is GetChannel without events or metrics.
func (m *Manager) PeekChannel(id string) (*types.Channel, error) {
	return peek(m.st.Channels, id)
}

// GetChannels returns every cached channel.
func (m *Manager) GetChannels() ([]*types.Channel, error) { return m.st.Channels.All() }

// SetChannel caches one channel.
func (m *Manager) SetChannel(c *types.Channel) error {
	return m.SetChannels([]*types.Channel{c})
}

// SetChannels caches channels, then evicts the oldest cached channels (and
// their messages) beyond MaxChannels.
func (m *Manager) SetChannels(cs []*types.Channel) error {
	entries := make([]entry, len(cs))
	for i, c := range cs {
		c := c
		entries[i] = entry{
			kind: types.KindChannel, id: c.ID, size: sizeOf(c),
			put: func(w storage.Writer) error { return m.st.Channels.PutTx(w, c) },
		}
	}
	if err := m.writeEntries(entries); err != nil {
		return err
	}
	return m.enforceChannelLimit()
}

// RemoveChannel drops a channel and every cached message in it.
func (m *Manager) RemoveChannel(id string) error {
	msgs, err := m.st.Messages.ByIndex(id)
	if err != nil {
		return fmt.Errorf("cache: remove channel %s: %w", id, err)
	}
	keys := []KeyEvent{{Kind: types.KindChannel, ID: id}}
	for _, msg := range msgs {
		keys = append(keys, KeyEvent{Kind: types.KindMessage, ID: msg.ID})
	}
	if err := m.removeEntries(keys); err != nil {
		return err
	}
	m.emit(events.CacheDelete, KeyEvent{Kind: types.KindChannel, ID: id})
	return nil
}

func (m *Manager) enforceChannelLimit() error {
	metas, err := m.st.Meta.ByIndex(string(types.KindChannel))
	if err != nil {
		return fmt.Errorf("cache: channel limit: %w", err)
	}
	over := len(metas) - m.cfg.MaxChannels
	if over <= 0 {
		return nil
	}
	oldestFirst(metas)
	var ids []string
	for _, meta := range metas[:over] {
		ids = append(ids, meta.EntityID)
	}
	n, err := m.evictChannels(ids)
	if err != nil {
		return err
	}
	m.log.Info("evicted channels over limit",
		zap.Int("channels", len(ids)), zap.Int("messages", n), zap.Int("limit", m.cfg.MaxChannels))
	m.emit(events.CacheEvicted, CleanupReport{EvictedChannels: ids, EvictedMessages: n})
	return nil
}

// evictChannels removes channels with their messages and returns how many
// messages went with them.
func (m *Manager) evictChannels(ids []string) (int, error) {
	var keys []KeyEvent
	msgs := 0
	for _, id := range ids {
		keys = append(keys, KeyEvent{Kind: types.KindChannel, ID: id})
		inChannel, err := m.st.Messages.ByIndex(id)
		if err != nil {
			return 0, fmt.Errorf("cache: evict %s: %w", id, err)
		}
		for _, msg := range inChannel {
			keys = append(keys, KeyEvent{Kind: types.KindMessage, ID: msg.ID})
		}
		msgs += len(inChannel)
	}
	if err := m.removeEntries(keys); err != nil {
		return 0, err
	}
	m.metrics.CacheEvictions.Add(string(types.KindChannel), int64(len(ids)))
	m.metrics.CacheEvictions.Add(string(types.KindMessage), int64(msgs))
	return msgs, nil
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// GetMessage returns the cached message or ErrMiss.
func (m *Manager) GetMessage(id string) (*types.Message, error) {
	msg, err := m.PeekMessage(id)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			m.miss(types.KindMessage, id)
		}
		return nil, err
	}
	m.hit(types.KindMessage, id)
	return msg, nil
}

// PeekMessage is GetMessage without events or metrics.
func (m *Manager) PeekMessage(id string) (*types.Message, error) {
	return peek(m.st.Messages, id)
}

// GetMessages returns a channel's cached messages, oldest first.
func (m *Manager) GetMessages(channelID string) ([]*types.Message, error) {
	msgs, err := m.st.Messages.ByIndex(channelID)
	if err != nil {
		return nil, fmt.Errorf("cache: messages %s: %w", channelID, err)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

// FindMessageByClientID returns the message in channelID composed locally
// with clientID, or ErrMiss.
func (m *Manager) FindMessageByClientID(channelID, clientID string) (*types.Message, error) {
	if clientID == "" {
		return nil, ErrMiss
	}
	msgs, err := m.st.Messages.ByIndex(channelID)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.ClientID == clientID {
			return msg, nil
		}
	}
	return nil, ErrMiss
}

// SetMessage caches one message.
func (m *Manager) SetMessage(msg *types.Message) error {
	return m.SetMessages([]*types.Message{msg})
}

// SetMessages caches messages, then trims every affected channel to its
// ChannelMessages newest entries.
func (m *Manager) SetMessages(msgs []*types.Message) error {
	entries := make([]entry, len(msgs))
	channels := make(map[string]struct{})
	for i, msg := range msgs {
		msg := msg
		entries[i] = entry{
			kind: types.KindMessage, id: msg.ID, channelID: msg.ChannelID, size: sizeOf(msg),
			put: func(w storage.Writer) error { return m.st.Messages.PutTx(w, msg) },
		}
		channels[msg.ChannelID] = struct{}{}
	}
	if err := m.writeEntries(entries); err != nil {
		return err
	}
	for ch := range channels {
		if err := m.trimChannel(ch); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) trimChannel(channelID string) error {
	msgs, err := m.GetMessages(channelID)
	if err != nil {
		return err
	}
	over := len(msgs) - m.cfg.ChannelMessages
	if over <= 0 {
		return nil
	}
	keys := make([]KeyEvent, over)
	for i, msg := range msgs[:over] {
		keys[i] = KeyEvent{Kind: types.KindMessage, ID: msg.ID}
	}
	if err := m.removeEntries(keys); err != nil {
		return err
	}
	m.metrics.CacheEvictions.Add(string(types.KindMessage), int64(over))
	m.log.Debug("trimmed channel", zap.String("channel", channelID), zap.Int("removed", over))
	return nil
}

// RemoveMessage drops one message.
func (m *Manager) RemoveMessage(id string) error {
	if err := m.removeEntries([]KeyEvent{{Kind: types.KindMessage, ID: id}}); err != nil {
		return err
	}
	m.emit(events.CacheDelete, KeyEvent{Kind: types.KindMessage, ID: id})
	return nil
}

// ─── Users ────────────────────────────────────────────────────────────────────

// GetUser returns the cached user or ErrMiss.
func (m *Manager) GetUser(id string) (*types.User, error) {
	u, err := m.PeekUser(id)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			m.miss(types.KindUser, id)
		}
		return nil, err
	}
	m.hit(types.KindUser, id)
	return u, nil
}

// PeekUser is GetUser without events or metrics.
func (m *Manager) PeekUser(id string) (*types.User, error) { return peek(m.st.Users, id) }

// GetUsers returns every cached user.
func (m *Manager) GetUsers() ([]*types.User, error) { return m.st.Users.All() }

// SetUser caches one user.
func (m *Manager) SetUser(u *types.User) error { return m.SetUsers([]*types.User{u}) }

// SetUsers caches users.
func (m *Manager) SetUsers(us []*types.User) error {
	entries := make([]entry, len(us))
	for i, u := range us {
		u := u
		entries[i] = entry{
			kind: types.KindUser, id: u.ID, size: sizeOf(u),
			put: func(w storage.Writer) error { return m.st.Users.PutTx(w, u) },
		}
	}
	return m.writeEntries(entries)
}

// RemoveUser drops one user.
func (m *Manager) RemoveUser(id string) error {
	if err := m.removeEntries([]KeyEvent{{Kind: types.KindUser, ID: id}}); err != nil {
		return err
	}
	m.emit(events.CacheDelete, KeyEvent{Kind: types.KindUser, ID: id})
	return nil
}

// ─── Snapshots ────────────────────────────────────────────────────────────────

// Snapshot captures the current cached state of one entity for rollback.
func (m *Manager) Snapshot(kind types.Kind, id string) (*types.RollbackSnapshot, error) {
	raw, err := m.st.Engine().Get(tableFor(kind), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &types.RollbackSnapshot{Kind: kind, EntityID: id}, nil
	case err != nil:
		return nil, fmt.Errorf("cache: snapshot %s:%s: %w", kind, id, err)
	}
	return &types.RollbackSnapshot{Kind: kind, EntityID: id, Existed: true, Data: raw}, nil
}

// Restore puts an entity back the way snap recorded it.
func (m *Manager) Restore(snap *types.RollbackSnapshot) error {
	if !snap.Existed {
		return m.removeEntries([]KeyEvent{{Kind: snap.Kind, ID: snap.EntityID}})
	}
	switch snap.Kind {
	case types.KindChannel:
		var c types.Channel
		if err := json.Unmarshal(snap.Data, &c); err != nil {
			return fmt.Errorf("cache: restore: %w", err)
		}
		return m.SetChannel(&c)
	case types.KindMessage:
		var msg types.Message
		if err := json.Unmarshal(snap.Data, &msg); err != nil {
			return fmt.Errorf("cache: restore: %w", err)
		}
		return m.SetMessage(&msg)
	case types.KindUser:
		var u types.User
		if err := json.Unmarshal(snap.Data, &u); err != nil {
			return fmt.Errorf("cache: restore: %w", err)
		}
		return m.SetUser(&u)
	}
	return fmt.Errorf("cache: restore: unknown kind %q", snap.Kind)
}

// ─── Cleanup ──────────────────────────────────────────────────────────────────

// RunCleanup removes every entry whose metadata expired before now, then
// checks the estimated size against the quota. At or above the critical
// threshold the oldest EvictFraction of channels (rounded up) are evicted
// with their messages. Above the warning threshold a storage_warning is
// emitted.
func (m *Manager) RunCleanup(now time.Time) (CleanupReport, error) {
	var rep CleanupReport
	ms := now.UnixMilli()

	metas, err := m.st.Meta.All()
	if err != nil {
		return rep, fmt.Errorf("cache: cleanup: %w", err)
	}
	var expired []KeyEvent
	var live []*types.CacheMeta
	for _, meta := range metas {
		if meta.ExpiresAt < ms {
			expired = append(expired, KeyEvent{Kind: meta.Kind, ID: meta.EntityID})
			continue
		}
		live = append(live, meta)
		rep.EstimatedBytes += meta.Size
	}
	if err := m.removeEntries(expired); err != nil {
		return rep, err
	}
	rep.Expired = len(expired)
	if rep.Expired > 0 {
		for _, k := range expired {
			m.metrics.CacheEvictions.Inc(string(k.Kind))
		}
		m.emit(events.CacheExpired, CleanupReport{Expired: rep.Expired})
	}

	if m.cfg.MaxBytes > 0 {
		rep.Usage = float64(rep.EstimatedBytes) / float64(m.cfg.MaxBytes)
	}
	if m.cfg.MaxBytes > 0 && rep.Usage >= m.cfg.CriticalThreshold {
		if err := m.evictForPressure(live, &rep); err != nil {
			return rep, err
		}
	}
	if m.cfg.MaxBytes > 0 && rep.Usage > m.cfg.WarningThreshold {
		warn := StorageWarning{
			EstimatedBytes: rep.EstimatedBytes,
			MaxBytes:       m.cfg.MaxBytes,
			Usage:          rep.Usage,
			Critical:       rep.Usage >= m.cfg.CriticalThreshold,
		}
		m.log.Warn("cache storage above warning threshold",
			zap.Int64("bytes", warn.EstimatedBytes), zap.Float64("usage", warn.Usage))
		m.emit(events.StorageWarning, warn)
	}
	m.refreshGauges(live)
	return rep, nil
}

func (m *Manager) evictForPressure(live []*types.CacheMeta, rep *CleanupReport) error {
	var channels []*types.CacheMeta
	for _, meta := range live {
		if meta.Kind == types.KindChannel {
			channels = append(channels, meta)
		}
	}
	if len(channels) == 0 {
		return nil
	}
	n := int(math.Ceil(m.cfg.EvictFraction*float64(len(channels)) - 1e-9))
	if n > len(channels) {
		n = len(channels)
	}
	oldestFirst(channels)
	ids := make([]string, n)
	for i, meta := range channels[:n] {
		ids[i] = meta.EntityID
	}
	msgs, err := m.evictChannels(ids)
	if err != nil {
		return err
	}
	rep.EvictedChannels = ids
	rep.EvictedMessages = msgs

	// Re-estimate from what is left.
	evicted := make(map[string]bool, len(ids))
	for _, id := range ids {
		evicted[id] = true
	}
	var size int64
	for _, meta := range live {
		gone := (meta.Kind == types.KindChannel && evicted[meta.EntityID]) ||
			(meta.Kind == types.KindMessage && evicted[meta.ChannelID])
		if !gone {
			size += meta.Size
		}
	}
	rep.EstimatedBytes = size
	rep.Usage = float64(size) / float64(m.cfg.MaxBytes)

	m.log.Warn("evicted channels under storage pressure",
		zap.Strings("channels", ids), zap.Int("messages", msgs))
	m.emit(events.CacheEvicted, *rep)
	return nil
}

func (m *Manager) refreshGauges(live []*types.CacheMeta) {
	counts := map[types.Kind]int64{types.KindChannel: 0, types.KindMessage: 0, types.KindUser: 0}
	for _, meta := range live {
		counts[meta.Kind]++
	}
	for k, n := range counts {
		m.metrics.CacheEntries.Set(string(k), n)
	}
}

// Stats summarises the cache.
type Stats struct {
	Channels       int     `json:"channels"`
	Messages       int     `json:"messages"`
	Users          int     `json:"users"`
	EstimatedBytes int64   `json:"estimated_bytes"`
	MaxBytes       int64   `json:"max_bytes"`
	Usage          float64 `json:"usage"`
}

// Stats reads the metadata table.
func (m *Manager) Stats() (Stats, error) {
	var s Stats
	metas, err := m.st.Meta.All()
	if err != nil {
		return s, fmt.Errorf("cache: stats: %w", err)
	}
	for _, meta := range metas {
		switch meta.Kind {
		case types.KindChannel:
			s.Channels++
		case types.KindMessage:
			s.Messages++
		case types.KindUser:
			s.Users++
		}
		s.EstimatedBytes += meta.Size
	}
	s.MaxBytes = m.cfg.MaxBytes
	if s.MaxBytes > 0 {
		s.Usage = float64(s.EstimatedBytes) / float64(s.MaxBytes)
	}
	return s, nil
}

// Clear drops every cached entity and all metadata.
func (m *Manager) Clear() error {
	for _, t := range []storage.Table{storage.TableChannels, storage.TableMessages, storage.TableUsers, storage.TableCacheMeta} {
		if err := m.st.Engine().Clear(t); err != nil {
			return fmt.Errorf("cache: clear %s: %w", t, err)
		}
	}
	return nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func peek[T any](c store.Collection[T], id string) (*T, error) {
	v, err := c.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrMiss, c.Table(), id)
	}
	return v, err
}

func oldestFirst(metas []*types.CacheMeta) {
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CachedAt != metas[j].CachedAt {
			return metas[i].CachedAt < metas[j].CachedAt
		}
		return metas[i].EntityID < metas[j].EntityID
	})
}
