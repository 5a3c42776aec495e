// Package tracker keeps the set of channels the orchestrator pulls deltas for,
// together with a per-channel sync cursor and the global last-sync time.
//
// State is persisted to dataDir/channels.json with an atomic
// write-then-rename so a crash never leaves a half-written file. A channel
// whose cursor is zero has never been synced: the next run does a full fetch.
//
// All methods are safe for concurrent use.
package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

var idRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]{0,127}$`)

// ErrNotTracked is returned for a channel that is not in the registry.
var ErrNotTracked = errors.New("tracker: channel not tracked")

// ErrInvalidID is returned when a channel id fails validation.
var ErrInvalidID = errors.New("tracker: invalid channel id")

// Channel is the record kept for each tracked channel.
type Channel struct {
	ID        string `json:"id"`
	TrackedAt int64  `json:"tracked_at"`
	// LastSyncAt is the server timestamp of the newest delta applied for
	// the channel. Zero means never synced.
	LastSyncAt int64 `json:"last_sync_at,omitempty"`
}

// Registry is the in-memory + on-disk set of tracked channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	lastSync int64
	filePath string
	now      func() time.Time
}

// New creates a Registry and loads dataDir/channels.json if present.
func New(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("tracker: create data dir: %w", err)
	}

	r := &Registry{
		channels: make(map[string]*Channel),
		filePath: filepath.Join(dataDir, "channels.json"),
		now:      time.Now,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Track adds a channel. Tracking an already tracked channel is a no-op and
// keeps its cursor.
func (r *Registry) Track(id string) error {
	if !idRe.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[id]; ok {
		return nil
	}
	r.channels[id] = &Channel{ID: id, TrackedAt: r.now().UnixMilli()}
	return r.save()
}

// Untrack removes a channel and its cursor.
func (r *Registry) Untrack(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, id)
	}
	delete(r.channels, id)
	return r.save()
}

// IsTracked reports whether id is tracked.
func (r *Registry) IsTracked(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[id]
	return ok
}

// List returns copies of all tracked channels sorted by id.
func (r *Registry) List() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the tracked channel ids sorted.
func (r *Registry) IDs() []string {
	list := r.List()
	ids := make([]string, len(list))
	for i, ch := range list {
		ids[i] = ch.ID
	}
	return ids
}

// Cursor returns the channel's sync cursor, 0 when never synced.
func (r *Registry) Cursor(id string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotTracked, id)
	}
	return ch.LastSyncAt, nil
}

// MarkSynced advances the channel's cursor. Cursors never move backwards; a
// smaller at is ignored.
func (r *Registry) MarkSynced(id string, at int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, id)
	}
	if at <= ch.LastSyncAt {
		return nil
	}
	ch.LastSyncAt = at
	return r.save()
}

// LastSync returns the completion time of the last successful sync run.
func (r *Registry) LastSync() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSync
}

// SetLastSync records the completion time of a successful sync run.
func (r *Registry) SetLastSync(at int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSync = at
	return r.save()
}

// IsFirstSync reports whether no run has completed yet.
func (r *Registry) IsFirstSync() bool { return r.LastSync() == 0 }

// Reset forgets every cursor and the global last-sync time. Tracked channels
// stay; the next run does a full fetch.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.channels {
		ch.LastSyncAt = 0
	}
	r.lastSync = 0
	return r.save()
}

// ─── Persistence ──────────────────────────────────────────────────────────────

type fileModel struct {
	LastSyncAt int64      `json:"last_sync_at"`
	Channels   []*Channel `json:"channels"`
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("tracker: read %s: %w", r.filePath, err)
	}

	var m fileModel
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("tracker: parse %s: %w", r.filePath, err)
	}
	r.lastSync = m.LastSyncAt
	for _, ch := range m.Channels {
		r.channels[ch.ID] = ch
	}
	return nil
}

// save must be called with mu held.
func (r *Registry) save() error {
	list := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		list = append(list, ch)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(fileModel{LastSyncAt: r.lastSync, Channels: list}, "", "  ")
	if err != nil {
		return fmt.Errorf("tracker: marshal: %w", err)
	}

	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("tracker: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.filePath); err != nil {
		return fmt.Errorf("tracker: rename to %s: %w", r.filePath, err)
	}
	return nil
}
