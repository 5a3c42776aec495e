// Package queue is the durable, priority-ordered record of local mutations
// that the server has not acknowledged yet.
//
// Every item is written through to the store before Add returns, and an
// in-memory index mirrors the table so reads never touch disk. On startup the
// index is rebuilt from storage: items left in syncing by a crash go back to
// pending, which gives at-least-once delivery.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/backoff"
	"github.com/snehjoshi/chatsync/internal/device"
	"github.com/snehjoshi/chatsync/internal/events"
	"github.com/snehjoshi/chatsync/internal/storage"
	"github.com/snehjoshi/chatsync/internal/store"
	"github.com/snehjoshi/chatsync/internal/types"
)

var (
	// ErrQueueFull is returned by Add when the queue holds MaxQueueSize
	// unfinished items. Callers must wait for a sync or discard items.
	ErrQueueFull = errors.New("queue: full")

	// ErrNotFound is returned for an unknown item id.
	ErrNotFound = errors.New("queue: item not found")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("queue: invalid status transition")

	// ErrInvalidItem is returned by Add for an unknown item type, operation
	// or a payload the validator rejects.
	ErrInvalidItem = errors.New("queue: invalid item")

	// ErrInFlight is returned by RemoveIdle for an item a handler currently owns.
	ErrInFlight = errors.New("queue: item is syncing")
)

// RetryGroup is the scheduler group retry wake-ups are registered under.
const RetryGroup = "queue"

// ─── Config ───────────────────────────────────────────────────────────────────

// Config holds the queue limits.
type Config struct {
	// MaxQueueSize caps the number of non-completed items.
	MaxQueueSize int

	// MaxRetries is applied to items added without an explicit limit.
	MaxRetries int

	// Backoff computes the delay before a failed item becomes due again.
	Backoff backoff.Policy

	// CompletedGrace is how long completed items linger for duplicate
	// suppression before PurgeCompleted drops them.
	CompletedGrace time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:   1000,
		MaxRetries:     5,
		Backoff:        backoff.New(time.Second, time.Minute),
		CompletedGrace: 5 * time.Second,
	}
}

// RetryScheduler receives retry deadlines. *scheduler.Scheduler satisfies it.
type RetryScheduler interface {
	Schedule(id, group string, dueAt int64)
	Cancel(id string)
}

// Validator checks a payload before it is accepted.
type Validator interface {
	Validate(itemType types.ItemType, op types.Operation, payload json.RawMessage) error
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(q *Queue) { q.log = l } }

// WithRetryScheduler registers retry deadlines with s.
func WithRetryScheduler(s RetryScheduler) Option { return func(q *Queue) { q.sched = s } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithValidator rejects payloads v does not accept.
func WithValidator(v Validator) Option { return func(q *Queue) { q.validator = v } }

// WithBus publishes item_added, item_retry_scheduled and item_failed on b.
func WithBus(b *events.Bus) Option { return func(q *Queue) { q.bus = b } }

// AddOptions are the optional attributes of a new item.
type AddOptions struct {
	Priority   int
	ChannelID  string
	EntityID   string
	MaxRetries int
	Rollback   *types.RollbackSnapshot
}

// Stats is a point-in-time count of items per status.
type Stats struct {
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Queue is safe for concurrent use. Every returned *types.QueueItem is a copy.
type Queue struct {
	cfg       Config
	st        *store.Store
	log       *zap.Logger
	sched     RetryScheduler
	validator Validator
	bus       *events.Bus
	now       func() time.Time

	mu    sync.Mutex
	items map[string]*types.QueueItem
}

// New opens the queue over st and rebuilds its in-memory index.
func New(st *store.Store, cfg Config, opts ...Option) (*Queue, error) {
	def := DefaultConfig()
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}

	q := &Queue{
		cfg:   cfg,
		st:    st,
		log:   zap.NewNop(),
		now:   time.Now,
		items: make(map[string]*types.QueueItem),
	}
	for _, o := range opts {
		o(q)
	}
	if err := q.load(); err != nil {
		return nil, fmt.Errorf("queue: load: %w", err)
	}
	return q, nil
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// ─── Add ──────────────────────────────────────────────────────────────────────

// Add durably records a new pending item.
//
// If a completed item with the same (type, operation, entity) key and an
// identical payload is still inside the grace window, that item is returned
// and nothing is enqueued.
func (q *Queue) Add(ctx context.Context, itemType types.ItemType, op types.Operation, payload json.RawMessage, o AddOptions) (*types.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !itemType.Valid() {
		return nil, fmt.Errorf("%w: item type %d", ErrInvalidItem, uint8(itemType))
	}
	if !op.Valid() {
		return nil, fmt.Errorf("%w: operation %q", ErrInvalidItem, op)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if q.validator != nil {
		if err := q.validator.Validate(itemType, op, payload); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidItem, err)
		}
	}

	now := q.now().UnixMilli()
	item := &types.QueueItem{
		ID:         device.MustNewID(),
		Type:       itemType,
		Operation:  op,
		Payload:    bytes.Clone(payload),
		Status:     types.StatusPending,
		MaxRetries: o.MaxRetries,
		Priority:   o.Priority,
		ChannelID:  o.ChannelID,
		EntityID:   o.EntityID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Rollback:   o.Rollback,
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.cfg.MaxRetries
	}

	q.mu.Lock()
	if dup := q.recentlyCompletedLocked(item, now); dup != nil {
		out := dup.Clone()
		q.mu.Unlock()
		q.log.Debug("suppressed duplicate enqueue",
			zap.String("id", out.ID), zap.String("key", out.Key()))
		return out, nil
	}
	if open := q.openCountLocked(); open >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w (%d items)", ErrQueueFull, open)
	}
	if err := q.st.Queue.Put(item); err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue: add: %w", err)
	}
	q.items[item.ID] = item
	out := item.Clone()
	q.mu.Unlock()

	q.log.Debug("item queued",
		zap.String("id", out.ID),
		zap.Stringer("type", out.Type),
		zap.String("op", string(out.Operation)),
		zap.Int("priority", out.Priority),
	)
	q.emit(events.ItemAdded, out)
	return out, nil
}

func (q *Queue) recentlyCompletedLocked(item *types.QueueItem, now int64) *types.QueueItem {
	if item.EntityID == "" {
		return nil
	}
	key := item.Key()
	grace := q.cfg.CompletedGrace.Milliseconds()
	for _, it := range q.items {
		if it.Status != types.StatusCompleted || it.Key() != key {
			continue
		}
		if now-it.CompletedAt > grace {
			continue
		}
		if bytes.Equal(it.Payload, item.Payload) {
			return it
		}
	}
	return nil
}

func (q *Queue) openCountLocked() int {
	n := 0
	for _, it := range q.items {
		if it.Status != types.StatusCompleted {
			n++
		}
	}
	return n
}

// ─── Reads ────────────────────────────────────────────────────────────────────

// Get returns the item with id.
func (q *Queue) Get(id string) (*types.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return it.Clone(), nil
}

// GetPending returns pending items by priority desc, then createdAt asc.
func (q *Queue) GetPending() []*types.QueueItem {
	return q.collect(func(it *types.QueueItem) bool { return it.Status == types.StatusPending })
}

// Due returns pending items whose retry deadline has passed, in dispatch order.
func (q *Queue) Due(now time.Time) []*types.QueueItem {
	ms := now.UnixMilli()
	return q.collect(func(it *types.QueueItem) bool {
		return it.Status == types.StatusPending && it.NextRetryAt <= ms
	})
}

// ListByStatus returns items with status s in dispatch order.
func (q *Queue) ListByStatus(s types.Status) []*types.QueueItem {
	return q.collect(func(it *types.QueueItem) bool { return it.Status == s })
}

// List returns every item in dispatch order.
func (q *Queue) List() []*types.QueueItem {
	return q.collect(func(*types.QueueItem) bool { return true })
}

func (q *Queue) collect(keep func(*types.QueueItem) bool) []*types.QueueItem {
	q.mu.Lock()
	out := make([]*types.QueueItem, 0, len(q.items))
	for _, it := range q.items {
		if keep(it) {
			out = append(out, it.Clone())
		}
	}
	q.mu.Unlock()
	sortDispatch(out)
	return out
}

func sortDispatch(items []*types.QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

// CountPending returns the number of pending items.
func (q *Queue) CountPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Status == types.StatusPending {
			n++
		}
	}
	return n
}

// Len returns the total number of items, completed ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats counts items per status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, it := range q.items {
		switch it.Status {
		case types.StatusPending:
			s.Pending++
		case types.StatusSyncing:
			s.Syncing++
		case types.StatusFailed:
			s.Failed++
		case types.StatusCompleted:
			s.Completed++
		}
	}
	s.Total = len(q.items)
	return s
}

// ─── Status mutations ────────────────────────────────────────────────────────

// UpdateStatus moves item id to status to. cause, when non-nil, is recorded
// as the item's last error. A failed → pending move resets the retry count.
func (q *Queue) UpdateStatus(id string, to types.Status, cause error) (*types.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.transitionLocked(id, to, func(next *types.QueueItem) {
		if cause != nil {
			next.LastError = cause.Error()
		}
	})
	if err != nil {
		return nil, err
	}
	return it.Clone(), nil
}

// RecordFailure registers a failed dispatch of a syncing item. The retry
// count is incremented; once it reaches MaxRetries the item becomes failed,
// otherwise it returns to pending with a backoff deadline.
func (q *Queue) RecordFailure(id string, cause error) (*types.QueueItem, error) {
	q.mu.Lock()
	cur, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	attempt := cur.RetryCount
	to := types.StatusPending
	if attempt+1 >= cur.MaxRetries {
		to = types.StatusFailed
	}
	var delay time.Duration
	if to == types.StatusPending {
		delay = q.cfg.Backoff.Delay(attempt)
	}
	it, err := q.transitionLocked(id, to, func(next *types.QueueItem) {
		next.RetryCount = attempt + 1
		if cause != nil {
			next.LastError = cause.Error()
		}
		if to == types.StatusPending {
			next.NextRetryAt = next.UpdatedAt + delay.Milliseconds()
		}
	})
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	out := it.Clone()
	q.mu.Unlock()

	if out.Status == types.StatusFailed {
		q.log.Warn("item exhausted retries",
			zap.String("id", out.ID),
			zap.Stringer("type", out.Type),
			zap.Int("retries", out.RetryCount),
			zap.String("last_error", out.LastError),
		)
		q.emit(events.ItemFailed, out)
		return out, nil
	}
	if q.sched != nil {
		q.sched.Schedule(out.ID, RetryGroup, out.NextRetryAt)
	}
	q.log.Info("item retry scheduled",
		zap.String("id", out.ID),
		zap.Int("retry", out.RetryCount),
		zap.Duration("delay", delay),
	)
	q.emit(events.ItemRetryScheduled, out)
	return out, nil
}

// transitionLocked validates and applies a status change, persisting it
// before the in-memory copy is swapped. Caller holds q.mu.
func (q *Queue) transitionLocked(id string, to types.Status, mutate func(*types.QueueItem)) (*types.QueueItem, error) {
	cur, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !ValidTransition(cur.Status, to) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, cur.Status, to)
	}

	next := cur.Clone()
	next.Status = to
	next.UpdatedAt = q.now().UnixMilli()
	switch {
	case to == types.StatusCompleted:
		next.CompletedAt = next.UpdatedAt
		next.NextRetryAt = 0
	case cur.Status == types.StatusFailed && to == types.StatusPending:
		next.RetryCount = 0
		next.NextRetryAt = 0
	}
	if mutate != nil {
		mutate(next)
	}

	if err := q.st.Queue.Put(next); err != nil {
		return nil, fmt.Errorf("queue: update %s: %w", id, err)
	}
	q.items[id] = next
	if to != types.StatusPending && q.sched != nil {
		q.sched.Cancel(id)
	}
	return next, nil
}

// ─── Removal ──────────────────────────────────────────────────────────────────

// Remove deletes item id regardless of its status.
func (q *Queue) Remove(id string) (*types.QueueItem, error) {
	return q.remove(id, false)
}

// RemoveIdle deletes item id unless it is syncing, in which case it returns
// ErrInFlight.
func (q *Queue) RemoveIdle(id string) (*types.QueueItem, error) {
	return q.remove(id, true)
}

func (q *Queue) remove(id string, idleOnly bool) (*types.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if idleOnly && it.Status == types.StatusSyncing {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, id)
	}
	if err := q.st.Queue.Delete(id); err != nil {
		return nil, fmt.Errorf("queue: remove %s: %w", id, err)
	}
	delete(q.items, id)
	if q.sched != nil {
		q.sched.Cancel(id)
	}
	return it.Clone(), nil
}

// Clear drops every item.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.st.Queue.Clear(); err != nil {
		return fmt.Errorf("queue: clear: %w", err)
	}
	if q.sched != nil {
		for id := range q.items {
			q.sched.Cancel(id)
		}
	}
	q.items = make(map[string]*types.QueueItem)
	return nil
}

// ResolveConflicts collapses pending items that share a (type, operation,
// entity) key, keeping the most recently created one. It returns how many
// items were discarded. Items without an entity id are never collapsed.
func (q *Queue) ResolveConflicts() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	newest := make(map[string]*types.QueueItem)
	var drop []string
	for _, it := range q.items {
		if it.Status != types.StatusPending || it.EntityID == "" {
			continue
		}
		key := it.Key()
		keep, seen := newest[key]
		switch {
		case !seen:
			newest[key] = it
		case newer(it, keep):
			drop = append(drop, keep.ID)
			newest[key] = it
		default:
			drop = append(drop, it.ID)
		}
	}
	if err := q.deleteLocked(drop); err != nil {
		return 0, fmt.Errorf("queue: resolve conflicts: %w", err)
	}
	if len(drop) > 0 {
		q.log.Info("collapsed duplicate items", zap.Int("discarded", len(drop)))
	}
	return len(drop), nil
}

func newer(a, b *types.QueueItem) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

// PurgeCompleted drops completed items whose grace window has passed.
func (q *Queue) PurgeCompleted(now time.Time) (int, error) {
	cutoff := now.UnixMilli() - q.cfg.CompletedGrace.Milliseconds()
	q.mu.Lock()
	defer q.mu.Unlock()
	var drop []string
	for id, it := range q.items {
		if it.Status == types.StatusCompleted && it.CompletedAt <= cutoff {
			drop = append(drop, id)
		}
	}
	if err := q.deleteLocked(drop); err != nil {
		return 0, fmt.Errorf("queue: purge completed: %w", err)
	}
	return len(drop), nil
}

func (q *Queue) deleteLocked(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := q.st.Batch(func(w storage.Writer) error {
		for _, id := range ids {
			if err := q.st.Queue.DeleteTx(w, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(q.items, id)
		if q.sched != nil {
			q.sched.Cancel(id)
		}
	}
	return nil
}

// ─── Load ─────────────────────────────────────────────────────────────────────

// load rebuilds the index. Writes are collected during the scan and applied
// afterwards in one batch.
func (q *Queue) load() error {
	all, err := q.st.Queue.All()
	if err != nil {
		return err
	}
	now := q.now().UnixMilli()

	var reset []*types.QueueItem
	for _, it := range all {
		if !it.Type.Valid() {
			q.log.Warn("skipping item with unknown type", zap.String("id", it.ID))
			continue
		}
		if it.Status == types.StatusSyncing {
			it.Status = types.StatusPending
			it.UpdatedAt = now
			reset = append(reset, it)
		}
		q.items[it.ID] = it
		if it.Status == types.StatusPending && it.NextRetryAt > now && q.sched != nil {
			q.sched.Schedule(it.ID, RetryGroup, it.NextRetryAt)
		}
	}

	if len(reset) > 0 {
		err := q.st.Batch(func(w storage.Writer) error {
			for _, it := range reset {
				if err := q.st.Queue.PutTx(w, it); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		q.log.Info("requeued items interrupted mid-sync", zap.Int("count", len(reset)))
	}
	return nil
}

func (q *Queue) emit(t events.Type, it *types.QueueItem) {
	if q.bus != nil {
		q.bus.Emit(t, it)
	}
}
