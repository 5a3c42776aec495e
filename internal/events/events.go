// Package events is the typed event surface chatsync exposes to the host UI.
//
// Delivery is synchronous per listener in subscription order. A panicking
// listener is recovered and logged; the remaining listeners and the emitter
// are unaffected.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type names an event.
type Type string

// Sync orchestration.
const (
	SyncStarted        Type = "sync_started"
	SyncProgress       Type = "sync_progress"
	SyncCompleted      Type = "sync_completed"
	SyncFailed         Type = "sync_failed"
	SyncCancelled      Type = "sync_cancelled"
	OperationQueued    Type = "operation_queued"
	OperationRollback  Type = "operation_rollback"
	ItemAdded          Type = "item_added"
	ItemCompleted      Type = "item_completed"
	ItemFailed         Type = "item_failed"
	ItemRetryScheduled Type = "item_retry_scheduled"
	ConflictDetected   Type = "conflict_detected"
	ConflictResolved   Type = "conflict_resolved"
)

// Cache.
const (
	CacheHit       Type = "cache_hit"
	CacheMiss      Type = "cache_miss"
	CacheSet       Type = "cache_set"
	CacheDelete    Type = "cache_delete"
	CacheExpired   Type = "cache_expired"
	CacheEvicted   Type = "cache_evicted"
	StorageWarning Type = "storage_warning"
)

// Connection.
const (
	ConnectionChanged  Type = "connection_changed"
	NetworkOnline      Type = "network_online"
	NetworkOffline     Type = "network_offline"
	ReconnectScheduled Type = "reconnect_scheduled"
	ReconnectAttempt   Type = "reconnect_attempt"
	ReconnectExhausted Type = "reconnect_exhausted"
)

// Event is one notification. Data carries a type-specific payload.
type Event struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
	Data      any   `json:"data,omitempty"`
}

// Listener receives events.
type Listener func(Event)

type subscriber struct {
	id uint64
	fn Listener
}

// Bus fans events out to subscribers. The zero value is not usable; call NewBus.
type Bus struct {
	log *zap.Logger

	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64

	dropped atomic.Int64
}

// NewBus returns an empty bus. logger may be nil.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{log: logger}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is idempotent.
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Stream returns a channel fed by the bus. A full channel drops events
// rather than blocking the emitter. cancel unsubscribes and closes the channel.
func (b *Bus) Stream(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsub := b.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	})
	return ch, func() {
		unsub()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Emit publishes an event of type t stamped with the current time.
func (b *Bus) Emit(t Type, data any) {
	b.Publish(Event{Type: t, Timestamp: time.Now().UnixMilli(), Data: data})
}

// Publish delivers ev to every current subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("event listener panicked",
				zap.String("event", string(ev.Type)),
				zap.Uint64("listener", s.id),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	s.fn(ev)
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many events streams discarded because they were full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
