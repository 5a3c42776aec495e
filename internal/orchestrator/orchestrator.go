// Package orchestrator is the sync engine's façade.
//
// Host code (the control API, the UI bridge, handlers) talks to the
// Orchestrator, never directly to the queue, cache or storage layer.
//
// Data flow:
//
//	user action → QueueOperation → optimistic cache update + queue.Add
//	Sync        → queue.ResolveConflicts → dispatch due items in batches
//	            → fetch deltas → conflict.AutoResolve → cache
//	            → tracker cursors → events
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/backoff"
	"github.com/snehjoshi/chatsync/internal/cache"
	"github.com/snehjoshi/chatsync/internal/config"
	"github.com/snehjoshi/chatsync/internal/conflict"
	"github.com/snehjoshi/chatsync/internal/connection"
	"github.com/snehjoshi/chatsync/internal/dlq"
	"github.com/snehjoshi/chatsync/internal/events"
	"github.com/snehjoshi/chatsync/internal/metrics"
	"github.com/snehjoshi/chatsync/internal/payload"
	"github.com/snehjoshi/chatsync/internal/queue"
	"github.com/snehjoshi/chatsync/internal/scheduler"
	"github.com/snehjoshi/chatsync/internal/store"
	"github.com/snehjoshi/chatsync/internal/tracker"
	"github.com/snehjoshi/chatsync/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrAlreadyInProgress is returned by Sync while another run is active.
	ErrAlreadyInProgress = errors.New("orchestrator: sync already in progress")

	// ErrOffline is returned by Sync when the connection cannot send. The run
	// is retried automatically on reconnect.
	ErrOffline = errors.New("orchestrator: offline")

	// ErrNotFound is returned for an unknown operation id.
	ErrNotFound = errors.New("orchestrator: operation not found")

	// ErrInFlight is returned when rolling back an item a handler owns.
	ErrInFlight = errors.New("orchestrator: operation is syncing")

	// ErrUnknownItemType is returned when registering a handler for a type
	// outside types.ItemTypes.
	ErrUnknownItemType = errors.New("orchestrator: unknown item type")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator: closed")
)

// ─── Collaborators ────────────────────────────────────────────────────────────

// Ack is what a handler reports on success. Every field is optional.
type Ack struct {
	// Message is the server copy. It replaces the optimistic copy, matched
	// by ClientID when the server assigned a new id.
	Message *types.Message
	Channel *types.Channel
	User    *types.User

	// Deleted confirms a delete: the entity leaves the cache and a
	// tombstone is recorded.
	Deleted *types.Tombstone
}

// Handler sends one queued operation to the server. Handlers are opaque to
// the orchestrator; a returned error counts as one failed attempt.
type Handler func(ctx context.Context, item *types.QueueItem) (*Ack, error)

// Fetcher pulls server deltas. since == 0 asks for a full fetch.
type Fetcher interface {
	FetchChannels(ctx context.Context) ([]*types.Channel, error)
	FetchMessages(ctx context.Context, channelID string, since int64, limit int) ([]*types.Message, error)
	FetchUsers(ctx context.Context) ([]*types.User, error)
}

// Connectivity gates runs. *connection.Manager satisfies it.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(connection.State)) (unsubscribe func())
}

// ─── Config ───────────────────────────────────────────────────────────────────

// Config is the slice of config.Config the orchestrator reads.
type Config struct {
	MaxConcurrent     int
	MessageFetchLimit int
	Interval          time.Duration
	AutoSync          bool
	SyncOnReconnect   bool
	RunTimeout        time.Duration

	ConcurrentWindow   time.Duration
	TombstoneRetention time.Duration
	ValidatePayloads   bool

	Queue        queue.Config
	Cache        cache.Config
	Housekeeping config.HousekeepingConfig
}

// ConfigFrom maps the file configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		MaxConcurrent:      c.Sync.MaxConcurrent,
		MessageFetchLimit:  c.Sync.MessageFetchLimit,
		Interval:           c.Sync.Interval.D(),
		AutoSync:           c.Sync.AutoSync,
		SyncOnReconnect:    c.Sync.SyncOnReconnect,
		RunTimeout:         c.Sync.RunTimeout.D(),
		ConcurrentWindow:   c.Conflict.ConcurrentWindow.D(),
		TombstoneRetention: c.Conflict.TombstoneRetention.D(),
		ValidatePayloads:   c.Queue.ValidatePayloads,
		Queue: queue.Config{
			MaxQueueSize:   c.Queue.MaxQueueSize,
			MaxRetries:     c.Queue.MaxRetries,
			Backoff:        backoff.New(c.Queue.RetryBaseDelay.D(), c.Queue.RetryMaxDelay.D()),
			CompletedGrace: c.Queue.CompletedGrace.D(),
		},
		Cache: cache.Config{
			MaxAge:            c.Cache.MaxCacheAge.D(),
			ChannelMessages:   c.Cache.CacheChannelMessages,
			MaxChannels:       c.Cache.CacheChannels,
			MaxBytes:          c.Cache.MaxStorageBytes,
			WarningThreshold:  c.Cache.StorageWarningThreshold,
			CriticalThreshold: c.Cache.StorageCriticalThreshold,
			EvictFraction:     c.Cache.EvictFraction,
		},
		Housekeeping: c.Housekeeping,
	}
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger shared with every owned component.
func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithBus publishes engine events on b instead of a private bus.
func WithBus(b *events.Bus) Option { return func(o *Orchestrator) { o.bus = b } }

// WithMetrics attaches a metrics.Registry.
func WithMetrics(r *metrics.Registry) Option { return func(o *Orchestrator) { o.metrics = r } }

// WithFetcher supplies the server delta source. Without one, runs only drain
// the queue.
func WithFetcher(f Fetcher) Option { return func(o *Orchestrator) { o.fetcher = f } }

// WithConnectivity gates runs on c and, with SyncOnReconnect, syncs when it
// comes back online.
func WithConnectivity(c Connectivity) Option { return func(o *Orchestrator) { o.conn = c } }

// WithClock overrides time.Now for the queue, cache and tombstones.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithMessagePrompt registers the user_prompt callback for message conflicts.
func WithMessagePrompt(fn conflict.PromptFunc[types.Message]) Option {
	return func(o *Orchestrator) { o.msgPrompt = fn }
}

// ─── Orchestrator ─────────────────────────────────────────────────────────────

// Orchestrator wires the queue, cache, conflict resolvers and tracker into
// the reconciliation loop. All methods are safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	st      *store.Store
	tracker *tracker.Registry

	log       *zap.Logger
	bus       *events.Bus
	metrics   *metrics.Registry
	fetcher   Fetcher
	conn      Connectivity
	now       func() time.Time
	msgPrompt conflict.PromptFunc[types.Message]

	sched    *scheduler.Scheduler
	queue    *queue.Queue
	dlq      *dlq.Manager
	cache    *cache.Manager
	tombs    *conflict.TombstoneStore
	messages *conflict.Resolver[types.Message]
	channels *conflict.Resolver[types.Channel]
	users    *conflict.Resolver[types.User]

	hmu      sync.RWMutex
	handlers [types.NumItemTypes]Handler

	// run state
	rmu       sync.Mutex
	state     RunState
	runCancel context.CancelFunc
	last      *RunResult
	// housekeeping is set while cleanup or compaction holds the store;
	// deferred records a sync refused meanwhile.
	housekeeping bool
	deferred     bool

	// background loop
	kick    chan struct{}
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsub   func()
	started bool
	closed  bool
}

// New builds the engine over st. Call Start to run the background loops.
func New(cfg Config, st *store.Store, tr *tracker.Registry, opts ...Option) (*Orchestrator, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MessageFetchLimit <= 0 {
		cfg.MessageFetchLimit = 100
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = conflict.DefaultTombstoneRetention
	}

	o := &Orchestrator{
		cfg:     cfg,
		st:      st,
		tracker: tr,
		log:     zap.NewNop(),
		now:     time.Now,
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = events.NewBus(o.log)
	}

	qopts := []queue.Option{
		queue.WithLogger(o.log.Named("queue")),
		queue.WithBus(o.bus),
		queue.WithClock(o.now),
	}
	o.sched = scheduler.New()
	qopts = append(qopts, queue.WithRetryScheduler(o.sched))
	if cfg.ValidatePayloads {
		v, err := payload.New()
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		qopts = append(qopts, queue.WithValidator(v))
	}
	q, err := queue.New(st, cfg.Queue, qopts...)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.queue = q
	o.dlq = dlq.NewManager(q, o.TriggerSync)

	copts := []cache.Option{
		cache.WithLogger(o.log.Named("cache")),
		cache.WithBus(o.bus),
		cache.WithClock(o.now),
	}
	if o.metrics != nil {
		copts = append(copts, cache.WithMetrics(o.metrics))
	}
	o.cache = cache.New(st, cfg.Cache, copts...)

	o.tombs = conflict.NewTombstoneStore(st,
		conflict.WithTombstoneClock(o.now),
		conflict.WithTombstoneLogger(o.log.Named("tombstones")),
	)

	clog := o.log.Named("conflict")
	o.messages = conflict.NewResolver[types.Message](types.ItemMessage,
		conflict.WithMerge[types.Message](conflict.MergeMessages),
		conflict.WithWindow[types.Message](cfg.ConcurrentWindow),
		conflict.WithLogger[types.Message](clog),
	)
	if o.msgPrompt != nil {
		o.messages.SetPrompt(o.msgPrompt)
	}
	o.channels = conflict.NewResolver[types.Channel](types.ItemChannel,
		conflict.WithWindow[types.Channel](cfg.ConcurrentWindow),
		conflict.WithLogger[types.Channel](clog),
	)
	o.users = conflict.NewResolver[types.User](types.ItemUser,
		conflict.WithWindow[types.User](cfg.ConcurrentWindow),
		conflict.WithLogger[types.User](clog),
	)
	return o, nil
}

// RegisterHandler installs the dispatch handler for t, replacing any
// previous one.
func (o *Orchestrator) RegisterHandler(t types.ItemType, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownItemType, uint8(t))
	}
	if h == nil {
		return fmt.Errorf("orchestrator: nil handler for %s", t)
	}
	o.hmu.Lock()
	o.handlers[t] = h
	o.hmu.Unlock()
	return nil
}

func (o *Orchestrator) handler(t types.ItemType) Handler {
	if !t.Valid() {
		return nil
	}
	o.hmu.RLock()
	defer o.hmu.RUnlock()
	return o.handlers[t]
}

// ─── Accessors ────────────────────────────────────────────────────────────────

func (o *Orchestrator) Queue() *queue.Queue                         { return o.queue }
func (o *Orchestrator) DLQ() *dlq.Manager                           { return o.dlq }
func (o *Orchestrator) Cache() *cache.Manager                       { return o.cache }
func (o *Orchestrator) Tombstones() *conflict.TombstoneStore        { return o.tombs }
func (o *Orchestrator) Tracker() *tracker.Registry                  { return o.tracker }
func (o *Orchestrator) Bus() *events.Bus                            { return o.bus }
func (o *Orchestrator) Messages() *conflict.Resolver[types.Message] { return o.messages }
func (o *Orchestrator) Channels() *conflict.Resolver[types.Channel] { return o.channels }
func (o *Orchestrator) Users() *conflict.Resolver[types.User]       { return o.users }
func (o *Orchestrator) Config() Config                              { return o.cfg }

// Subscribe registers fn for every engine event.
func (o *Orchestrator) Subscribe(fn events.Listener) (unsubscribe func()) {
	return o.bus.Subscribe(fn)
}

// PendingCount returns the number of pending operations.
func (o *Orchestrator) PendingCount() int { return o.queue.CountPending() }

// Status is the snapshot served by the control API.
type Status struct {
	State      RunState          `json:"state"`
	Online     bool              `json:"online"`
	Queue      queue.Stats       `json:"queue"`
	LastSyncAt int64             `json:"last_sync_at,omitempty"`
	LastRun    *RunResult        `json:"last_run,omitempty"`
	Tracked    []string          `json:"tracked_channels"`
	Connection *connection.State `json:"connection,omitempty"`
}

// Status returns the current engine snapshot.
func (o *Orchestrator) Status() Status {
	s := Status{
		State:      o.State(),
		Online:     o.online(),
		Queue:      o.queue.Stats(),
		LastSyncAt: o.tracker.LastSync(),
		LastRun:    o.LastResult(),
		Tracked:    o.tracker.IDs(),
	}
	if m, ok := o.conn.(*connection.Manager); ok {
		st := m.State()
		s.Connection = &st
	}
	return s
}

func (o *Orchestrator) online() bool { return o.conn == nil || o.conn.IsOnline() }

// ─── Default instance ─────────────────────────────────────────────────────────

var (
	defaultMu sync.Mutex
	defaultO  *Orchestrator
)

// SetDefault installs o as the process-wide instance.
func SetDefault(o *Orchestrator) {
	defaultMu.Lock()
	defaultO = o
	defaultMu.Unlock()
}

// Default returns the process-wide instance, or nil before SetDefault.
func Default() *Orchestrator {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultO
}

// ResetDefault closes and clears the process-wide instance. Tests call it
// for isolation.
func ResetDefault() error {
	defaultMu.Lock()
	o := defaultO
	defaultO = nil
	defaultMu.Unlock()
	if o == nil {
		return nil
	}
	return o.Close()
}
