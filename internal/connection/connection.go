// Package connection merges network reachability and the realtime transport's
// session state into one CombinedState, and drives reconnection.
//
// Rules:
//   - Network loss cancels any pending reconnect timer.
//   - Network restoration reconnects immediately, with retry state reset,
//     unless the transport is already connected or the caller disconnected.
//   - An unexpected transport disconnect while reachable schedules a retry
//     with exponential backoff. After MaxRetries attempts automatic retry
//     stops until ResumeReconnect.
//   - Disconnect and CancelReconnect cancel outstanding timers before
//     returning.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/backoff"
	"github.com/snehjoshi/chatsync/internal/events"
	"github.com/snehjoshi/chatsync/internal/metrics"
	"github.com/snehjoshi/chatsync/internal/session"
)

// ErrOffline is returned by Connect when the network is unreachable. The
// connect request is remembered and honoured when the network returns.
var ErrOffline = errors.New("connection: network unreachable")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("connection: manager closed")

// TransportState is the realtime session state reported by a Transport.
type TransportState string

const (
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportReconnecting TransportState = "reconnecting"
	TransportDisconnected TransportState = "disconnected"
	TransportError        TransportState = "error"
)

// Overall is the derived connection status shown to the user.
type Overall string

const (
	Online       Overall = "online"
	Offline      Overall = "offline"
	Connecting   Overall = "connecting"
	Reconnecting Overall = "reconnecting"
	Error        Overall = "error"
)

// Reachability reports whether the network is usable.
type Reachability interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Transport is the realtime session to the chat server.
type Transport interface {
	Connect(ctx context.Context, token string) error
	Disconnect() error
	Send(ctx context.Context, event string, payload any) error
	State() TransportState
	Subscribe(fn func(state TransportState, err error)) (unsubscribe func())
}

// State is the CombinedState snapshot.
type State struct {
	NetworkOnline      bool           `json:"network_online"`
	Transport          TransportState `json:"transport"`
	Overall            Overall        `json:"overall"`
	CanSendMessages    bool           `json:"can_send_messages"`
	ReconnectAttempts  int            `json:"reconnect_attempts"`
	ReconnectPaused    bool           `json:"reconnect_paused"`
	NextReconnectAt    int64          `json:"next_reconnect_at,omitempty"`
	LastConnectedAt    int64          `json:"last_connected_at,omitempty"`
	LastDisconnectedAt int64          `json:"last_disconnected_at,omitempty"`
	DisconnectReason   string         `json:"disconnect_reason,omitempty"`
}

// Config tunes reconnection.
type Config struct {
	MaxRetries                int
	Backoff                   backoff.Policy
	ReconnectOnNetworkRestore bool
}

// DefaultConfig mirrors config.Default().Connection.
func DefaultConfig() Config {
	return Config{
		MaxRetries:                10,
		Backoff:                   backoff.New(time.Second, 30*time.Second),
		ReconnectOnNetworkRestore: true,
	}
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option        { return func(m *Manager) { m.log = l } }
func WithBus(b *events.Bus) Option           { return func(m *Manager) { m.bus = b } }
func WithMetrics(r *metrics.Registry) Option { return func(m *Manager) { m.metrics = r } }

// WithToken supplies the access token for each connect attempt.
func WithToken(fn func() string) Option { return func(m *Manager) { m.token = fn } }

// Manager owns the CombinedState.
type Manager struct {
	cfg     Config
	reach   Reachability
	tr      Transport
	token   func() string
	log     *zap.Logger
	bus     *events.Bus
	metrics *metrics.Registry
	local   *events.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	st     State
	wanted bool // Connect called and not undone by Disconnect
	timer  *time.Timer
	gen    uint64
	closed bool
	unsubs []func()
	outbox []events.Event
}

// NewManager wires reach and tr. Call Start to begin observing them.
func NewManager(cfg Config, reach Reachability, tr Transport, opts ...Option) *Manager {
	m := &Manager{
		cfg:   cfg,
		reach: reach,
		tr:    tr,
		token: func() string { return "" },
		log:   zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	m.local = events.NewBus(m.log)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.st = State{NetworkOnline: reach.Online(), Transport: tr.State()}
	return m
}

// Start subscribes to the reachability and transport signals.
func (m *Manager) Start() {
	u1 := m.reach.Subscribe(m.onNetwork)
	u2 := m.tr.Subscribe(m.onTransport)

	m.mu.Lock()
	m.unsubs = append(m.unsubs, u1, u2)
	m.st.NetworkOnline = m.reach.Online()
	m.st.Transport = m.tr.State()
	st := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(st)
}

// Connect opens the transport. On failure a backoff retry is scheduled.
func (m *Manager) Connect(ctx context.Context) error {
	tok := m.token()
	if err := session.Check(tok, time.Now()); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.wanted = true
	m.st.ReconnectPaused = false
	online := m.st.NetworkOnline
	m.mu.Unlock()

	if !online {
		return ErrOffline
	}

	err := m.tr.Connect(ctx, tok)
	if err != nil {
		m.log.Warn("connect failed", zap.Error(err))
		m.mu.Lock()
		m.st.DisconnectReason = err.Error()
		m.scheduleRetryLocked()
		st := m.snapshotLocked()
		m.mu.Unlock()
		m.flush()
		m.notify(st)
		return fmt.Errorf("connection: connect: %w", err)
	}
	return nil
}

// Disconnect closes the transport and cancels pending reconnects. Automatic
// reconnection stays off until Connect is called again.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.wanted = false
	m.cancelTimerLocked()
	m.st.ReconnectAttempts = 0
	m.st.DisconnectReason = "manual"
	m.mu.Unlock()

	return m.tr.Disconnect()
}

// CancelReconnect pauses automatic reconnection without disconnecting.
func (m *Manager) CancelReconnect() {
	m.mu.Lock()
	m.cancelTimerLocked()
	m.st.ReconnectPaused = true
	st := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(st)
}

// ResumeReconnect clears the pause and the attempt counter and, when the
// transport is down while the network is up, attempts a reconnect now.
func (m *Manager) ResumeReconnect() {
	m.mu.Lock()
	m.st.ReconnectPaused = false
	m.st.ReconnectAttempts = 0
	if m.shouldReconnectLocked() {
		m.cancelTimerLocked()
		m.scheduleLocked(0)
	}
	st := m.snapshotLocked()
	m.mu.Unlock()
	m.flush()
	m.notify(st)
}

// State returns the current CombinedState.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// IsOnline reports whether messages can be sent right now.
func (m *Manager) IsOnline() bool { return m.State().CanSendMessages }

// Subscribe registers fn for every state change.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	return m.local.Subscribe(func(ev events.Event) {
		if st, ok := ev.Data.(State); ok {
			fn(st)
		}
	})
}

// Send forwards a realtime event when connected.
func (m *Manager) Send(ctx context.Context, event string, payload any) error {
	if !m.IsOnline() {
		return ErrOffline
	}
	return m.tr.Send(ctx, event, payload)
}

// Close disconnects and stops observing. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.wanted = false
	m.cancelTimerLocked()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	m.cancel()
	return m.tr.Disconnect()
}

// ─── Signal handlers ──────────────────────────────────────────────────────────

func (m *Manager) onNetwork(online bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	prev := m.st.NetworkOnline
	m.st.NetworkOnline = online
	if !online {
		m.cancelTimerLocked()
	} else if !prev && m.cfg.ReconnectOnNetworkRestore && m.shouldReconnectLocked() {
		m.st.ReconnectAttempts = 0
		m.st.ReconnectPaused = false
		m.cancelTimerLocked()
		m.scheduleLocked(0)
	}
	st := m.snapshotLocked()
	m.mu.Unlock()

	if prev != online {
		if online {
			m.emit(events.NetworkOnline, st)
		} else {
			m.emit(events.NetworkOffline, st)
		}
	}
	m.flush()
	m.notify(st)
}

func (m *Manager) onTransport(ts TransportState, cause error) {
	now := time.Now().UnixMilli()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.st.Transport = ts
	switch ts {
	case TransportConnected:
		m.cancelTimerLocked()
		m.st.ReconnectAttempts = 0
		m.st.LastConnectedAt = now
		m.st.DisconnectReason = ""
	case TransportDisconnected, TransportError:
		m.st.LastDisconnectedAt = now
		if cause != nil {
			m.st.DisconnectReason = cause.Error()
		}
		if m.wanted && m.st.NetworkOnline {
			m.scheduleRetryLocked()
		}
	}
	st := m.snapshotLocked()
	m.mu.Unlock()

	m.flush()
	m.notify(st)
}

// ─── Reconnect timers ─────────────────────────────────────────────────────────

func (m *Manager) shouldReconnectLocked() bool {
	return !m.closed && m.wanted && m.st.NetworkOnline && m.st.Transport != TransportConnected
}

// scheduleRetryLocked arms a backoff retry unless one is pending, retries are
// paused, or the attempt budget is spent.
func (m *Manager) scheduleRetryLocked() {
	if m.timer != nil || m.st.ReconnectPaused || !m.shouldReconnectLocked() {
		return
	}
	if m.st.ReconnectAttempts >= m.cfg.MaxRetries {
		m.st.ReconnectPaused = true
		m.log.Warn("reconnect attempts exhausted", zap.Int("attempts", m.st.ReconnectAttempts))
		m.queue(events.ReconnectExhausted, map[string]any{"attempts": m.st.ReconnectAttempts})
		return
	}
	m.scheduleLocked(m.cfg.Backoff.Delay(m.st.ReconnectAttempts))
}

func (m *Manager) scheduleLocked(delay time.Duration) {
	m.gen++
	gen := m.gen
	m.st.NextReconnectAt = time.Now().Add(delay).UnixMilli()
	m.timer = time.AfterFunc(delay, func() { m.fire(gen) })
	m.queue(events.ReconnectScheduled, map[string]any{
		"attempt":  m.st.ReconnectAttempts + 1,
		"delay_ms": delay.Milliseconds(),
	})
}

func (m *Manager) cancelTimerLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.st.NextReconnectAt = 0
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.st.NextReconnectAt = 0
	if !m.shouldReconnectLocked() {
		m.mu.Unlock()
		return
	}
	m.st.ReconnectAttempts++
	attempt := m.st.ReconnectAttempts
	m.mu.Unlock()

	m.emit(events.ReconnectAttempt, map[string]any{"attempt": attempt})
	m.log.Info("reconnecting", zap.Int("attempt", attempt))

	err := m.tr.Connect(m.ctx, m.token())
	if err == nil {
		m.mu.Lock()
		unwanted := m.closed || !m.wanted
		m.mu.Unlock()
		if unwanted {
			// Disconnect landed while the dial was in flight.
			m.log.Info("dropping reconnect made after disconnect", zap.Int("attempt", attempt))
			_ = m.tr.Disconnect()
			return
		}
		m.count("success")
		return
	}
	m.count("failure")
	m.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))

	m.mu.Lock()
	m.st.DisconnectReason = err.Error()
	m.scheduleRetryLocked()
	st := m.snapshotLocked()
	m.mu.Unlock()
	m.flush()
	m.notify(st)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (m *Manager) snapshotLocked() State {
	st := m.st
	st.CanSendMessages = st.NetworkOnline && st.Transport == TransportConnected
	switch {
	case !st.NetworkOnline:
		st.Overall = Offline
	case st.Transport == TransportConnected:
		st.Overall = Online
	case st.Transport == TransportConnecting:
		st.Overall = Connecting
	case st.Transport == TransportReconnecting || m.timer != nil:
		st.Overall = Reconnecting
	case st.Transport == TransportError:
		st.Overall = Error
	default:
		st.Overall = Offline
	}
	return st
}

// queue buffers an event raised under mu; flush publishes it after unlock.
func (m *Manager) queue(t events.Type, data any) {
	m.outbox = append(m.outbox, events.Event{Type: t, Timestamp: time.Now().UnixMilli(), Data: data})
}

func (m *Manager) flush() {
	m.mu.Lock()
	out := m.outbox
	m.outbox = nil
	m.mu.Unlock()
	if m.bus == nil {
		return
	}
	for _, ev := range out {
		m.bus.Publish(ev)
	}
}

func (m *Manager) emit(t events.Type, data any) {
	if m.bus != nil {
		m.bus.Emit(t, data)
	}
}

func (m *Manager) notify(st State) {
	m.local.Emit(events.ConnectionChanged, st)
	m.emit(events.ConnectionChanged, st)
}

func (m *Manager) count(outcome string) {
	if m.metrics != nil {
		m.metrics.Reconnects.Inc(outcome)
	}
}
