package connection_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/backoff"
	"github.com/snehjoshi/chatsync/internal/connection"
	"github.com/snehjoshi/chatsync/internal/events"
)

// fakeTransport records connect attempts and fails while failing is set.
type fakeTransport struct {
	mu       sync.Mutex
	state    connection.TransportState
	failing  bool
	attempts []time.Time
	subs     []func(connection.TransportState, error)

	// when hold is set, Connect signals entered and waits for hold to close
	hold    chan struct{}
	entered chan struct{}
	drops   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: connection.TransportDisconnected}
}

func (f *fakeTransport) Connect(_ context.Context, _ string) error {
	f.mu.Lock()
	f.attempts = append(f.attempts, time.Now())
	fail := f.failing
	hold, entered := f.hold, f.entered
	f.mu.Unlock()
	if hold != nil {
		entered <- struct{}{}
		<-hold
		f.mu.Lock()
		f.hold = nil
		f.mu.Unlock()
	}
	if fail {
		err := errors.New("dial refused")
		f.setState(connection.TransportError, err)
		return err
	}
	f.setState(connection.TransportConnected, nil)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.drops++
	f.mu.Unlock()
	f.setState(connection.TransportDisconnected, nil)
	return nil
}

func (f *fakeTransport) Send(context.Context, string, any) error { return nil }

func (f *fakeTransport) State() connection.TransportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Subscribe(fn func(connection.TransportState, error)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	return func() {}
}

// drop simulates the server closing the socket.
func (f *fakeTransport) drop() { f.setState(connection.TransportDisconnected, errors.New("eof")) }

func (f *fakeTransport) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

// holdConnects makes the next Connect block until the returned func is called.
func (f *fakeTransport) holdConnects() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	return f.entered, func() { close(f.hold) }
}

func (f *fakeTransport) disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drops
}

func (f *fakeTransport) attemptTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.attempts...)
}

func (f *fakeTransport) setState(s connection.TransportState, err error) {
	f.mu.Lock()
	f.state = s
	subs := append([]func(connection.TransportState, error){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(s, err)
	}
}

func fastConfig(maxRetries int) connection.Config {
	return connection.Config{
		MaxRetries:                maxRetries,
		Backoff:                   backoff.Policy{Base: 20 * time.Millisecond, Max: time.Second},
		ReconnectOnNetworkRestore: true,
	}
}

func newManager(t *testing.T, cfg connection.Config, online bool, opts ...connection.Option) (*connection.Manager, *connection.StaticReachability, *fakeTransport) {
	t.Helper()
	reach := connection.NewStaticReachability(online)
	tr := newFakeTransport()
	m := connection.NewManager(cfg, reach, tr, opts...)
	m.Start()
	t.Cleanup(func() { _ = m.Close() })
	return m, reach, tr
}

func TestConnect_Online(t *testing.T) {
	m, _, _ := newManager(t, fastConfig(3), true)

	require.NoError(t, m.Connect(context.Background()))
	st := m.State()
	assert.Equal(t, connection.Online, st.Overall)
	assert.True(t, st.CanSendMessages)
	assert.NotZero(t, st.LastConnectedAt)
}

func TestConnect_OfflineThenNetworkRestore(t *testing.T) {
	m, reach, tr := newManager(t, fastConfig(3), false)

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, connection.ErrOffline)
	assert.Equal(t, connection.Offline, m.State().Overall)
	assert.False(t, m.IsOnline())

	reach.Set(true)
	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
	assert.Len(t, tr.attemptTimes(), 1)
}

func TestNetworkRestore_SkippedAfterManualDisconnect(t *testing.T) {
	m, reach, tr := newManager(t, fastConfig(3), true)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Disconnect())

	reach.Set(false)
	reach.Set(true)
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, tr.attemptTimes(), 1)
	assert.False(t, m.IsOnline())
}

func TestUnexpectedDisconnect_ReconnectsWithBackoff(t *testing.T) {
	m, _, tr := newManager(t, fastConfig(5), true)
	require.NoError(t, m.Connect(context.Background()))

	tr.setFailing(true)
	tr.drop()

	require.Eventually(t, func() bool { return len(tr.attemptTimes()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	times := tr.attemptTimes()
	// First retry waits base, the second base*2.
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 35*time.Millisecond)

	tr.setFailing(false)
	require.Eventually(t, m.IsOnline, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, m.State().ReconnectAttempts)
}

func TestReconnect_StopsAfterMaxRetriesUntilResumed(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	var exhausted sync.WaitGroup
	exhausted.Add(1)
	var once sync.Once
	bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.ReconnectExhausted {
			once.Do(exhausted.Done)
		}
	})

	m, _, tr := newManager(t, fastConfig(2), true, connection.WithBus(bus))
	tr.setFailing(true)
	require.Error(t, m.Connect(context.Background()))

	exhausted.Wait()
	assert.Len(t, tr.attemptTimes(), 3, "initial connect plus two retries")
	st := m.State()
	assert.True(t, st.ReconnectPaused)
	assert.Equal(t, 2, st.ReconnectAttempts)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, tr.attemptTimes(), 3, "no automatic retries once exhausted")

	tr.setFailing(false)
	m.ResumeReconnect()
	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
}

func TestNetworkLoss_CancelsPendingReconnect(t *testing.T) {
	cfg := fastConfig(5)
	cfg.Backoff = backoff.Policy{Base: 80 * time.Millisecond, Max: time.Second}
	m, reach, tr := newManager(t, cfg, true)
	require.NoError(t, m.Connect(context.Background()))

	tr.setFailing(true)
	tr.drop()
	assert.Equal(t, connection.Reconnecting, m.State().Overall)

	reach.Set(false)
	assert.Zero(t, m.State().NextReconnectAt)
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, tr.attemptTimes(), 1)
	assert.Equal(t, connection.Offline, m.State().Overall)
}

func TestDisconnect_DuringReconnectDialClosesResult(t *testing.T) {
	m, _, tr := newManager(t, fastConfig(5), true)
	require.NoError(t, m.Connect(context.Background()))

	entered, release := tr.holdConnects()
	tr.drop()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("reconnect never dialed")
	}
	require.NoError(t, m.Disconnect())
	release()

	require.Eventually(t, func() bool { return tr.disconnects() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, connection.TransportDisconnected, tr.State())
	assert.False(t, m.IsOnline())
}

func TestCancelReconnect_Pauses(t *testing.T) {
	cfg := fastConfig(5)
	cfg.Backoff = backoff.Policy{Base: 50 * time.Millisecond, Max: time.Second}
	m, _, tr := newManager(t, cfg, true)
	require.NoError(t, m.Connect(context.Background()))

	tr.setFailing(true)
	tr.drop()
	m.CancelReconnect()
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, tr.attemptTimes(), 1)
	assert.True(t, m.State().ReconnectPaused)
}

func TestSubscribe_ReceivesStateChanges(t *testing.T) {
	m, _, _ := newManager(t, fastConfig(1), true)

	var mu sync.Mutex
	var seen []connection.Overall
	m.Subscribe(func(st connection.State) {
		mu.Lock()
		seen = append(seen, st.Overall)
		mu.Unlock()
	})
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Disconnect())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, connection.Online)
	assert.Equal(t, connection.Offline, seen[len(seen)-1])
}

func TestConnect_ExpiredToken(t *testing.T) {
	// header {"alg":"none"} . payload {"exp":1}
	expired := "eyJhbGciOiJub25lIn0.eyJleHAiOjF9."
	m, _, tr := newManager(t, fastConfig(1), true, connection.WithToken(func() string { return expired }))

	require.Error(t, m.Connect(context.Background()))
	assert.Empty(t, tr.attemptTimes())
}

func TestSend_Offline(t *testing.T) {
	m, _, _ := newManager(t, fastConfig(1), true)
	assert.ErrorIs(t, m.Send(context.Background(), "typing", nil), connection.ErrOffline)
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := connection.NewProbe(ln.Addr().String(), 20*time.Millisecond, nil)
	changes := make(chan bool, 4)
	p.Subscribe(func(online bool) { changes <- online })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	assert.True(t, <-changes)
	require.NoError(t, ln.Close())
	assert.False(t, <-changes)
}

func TestProbeAddress(t *testing.T) {
	cases := map[string]string{
		"https://chat.example.com/api": "chat.example.com:443",
		"http://localhost:8080":        "localhost:8080",
		"ws://10.0.0.1/ws":             "10.0.0.1:80",
	}
	for in, want := range cases {
		got, err := connection.ProbeAddress(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
