package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/chatsync/internal/connection"
)

// ErrNotConnected is returned by Send while no session is open.
var ErrNotConnected = errors.New("websocket: not connected")

// Frame is the envelope exchanged with the chat server in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the logger.
func WithTransportLogger(l *zap.Logger) TransportOption {
	return func(t *Transport) { t.log = l }
}

// WithSendRate throttles outbound frames to rps with the given burst.
// rps <= 0 disables throttling.
func WithSendRate(rps float64, burst int) TransportOption {
	return func(t *Transport) {
		if rps <= 0 {
			t.limiter = nil
			return
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithDialer replaces the default gorilla dialer.
func WithDialer(d *gorillaws.Dialer) TransportOption {
	return func(t *Transport) { t.dialer = d }
}

// WithFrameHandler receives every frame the server pushes. It runs on the
// read goroutine and must not block.
func WithFrameHandler(fn func(Frame)) TransportOption {
	return func(t *Transport) { t.onFrame = fn }
}

// Transport is the realtime session to the chat server over gorilla
// websocket. It satisfies connection.Transport and reports unexpected
// disconnects to subscribers; reconnection is the connection.Manager's job.
type Transport struct {
	url     string
	dialer  *gorillaws.Dialer
	limiter *rate.Limiter
	log     *zap.Logger
	onFrame func(Frame)

	mu     sync.Mutex
	conn   *gorillaws.Conn
	state  connection.TransportState
	gen    uint64
	nextID uint64
	subs   map[uint64]func(connection.TransportState, error)

	wmu sync.Mutex // serialises writes on conn
}

// NewTransport returns a disconnected Transport for the socket URL.
func NewTransport(socketURL string, opts ...TransportOption) *Transport {
	t := &Transport{
		url:    socketURL,
		dialer: &gorillaws.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    zap.NewNop(),
		state:  connection.TransportDisconnected,
		subs:   make(map[uint64]func(connection.TransportState, error)),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Connect dials the server with token as a bearer credential. An existing
// session is replaced.
func (t *Transport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	old := t.conn
	t.conn = nil
	t.gen++
	gen := t.gen
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	t.setState(gen, connection.TransportConnecting, nil)

	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, hdr)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket: dial %s: %w (status %d)", t.url, err, resp.StatusCode)
		} else {
			err = fmt.Errorf("websocket: dial %s: %w", t.url, err)
		}
		t.setState(gen, connection.TransportError, err)
		return err
	}

	t.mu.Lock()
	if t.gen != gen {
		// Disconnect or another Connect raced us.
		t.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	t.conn = conn
	t.mu.Unlock()

	t.log.Info("realtime session open", zap.String("url", t.url))
	t.setState(gen, connection.TransportConnected, nil)
	go t.readLoop(gen, conn)
	return nil
}

// Disconnect closes the session. Subscribers see disconnected with a nil
// error.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	if conn != nil {
		t.wmu.Lock()
		_ = conn.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.wmu.Unlock()
		_ = conn.Close()
	}
	t.setState(gen, connection.TransportDisconnected, nil)
	return nil
}

// Send writes one event frame, waiting for the send limiter first.
func (t *Transport) Send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("websocket: encode %s: %w", event, err)
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	}
	if err := conn.WriteJSON(Frame{Event: event, Data: data}); err != nil {
		return fmt.Errorf("websocket: send %s: %w", event, err)
	}
	return nil
}

// State returns the current session state.
func (t *Transport) State() connection.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe registers fn for every state change.
func (t *Transport) Subscribe(fn func(connection.TransportState, error)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Transport) readLoop(gen uint64, conn *gorillaws.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			current := t.gen == gen
			if current {
				t.conn = nil
			}
			t.mu.Unlock()
			if current {
				t.log.Warn("realtime session lost", zap.Error(err))
				t.setState(gen, connection.TransportDisconnected, err)
			}
			return
		}
		if t.onFrame == nil {
			continue
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		t.onFrame(f)
	}
}

// setState records s if gen is still current and notifies subscribers
// outside the lock.
func (t *Transport) setState(gen uint64, s connection.TransportState, err error) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.state = s
	subs := make([]func(connection.TransportState, error), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(s, err)
	}
}

var _ connection.Transport = (*Transport)(nil)
