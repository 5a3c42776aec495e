// Package websocket carries chatsync's two WebSocket roles.
//
// Transport is the client side of the realtime session to the chat server.
//
// Handler is the event stream the local UI subscribes to:
//
//	GET /events/ws[?types=sync_completed,conflict_detected]
//
// Every engine event is pushed as one JSON text frame:
//
//	{"type":"sync_completed","timestamp":1700000000000,"data":{...}}
//
// The stream is one-way; frames the client sends are read and discarded so
// that close and pong control frames are processed.
package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/events"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	streamBuffer = 256
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrade requests. A request is
	// same-origin when its Origin host matches the Host header. Requests
	// without an Origin header (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler streams events from Bus to each connected client.
type Handler struct {
	Bus *events.Bus
	Log *zap.Logger
}

func (h *Handler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// ServeHTTP upgrades the connection and forwards events until either side
// goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r.URL.Query().Get("types"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	stream, cancel := h.Bus.Stream(streamBuffer)
	defer cancel()

	// Reader: drains client frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return

		case ev, ok := <-stream:
			if !ok {
				return
			}
			if filter != nil && !filter[ev.Type] {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger().Warn("encode event", zap.String("event", string(ev.Type)), zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseFilter(raw string) map[events.Type]bool {
	if raw == "" {
		return nil
	}
	out := make(map[events.Type]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[events.Type(t)] = true
		}
	}
	return out
}
