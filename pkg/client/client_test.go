package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/chatsync/pkg/client"
)

// ─── fake chat server ─────────────────────────────────────────────────────────

// chatServer is an in-memory stand-in for the chat backend.
type chatServer struct {
	mu       sync.Mutex
	next     int
	messages map[string]*client.Message
	reads    map[string]string
	typing   map[string]bool
	presence string
	lastAuth string
	lastSig  string
	lastBody []byte
}

func newChatServer(t *testing.T) (*chatServer, *httptest.Server) {
	t.Helper()
	s := &chatServer{
		messages: make(map[string]*client.Message),
		reads:    make(map[string]string),
		typing:   make(map[string]bool),
	}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			body, _ := io.ReadAll(req.Body)
			req.Body = io.NopCloser(strings.NewReader(string(body)))
			s.mu.Lock()
			s.lastAuth = req.Header.Get("Authorization")
			s.lastSig = req.Header.Get("X-Chatsync-Signature")
			s.lastBody = body
			s.mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": "test", "time_ms": 1_700_000_000_000})
	})
	r.Get("/channels", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"channels": []client.Channel{{ID: "general", Name: "General"}}})
	})
	r.Get("/users", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"users": []client.User{{ID: "u1", Username: "ada"}}})
	})
	r.Get("/channels/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		since, _ := strconv.ParseInt(req.URL.Query().Get("since"), 10, 64)
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		s.mu.Lock()
		defer s.mu.Unlock()
		var out []*client.Message
		for _, m := range s.messages {
			if m.ChannelID == chi.URLParam(req, "id") && m.UpdatedAt > since {
				out = append(out, m)
			}
		}
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": out})
	})
	r.Post("/channels/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			ClientID string `json:"client_id"`
			Content  string `json:"content"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.Content == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
			return
		}
		s.mu.Lock()
		s.next++
		m := &client.Message{
			ID:        "srv-" + strconv.Itoa(s.next),
			ClientID:  in.ClientID,
			ChannelID: chi.URLParam(req, "id"),
			Content:   in.Content,
			CreatedAt: int64(s.next),
			UpdatedAt: int64(s.next),
		}
		s.messages[m.ID] = m
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, m)
	})
	r.Patch("/messages/{id}", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(req.Body).Decode(&in)
		s.mu.Lock()
		defer s.mu.Unlock()
		m, ok := s.messages[chi.URLParam(req, "id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
			return
		}
		m.Content, m.Edited = in.Content, true
		writeJSON(w, http.StatusOK, m)
	})
	r.Delete("/messages/{id}", func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		id := chi.URLParam(req, "id")
		if _, ok := s.messages[id]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
			return
		}
		delete(s.messages, id)
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/messages/{id}/reactions", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			Emoji string `json:"emoji"`
		}
		_ = json.NewDecoder(req.Body).Decode(&in)
		s.mu.Lock()
		defer s.mu.Unlock()
		m := s.messages[chi.URLParam(req, "id")]
		m.ApplyReaction(in.Emoji, "me", true)
		writeJSON(w, http.StatusOK, m)
	})
	r.Delete("/messages/{id}/reactions/{emoji}", func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		m := s.messages[chi.URLParam(req, "id")]
		m.ApplyReaction(chi.URLParam(req, "emoji"), "me", false)
		writeJSON(w, http.StatusOK, m)
	})
	r.Post("/channels/{id}/read", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			MessageID string `json:"message_id"`
		}
		_ = json.NewDecoder(req.Body).Decode(&in)
		s.mu.Lock()
		s.reads[chi.URLParam(req, "id")] = in.MessageID
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/channels/{id}/typing", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			Typing bool `json:"typing"`
		}
		_ = json.NewDecoder(req.Body).Decode(&in)
		s.mu.Lock()
		s.typing[chi.URLParam(req, "id")] = in.Typing
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Put("/presence", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			Status string `json:"status"`
		}
		_ = json.NewDecoder(req.Body).Decode(&in)
		s.mu.Lock()
		s.presence = in.Status
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return s, ts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ctx() context.Context { return context.Background() }

// ─── tests ────────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	_, ts := newChatServer(t)
	h, err := client.New(ts.URL).Health(ctx())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.Equal(t, int64(1_700_000_000_000), h.Time.UnixMilli())
}

func TestFetchChannelsAndUsers(t *testing.T) {
	_, ts := newChatServer(t)
	c := client.New(ts.URL)

	chans, err := c.Channels(ctx())
	require.NoError(t, err)
	require.Len(t, chans, 1)
	assert.Equal(t, "general", chans[0].ID)

	users, err := c.Users(ctx())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "ada", users[0].Username)
}

func TestSendEditDelete(t *testing.T) {
	s, ts := newChatServer(t)
	c := client.New(ts.URL, client.WithToken("tok-1"))

	sent, err := c.SendMessage(ctx(), &client.Message{ClientID: "local-1", ChannelID: "general", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", sent.ID)
	assert.Equal(t, "local-1", sent.ClientID, "server echoes the client id")
	assert.Equal(t, "Bearer tok-1", s.lastAuth)

	edited, err := c.EditMessage(ctx(), sent.ID, "hello, world")
	require.NoError(t, err)
	assert.Equal(t, "hello, world", edited.Content)
	assert.True(t, edited.Edited)

	ts1, err := c.DeleteMessage(ctx(), sent.ID)
	require.NoError(t, err)
	assert.Equal(t, sent.ID, ts1.ID)

	_, err = c.DeleteMessage(ctx(), sent.ID)
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))
	assert.False(t, client.IsRetryable(err))
}

func TestMessages_SinceAndLimit(t *testing.T) {
	_, ts := newChatServer(t)
	c := client.New(ts.URL)
	for _, text := range []string{"a", "b", "c"} {
		_, err := c.SendMessage(ctx(), &client.Message{ChannelID: "general", Content: text})
		require.NoError(t, err)
	}

	all, err := c.Messages(ctx(), "general")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	newer, err := c.Messages(ctx(), "general", client.Since(2))
	require.NoError(t, err)
	require.Len(t, newer, 1)
	assert.Equal(t, "c", newer[0].Content)

	limited, err := c.Messages(ctx(), "general", client.Limit(2))
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestReactions(t *testing.T) {
	_, ts := newChatServer(t)
	c := client.New(ts.URL)
	m, err := c.SendMessage(ctx(), &client.Message{ChannelID: "general", Content: "vote"})
	require.NoError(t, err)

	m, err = c.React(ctx(), m.ID, "👍", true)
	require.NoError(t, err)
	require.Len(t, m.Reactions, 1)
	assert.Equal(t, 1, m.Reactions[0].Count)

	m, err = c.React(ctx(), m.ID, "👍", false)
	require.NoError(t, err)
	assert.Empty(t, m.Reactions)
}

func TestSignals(t *testing.T) {
	s, ts := newChatServer(t)
	c := client.New(ts.URL)

	require.NoError(t, c.MarkRead(ctx(), "general", "srv-9"))
	require.NoError(t, c.Typing(ctx(), "general", true))
	require.NoError(t, c.SetPresence(ctx(), "away"))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "srv-9", s.reads["general"])
	assert.True(t, s.typing["general"])
	assert.Equal(t, "away", s.presence)
}

func TestSigningSecret(t *testing.T) {
	s, ts := newChatServer(t)
	c := client.New(ts.URL, client.WithSigningSecret("shh"))

	require.NoError(t, c.Typing(ctx(), "general", false))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "sha256="+client.Sign("shh", s.lastBody), s.lastSig)
}

func TestTokenSource_ReadPerRequest(t *testing.T) {
	s, ts := newChatServer(t)
	tok := "first"
	c := client.New(ts.URL, client.WithTokenSource(func() string { return tok }))

	_, err := c.Channels(ctx())
	require.NoError(t, err)
	assert.Equal(t, "Bearer first", s.lastAuth)

	tok = "second"
	_, err = c.Channels(ctx())
	require.NoError(t, err)
	assert.Equal(t, "Bearer second", s.lastAuth)
}

func TestAPIError(t *testing.T) {
	_, ts := newChatServer(t)
	c := client.New(ts.URL)

	_, err := c.SendMessage(ctx(), &client.Message{ChannelID: "general"})
	var ae *client.APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusBadRequest, ae.StatusCode)
	assert.Equal(t, "content is required", ae.Message)

	_, err = c.EditMessage(ctx(), "missing", "x")
	assert.True(t, client.IsNotFound(err))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, client.IsRetryable(&client.APIError{StatusCode: http.StatusServiceUnavailable}))
	assert.True(t, client.IsRetryable(&client.APIError{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, client.IsRetryable(errors.New("connection refused")))
	assert.False(t, client.IsRetryable(&client.APIError{StatusCode: http.StatusForbidden}))
	assert.False(t, client.IsRetryable(nil))
}

func TestTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)

	c := client.New(slow.URL, client.WithTimeout(50*time.Millisecond))
	_, err := c.Channels(ctx())
	require.Error(t, err)
	assert.True(t, client.IsRetryable(err))
}
