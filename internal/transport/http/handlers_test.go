package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/chatsync/internal/config"
	"github.com/snehjoshi/chatsync/internal/connection"
	"github.com/snehjoshi/chatsync/internal/metrics"
	"github.com/snehjoshi/chatsync/internal/orchestrator"
	"github.com/snehjoshi/chatsync/internal/store/storetest"
	"github.com/snehjoshi/chatsync/internal/tracker"
	transphttp "github.com/snehjoshi/chatsync/internal/transport/http"
	"github.com/snehjoshi/chatsync/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type onlineFlag struct {
	mu     sync.Mutex
	online bool
}

func (f *onlineFlag) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *onlineFlag) Subscribe(func(connection.State)) func() { return func() {} }

type fakeControl struct {
	mu    sync.Mutex
	state connection.State
	err   error
}

func (c *fakeControl) State() connection.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeControl) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.state.Transport = connection.TransportConnected
	c.state.CanSendMessages = true
	return nil
}

func (c *fakeControl) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Transport = connection.TransportDisconnected
	c.state.CanSendMessages = false
	return nil
}

func (c *fakeControl) CancelReconnect() {
	c.mu.Lock()
	c.state.ReconnectPaused = true
	c.mu.Unlock()
}

func (c *fakeControl) ResumeReconnect() {
	c.mu.Lock()
	c.state.ReconnectPaused = false
	c.mu.Unlock()
}

type testEnv struct {
	h    http.Handler
	orch *orchestrator.Orchestrator
	reg  *metrics.Registry
	net  *onlineFlag
}

func newEnv(t *testing.T, api config.APIConfig, opts ...transphttp.Option) *testEnv {
	t.Helper()
	c := config.Default()
	c.Sync.AutoSync = false

	tr, err := tracker.New(t.TempDir())
	require.NoError(t, err)

	net := &onlineFlag{online: true}
	o, err := orchestrator.New(orchestrator.ConfigFrom(c), storetest.New(t), tr, orchestrator.WithConnectivity(net))
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	reg := &metrics.Registry{}
	opts = append([]transphttp.Option{transphttp.WithMetrics(reg)}, opts...)
	srv := transphttp.New(o, api, opts...)
	return &testEnv{h: srv.Handler(), orch: o, reg: reg, net: net}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v), "body: %s", rr.Body.String())
}

func sendMessage(channel, content string) map[string]any {
	return map[string]any{
		"item_type": "message",
		"operation": "create",
		"payload":   map[string]string{"channel_id": channel, "content": content},
	}
}

// ─── Health / auth ────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	env := newEnv(t, config.APIConfig{APIKey: "secret"}, transphttp.WithVersion("1.2.3"))

	rr := doRequest(t, env.h, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]any
	decodeResp(t, rr, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "1.2.3", resp["version"])
	assert.NotEmpty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTP_AuthRequired(t *testing.T) {
	env := newEnv(t, config.APIConfig{APIKey: "secret"})

	rr := doRequest(t, env.h, "GET", "/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(t, env.h, "GET", "/status", nil, "X-Api-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(t, env.h, "GET", "/status", nil, "X-Api-Key", "secret")
	require.Equal(t, http.StatusOK, rr.Code)
	var st orchestrator.Status
	decodeResp(t, rr, &st)
	assert.Equal(t, orchestrator.StateIdle, st.State)
	assert.True(t, st.Online)
}

func TestHTTP_Preflight(t *testing.T) {
	env := newEnv(t, config.APIConfig{APIKey: "secret"})
	rr := doRequest(t, env.h, "OPTIONS", "/queue", nil, "Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTP_RateLimit(t *testing.T) {
	env := newEnv(t, config.APIConfig{RateLimitRPS: 1, RateLimitBurst: 1})

	assert.Equal(t, http.StatusOK, doRequest(t, env.h, "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(t, env.h, "GET", "/health", nil).Code)
}

// ─── Queue ────────────────────────────────────────────────────────────────────

func TestHTTP_QueueOperation(t *testing.T) {
	env := newEnv(t, config.APIConfig{})

	rr := doRequest(t, env.h, "POST", "/queue", sendMessage("general", "hello"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var item types.QueueItem
	decodeResp(t, rr, &item)
	assert.Equal(t, types.ItemMessage, item.Type)
	assert.Equal(t, types.StatusPending, item.Status)
	assert.NotEmpty(t, item.EntityID)

	// The optimistic copy is readable before any sync.
	msg, err := env.orch.Cache().PeekMessage(item.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)

	rr = doRequest(t, env.h, "GET", "/queue?status=pending", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Items []types.QueueItem `json:"items"`
		Total int               `json:"total"`
	}
	decodeResp(t, rr, &list)
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Items, 1)
	assert.Equal(t, item.ID, list.Items[0].ID)
}

func TestHTTP_QueueOperation_BadRequests(t *testing.T) {
	env := newEnv(t, config.APIConfig{})

	cases := []struct {
		name string
		body any
	}{
		{"unknown item type", map[string]any{"item_type": "sticker", "operation": "create", "payload": map[string]string{}}},
		{"unknown operation", map[string]any{"item_type": "message", "operation": "upsert", "payload": map[string]string{}}},
		{"unknown field", map[string]any{"item_type": "message", "operation": "create", "bogus": 1}},
		{"message delete without id", map[string]any{"item_type": "message", "operation": "delete", "payload": map[string]string{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(t, env.h, "POST", "/queue", tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}

	rr := doRequest(t, env.h, "GET", "/queue?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = doRequest(t, env.h, "GET", "/queue?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHTTP_RollbackOperation(t *testing.T) {
	env := newEnv(t, config.APIConfig{})

	rr := doRequest(t, env.h, "POST", "/queue", sendMessage("general", "oops"))
	require.Equal(t, http.StatusCreated, rr.Code)
	var item types.QueueItem
	decodeResp(t, rr, &item)

	rr = doRequest(t, env.h, "DELETE", "/queue/"+item.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 0, env.orch.Queue().Len())

	rr = doRequest(t, env.h, "DELETE", "/queue/"+item.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// ─── Sync ─────────────────────────────────────────────────────────────────────

func TestHTTP_SyncWait(t *testing.T) {
	env := newEnv(t, config.APIConfig{})
	require.NoError(t, env.orch.RegisterHandler(types.ItemMessage, func(_ context.Context, it *types.QueueItem) (*orchestrator.Ack, error) {
		return nil, nil
	}))

	require.Equal(t, http.StatusCreated, doRequest(t, env.h, "POST", "/queue", sendMessage("general", "hi")).Code)

	rr := doRequest(t, env.h, "POST", "/sync?wait=true", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res orchestrator.RunResult
	decodeResp(t, rr, &res)
	assert.Equal(t, orchestrator.StateCompleted, res.State)
	assert.Equal(t, 1, res.Succeeded)
}

func TestHTTP_SyncTriggerAndOffline(t *testing.T) {
	env := newEnv(t, config.APIConfig{})

	rr := doRequest(t, env.h, "POST", "/sync", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	env.net.mu.Lock()
	env.net.online = false
	env.net.mu.Unlock()

	rr = doRequest(t, env.h, "POST", "/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	rr = doRequest(t, env.h, "POST", "/sync?wait=true", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHTTP_CancelWithoutRun(t *testing.T) {
	env := newEnv(t, config.APIConfig{})
	rr := doRequest(t, env.h, "POST", "/sync/cancel", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]bool
	decodeResp(t, rr, &resp)
	assert.False(t, resp["cancelled"])
}

// ─── Failed items ─────────────────────────────────────────────────────────────

func TestHTTP_FailedItems(t *testing.T) {
	env := newEnv(t, config.APIConfig{})
	require.NoError(t, env.orch.RegisterHandler(types.ItemMessage, func(context.Context, *types.QueueItem) (*orchestrator.Ack, error) {
		return nil, errors.New("server said no")
	}))

	body := sendMessage("general", "doomed")
	body["max_retries"] = 1
	rr := doRequest(t, env.h, "POST", "/queue", body)
	require.Equal(t, http.StatusCreated, rr.Code)
	var item types.QueueItem
	decodeResp(t, rr, &item)

	require.Equal(t, http.StatusOK, doRequest(t, env.h, "POST", "/sync?wait=true", nil).Code)

	rr = doRequest(t, env.h, "GET", "/queue/failed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Items []types.QueueItem `json:"items"`
		Total int               `json:"total"`
	}
	decodeResp(t, rr, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "server said no", list.Items[0].LastError)

	rr = doRequest(t, env.h, "POST", "/queue/failed/"+item.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var retried types.QueueItem
	decodeResp(t, rr, &retried)
	assert.Equal(t, types.StatusPending, retried.Status)
	assert.Zero(t, retried.RetryCount)

	// No longer failed.
	rr = doRequest(t, env.h, "DELETE", "/queue/failed/"+item.ID, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	require.Equal(t, http.StatusOK, doRequest(t, env.h, "POST", "/sync?wait=true", nil).Code)
	rr = doRequest(t, env.h, "POST", "/queue/failed/retry", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var all map[string]int
	decodeResp(t, rr, &all)
	assert.Equal(t, 1, all["retried"])

	require.Equal(t, http.StatusOK, doRequest(t, env.h, "POST", "/sync?wait=true", nil).Code)
	rr = doRequest(t, env.h, "DELETE", "/queue/failed/"+item.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, 0, env.orch.DLQ().Len())

	assert.Equal(t, int64(1), env.reg.HTTPReqs.Value(metrics.HTTPKey("GET", "/queue/failed", "200")))
}

// ─── Connection ───────────────────────────────────────────────────────────────

func TestHTTP_ConnectionNotConfigured(t *testing.T) {
	env := newEnv(t, config.APIConfig{})
	for _, p := range []string{"/connection/pause", "/connection/resume", "/connection/connect"} {
		assert.Equal(t, http.StatusNotImplemented, doRequest(t, env.h, "POST", p, nil).Code, p)
	}
}

func TestHTTP_ConnectionControl(t *testing.T) {
	ctl := &fakeControl{}
	env := newEnv(t, config.APIConfig{}, transphttp.WithConnection(ctl))

	rr := doRequest(t, env.h, "POST", "/connection/pause", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st connection.State
	decodeResp(t, rr, &st)
	assert.True(t, st.ReconnectPaused)

	rr = doRequest(t, env.h, "POST", "/connection/resume", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeResp(t, rr, &st)
	assert.False(t, st.ReconnectPaused)

	rr = doRequest(t, env.h, "POST", "/connection/connect", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeResp(t, rr, &st)
	assert.Equal(t, connection.TransportConnected, st.Transport)

	ctl.mu.Lock()
	ctl.err = connection.ErrOffline
	ctl.mu.Unlock()
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(t, env.h, "POST", "/connection/connect", nil).Code)

	rr = doRequest(t, env.h, "POST", "/connection/disconnect", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeResp(t, rr, &st)
	assert.Equal(t, connection.TransportDisconnected, st.Transport)
}

// ─── Cache / tracked ──────────────────────────────────────────────────────────

func TestHTTP_Cache(t *testing.T) {
	env := newEnv(t, config.APIConfig{})
	require.NoError(t, env.orch.Cache().SetChannel(&types.Channel{ID: "general", Name: "General"}))

	rr := doRequest(t, env.h, "GET", "/cache/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st map[string]any
	decodeResp(t, rr, &st)
	assert.EqualValues(t, 1, st["channels"])

	rr = doRequest(t, env.h, "POST", "/cache/cleanup", nil)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestHTTP_TrackedChannels(t *testing.T) {
	env := newEnv(t, config.APIConfig{})

	require.Equal(t, http.StatusOK, doRequest(t, env.h, "PUT", "/tracked/general", nil).Code)
	assert.True(t, env.orch.Tracker().IsTracked("general"))

	rr := doRequest(t, env.h, "GET", "/tracked", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Channels []tracker.Channel `json:"channels"`
	}
	decodeResp(t, rr, &resp)
	require.Len(t, resp.Channels, 1)
	assert.Equal(t, "general", resp.Channels[0].ID)

	assert.Equal(t, http.StatusBadRequest, doRequest(t, env.h, "PUT", "/tracked/-bad", nil).Code)
	assert.Equal(t, http.StatusNoContent, doRequest(t, env.h, "DELETE", "/tracked/general", nil).Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, env.h, "DELETE", "/tracked/general", nil).Code)
}

func TestHTTP_Metrics(t *testing.T) {
	env := newEnv(t, config.APIConfig{})
	doRequest(t, env.h, "GET", "/status", nil)

	rr := doRequest(t, env.h, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `chatsync_http_requests_total{method="GET",path="/status",status="200"} 1`)
}
