package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/connection"
	"github.com/snehjoshi/chatsync/internal/dlq"
	"github.com/snehjoshi/chatsync/internal/orchestrator"
	"github.com/snehjoshi/chatsync/internal/queue"
	"github.com/snehjoshi/chatsync/internal/session"
	"github.com/snehjoshi/chatsync/internal/tracker"
	"github.com/snehjoshi/chatsync/internal/types"
)

// defaultListLimit caps list endpoints when no ?limit is given.
const defaultListLimit = 100

var errNoConnection = errors.New("connection control is not configured")

// Handler groups the control API request handlers around an Orchestrator.
type Handler struct {
	orch    *orchestrator.Orchestrator
	conn    ConnectionControl // nil disables /connection
	log     *zap.Logger
	version string
	started time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	TimeMs   int64  `json:"time_ms"`
}

type itemsResp struct {
	Items []*types.QueueItem `json:"items"`
	Total int                `json:"total"`
}

type retryAllResp struct {
	Retried int `json:"retried"`
}

type trackedResp struct {
	Channels []tracker.Channel `json:"channels"`
}

// ─── Health / status ──────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.started)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Version:  h.version,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		TimeMs:   time.Now().UnixMilli(),
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Status())
}

// ─── Queue ────────────────────────────────────────────────────────────────────

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	var items []*types.QueueItem
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := types.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		items = h.orch.Queue().ListByStatus(st)
	} else {
		items = h.orch.Queue().List()
	}
	total := len(items)
	if len(items) > limit {
		items = items[:limit]
	}
	writeJSON(w, http.StatusOK, itemsResp{Items: items, Total: total})
}

func (h *Handler) queueOperation(w http.ResponseWriter, r *http.Request) {
	var op orchestrator.Operation
	if !decodeJSON(w, r, &op) {
		return
	}
	if !op.Op.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "operation must be create, update or delete"})
		return
	}
	item, err := h.orch.QueueOperation(r.Context(), op)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) rollbackOperation(w http.ResponseWriter, r *http.Request) {
	item, err := h.orch.RollbackOperation(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ─── Failed items ─────────────────────────────────────────────────────────────

func (h *Handler) listFailed(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	d := h.orch.DLQ()
	writeJSON(w, http.StatusOK, itemsResp{Items: d.List(limit), Total: d.Len()})
}

func (h *Handler) retryFailed(w http.ResponseWriter, r *http.Request) {
	item, err := h.orch.DLQ().Retry(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) retryAllFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.orch.DLQ().RetryAll()
	if err != nil {
		h.log.Warn("retry all failed items", zap.Int("retried", n), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, retryAllResp{Retried: n})
}

func (h *Handler) discardFailed(w http.ResponseWriter, r *http.Request) {
	if _, err := h.orch.DLQ().Discard(chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Sync ─────────────────────────────────────────────────────────────────────

// sync starts a run. With ?wait=true the run happens on the request and its
// result is returned; otherwise the background loop is kicked and 202 is
// returned immediately.
func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		res, err := h.orch.Sync(r.Context())
		if err != nil && res == nil {
			h.fail(w, err)
			return
		}
		// A failed or cancelled run still carries a result worth showing.
		writeJSON(w, http.StatusOK, res)
		return
	}

	st := h.orch.Status()
	switch {
	case st.State == orchestrator.StateSyncing:
		h.fail(w, orchestrator.ErrAlreadyInProgress)
		return
	case !st.Online:
		h.fail(w, orchestrator.ErrOffline)
		return
	}
	h.orch.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (h *Handler) cancelSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": h.orch.Cancel()})
}

// ─── Connection ───────────────────────────────────────────────────────────────

func (h *Handler) connectionState(w http.ResponseWriter, r *http.Request) {
	if h.conn == nil {
		writeError(w, http.StatusNotImplemented, errNoConnection)
		return
	}
	writeJSON(w, http.StatusOK, h.conn.State())
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	if h.conn == nil {
		writeError(w, http.StatusNotImplemented, errNoConnection)
		return
	}
	if err := h.conn.Connect(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.conn.State())
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	if h.conn == nil {
		writeError(w, http.StatusNotImplemented, errNoConnection)
		return
	}
	if err := h.conn.Disconnect(); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.conn.State())
}

func (h *Handler) pauseReconnect(w http.ResponseWriter, r *http.Request) {
	if h.conn == nil {
		writeError(w, http.StatusNotImplemented, errNoConnection)
		return
	}
	h.conn.CancelReconnect()
	writeJSON(w, http.StatusOK, h.conn.State())
}

func (h *Handler) resumeReconnect(w http.ResponseWriter, r *http.Request) {
	if h.conn == nil {
		writeError(w, http.StatusNotImplemented, errNoConnection)
		return
	}
	h.conn.ResumeReconnect()
	writeJSON(w, http.StatusOK, h.conn.State())
}

// ─── Cache ────────────────────────────────────────────────────────────────────

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.Cache().Stats()
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) cacheCleanup(w http.ResponseWriter, r *http.Request) {
	rep, err := h.orch.CleanupCache()
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ─── Tracked channels ─────────────────────────────────────────────────────────

func (h *Handler) listTracked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, trackedResp{Channels: h.orch.Tracker().List()})
}

func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channel")
	if err := h.orch.Tracker().Track(id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trackedResp{Channels: h.orch.Tracker().List()})
}

func (h *Handler) untrack(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Tracker().Untrack(chi.URLParam(r, "channel")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, tracker.ErrNotTracked):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAlreadyInProgress),
		errors.Is(err, orchestrator.ErrInFlight),
		errors.Is(err, queue.ErrInFlight),
		errors.Is(err, queue.ErrInvalidTransition),
		errors.Is(err, dlq.ErrNotFailed):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidItem),
		errors.Is(err, orchestrator.ErrUnknownItemType),
		errors.Is(err, tracker.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, session.ErrTokenExpired),
		errors.Is(err, session.ErrMalformed):
		return http.StatusUnauthorized
	case errors.Is(err, orchestrator.ErrOffline),
		errors.Is(err, orchestrator.ErrClosed),
		errors.Is(err, connection.ErrOffline),
		errors.Is(err, connection.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		h.log.Error("control api", zap.Error(err))
	}
	writeError(w, code, err)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
