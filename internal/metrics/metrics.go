// Package metrics is a small Prometheus-compatible registry for the sync
// engine. It renders the text exposition format itself rather than pulling
// in prometheus/client_golang.
//
// # Label keys
//
// Every counter is keyed by a tab-separated label string so one sync.Map
// holds all label combinations:
//
//	ItemsQueued / ItemsCompleted / ItemsFailed / ItemsRetried  key = "item_type"
//	SyncRuns                                                   key = "outcome"
//	Conflicts                                                  key = "type\tstrategy"
//	CacheHits / CacheMisses / CacheEvictions / CacheEntries    key = "kind"
//	Reconnects                                                 key = "outcome"
//	QueueDepth                                                 key = "status"
//	HTTPReqs                                                   key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                                     key = "method\tpath"
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed value map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the value for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the value for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Set overwrites the value for key. Used by gauges.
func (lc *labelCounter) Set(key string, n int64) { lc.get(key).Store(n) }

// Value returns the current value for key.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds the engine metrics. The zero value is ready to use.
type Registry struct {
	ItemsQueued    labelCounter
	ItemsCompleted labelCounter
	ItemsFailed    labelCounter
	ItemsRetried   labelCounter

	SyncRuns  labelCounter
	Conflicts labelCounter

	CacheHits      labelCounter
	CacheMisses    labelCounter
	CacheEvictions labelCounter

	Reconnects labelCounter

	// Gauges.
	QueueDepth   labelCounter
	CacheEntries labelCounter

	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter
}

type family struct {
	name, help, typ string
	values          *labelCounter
	labels          []string
}

func (r *Registry) families() []family {
	return []family{
		{"chatsync_queue_items_added_total", "Operations accepted into the action queue", "counter", &r.ItemsQueued, []string{"item_type"}},
		{"chatsync_queue_items_completed_total", "Operations acknowledged by the server", "counter", &r.ItemsCompleted, []string{"item_type"}},
		{"chatsync_queue_items_failed_total", "Operations that exhausted their retries", "counter", &r.ItemsFailed, []string{"item_type"}},
		{"chatsync_queue_items_retried_total", "Dispatch failures rescheduled with backoff", "counter", &r.ItemsRetried, []string{"item_type"}},
		{"chatsync_queue_depth", "Queue items by status", "gauge", &r.QueueDepth, []string{"status"}},
		{"chatsync_sync_runs_total", "Reconciliation runs by outcome", "counter", &r.SyncRuns, []string{"outcome"}},
		{"chatsync_conflicts_total", "Conflicts resolved by type and strategy", "counter", &r.Conflicts, []string{"type", "strategy"}},
		{"chatsync_cache_hits_total", "Cache reads served locally", "counter", &r.CacheHits, []string{"kind"}},
		{"chatsync_cache_misses_total", "Cache reads that found nothing", "counter", &r.CacheMisses, []string{"kind"}},
		{"chatsync_cache_evictions_total", "Entries removed by expiry or storage pressure", "counter", &r.CacheEvictions, []string{"kind"}},
		{"chatsync_cache_entries", "Cached entities by kind", "gauge", &r.CacheEntries, []string{"kind"}},
		{"chatsync_reconnects_total", "Transport reconnect attempts by outcome", "counter", &r.Reconnects, []string{"outcome"}},
		{"chatsync_http_requests_total", "Control API requests by method, path, and status code", "counter", &r.HTTPReqs, []string{"method", "path", "status"}},
		{"chatsync_http_request_duration_milliseconds_sum", "Sum of control API request durations in milliseconds", "counter", &r.HTTPDurMs, []string{"method", "path"}},
		{"chatsync_http_request_duration_milliseconds_count", "Count of observed control API request durations", "counter", &r.HTTPDurCnt, []string{"method", "path"}},
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// String renders every non-empty family in the Prometheus text format.
func (r *Registry) String() string {
	var b strings.Builder
	for _, f := range r.families() {
		writeFamily(&b, f)
	}
	return b.String()
}

// Handler returns an http.Handler serving the text exposition format
// (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.String())
	})
}

// writeFamily writes one metric family, skipping it entirely when empty.
// Lines are sorted so scrapes are stable.
func writeFamily(b *strings.Builder, f family) {
	var lines []string
	f.values.Each(func(key string, val int64) {
		parts := strings.SplitN(key, "\t", len(f.labels))
		pairs := make([]string, len(f.labels))
		for i, l := range f.labels {
			v := ""
			if i < len(parts) {
				v = parts[i]
			}
			pairs[i] = fmt.Sprintf("%s=%q", l, v)
		}
		lines = append(lines, fmt.Sprintf("%s{%s} %d\n", f.name, strings.Join(pairs, ","), val))
	})
	if len(lines) == 0 {
		return
	}
	sort.Strings(lines)
	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// ConflictKey builds the label key used by Conflicts.
func ConflictKey(typ, strategy string) string { return typ + "\t" + strategy }

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string { return method + "\t" + path }
