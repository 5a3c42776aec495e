// Package scheduler fires callbacks at wall-clock deadlines. Queue retries
// and other delayed work register a due time; a single goroutine sleeps until
// the earliest one and hands it back through readyFn.
//
// Entries live in a min-heap keyed by due time so the next deadline is an
// O(1) peek and insert or cancel is O(log N).
package scheduler

import "container/heap"

type entry struct {
	id    string
	group string // caller-defined bucket, e.g. "queue"
	dueAt int64  // UTC milliseconds

	// idx is the position in the heap slice, kept current by Swap.
	idx int

	cancelled bool
}

type minHeap []*entry

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].dueAt != h[j].dueAt {
		return h[i].dueAt < h[j].dueAt
	}
	return h[i].id < h[j].id
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *minHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

func (h *minHeap) remove(idx int) *entry {
	return heap.Remove(h, idx).(*entry)
}
