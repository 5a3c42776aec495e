package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// ReadyFunc is invoked from the scheduler goroutine when an entry is due. It
// must not block for long.
type ReadyFunc func(id, group string)

// Scheduler delivers ids at or after their due time.
//
//	s := scheduler.New()
//	s.Start(ctx, func(id, group string) { ... })
//	defer s.Stop()
//	s.Schedule(item.ID, "queue", item.NextRetryAt)
//
// All methods are safe for concurrent use.
type Scheduler struct {
	mu   sync.Mutex
	h    minHeap
	byID map[string]*entry

	// notify wakes the goroutine when a new entry may be earlier than the
	// current timer.
	notify chan struct{}

	startOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a stopped Scheduler. Entries may be added before Start.
func New() *Scheduler {
	h := make(minHeap, 0, 64)
	heap.Init(&h)
	return &Scheduler{
		h:      h,
		byID:   make(map[string]*entry),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule registers id to fire at dueAt (UTC ms). Rescheduling an id
// replaces its previous deadline. A dueAt in the past fires promptly.
func (s *Scheduler) Schedule(id, group string, dueAt int64) {
	s.mu.Lock()
	if prev, ok := s.byID[id]; ok {
		prev.cancelled = true
		s.h.remove(prev.idx)
		delete(s.byID, id)
	}
	e := &entry{id: id, group: group, dueAt: dueAt}
	heap.Push(&s.h, e)
	s.byID[id] = e
	s.mu.Unlock()

	s.wake()
}

// Cancel drops id. No-op if it is not scheduled.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)
}

func (s *Scheduler) cancelLocked(id string) bool {
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	e.cancelled = true
	s.h.remove(e.idx)
	delete(s.byID, id)
	return true
}

// CancelGroup drops every entry in group and returns how many were removed.
func (s *Scheduler) CancelGroup(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.byID {
		if e.group == group {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		s.cancelLocked(id)
	}
	return len(ids)
}

// DueAt returns the deadline for id.
func (s *Scheduler) DueAt(id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return 0, false
	}
	return e.dueAt, true
}

// Len returns the number of scheduled entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// CountByGroup returns the number of scheduled entries in group.
func (s *Scheduler) CountByGroup(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.byID {
		if e.group == group {
			n++
		}
	}
	return n
}

// Start launches the delivery goroutine. Calls after the first are ignored.
func (s *Scheduler) Start(ctx context.Context, readyFn ReadyFunc) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(ctx, readyFn)
	})
}

// Stop shuts the goroutine down and waits for it. Pending entries are kept
// in memory but never fire.
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// ─── delivery goroutine ───────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context, readyFn ReadyFunc) {
	defer s.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		next := s.peek()
		var dueAt int64
		if next != nil {
			dueAt = next.dueAt
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		delay := time.Until(time.UnixMilli(dueAt))
		if delay <= 0 {
			s.fireDue(readyFn)
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			s.fireDue(readyFn)
		}
	}
}

// fireDue pops every entry whose deadline has passed and calls readyFn for
// each outside the lock.
func (s *Scheduler) fireDue(readyFn ReadyFunc) {
	now := time.Now().UnixMilli()
	var due []*entry
	s.mu.Lock()
	for {
		e := s.peek()
		if e == nil || e.dueAt > now {
			break
		}
		heap.Pop(&s.h)
		delete(s.byID, e.id)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		readyFn(e.id, e.group)
	}
}

// peek returns the root entry or nil. Caller holds s.mu.
func (s *Scheduler) peek() *entry {
	for s.h.Len() > 0 {
		root := s.h[0]
		if root.cancelled {
			heap.Pop(&s.h)
			continue
		}
		return root
	}
	return nil
}
