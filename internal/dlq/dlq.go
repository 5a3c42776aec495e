// Package dlq exposes the items that exhausted their retries.
//
// A failed item stays in the action queue with status failed, so the UI can
// show it until the user acts. This package wraps the queue with the three
// operations the user has:
//
//   - List:    inspect failed items.
//   - Retry:   move an item back to pending with its retry count reset.
//   - Discard: drop an item for good.
package dlq

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/chatsync/internal/queue"
	"github.com/snehjoshi/chatsync/internal/types"
)

// ErrNotFailed is returned when Retry or Discard targets an item that is not
// in the failed state.
var ErrNotFailed = errors.New("dlq: item is not failed")

// Manager provides failed-item operations on top of a queue.Queue.
type Manager struct {
	q *queue.Queue

	// onRetry runs after at least one item went back to pending.
	onRetry func()
}

// NewManager wraps q. onRetry may be nil; the orchestrator passes its
// TriggerSync so retried items are picked up promptly.
func NewManager(q *queue.Queue, onRetry func()) *Manager {
	return &Manager{q: q, onRetry: onRetry}
}

// List returns up to limit failed items in dispatch order. limit <= 0
// returns all of them.
func (m *Manager) List(limit int) []*types.QueueItem {
	items := m.q.ListByStatus(types.StatusFailed)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Retry moves a failed item back to pending.
func (m *Manager) Retry(id string) (*types.QueueItem, error) {
	it, err := m.retry(id)
	if err != nil {
		return nil, err
	}
	m.notify()
	return it, nil
}

func (m *Manager) retry(id string) (*types.QueueItem, error) {
	cur, err := m.q.Get(id)
	if err != nil {
		return nil, fmt.Errorf("dlq.Retry: %w", err)
	}
	if cur.Status != types.StatusFailed {
		return nil, fmt.Errorf("dlq.Retry %s: %w (status %s)", id, ErrNotFailed, cur.Status)
	}
	it, err := m.q.UpdateStatus(id, types.StatusPending, nil)
	if err != nil {
		return nil, fmt.Errorf("dlq.Retry: %w", err)
	}
	return it, nil
}

// RetryAll moves every failed item back to pending and returns how many moved.
// Items that change state concurrently are skipped.
func (m *Manager) RetryAll() (int, error) {
	retried := 0
	var firstErr error
	for _, it := range m.q.ListByStatus(types.StatusFailed) {
		if _, err := m.retry(it.ID); err != nil {
			if firstErr == nil && !errors.Is(err, ErrNotFailed) && !errors.Is(err, queue.ErrNotFound) {
				firstErr = err
			}
			continue
		}
		retried++
	}
	if retried > 0 {
		m.notify()
	}
	return retried, firstErr
}

// Discard permanently removes a failed item.
func (m *Manager) Discard(id string) (*types.QueueItem, error) {
	cur, err := m.q.Get(id)
	if err != nil {
		return nil, fmt.Errorf("dlq.Discard: %w", err)
	}
	if cur.Status != types.StatusFailed {
		return nil, fmt.Errorf("dlq.Discard %s: %w (status %s)", id, ErrNotFailed, cur.Status)
	}
	it, err := m.q.RemoveIdle(id)
	if err != nil {
		return nil, fmt.Errorf("dlq.Discard: %w", err)
	}
	return it, nil
}

// Len returns the number of failed items.
func (m *Manager) Len() int { return m.q.Stats().Failed }

func (m *Manager) notify() {
	if m.onRetry != nil {
		m.onRetry()
	}
}
