package events_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/chatsync/internal/events"
)

func TestBus_DeliversInOrder(t *testing.T) {
	b := events.NewBus(nil)

	var got []string
	b.Subscribe(func(ev events.Event) { got = append(got, "a:"+string(ev.Type)) })
	b.Subscribe(func(ev events.Event) { got = append(got, "b:"+string(ev.Type)) })

	b.Emit(events.SyncStarted, nil)

	assert.Equal(t, []string{"a:sync_started", "b:sync_started"}, got)
}

func TestBus_PanickingListenerIsIsolated(t *testing.T) {
	b := events.NewBus(nil)

	var after int
	b.Subscribe(func(events.Event) { panic("boom") })
	b.Subscribe(func(events.Event) { after++ })

	require.NotPanics(t, func() { b.Emit(events.ItemCompleted, "x") })
	require.NotPanics(t, func() { b.Emit(events.ItemCompleted, "y") })
	assert.Equal(t, 2, after)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := events.NewBus(nil)

	var n int
	unsub := b.Subscribe(func(events.Event) { n++ })
	b.Emit(events.CacheHit, nil)
	unsub()
	unsub()
	b.Emit(events.CacheHit, nil)

	assert.Equal(t, 1, n)
	assert.Zero(t, b.Len())
}

func TestBus_UnsubscribeDuringEmit(t *testing.T) {
	b := events.NewBus(nil)

	var unsub func()
	var second int
	unsub = b.Subscribe(func(events.Event) { unsub() })
	b.Subscribe(func(events.Event) { second++ })

	b.Emit(events.SyncProgress, nil)
	b.Emit(events.SyncProgress, nil)
	assert.Equal(t, 2, second)
	assert.Equal(t, 1, b.Len())
}

func TestBus_StreamDropsWhenFull(t *testing.T) {
	b := events.NewBus(nil)
	ch, cancel := b.Stream(2)

	for i := 0; i < 5; i++ {
		b.Emit(events.CacheSet, i)
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, int64(3), b.Dropped())

	cancel()
	cancel()
	b.Emit(events.CacheSet, 99)

	var drained []any
	for ev := range ch {
		drained = append(drained, ev.Data)
	}
	assert.Equal(t, []any{0, 1}, drained)
}

func TestBus_ConcurrentEmit(t *testing.T) {
	b := events.NewBus(nil)
	var mu sync.Mutex
	count := 0
	b.Subscribe(func(events.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Emit(events.SyncProgress, j)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, count)
}
