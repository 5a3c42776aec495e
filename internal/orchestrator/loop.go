package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/cache"
	"github.com/snehjoshi/chatsync/internal/connection"
	"github.com/snehjoshi/chatsync/internal/storage/backend"
)

// Start launches the retry scheduler, the sync loop and the housekeeping
// cron jobs. It is a no-op after the first call.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.rmu.Lock()
	if o.closed {
		o.rmu.Unlock()
		return ErrClosed
	}
	if o.started {
		o.rmu.Unlock()
		return nil
	}
	o.started = true
	ctx, o.cancel = context.WithCancel(ctx)
	o.rmu.Unlock()

	o.sched.Start(ctx, func(id, group string) {
		o.log.Debug("retry due", zap.String("id", id))
		o.TriggerSync()
	})

	if err := o.startCron(); err != nil {
		o.cancel()
		return err
	}

	if o.cfg.SyncOnReconnect && o.conn != nil {
		var wasOnline atomic.Bool
		wasOnline.Store(o.conn.IsOnline())
		o.unsub = o.conn.Subscribe(func(st connection.State) {
			if !wasOnline.Swap(st.CanSendMessages) && st.CanSendMessages {
				o.log.Info("connection restored, syncing")
				o.TriggerSync()
			}
		})
	}

	o.wg.Add(1)
	go o.loop(ctx)
	return nil
}

// TriggerSync asks the loop for a run without waiting for it. Requests made
// while a run is active coalesce into one follow-up run.
func (o *Orchestrator) TriggerSync() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()

	var tick <-chan time.Time
	if o.cfg.AutoSync && o.cfg.Interval > 0 {
		t := time.NewTicker(o.cfg.Interval)
		defer t.Stop()
		tick = t.C
	}
	if o.cfg.AutoSync {
		o.TriggerSync()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-o.kick:
		}
		_, err := o.Sync(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrOffline), errors.Is(err, ErrAlreadyInProgress), errors.Is(err, ErrClosed):
			o.log.Debug("sync skipped", zap.Error(err))
		default:
			o.log.Warn("background sync failed", zap.Error(err))
		}
	}
}

// ─── Housekeeping ─────────────────────────────────────────────────────────────

func (o *Orchestrator) startCron() error {
	hk := o.cfg.Housekeeping
	c := cron.New()
	jobs := []struct {
		name, spec string
		fn         func()
	}{
		{"cache_cleanup", hk.CacheCleanup, o.cacheCleanup},
		{"tombstone_cleanup", hk.TombstoneCleanup, o.tombstoneCleanup},
		{"queue_process", hk.QueueProcess, o.processQueue},
		{"compaction", hk.Compaction, o.compact},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := c.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("orchestrator: housekeeping %s %q: %w", j.name, j.spec, err)
		}
	}
	c.Start()
	o.cron = c
	return nil
}

// beginHousekeeping claims the run slot for a maintenance pass. It fails
// with ErrAlreadyInProgress while a sync or another pass holds it.
func (o *Orchestrator) beginHousekeeping() error {
	o.rmu.Lock()
	defer o.rmu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.state == StateSyncing || o.housekeeping {
		return ErrAlreadyInProgress
	}
	o.housekeeping = true
	return nil
}

// endHousekeeping releases the slot and queues any sync refused meanwhile.
func (o *Orchestrator) endHousekeeping() {
	o.rmu.Lock()
	o.housekeeping = false
	deferred := o.deferred
	o.deferred = false
	o.rmu.Unlock()
	if deferred {
		o.TriggerSync()
	}
}

// CleanupCache expires stale entries and enforces the storage quota. It
// refuses to run while a sync is writing to the cache. A sync attempted
// during cleanup is refused and re-queued for afterwards.
func (o *Orchestrator) CleanupCache() (cache.CleanupReport, error) {
	if err := o.beginHousekeeping(); err != nil {
		return cache.CleanupReport{}, err
	}
	defer o.endHousekeeping()
	return o.cache.RunCleanup(o.now())
}

func (o *Orchestrator) cacheCleanup() {
	rep, err := o.CleanupCache()
	switch {
	case errors.Is(err, ErrAlreadyInProgress):
		o.log.Debug("cache cleanup deferred: sync in progress")
		return
	case err != nil:
		o.log.Error("cache cleanup", zap.Error(err))
		return
	}
	if rep.Expired > 0 || len(rep.EvictedChannels) > 0 {
		o.log.Info("cache cleanup",
			zap.Int("expired", rep.Expired),
			zap.Int("evicted_channels", len(rep.EvictedChannels)),
			zap.Int("evicted_messages", rep.EvictedMessages),
		)
	}
}

func (o *Orchestrator) tombstoneCleanup() {
	n, err := o.tombs.Cleanup(o.cfg.TombstoneRetention)
	if err != nil {
		o.log.Error("tombstone cleanup", zap.Error(err))
		return
	}
	if n > 0 {
		o.log.Info("tombstones pruned", zap.Int("count", n))
	}
}

// processQueue purges completed items past their grace window and queues a
// run behind any active one.
func (o *Orchestrator) processQueue() {
	if _, err := o.queue.PurgeCompleted(o.now()); err != nil {
		o.log.Error("purge completed", zap.Error(err))
	}
	o.refreshQueueGauges()
	if o.cfg.AutoSync && o.queue.CountPending() > 0 {
		o.TriggerSync()
	}
}

func (o *Orchestrator) compact() {
	if err := o.beginHousekeeping(); err != nil {
		o.log.Debug("compaction deferred", zap.Error(err))
		return
	}
	defer o.endHousekeeping()
	ok, err := backend.Compact(o.st.Engine())
	if err != nil {
		o.log.Error("compaction", zap.Error(err))
		return
	}
	if ok {
		o.log.Info("storage compacted")
	}
}

// Close stops the background loops and waits for them. It does not close the
// store, which the caller owns.
func (o *Orchestrator) Close() error {
	o.rmu.Lock()
	if o.closed {
		o.rmu.Unlock()
		return nil
	}
	o.closed = true
	if o.runCancel != nil {
		o.runCancel()
	}
	cancel := o.cancel
	o.rmu.Unlock()

	if o.unsub != nil {
		o.unsub()
	}
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	o.sched.Stop()
	o.wg.Wait()
	return nil
}
