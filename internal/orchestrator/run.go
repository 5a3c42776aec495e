package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/device"
	"github.com/snehjoshi/chatsync/internal/events"
	"github.com/snehjoshi/chatsync/internal/queue"
	"github.com/snehjoshi/chatsync/internal/types"
)

// RunState is the per-run state machine:
// idle → syncing → {completed | failed | cancelled} → idle.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateSyncing   RunState = "syncing"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

// ItemError records one dispatch failure inside a run.
type ItemError struct {
	ItemID   string         `json:"item_id"`
	ItemType types.ItemType `json:"item_type"`
	Error    string         `json:"error"`
	// Exhausted is true when the failure moved the item to failed.
	Exhausted bool `json:"exhausted"`
}

// RunResult summarises one reconciliation run.
type RunResult struct {
	ID         string   `json:"id"`
	State      RunState `json:"state"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`

	Deduplicated int `json:"deduplicated"`
	Dispatched   int `json:"dispatched"`
	Succeeded    int `json:"succeeded"`
	Retried      int `json:"retried"`
	Failed       int `json:"failed"`

	Channels  int `json:"channels_fetched"`
	Messages  int `json:"messages_fetched"`
	Users     int `json:"users_fetched"`
	Conflicts int `json:"conflicts"`
	// Unresolved counts conflicts left for the user; the local copy is kept.
	Unresolved int `json:"unresolved"`

	Errors []ItemError `json:"errors,omitempty"`
	Err    string      `json:"error,omitempty"`
}

// Progress is the payload of sync_progress.
type Progress struct {
	RunID     string `json:"run_id"`
	Phase     string `json:"phase"`
	Done      int    `json:"done"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// State returns the current run state.
func (o *Orchestrator) State() RunState {
	o.rmu.Lock()
	defer o.rmu.Unlock()
	if o.state == "" {
		return StateIdle
	}
	return o.state
}

// LastResult returns a copy of the most recent finished run, or nil.
func (o *Orchestrator) LastResult() *RunResult {
	o.rmu.Lock()
	defer o.rmu.Unlock()
	if o.last == nil {
		return nil
	}
	cp := *o.last
	cp.Errors = append([]ItemError(nil), o.last.Errors...)
	return &cp
}

// Cancel stops the active run after its current batch. It reports whether a
// run was active.
func (o *Orchestrator) Cancel() bool {
	o.rmu.Lock()
	defer o.rmu.Unlock()
	if o.state != StateSyncing || o.runCancel == nil {
		return false
	}
	o.runCancel()
	return true
}

// Sync executes one full reconciliation run and returns its result. A run
// or housekeeping pass already in progress yields ErrAlreadyInProgress; a
// sync refused for housekeeping is re-queued when it ends. No connectivity yields
// ErrOffline. Dispatch failures do not fail the run: they are listed in
// RunResult.Errors. A fetch or storage failure does.
func (o *Orchestrator) Sync(ctx context.Context) (*RunResult, error) {
	o.rmu.Lock()
	if o.closed {
		o.rmu.Unlock()
		return nil, ErrClosed
	}
	if o.state == StateSyncing {
		o.rmu.Unlock()
		return nil, ErrAlreadyInProgress
	}
	if o.housekeeping {
		o.deferred = true
		o.rmu.Unlock()
		return nil, ErrAlreadyInProgress
	}
	if !o.online() {
		o.rmu.Unlock()
		return nil, ErrOffline
	}
	if o.cfg.RunTimeout > 0 {
		var c1 context.CancelFunc
		ctx, c1 = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer c1()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.state = StateSyncing
	o.runCancel = cancel
	o.rmu.Unlock()

	res := &RunResult{ID: device.MustNewID(), State: StateSyncing, StartedAt: o.now().UnixMilli()}
	o.log.Info("sync started", zap.String("run", res.ID))
	o.bus.Emit(events.SyncStarted, map[string]any{"run_id": res.ID, "pending": o.queue.CountPending()})

	err := o.run(ctx, res)

	res.FinishedAt = o.now().UnixMilli()
	outcome := StateCompleted
	switch {
	case err == nil:
		if terr := o.tracker.SetLastSync(res.FinishedAt); terr != nil {
			err = terr
			outcome = StateFailed
		}
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		outcome = StateCancelled
	default:
		outcome = StateFailed
	}
	res.State = outcome
	if err != nil {
		res.Err = err.Error()
	}

	o.rmu.Lock()
	o.state = StateIdle
	o.runCancel = nil
	o.last = res
	o.rmu.Unlock()

	o.refreshQueueGauges()
	if o.metrics != nil {
		o.metrics.SyncRuns.Inc(string(outcome))
	}

	fields := []zap.Field{
		zap.String("run", res.ID),
		zap.String("outcome", string(outcome)),
		zap.Int("dispatched", res.Dispatched),
		zap.Int("failed", res.Failed),
		zap.Int("conflicts", res.Conflicts),
		zap.Int64("duration_ms", res.FinishedAt-res.StartedAt),
	}
	switch outcome {
	case StateCompleted:
		o.log.Info("sync completed", fields...)
		o.bus.Emit(events.SyncCompleted, res)
		return res, nil
	case StateCancelled:
		o.log.Info("sync cancelled", fields...)
		o.bus.Emit(events.SyncCancelled, res)
	default:
		o.log.Warn("sync failed", append(fields, zap.Error(err))...)
		o.bus.Emit(events.SyncFailed, res)
	}
	return res, fmt.Errorf("orchestrator: sync %s: %w", res.ID, err)
}

func (o *Orchestrator) run(ctx context.Context, res *RunResult) error {
	n, err := o.queue.ResolveConflicts()
	if err != nil {
		return err
	}
	res.Deduplicated = n

	if err := o.drain(ctx, res); err != nil {
		return err
	}
	if o.fetcher == nil {
		return ctx.Err()
	}
	return o.pull(ctx, res)
}

// ─── Queue drain ──────────────────────────────────────────────────────────────

// drain dispatches every due item with a registered handler, MaxConcurrent
// at a time. Items in one batch run in parallel and are joined before the
// next batch starts.
func (o *Orchestrator) drain(ctx context.Context, res *RunResult) error {
	due := o.queue.Due(o.now())
	items := due[:0]
	for _, it := range due {
		if o.handler(it.Type) == nil {
			o.log.Debug("no handler registered", zap.Stringer("type", it.Type), zap.String("id", it.ID))
			continue
		}
		items = append(items, it)
	}

	var mu sync.Mutex
	for start := 0; start < len(items); start += o.cfg.MaxConcurrent {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+o.cfg.MaxConcurrent, len(items))

		var wg sync.WaitGroup
		for _, it := range items[start:end] {
			wg.Add(1)
			go func(it *types.QueueItem) {
				defer wg.Done()
				ie, ok := o.dispatch(ctx, it)
				mu.Lock()
				defer mu.Unlock()
				if !ok {
					return
				}
				res.Dispatched++
				switch {
				case ie == nil:
					res.Succeeded++
				case ie.Exhausted:
					res.Failed++
					res.Errors = append(res.Errors, *ie)
				default:
					res.Retried++
					res.Errors = append(res.Errors, *ie)
				}
			}(it)
		}
		wg.Wait()

		mu.Lock()
		p := Progress{
			RunID: res.ID, Phase: "queue", Done: end, Total: len(items),
			Succeeded: res.Succeeded, Failed: res.Failed + res.Retried,
		}
		mu.Unlock()
		o.bus.Emit(events.SyncProgress, p)
	}
	return nil
}

// dispatch runs one item through its handler. ok is false when the item was
// not claimed, for example because it was rolled back meanwhile.
func (o *Orchestrator) dispatch(ctx context.Context, it *types.QueueItem) (ie *ItemError, ok bool) {
	claimed, err := o.queue.UpdateStatus(it.ID, types.StatusSyncing, nil)
	if err != nil {
		if !errors.Is(err, queue.ErrNotFound) && !errors.Is(err, queue.ErrInvalidTransition) {
			o.log.Warn("claim failed", zap.String("id", it.ID), zap.Error(err))
		}
		return nil, false
	}

	ack, herr := callHandler(ctx, o.handler(claimed.Type), claimed)
	if herr == nil {
		done, err := o.queue.UpdateStatus(claimed.ID, types.StatusCompleted, nil)
		if err != nil {
			return &ItemError{ItemID: claimed.ID, ItemType: claimed.Type, Error: err.Error()}, true
		}
		if err := o.applyAck(claimed, ack); err != nil {
			o.log.Warn("apply ack failed", zap.String("id", claimed.ID), zap.Error(err))
		}
		if o.metrics != nil {
			o.metrics.ItemsCompleted.Inc(claimed.Type.String())
		}
		o.bus.Emit(events.ItemCompleted, done)
		return nil, true
	}

	after, err := o.queue.RecordFailure(claimed.ID, herr)
	if err != nil {
		o.log.Error("record failure", zap.String("id", claimed.ID), zap.Error(err))
		return &ItemError{ItemID: claimed.ID, ItemType: claimed.Type, Error: herr.Error()}, true
	}
	ie = &ItemError{
		ItemID:    after.ID,
		ItemType:  after.Type,
		Error:     herr.Error(),
		Exhausted: after.Status == types.StatusFailed,
	}
	if o.metrics != nil {
		if ie.Exhausted {
			o.metrics.ItemsFailed.Inc(after.Type.String())
		} else {
			o.metrics.ItemsRetried.Inc(after.Type.String())
		}
	}
	return ie, true
}

func callHandler(ctx context.Context, h Handler, it *types.QueueItem) (ack *Ack, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, it)
}

// applyAck writes the server's copy over the optimistic one.
func (o *Orchestrator) applyAck(it *types.QueueItem, ack *Ack) error {
	if ack == nil {
		return nil
	}
	if ack.Message != nil {
		if err := o.replaceOptimistic(ack.Message); err != nil {
			return err
		}
	}
	if ack.Channel != nil {
		if err := o.cache.SetChannel(ack.Channel); err != nil {
			return err
		}
	}
	if ack.User != nil {
		if err := o.cache.SetUser(ack.User); err != nil {
			return err
		}
	}
	if ack.Deleted != nil {
		ts := *ack.Deleted
		if ts.ID == "" {
			ts.ID, ts.ItemType = it.EntityID, it.Type
		}
		if _, err := o.tombs.Add(ts); err != nil {
			return err
		}
		if err := o.removeCached(ts.ItemType, ts.ID); err != nil {
			return err
		}
	}
	return nil
}

// replaceOptimistic stores msg and drops the locally composed copy that
// carries the same ClientID under a different id.
func (o *Orchestrator) replaceOptimistic(msg *types.Message) error {
	if msg.ClientID != "" && msg.ClientID != msg.ID {
		if err := o.cache.RemoveMessage(msg.ClientID); err != nil {
			return err
		}
	}
	return o.cache.SetMessage(msg)
}

func (o *Orchestrator) removeCached(t types.ItemType, id string) error {
	switch t {
	case types.ItemMessage:
		return o.cache.RemoveMessage(id)
	case types.ItemChannel:
		return o.cache.RemoveChannel(id)
	case types.ItemUser:
		return o.cache.RemoveUser(id)
	}
	return nil
}

func (o *Orchestrator) refreshQueueGauges() {
	if o.metrics == nil {
		return
	}
	s := o.queue.Stats()
	o.metrics.QueueDepth.Set(types.StatusPending.String(), int64(s.Pending))
	o.metrics.QueueDepth.Set(types.StatusSyncing.String(), int64(s.Syncing))
	o.metrics.QueueDepth.Set(types.StatusFailed.String(), int64(s.Failed))
	o.metrics.QueueDepth.Set(types.StatusCompleted.String(), int64(s.Completed))
}
