package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nomadic-run/scheduler/codec"
	"github.com/nomadic-run/scheduler/kv"
	"github.com/nomadic-run/scheduler/lock"
	"github.com/nomadic-run/scheduler/task"
)

// DefaultTickInterval is how often Timers re-checks every tracked delayed
// task (§4.6's delayed-task timer wheel). It is independent of the pacing
// interval: ticking is cheap in-process bookkeeping, pacing bounds actual
// claim attempts.
const DefaultTickInterval = time.Second

// Timers tracks WAITING_FOR_INTERVAL tasks in-process and counts down their
// millisecondsRemaining, flipping each to QUEUED when it reaches zero
// (§4.6). It holds its tracked set in memory only, and it is the only
// component that moves a WAITING_FOR_INTERVAL task on: the sweeper's passes
// (§4.7) do not scan that state, so a task it forgets (process restart, a
// missed Track call) stays at WAITING_FOR_INTERVAL until CancelTask promotes
// it.
type Timers struct {
	store kv.Store
	wake  lock.WakeFunc
	log   hclog.Logger
	tick  time.Duration

	mu      sync.Mutex
	tracked map[int64]time.Time // taskID -> last tick time
}

// NewTimers constructs a Timers. wake is invoked for every task promoted to
// QUEUED, normally Dispatcher.Enqueue.
func NewTimers(store kv.Store, wake lock.WakeFunc, opts ...TimersOption) *Timers {
	t := &Timers{
		store:   store,
		wake:    wake,
		log:     hclog.NewNullLogger(),
		tick:    DefaultTickInterval,
		tracked: make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TimersOption configures a Timers.
type TimersOption func(*Timers)

func WithTimersLogger(log hclog.Logger) TimersOption {
	return func(t *Timers) { t.log = log.Named("dispatch.timers") }
}

func WithTickInterval(d time.Duration) TimersOption {
	return func(t *Timers) { t.tick = d }
}

// Track begins counting down taskID, which must currently be
// WAITING_FOR_INTERVAL. Calling Track on an already-tracked ID is a no-op
// (it does not reset the tick clock).
func (t *Timers) Track(taskID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tracked[taskID]; ok {
		return
	}
	t.tracked[taskID] = time.Now()
}

// Untrack stops counting down taskID (it left WAITING_FOR_INTERVAL some
// other way: canceled, claimed by a lock-waiter promotion race, etc).
func (t *Timers) Untrack(taskID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracked, taskID)
}

// Run ticks every tick interval until ctx is done.
func (t *Timers) Run(ctx context.Context) {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tickAll(ctx)
		}
	}
}

func (t *Timers) tickAll(ctx context.Context) {
	now := time.Now()

	t.mu.Lock()
	ids := make([]int64, 0, len(t.tracked))
	elapsed := make(map[int64]int64, len(t.tracked))
	for id, last := range t.tracked {
		ids = append(ids, id)
		elapsed[id] = now.Sub(last).Milliseconds()
		t.tracked[id] = now
	}
	t.mu.Unlock()

	for _, id := range ids {
		if t.countDown(ctx, id, elapsed[id]) {
			t.Untrack(id)
		}
	}
}

// countDown decrements taskID's millisecondsRemaining by elapsedMillis and,
// once it reaches zero or below, flips the task to QUEUED. It returns true
// if the caller should stop tracking taskID (it reached QUEUED, or it is no
// longer a live WAITING_FOR_INTERVAL row).
func (t *Timers) countDown(ctx context.Context, taskID int64, elapsedMillis int64) bool {
	rec, err := t.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(taskID), kv.Update{
		Inc: map[string]int64{codec.AttrTicRemain: -elapsedMillis},
	}, kv.Eq(codec.AttrMonitorID, task.WaitingSentinel))
	if err != nil {
		if kv.IsPrecondition(err) {
			// No longer waiting on this timer (canceled, claimed elsewhere).
			return true
		}
		t.log.Warn("counting down delayed task", "task_id", taskID, "error", err)
		return false
	}

	remaining, _ := rec[codec.AttrTicRemain].(int64)
	if remaining > 0 {
		return false
	}

	_, err = t.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(taskID), kv.Update{
		Set:    map[string]any{codec.AttrState: string(task.Queued), codec.AttrMonitorID: task.QueuedSentinel},
		Remove: []string{codec.AttrTicRemain},
	}, kv.Eq(codec.AttrMonitorID, task.WaitingSentinel))
	if err != nil {
		if kv.IsPrecondition(err) {
			return true
		}
		t.log.Warn("promoting expired delayed task", "task_id", taskID, "error", err)
		return false
	}

	if t.wake != nil {
		t.wake(taskID)
	}
	return true
}
