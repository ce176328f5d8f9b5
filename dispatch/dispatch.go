// Package dispatch implements C6: an in-process, deduplicated dispatch
// queue over a bounded worker pool, paced to a maximum number of claim
// attempts per interval (§4.6), plus the delayed-task timer wheel that
// carries WAITING_FOR_INTERVAL tasks back to QUEUED without a store-side
// poll (see timers.go).
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nomadic-run/scheduler/codec"
	"github.com/nomadic-run/scheduler/kv"
	"github.com/nomadic-run/scheduler/lock"
	"github.com/nomadic-run/scheduler/monitor"
	"github.com/nomadic-run/scheduler/task"
	"github.com/nomadic-run/scheduler/taskstate"
)

// DefaultMaxTasksPerInterval and DefaultPollInterval are §4.6's pacing
// constants: at most this many claim attempts are started in any one
// interval, smoothing a burst of simultaneous wakeups.
const (
	DefaultMaxTasksPerInterval = 10
	DefaultPollInterval        = 10 * time.Second
	maxWorkers                 = 10
)

// workerCount derives the worker pool size from poolSize (normally the
// number of available processors): one fewer than poolSize to leave a
// thread free for the dispatcher's own loop, floored at 1 and capped at
// maxWorkers (§4.6).
func workerCount(poolSize int) int {
	n := poolSize - 1
	if n < 1 {
		n = 1
	}
	if n > maxWorkers {
		n = maxWorkers
	}
	return n
}

// Dispatcher owns the in-process candidate queue and worker pool for one
// MonitorTaskQueue session (§4.8). It holds no durable state: every task ID
// it forgets is still recoverable by the sweeper's periodic scan (§4.7).
type Dispatcher struct {
	store   kv.Store
	machine *taskstate.Machine
	log     hclog.Logger

	sem chan struct{}

	maxPerInterval int
	interval       time.Duration

	mu       sync.Mutex
	queue    []int64
	queued   map[int64]bool
	draining bool

	windowStart time.Time
	windowCount int

	// runCtx/runInfo are captured once by Run and read only while holding
	// mu, matching the lifetime of one monitor session.
	runCtx  context.Context
	runInfo monitor.Info

	onFatal func(error)

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(log hclog.Logger) Option {
	return func(d *Dispatcher) { d.log = log.Named("dispatch") }
}

func WithPacing(maxPerInterval int, interval time.Duration) Option {
	return func(d *Dispatcher) { d.maxPerInterval = maxPerInterval; d.interval = interval }
}

// WithOnFatal registers a callback invoked once a worker observes
// taskstate.ErrLostLock: the owning monitor session must be treated as
// dead and MonitorTaskQueue unwound (§5, §7).
func WithOnFatal(fn func(error)) Option {
	return func(d *Dispatcher) { d.onFatal = fn }
}

// New constructs a Dispatcher with a worker pool sized from poolSize
// (workerCount).
func New(store kv.Store, machine *taskstate.Machine, poolSize int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:          store,
		machine:        machine,
		log:            hclog.NewNullLogger(),
		sem:            make(chan struct{}, workerCount(poolSize)),
		maxPerInterval: DefaultMaxTasksPerInterval,
		interval:       DefaultPollInterval,
		queued:         make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue adds taskID to the candidate queue if it is not already present,
// and ensures a drain loop is running to consume it. Safe to call
// concurrently and reentrantly (it is itself used as a lock.WakeFunc and a
// taskstate wake callback).
func (d *Dispatcher) Enqueue(taskID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queued[taskID] {
		return
	}
	d.queued[taskID] = true
	d.queue = append(d.queue, taskID)
	if !d.draining && d.runCtx != nil {
		d.draining = true
		go d.drain(d.runCtx, d.runInfo)
	}
}

func (d *Dispatcher) drain(ctx context.Context, info monitor.Info) {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.draining = false
			d.mu.Unlock()
			return
		}

		now := time.Now()
		if now.Sub(d.windowStart) >= d.interval {
			d.windowStart = now
			d.windowCount = 0
		}
		if d.windowCount >= d.maxPerInterval {
			wait := d.interval - now.Sub(d.windowStart)
			d.mu.Unlock()
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}

		id := d.queue[0]
		d.queue = d.queue[1:]
		delete(d.queued, id)
		d.windowCount++
		d.mu.Unlock()

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		d.wg.Add(1)
		go func(taskID int64) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.attempt(ctx, taskID, info)
		}(id)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, taskID int64, info monitor.Info) {
	rec, found, err := d.store.Get(ctx, codec.TasksTable, codec.TaskKey(taskID))
	if err != nil {
		d.log.Warn("reading task before claim attempt", "task_id", taskID, "error", err)
		return
	}
	if !found {
		return
	}
	if mid, _ := rec[codec.AttrMonitorID].(string); mid != task.QueuedSentinel {
		// Already claimed, or moved on, since it was enqueued.
		return
	}

	if err := d.machine.Attempt(ctx, taskID, info, d.Enqueue); err != nil {
		if errors.Is(err, taskstate.ErrLostLock) {
			d.log.Error("lost lock during claim attempt, monitor session is no longer valid", "task_id", taskID)
			if d.onFatal != nil {
				d.onFatal(err)
			}
			return
		}
		d.log.Warn("claim attempt failed", "task_id", taskID, "error", err)
	}
}

// Run starts the dispatcher for the lifetime of ctx (normally bound to one
// monitor.Monitor session): it blocks until ctx is done, then waits for any
// in-flight attempts to finish before returning.
func (d *Dispatcher) Run(ctx context.Context, info monitor.Info) {
	d.mu.Lock()
	d.runCtx = ctx
	d.runInfo = info
	d.windowStart = time.Now()
	needsDrain := len(d.queue) > 0 && !d.draining
	if needsDrain {
		d.draining = true
	}
	d.mu.Unlock()

	if needsDrain {
		go d.drain(ctx, info)
	}

	<-ctx.Done()
	d.wg.Wait()
}

// PendingCount reports the number of task IDs currently queued but not yet
// attempted, for diagnostics.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

var _ lock.WakeFunc = (*Dispatcher)(nil).Enqueue
