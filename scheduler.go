// Package scheduler is the public API and dependency-injection root (C8):
// it wires the task state machine (taskstate), the dispatch pool and timer
// wheel (dispatch), and the background sweeper (sweep) into one session,
// and exposes the CRUD/query surface callers use to create, inspect, and
// react to tasks (§4.8).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/go-hclog"

	"github.com/nomadic-run/scheduler/codec"
	"github.com/nomadic-run/scheduler/dispatch"
	"github.com/nomadic-run/scheduler/kv"
	"github.com/nomadic-run/scheduler/lock"
	"github.com/nomadic-run/scheduler/monitor"
	"github.com/nomadic-run/scheduler/sequence"
	"github.com/nomadic-run/scheduler/sweep"
	"github.com/nomadic-run/scheduler/task"
	"github.com/nomadic-run/scheduler/taskstate"
)

// taskIDSequence names the counter row task IDs are assigned from (§4.1/C1).
const taskIDSequence = "task-id"

// Scheduler is the single entry point a caller embeds: one per store/monitor
// pair. It is safe for concurrent use.
type Scheduler struct {
	store kv.Store
	mon   monitor.Monitor
	log   hclog.Logger

	seq        *sequence.Sequence
	locks      *lock.Coordinator
	machine    *taskstate.Machine
	dispatcher *dispatch.Dispatcher
	timers     *dispatch.Timers
	sweeper    *sweep.Sweeper

	handlersMu sync.Mutex
	handlers   map[string]taskstate.Handler

	subsMu    sync.Mutex
	subs      map[int]TerminalHandler
	nextSubID int

	runMu     sync.Mutex
	cancelRun context.CancelFunc
	runDone   chan struct{}

	poolSize       int
	pacingMax      int
	pacingInterval time.Duration
	sweepInterval  time.Duration
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger overrides the Scheduler's logger; every subsystem it wires
// (lock, taskstate, dispatch, sweep) is named off of it.
func WithLogger(log hclog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithPoolSize overrides the worker pool size passed to dispatch.New
// (defaults to runtime.NumCPU()).
func WithPoolSize(n int) Option {
	return func(s *Scheduler) { s.poolSize = n }
}

// WithPacing overrides the dispatcher's claim-attempt pacing (§4.6).
func WithPacing(maxPerInterval int, interval time.Duration) Option {
	return func(s *Scheduler) { s.pacingMax, s.pacingInterval = maxPerInterval, interval }
}

// WithSweepInterval overrides how often the background sweeper's light pass
// runs (§4.7).
func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.sweepInterval = d }
}

// New constructs a Scheduler over store and mon. Passing
// memstore.New(DefaultTableSpecs()...) and localmonitor.New reproduces the
// bundled demo's wiring; a production deployment supplies its own
// implementations of kv.Store and monitor.Monitor.
func New(store kv.Store, mon monitor.Monitor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		mon:      mon,
		log:      hclog.NewNullLogger(),
		handlers: make(map[string]taskstate.Handler),
		subs:     make(map[int]TerminalHandler),
		poolSize: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.seq = sequence.New(store)
	s.locks = lock.New(store, s.log)

	// machine's two callbacks close over s.timers/s.dispatcher, both set
	// later in this same constructor before any task is ever attempted.
	s.machine = taskstate.New(store, s.locks, s.lookupHandler, s.nextTaskID,
		taskstate.WithLogger(s.log),
		taskstate.WithOnTerminal(s.fanOutTerminal),
		taskstate.WithOnWaitingForInterval(func(taskID int64) {
			if s.timers != nil {
				s.timers.Track(taskID)
			}
		}),
	)

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(s.log),
		dispatch.WithOnFatal(s.onDispatchFatal),
	}
	if s.pacingInterval > 0 {
		max := s.pacingMax
		if max <= 0 {
			max = dispatch.DefaultMaxTasksPerInterval
		}
		dispatchOpts = append(dispatchOpts, dispatch.WithPacing(max, s.pacingInterval))
	}
	s.dispatcher = dispatch.New(store, s.machine, s.poolSize, dispatchOpts...)
	s.timers = dispatch.NewTimers(store, s.dispatcher.Enqueue, dispatch.WithTimersLogger(s.log))

	sweepOpts := []sweep.Option{sweep.WithLogger(s.log)}
	if s.sweepInterval > 0 {
		sweepOpts = append(sweepOpts, sweep.WithInterval(s.sweepInterval))
	}
	s.sweeper = sweep.New(store, s.locks, mon, s.dispatcher.Enqueue, sweepOpts...)

	return s
}

// RegisterHandler binds a Handler to entityType. It must be called before
// MonitorTaskQueue starts dispatching tasks of that type; calling it again
// for the same entityType replaces the previous handler.
func (s *Scheduler) RegisterHandler(entityType string, h taskstate.Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[entityType] = h
}

func (s *Scheduler) lookupHandler(entityType string) (taskstate.Handler, bool) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	h, ok := s.handlers[entityType]
	return h, ok
}

func (s *Scheduler) nextTaskID(ctx context.Context) (int64, error) {
	return s.seq.Next(ctx, taskIDSequence)
}

// CreateTask starts a Task builder; pass the result to AddTask.
func (s *Scheduler) CreateTask() *task.Builder {
	return task.NewBuilder()
}

// AddTask assigns b a task ID and persists it as QUEUED (§4.1).
func (s *Scheduler) AddTask(ctx context.Context, b *task.Builder) (*task.Task, error) {
	t, err := b.Build(func() (int64, error) { return s.nextTaskID(ctx) })
	if err != nil {
		return nil, err
	}
	if t.EntityType == "" {
		return nil, fmt.Errorf("scheduler: entityType is required")
	}
	if t.EntityID == "" {
		return nil, fmt.Errorf("scheduler: entityId is required")
	}
	if t.CronSchedule != "" {
		if _, err := cronexpr.Parse(t.CronSchedule); err != nil {
			return nil, fmt.Errorf("scheduler: invalid cronSchedule %q: %w", t.CronSchedule, err)
		}
	}

	if err := s.store.Put(ctx, codec.TasksTable, codec.TaskKey(t.TaskID), codec.ToRecord(t)); err != nil {
		return nil, fmt.Errorf("scheduler: add task: %w", err)
	}
	if s.dispatcher != nil {
		s.dispatcher.Enqueue(t.TaskID)
	}
	return t, nil
}

// GetTask reads a single task by ID. found is false if no such task exists.
func (s *Scheduler) GetTask(ctx context.Context, taskID int64) (t *task.Task, found bool, err error) {
	rec, found, err := s.store.Get(ctx, codec.TasksTable, codec.TaskKey(taskID))
	if err != nil || !found {
		return nil, found, err
	}
	t, err = codec.FromRecord(rec)
	return t, true, err
}

// DeleteTask removes a task row. It fails unless the task is currently in a
// terminal state (§4.2): a running or waiting task must finish or be
// canceled first.
func (s *Scheduler) DeleteTask(ctx context.Context, taskID int64) error {
	t, found, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if !t.State.Terminal() {
		return fmt.Errorf("scheduler: task %d is not terminal (state %s)", taskID, t.State)
	}
	err = s.store.ConditionalDelete(ctx, codec.TasksTable, codec.TaskKey(taskID), kv.Eq(codec.AttrState, string(t.State)))
	if err != nil && kv.IsPrecondition(err) {
		// The row no longer carries the state we read (e.g. a concurrent
		// DeleteTask removed it first) — not our caller's task to delete
		// anymore.
		return fmt.Errorf("scheduler: task %d changed state before delete: %w", taskID, err)
	}
	return err
}

var terminalStates = []any{string(task.Success), string(task.Failed), string(task.Canceled)}

// UpdateTask requests that the task's in-flight (or next, if it is a sleep
// timer) run observe data via TaskContext.Task().UpdateData. It is a no-op
// error if the task has already reached a terminal state (§4.2's Non-goal:
// no cross-task transactions, no update after the fact).
func (s *Scheduler) UpdateTask(ctx context.Context, taskID int64, data []byte) error {
	_, err := s.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(taskID), kv.Update{
		Set: map[string]any{codec.AttrUpdateData: data},
	}, kv.Not(kv.In(codec.AttrState, terminalStates...)))
	if err != nil {
		if kv.IsPrecondition(err) {
			return fmt.Errorf("scheduler: task %d already finished, update dropped", taskID)
		}
		return fmt.Errorf("scheduler: update task %d: %w", taskID, err)
	}
	return nil
}

// CancelTask marks a task canceled. A terminal task is left untouched
// (cancellation never un-finishes a task). A task parked at
// WAITING_FOR_INTERVAL/WAITING_FOR_PREREQUISITE/WAITING_FOR_LOCK is promoted
// straight back to QUEUED so its next claim observes the cancellation and
// releases its locks (§4.5's canceled-before-body path) instead of waiting
// out its remaining timer or prerequisite. CancelTask never interrupts a
// body already executing (Non-goal: durable cancellation of running
// bodies) — an in-flight run finishes on its own terms and only the *next*
// claim sees CanceledBy set.
func (s *Scheduler) CancelTask(ctx context.Context, taskID int64, canceledBy string) error {
	t, found, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !found || t.State.Terminal() {
		return nil
	}

	set := map[string]any{codec.AttrCanceledBy: canceledBy}
	if t.MonitorID == task.WaitingSentinel {
		set[codec.AttrState] = string(task.Queued)
		set[codec.AttrMonitorID] = task.QueuedSentinel
	}

	_, err = s.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(taskID), kv.Update{Set: set},
		kv.Not(kv.In(codec.AttrState, terminalStates...)))
	if err != nil {
		if kv.IsPrecondition(err) {
			// Reached a terminal state concurrently; nothing left to cancel.
			return nil
		}
		return fmt.Errorf("scheduler: cancel task %d: %w", taskID, err)
	}
	if t.MonitorID == task.WaitingSentinel && s.dispatcher != nil {
		s.dispatcher.Enqueue(taskID)
	}
	return nil
}

func (s *Scheduler) onDispatchFatal(err error) {
	s.log.Error("monitor session failed, stopping task queue", "error", err)
	s.runMu.Lock()
	cancel := s.cancelRun
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// MonitorTaskQueue starts dispatching QUEUED tasks under one heartbeat
// session (§4.8): the worker pool, the delayed-task timer wheel, and the
// background sweeper all run for the lifetime of this one call. It blocks
// until ctx is canceled, the heartbeat session fails, or StopTaskQueueMonitor
// is called from another goroutine.
func (s *Scheduler) MonitorTaskQueue(ctx context.Context) error {
	s.runMu.Lock()
	if s.cancelRun != nil {
		s.runMu.Unlock()
		return fmt.Errorf("scheduler: MonitorTaskQueue is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancelRun = cancel
	s.runDone = done
	s.runMu.Unlock()

	defer func() {
		s.runMu.Lock()
		s.cancelRun = nil
		s.runDone = nil
		s.runMu.Unlock()
		close(done)
	}()

	err := s.mon.Run(runCtx, func(sessionCtx context.Context, info monitor.Info) error {
		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); s.dispatcher.Run(sessionCtx, info) }()
		go func() { defer wg.Done(); s.timers.Run(sessionCtx) }()
		go func() { defer wg.Done(); s.sweeper.Run(sessionCtx) }()
		wg.Wait()
		return sessionCtx.Err()
	})
	if errors.Is(err, monitor.ErrShuttingDown) {
		// Our own cancellation (StopTaskQueueMonitor, or onDispatchFatal)
		// surfaces here; that's an orderly stop, not a failure.
		return nil
	}
	return err
}

// forceCancelTimeouts is §4.8's escalating force-cancel schedule: the first
// wait is the longest, giving an in-flight handler body the best chance to
// notice ctx and return on its own; each subsequent wait halves, logging a
// warning at every step, before StopTaskQueueMonitor finally blocks
// unconditionally on done.
var forceCancelTimeouts = []time.Duration{60 * time.Second, 30 * time.Second, 15 * time.Second}

// StopTaskQueueMonitor cancels a running MonitorTaskQueue session and waits
// for it to unwind, logging a warning at each step of forceCancelTimeouts if
// the session is slow to stop. A handler body that never observes ctx
// cancellation still runs to completion: this only escalates the noise, not
// the actual cancellation (no Non-goal here promises to kill a running
// handler body out from under it).
func (s *Scheduler) StopTaskQueueMonitor() {
	s.runMu.Lock()
	cancel := s.cancelRun
	done := s.runDone
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	for _, d := range forceCancelTimeouts {
		select {
		case <-done:
			return
		case <-time.After(d):
			s.log.Warn("task queue monitor still unwinding after cancellation", "waited", d)
		}
	}
	<-done
}
