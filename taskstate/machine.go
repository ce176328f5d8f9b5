// Package taskstate implements C5: the per-task QUEUED -> RUNNING ->
// terminal/wait state machine (§4.5) that claims a task, acquires its
// prerequisites and locks via the lock package, invokes the registered
// handler, and persists the run's outcome with a single guarded write.
package taskstate

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/nomadic-run/scheduler/codec"
	"github.com/nomadic-run/scheduler/kv"
	"github.com/nomadic-run/scheduler/lock"
	"github.com/nomadic-run/scheduler/monitor"
	"github.com/nomadic-run/scheduler/task"
)

// outcome classifies why Machine.runBody stopped short of, or completed, a
// handler invocation.
type outcome int

const (
	outcomeRan outcome = iota
	outcomeCanceled
	outcomeParked // sleep timer or missing handler: both land in WAITING_FOR_INTERVAL
	outcomeWaitingPrerequisite
	outcomeWaitingLock
)

// Machine runs one task claim-to-finish attempt at a time (§4.5). It holds
// no per-task state between calls: every invariant lives in the kv store.
type Machine struct {
	store    kv.Store
	locks    *lock.Coordinator
	handlers HandlerLookup
	nextID             func(ctx context.Context) (int64, error)
	onTerminal         func(*task.Task)
	onWaitingForInterval func(taskID int64)
	log                hclog.Logger
	now                func() int64
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger overrides the Machine's logger.
func WithLogger(log hclog.Logger) Option {
	return func(m *Machine) { m.log = log.Named("taskstate") }
}

// WithClock overrides the millisecond-epoch clock, for deterministic tests.
func WithClock(now func() int64) Option {
	return func(m *Machine) { m.now = now }
}

// WithOnTerminal registers a callback invoked once, synchronously, whenever
// a run persists a terminal state (SUCCESS/FAILED/CANCELED). It is a single
// fan-out point; the caller (scheduler.Scheduler) owns the real multi-
// subscriber registry and error aggregation (§4.8's AddOnTerminalState).
func WithOnTerminal(fn func(*task.Task)) Option {
	return func(m *Machine) { m.onTerminal = fn }
}

// WithOnWaitingForInterval registers a callback invoked whenever a run
// persists WAITING_FOR_INTERVAL, so the dispatcher's delayed-task timer
// wheel (dispatch.Timers) can start counting it down without waiting for
// the next sweep.
func WithOnWaitingForInterval(fn func(taskID int64)) Option {
	return func(m *Machine) { m.onWaitingForInterval = fn }
}

// New constructs a Machine. nextID allocates task IDs for recurring series
// (§4.9); it is normally sequence.Sequence.Next bound to a fixed counter name.
func New(store kv.Store, locks *lock.Coordinator, handlers HandlerLookup, nextID func(context.Context) (int64, error), opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		locks:    locks,
		handlers: handlers,
		nextID:   nextID,
		log:      hclog.NewNullLogger(),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attempt runs one claim of taskID under the given heartbeat session. A nil
// return means the attempt either completed (in any direction: ran, parked,
// requeued, or finished) or found nothing to do (already claimed, deleted,
// not actually queued). A non-nil return is ErrLostLock (this session's
// heartbeat must be treated as failed), ctx's error when the session is
// shutting down, or an I/O error from the store.
//
// wake is invoked for every task ID that becomes immediately dispatchable as
// a side effect of this attempt (a promoted waiter, a self-requeue, or a
// freshly scheduled recurring occurrence), so the dispatcher (C6) can
// re-submit it without waiting for the next sweep.
func (m *Machine) Attempt(ctx context.Context, taskID int64, info monitor.Info, wake lock.WakeFunc) error {
	rec, found, err := m.store.Get(ctx, codec.TasksTable, codec.TaskKey(taskID))
	if err != nil {
		return fmt.Errorf("taskstate: read task %d: %w", taskID, err)
	}
	if !found {
		return nil
	}
	t, err := codec.FromRecord(rec)
	if err != nil {
		return fmt.Errorf("taskstate: decode task %d: %w", taskID, err)
	}
	if t.MonitorID != task.QueuedSentinel {
		return nil
	}

	requeuesAtClaim := t.Requeues

	claimedRec, err := m.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(taskID), kv.Update{
		Set: map[string]any{
			"stat": string(task.Running),
			"mid":  info.MonitorID(),
			"ts":   m.now(),
		},
		Inc: map[string]int64{"cnt": 1},
	}, kv.Eq("mid", task.QueuedSentinel))
	if err != nil {
		if kv.IsPrecondition(err) {
			// Lost the race to another monitor's concurrent claim attempt.
			return nil
		}
		return fmt.Errorf("taskstate: claim task %d: %w", taskID, err)
	}
	claimed, err := codec.FromRecord(claimedRec)
	if err != nil {
		return fmt.Errorf("taskstate: decode claimed task %d: %w", taskID, err)
	}

	oc, result, held, err := m.runBody(ctx, claimed, info)
	if err != nil {
		return err
	}

	switch oc {
	case outcomeWaitingPrerequisite:
		return m.persistWaiting(ctx, claimed, task.WaitingForPrerequisite, nil, requeuesAtClaim, info, wake)
	case outcomeWaitingLock:
		return m.persistWaiting(ctx, claimed, task.WaitingForLock, nil, requeuesAtClaim, info, wake)
	case outcomeParked:
		millis := result.MillisecondsRemaining
		return m.persistWaiting(ctx, claimed, task.WaitingForInterval, millis, requeuesAtClaim, info, wake)
	default:
		return m.finalize(ctx, claimed, result, held, requeuesAtClaim, info, wake)
	}
}

// runBody implements the body-execution ordering of §4.5: cancellation,
// then the sleep-timer/no-handler park, then prerequisite acquisition, then
// lock acquisition, then the handler itself.
func (m *Machine) runBody(ctx context.Context, claimed *task.Task, info monitor.Info) (outcome, *task.Task, []string, error) {
	if claimed.CanceledBy != "" {
		// Deviation from a literal reading of "skip the body" (documented in
		// DESIGN.md): a task can reach here still holding locks it acquired
		// in an earlier, since-abandoned run (e.g. it was WAITING_FOR_LOCK
		// under a prior monitor). Release guards every delete on mid=us, so
		// we must re-acquire (re-stamping ownership to this monitor) before
		// we can release. The handler itself is never invoked.
		acq, err := m.locks.Acquire(ctx, claimed, info.MonitorID())
		if err != nil {
			return 0, nil, acq.Held, err
		}
		result := claimed.Clone()
		result.State = task.Canceled
		return outcomeCanceled, result, acq.Held, nil
	}

	if claimed.UpdateData == nil && claimed.MillisecondsRemaining != nil {
		return outcomeParked, claimed, nil, nil
	}

	handler, ok := m.lookupHandler(claimed.EntityType)
	if !ok {
		m.log.Warn("no handler registered, parking task", "task_id", claimed.TaskID, "entity_type", claimed.EntityType)
		parked := claimed.Clone()
		millis := int64(NoHandlerParkMillis)
		parked.MillisecondsRemaining = &millis
		return outcomeParked, parked, nil, nil
	}

	blocked, err := m.locks.AcquirePrerequisites(ctx, claimed.TaskID, claimed.PrerequisiteTaskIDs, claimed.AnyPrerequisite)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("taskstate: acquire prerequisites for task %d: %w", claimed.TaskID, err)
	}
	if blocked {
		return outcomeWaitingPrerequisite, nil, nil, nil
	}

	acq, err := m.locks.Acquire(ctx, claimed, info.MonitorID())
	if err != nil {
		return 0, nil, acq.Held, fmt.Errorf("taskstate: acquire locks for task %d: %w", claimed.TaskID, err)
	}
	if acq.Status == lock.WaitingForLock {
		return outcomeWaitingLock, nil, acq.Held, nil
	}

	result, err := m.invoke(ctx, claimed, info, handler)
	if err != nil {
		return 0, nil, acq.Held, err
	}
	return outcomeRan, result, acq.Held, nil
}

func (m *Machine) lookupHandler(entityType string) (Handler, bool) {
	if m.handlers == nil {
		return nil, false
	}
	return m.handlers(entityType)
}

// invoke runs the handler, converting both a returned error and a recovered
// panic into a FAILED outcome (§4.5, §7); ctx cancellation (monitor session
// shutting down) is propagated instead, leaving the task's locks in place
// for peer recovery (§4.7) to reclaim once this monitor is declared dead.
func (m *Machine) invoke(ctx context.Context, claimed *task.Task, info monitor.Info, handler Handler) (result *task.Task, err error) {
	tc := newTaskContext(claimed, info, m.store)

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("taskstate: handler panic: %v", r)
				result = tc.snapshot()
				result.State = task.Failed
				result.ErrorMessage = err.Error()
				result.ErrorStackTrace = string(debug.Stack())
				err = nil
			}
		}()
		hErr := handler(ctx, tc)
		result = tc.snapshot()
		if hErr != nil {
			result.State = task.Failed
			result.ErrorMessage = hErr.Error()
		} else {
			result.State = task.Success
		}
	}()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if result.State == task.Failed && result.ErrorID == "" {
		id, uerr := uuid.GenerateUUID()
		if uerr == nil {
			result.ErrorID = id
		}
	}
	return result, nil
}

// persistWaiting commits a WAITING_FOR_PREREQUISITE, WAITING_FOR_LOCK, or
// WAITING_FOR_INTERVAL outcome. No locks are released here: a waiting task
// keeps everything it has acquired so far (§4.4, §4.5).
func (m *Machine) persistWaiting(ctx context.Context, claimed *task.Task, dest task.State, millis *int64, requeuesAtClaim int64, info monitor.Info, wake lock.WakeFunc) error {
	set := map[string]any{
		"stat": string(dest),
		"mid":  task.WaitingSentinel,
	}
	var remove []string
	if millis != nil {
		set["tic"] = *millis
	} else {
		remove = append(remove, "tic")
	}

	cond := kv.And(kv.Eq("mid", info.MonitorID()), kv.Eq("agn", requeuesAtClaim))
	_, err := m.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(claimed.TaskID), kv.Update{Set: set, Remove: remove}, cond)
	if err == nil {
		if dest == task.WaitingForInterval && m.onWaitingForInterval != nil {
			m.onWaitingForInterval(claimed.TaskID)
		}
		return nil
	}
	if !kv.IsPrecondition(err) {
		return fmt.Errorf("taskstate: persist waiting task %d: %w", claimed.TaskID, err)
	}
	return m.recoverFromLostWakeup(ctx, claimed, info, wake)
}

// recoverFromLostWakeup runs when a guarded write's requeues fence no longer
// matches: either this monitor genuinely lost the task (mid no longer ours,
// fatal), or a waker bumped the fence between our claim and our write (not
// fatal: §4.4's tasksQueued design note promises at-least-one wakeup, so we
// self-correct back to QUEUED and notify wake ourselves rather than risk a
// missed promotion).
func (m *Machine) recoverFromLostWakeup(ctx context.Context, claimed *task.Task, info monitor.Info, wake lock.WakeFunc) error {
	rec, found, err := m.store.Get(ctx, codec.TasksTable, codec.TaskKey(claimed.TaskID))
	if err != nil {
		return fmt.Errorf("taskstate: re-read task %d after lost wakeup: %w", claimed.TaskID, err)
	}
	if !found {
		return nil
	}
	cur, err := codec.FromRecord(rec)
	if err != nil {
		return fmt.Errorf("taskstate: decode task %d after lost wakeup: %w", claimed.TaskID, err)
	}
	if cur.MonitorID != info.MonitorID() {
		info.ForceHeartbeatFailure()
		return ErrLostLock
	}

	_, err = m.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(claimed.TaskID), kv.Update{
		Set:    map[string]any{"stat": string(task.Queued), "mid": task.QueuedSentinel},
		Remove: []string{"tic"},
	}, kv.Eq("mid", info.MonitorID()))
	if err != nil {
		if kv.IsPrecondition(err) {
			// Raced again; the next sweep will reconcile it.
			return nil
		}
		return fmt.Errorf("taskstate: self-requeue task %d after lost wakeup: %w", claimed.TaskID, err)
	}
	if wake != nil {
		wake(claimed.TaskID)
	}
	return nil
}

// finalize commits a run that reached a decision (ran to completion or was
// canceled before the body), applying the auto-requeue rules of §4.5 and,
// for a genuinely terminal SUCCESS on a recurring series, scheduling the
// next occurrence (§4.9).
func (m *Machine) finalize(ctx context.Context, claimed, result *task.Task, held []string, requeuesAtClaim int64, info monitor.Info, wake lock.WakeFunc) error {
	requeue := result.State == task.Success && (
		!equalStrings(result.LockIDs, claimed.LockIDs) ||
			!equalInts(result.PrerequisiteTaskIDs, claimed.PrerequisiteTaskIDs) ||
			result.MillisecondsRemaining != nil ||
			(result.UpdateData != nil && !bytes.Equal(result.UpdateData, claimed.UpdateData)))

	dest := result.State
	if requeue {
		dest = task.Queued
	}
	terminal := dest.Terminal()

	set := map[string]any{"stat": string(dest)}
	var remove []string

	switch {
	case terminal:
		set["tf"] = m.now()
		remove = append(remove, "mid", "upd")
		if dest == task.Failed {
			set["err"] = result.ErrorMessage
			set["errId"] = result.ErrorID
			if result.ErrorStackTrace != "" {
				set["errT"] = result.ErrorStackTrace
			}
		}
		_, ntRemove := codecNonTerminalUpdate(result)
		remove = append(remove, ntRemove...)
	default: // auto-requeue to QUEUED
		set["mid"] = task.QueuedSentinel
		set["lids"] = result.LockIDs
		set["any"] = result.AnyPrerequisite
		if len(result.PrerequisiteTaskIDs) > 0 {
			set["preq"] = result.PrerequisiteTaskIDs
		} else {
			remove = append(remove, "preq")
		}
		if result.MillisecondsRemaining != nil {
			set["tic"] = *result.MillisecondsRemaining
		} else {
			remove = append(remove, "tic")
		}
		if result.UpdateData != nil {
			set["upd"] = result.UpdateData
		} else {
			remove = append(remove, "upd")
		}
	}
	if result.CheckpointData != nil {
		set["ckpt"] = result.CheckpointData
	}

	cond := kv.Eq("mid", info.MonitorID())
	if !terminal {
		cond = kv.And(cond, kv.Eq("agn", requeuesAtClaim))
	}

	_, err := m.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(claimed.TaskID), kv.Update{Set: set, Remove: remove}, cond)
	if err != nil {
		if !kv.IsPrecondition(err) {
			return fmt.Errorf("taskstate: persist finalize for task %d: %w", claimed.TaskID, err)
		}
		if terminal {
			info.ForceHeartbeatFailure()
			return ErrLostLock
		}
		if rerr := m.recoverFromLostWakeup(ctx, claimed, info, wake); rerr != nil {
			return rerr
		}
		return m.releaseAfterFinalize(ctx, claimed, held, false, info, wake)
	}

	if err := m.releaseAfterFinalize(ctx, claimed, held, terminal, info, wake); err != nil {
		return err
	}

	if terminal {
		if m.onTerminal != nil {
			m.onTerminal(result)
		}
		if dest == task.Success && claimed.CronSchedule != "" {
			return m.scheduleNextOccurrence(ctx, result, wake)
		}
		return nil
	}

	if wake != nil {
		wake(claimed.TaskID)
	}
	return nil
}

func (m *Machine) releaseAfterFinalize(ctx context.Context, claimed *task.Task, held []string, terminal bool, info monitor.Info, wake lock.WakeFunc) error {
	if len(held) == 0 {
		return nil
	}
	if err := m.locks.Release(ctx, claimed.TaskID, held, info.MonitorID(), terminal, wake); err != nil {
		// Best-effort: the task's own state is already durably persisted.
		// A stuck held-lock row here is exactly what the deep-cleanup sweep
		// (§4.7) reconciles.
		m.log.Warn("releasing locks after finalize", "task_id", claimed.TaskID, "error", err)
	}
	return nil
}

// scheduleNextOccurrence implements §4.9: a finished recurring task's next
// run is a brand-new task row, inserted as QUEUED with millisecondsRemaining
// set, so the existing sleep-timer path (not a special case here) carries it
// to WAITING_FOR_INTERVAL on its own first attempt.
func (m *Machine) scheduleNextOccurrence(ctx context.Context, finished *task.Task, wake lock.WakeFunc) error {
	expr, err := cronexpr.Parse(finished.CronSchedule)
	if err != nil {
		m.log.Warn("invalid cron schedule, not rescheduling", "task_id", finished.TaskID, "cron", finished.CronSchedule, "error", err)
		return nil
	}
	next := expr.Next(time.UnixMilli(m.now()))
	if next.IsZero() {
		return nil
	}
	delay := next.UnixMilli() - m.now()
	if delay < 0 {
		delay = 0
	}

	id, err := m.nextID(ctx)
	if err != nil {
		return fmt.Errorf("taskstate: allocate id for recurring task %d: %w", finished.TaskID, err)
	}

	nt := &task.Task{
		TaskID:                id,
		EntityType:            finished.EntityType,
		EntityID:              finished.EntityID,
		State:                 task.Queued,
		MonitorID:             task.QueuedSentinel,
		LockIDs:               finished.LockIDs,
		PrerequisiteTaskIDs:   finished.PrerequisiteTaskIDs,
		AnyPrerequisite:       finished.AnyPrerequisite,
		MillisecondsRemaining: &delay,
		CronSchedule:          finished.CronSchedule,
	}

	if err := m.store.Put(ctx, codec.TasksTable, codec.TaskKey(id), codec.ToRecord(nt)); err != nil {
		return fmt.Errorf("taskstate: insert recurring task %d: %w", id, err)
	}
	if wake != nil {
		wake(id)
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// codecNonTerminalUpdate is a thin indirection so this file's import of
// codec doesn't need a second named import just for the one helper.
func codecNonTerminalUpdate(t *task.Task) (map[string]any, []string) {
	return codec.NonTerminalUpdate(t)
}
