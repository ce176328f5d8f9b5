// Package lock implements C4: named mutual-exclusion locks with queued
// waiters, plus the prerequisite barrier, over the kv façade (§4.4).
package lock

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/nomadic-run/scheduler/codec"
	"github.com/nomadic-run/scheduler/kv"
	"github.com/nomadic-run/scheduler/task"
)

// MaxBackoff bounds the random jitter slept between a waiter-enqueue retry
// and the next acquire attempt on the same lock ID (§4.4, §9).
const MaxBackoff = 500 * time.Millisecond

// Status is the outcome of attempting to acquire a task's full lock set.
type Status int

const (
	// Acquired means every requested lock (and the task's own barrier) is
	// now held by this task.
	Acquired Status = iota
	// WaitingForLock means acquisition blocked on a named lock; Held lists
	// what was acquired before blocking, still held by this task.
	WaitingForLock
)

// AcquireResult is the outcome of Coordinator.Acquire.
type AcquireResult struct {
	Status Status
	// Held is every lock ID (including the task's own barrier, if reached)
	// successfully acquired, in acquisition order.
	Held []string
}

// Coordinator implements the lock/prerequisite protocol of §4.4 over a
// kv.Store. It holds no in-memory lock state of its own: every invariant is
// enforced by conditional writes against the shared store.
type Coordinator struct {
	store kv.Store
	log   hclog.Logger
}

// New constructs a Coordinator over store.
func New(store kv.Store, log hclog.Logger) *Coordinator {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Coordinator{store: store, log: log.Named("lock")}
}

// Acquire attempts to acquire every lockID in t.LockIDs, plus t's own
// prerequisite barrier, all sorted ascending to preclude deadlock (§4.4).
func (c *Coordinator) Acquire(ctx context.Context, t *task.Task, monitorID string) (AcquireResult, error) {
	ids := append(append([]string(nil), t.LockIDs...), codec.PrerequisiteBarrier(t.TaskID))
	sort.Strings(ids)

	var held []string
	for _, id := range ids {
		acquired, err := c.acquireOne(ctx, id, t.TaskID, monitorID)
		if err != nil {
			return AcquireResult{Status: WaitingForLock, Held: held}, err
		}
		if !acquired {
			return AcquireResult{Status: WaitingForLock, Held: held}, nil
		}
		held = append(held, id)
	}
	return AcquireResult{Status: Acquired, Held: held}, nil
}

// acquireOne runs the single-lock protocol of §4.4's numbered Acquire steps.
func (c *Coordinator) acquireOne(ctx context.Context, lockID string, taskID int64, monitorID string) (bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		_, err := c.store.ConditionalUpdate(ctx, codec.LocksTable, codec.LockKey(lockID), kv.Update{
			Set: map[string]any{
				"lid":  lockID,
				"mid":  monitorID,
				"rtid": taskID,
			},
			Inc: map[string]int64{"agn": 1},
		}, kv.Or(kv.Eq("rtid", taskID), kv.Not(kv.Exists("mid"))))
		if err == nil {
			return true, nil
		}
		if !kv.IsPrecondition(err) {
			return false, fmt.Errorf("lock: acquire %s: %w", lockID, err)
		}

		// Held elsewhere: enqueue a waiter entry, then publish a
		// happens-before with the holder via the tasksQueued fence.
		if err := c.store.Put(ctx, codec.LocksTable, codec.WaiterKey(lockID, taskID), codec.ToWaiterRecord(lockID, taskID)); err != nil {
			return false, fmt.Errorf("lock: enqueue waiter on %s: %w", lockID, err)
		}

		_, err = c.store.ConditionalUpdate(ctx, codec.LocksTable, codec.LockKey(lockID), kv.Update{
			Inc: map[string]int64{"agn": 1},
		}, kv.Exists("mid"))
		if err == nil {
			// Fence published: the holder will observe our waiter on release.
			return false, nil
		}
		if !kv.IsPrecondition(err) {
			return false, fmt.Errorf("lock: publish wait fence on %s: %w", lockID, err)
		}

		// The holder released between our two steps. Retry the whole
		// acquire for this ID after a bounded random backoff.
		c.log.Trace("lock holder released during waiter enqueue, retrying", "lock_id", lockID, "task_id", taskID)
		if err := sleepJitter(ctx); err != nil {
			return false, err
		}
	}
}

// AcquirePrerequisites implements §4.4's prerequisite protocol. blocked is
// true iff the task must now wait (WAITING_FOR_PREREQUISITE).
//
// Mode resolution (documented in DESIGN.md): with AnyPrerequisite, every
// prerequisite is checked for an already-terminal one before any waiter is
// registered, so that a later-ordered but already-done prerequisite always
// short-circuits the wait; with ALL semantics the first non-terminal
// prerequisite encountered, in order, is the one waited on.
func (c *Coordinator) AcquirePrerequisites(ctx context.Context, taskID int64, prereqIDs []int64, anyPrerequisite bool) (bool, error) {
	if len(prereqIDs) == 0 {
		return false, nil
	}

	if anyPrerequisite {
		return c.acquireAnyPrerequisite(ctx, taskID, prereqIDs)
	}
	return c.acquireAllPrerequisites(ctx, taskID, prereqIDs)
}

func (c *Coordinator) acquireAnyPrerequisite(ctx context.Context, taskID int64, prereqIDs []int64) (bool, error) {
	for _, p := range prereqIDs {
		term, err := c.isTerminal(ctx, p)
		if err != nil {
			return false, err
		}
		if err := c.deleteWaiter(ctx, codec.PrerequisiteBarrier(p), taskID); err != nil {
			return false, err
		}
		if term {
			return false, nil
		}
	}

	// None terminal yet: wait on the first.
	p := prereqIDs[0]
	waiting, err := c.registerPrerequisiteWaiter(ctx, p, taskID)
	if err != nil {
		return false, err
	}
	return waiting, nil
}

func (c *Coordinator) acquireAllPrerequisites(ctx context.Context, taskID int64, prereqIDs []int64) (bool, error) {
	for _, p := range prereqIDs {
		term, err := c.isTerminal(ctx, p)
		if err != nil {
			return false, err
		}
		if term {
			if err := c.deleteWaiter(ctx, codec.PrerequisiteBarrier(p), taskID); err != nil {
				return false, err
			}
			continue
		}

		waiting, err := c.registerPrerequisiteWaiter(ctx, p, taskID)
		if err != nil {
			return false, err
		}
		if waiting {
			return true, nil
		}
		// p became terminal concurrently with our waiter registration.
	}
	return false, nil
}

// PrerequisitesSatisfied reports whether taskID's prerequisite condition is
// met right now: with AnyPrerequisite, at least one of prereqIDs must be
// terminal; otherwise every one of them must be. Unlike AcquirePrerequisites
// it registers no waiter and clears none — it is a read-only check used by
// the deep-cleanup sweep (§4.7) to decide whether a WAITING_FOR_PREREQUISITE
// task can be promoted back to QUEUED.
func (c *Coordinator) PrerequisitesSatisfied(ctx context.Context, prereqIDs []int64, anyPrerequisite bool) (bool, error) {
	if len(prereqIDs) == 0 {
		return true, nil
	}
	if anyPrerequisite {
		for _, p := range prereqIDs {
			term, err := c.isTerminal(ctx, p)
			if err != nil {
				return false, err
			}
			if term {
				return true, nil
			}
		}
		return false, nil
	}
	for _, p := range prereqIDs {
		term, err := c.isTerminal(ctx, p)
		if err != nil {
			return false, err
		}
		if !term {
			return false, nil
		}
	}
	return true, nil
}

// LocksFree reports whether every lockID in lockIDs, plus taskID's own
// prerequisite barrier, is either unheld or already held by taskID itself —
// i.e. Acquire would succeed immediately without blocking. It acquires
// nothing; it is the read-only check the deep-cleanup sweep (§4.7) uses to
// decide whether a WAITING_FOR_LOCK task can be promoted back to QUEUED.
func (c *Coordinator) LocksFree(ctx context.Context, taskID int64, lockIDs []string) (bool, error) {
	ids := append(append([]string(nil), lockIDs...), codec.PrerequisiteBarrier(taskID))
	for _, id := range ids {
		rec, found, err := c.store.Get(ctx, codec.LocksTable, codec.LockKey(id))
		if err != nil {
			return false, fmt.Errorf("lock: read lock %s: %w", id, err)
		}
		if !found {
			continue
		}
		held := codec.FromHeldLockRecord(id, rec)
		if held.RunningTaskID != taskID {
			return false, nil
		}
	}
	return true, nil
}

func (c *Coordinator) isTerminal(ctx context.Context, taskID int64) (bool, error) {
	rec, found, err := c.store.Get(ctx, codec.TasksTable, codec.TaskKey(taskID))
	if err != nil {
		return false, fmt.Errorf("lock: read prerequisite task %d: %w", taskID, err)
	}
	if !found {
		return true, nil
	}
	t, err := codec.FromRecord(rec)
	if err != nil {
		return false, fmt.Errorf("lock: decode prerequisite task %d: %w", taskID, err)
	}
	return t.State.Terminal(), nil
}

func (c *Coordinator) registerPrerequisiteWaiter(ctx context.Context, prereqTaskID, taskID int64) (bool, error) {
	barrier := codec.PrerequisiteBarrier(prereqTaskID)
	if err := c.store.Put(ctx, codec.LocksTable, codec.WaiterKey(barrier, taskID), codec.ToWaiterRecord(barrier, taskID)); err != nil {
		return false, fmt.Errorf("lock: enqueue prerequisite waiter on %d: %w", prereqTaskID, err)
	}
	_, err := c.store.ConditionalUpdate(ctx, codec.LocksTable, codec.LockKey(barrier), kv.Update{
		Inc: map[string]int64{"agn": 1},
	}, kv.Exists("mid"))
	if err == nil {
		return true, nil
	}
	if kv.IsPrecondition(err) {
		// The prerequisite became terminal between our check and our wait.
		if err := c.deleteWaiter(ctx, barrier, taskID); err != nil {
			return false, err
		}
		return false, nil
	}
	return false, fmt.Errorf("lock: publish prerequisite wait fence on %d: %w", prereqTaskID, err)
}

func (c *Coordinator) deleteWaiter(ctx context.Context, lockID string, taskID int64) error {
	if err := c.store.ConditionalDelete(ctx, codec.LocksTable, codec.WaiterKey(lockID, taskID), kv.Always()); err != nil {
		return fmt.Errorf("lock: delete waiter on %s: %w", lockID, err)
	}
	return nil
}

// WakeFunc is invoked with the task ID of every waiter promoted from
// WAITING_SENTINEL to QUEUED_SENTINEL, so the caller can re-enter it into
// the dispatcher (C6).
type WakeFunc func(taskID int64)

// Release implements §4.4's Release protocol for every lock in held,
// processed in reverse acquisition order. terminal indicates whether the
// owning task's final persisted state (after this run) is terminal: only
// then is the task's own prerequisite barrier actually released (waking
// ALL of its waiters); ordinary locks are always released, waking at most
// one waiter each.
func (c *Coordinator) Release(ctx context.Context, taskID int64, held []string, monitorID string, terminal bool, wake WakeFunc) error {
	barrier := codec.PrerequisiteBarrier(taskID)
	var errs *multierror.Error

	for i := len(held) - 1; i >= 0; i-- {
		id := held[i]
		isBarrier := id == barrier
		if isBarrier && !terminal {
			// The task is not yet done; it keeps its own barrier across runs.
			continue
		}
		if err := c.releaseOne(ctx, id, taskID, monitorID, isBarrier, wake); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (c *Coordinator) releaseOne(ctx context.Context, lockID string, taskID int64, monitorID string, wakeAll bool, wake WakeFunc) error {
	for {
		rec, found, err := c.store.Get(ctx, codec.LocksTable, codec.LockKey(lockID))
		if err != nil {
			return fmt.Errorf("lock: read held lock %s: %w", lockID, err)
		}
		if !found {
			// Already released by a concurrent actor (e.g. monitor-death
			// recovery); our own waiter entry may still need removal.
			break
		}
		held := codec.FromHeldLockRecord(lockID, rec)
		fence := held.TasksQueued

		if err := c.wakeWaiters(ctx, lockID, taskID, wakeAll, wake); err != nil {
			return err
		}

		err = c.store.ConditionalDelete(ctx, codec.LocksTable, codec.LockKey(lockID),
			kv.And(kv.Eq("mid", monitorID), kv.Eq("agn", fence)))
		if err == nil {
			break
		}
		if !kv.IsPrecondition(err) {
			return fmt.Errorf("lock: delete held lock %s: %w", lockID, err)
		}
		// A waiter enqueued concurrently with our release decision; a fresh
		// fence value is now on the row. Re-read and retry from the top.
		c.log.Trace("concurrent waiter enqueue observed during release, retrying", "lock_id", lockID)
	}

	if err := c.deleteWaiter(ctx, lockID, taskID); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) wakeWaiters(ctx context.Context, lockID string, ownerTaskID int64, wakeAll bool, wake WakeFunc) error {
	rows, _, err := c.store.QueryByIndex(ctx, codec.LocksTable, "primary", lockID, "", 0)
	if err != nil {
		return fmt.Errorf("lock: list waiters on %s: %w", lockID, err)
	}

	for _, rec := range rows {
		entry, err := codec.FromWaiterRecord(rec)
		if err != nil {
			// The held-lock row itself matches the primary-index query too;
			// it doesn't decode as a waiter entry, so skip it.
			continue
		}
		if entry.WaitingTaskID == ownerTaskID {
			continue
		}

		promoted, err := c.promote(ctx, entry.WaitingTaskID)
		if err != nil {
			return err
		}
		if promoted {
			if wake != nil {
				wake(entry.WaitingTaskID)
			}
			if !wakeAll {
				return nil
			}
			continue
		}

		// The waiter's task was already promoted or canceled by someone
		// else; bump its requeues fence so its own finalizer notices the
		// race (§4.5 persist step).
		if err := c.bumpRequeues(ctx, entry.WaitingTaskID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) promote(ctx context.Context, taskID int64) (bool, error) {
	_, err := c.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(taskID), kv.Update{
		Set: map[string]any{"mid": task.QueuedSentinel, "stat": string(task.Queued)},
	}, kv.Eq("mid", task.WaitingSentinel))
	if err == nil {
		return true, nil
	}
	if kv.IsPrecondition(err) {
		return false, nil
	}
	return false, fmt.Errorf("lock: promote waiter task %d: %w", taskID, err)
}

func (c *Coordinator) bumpRequeues(ctx context.Context, taskID int64) error {
	_, err := c.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(taskID), kv.Update{
		Inc: map[string]int64{"agn": 1},
	}, kv.Always())
	if err != nil {
		return fmt.Errorf("lock: bump requeues fence on task %d: %w", taskID, err)
	}
	return nil
}

// ReleaseForMonitor implements the monitor-death half of §4.7: pages every
// lock held by deadMonitorID, wakes its waiters (promoting each to QUEUED
// and passing its ID to wake), and deletes the held-lock row. Tasks still
// stamped with deadMonitorID are not touched here; the sweep package
// reclaims those separately.
func (c *Coordinator) ReleaseForMonitor(ctx context.Context, deadMonitorID string, wake WakeFunc) error {
	rows, _, err := c.store.QueryByIndex(ctx, codec.LocksTable, codec.LocksByMonitor, deadMonitorID, "", 0)
	if err != nil {
		return fmt.Errorf("lock: list locks for monitor %s: %w", deadMonitorID, err)
	}

	var errs *multierror.Error
	for _, rec := range rows {
		lockID, _ := rec["lid"].(string)
		if lockID == "" {
			continue
		}
		held := codec.FromHeldLockRecord(lockID, rec)
		if err := c.wakeWaiters(ctx, lockID, held.RunningTaskID, true, wake); err != nil {
			errs = multierror.Append(errs, err)
		}
		err := c.store.ConditionalDelete(ctx, codec.LocksTable, codec.LockKey(lockID),
			kv.And(kv.Eq("mid", deadMonitorID), kv.Eq("agn", held.TasksQueued)))
		if err != nil && !kv.IsPrecondition(err) {
			errs = multierror.Append(errs, fmt.Errorf("lock: delete abandoned lock %s: %w", lockID, err))
		}
	}
	return errs.ErrorOrNil()
}

func sleepJitter(ctx context.Context) error {
	d := time.Duration(rand.Int64N(int64(MaxBackoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
