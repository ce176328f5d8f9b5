// Package sweep implements C7: the background reconciliation passes that
// recover from missed in-process wakeups and crashed monitor sessions
// (§4.7). Nothing here is required for correctness of a single healthy
// session — it is the safety net for the in-process mechanisms in
// dispatch and lock.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/nomadic-run/scheduler/codec"
	"github.com/nomadic-run/scheduler/kv"
	"github.com/nomadic-run/scheduler/lock"
	"github.com/nomadic-run/scheduler/monitor"
	"github.com/nomadic-run/scheduler/task"
)

// DefaultSweepInterval is how often the light missed-wakeup scan runs.
const DefaultSweepInterval = 30 * time.Second

// CleanupEveryNSweeps is how many light sweeps occur between one deep
// cleanup pass (held-lock/waiter reconciliation, §4.7's CLEANUP_INTERVALS).
const CleanupEveryNSweeps = 30

// Sweeper periodically reconciles state that the in-process dispatcher and
// lock coordinator only promise to *usually* notice immediately.
type Sweeper struct {
	store kv.Store
	locks *lock.Coordinator
	mon   monitor.Monitor
	wake  lock.WakeFunc
	log   hclog.Logger

	interval      time.Duration
	cleanupPeriod int

	tick int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithLogger(log hclog.Logger) Option {
	return func(s *Sweeper) { s.log = log.Named("sweep") }
}

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

func WithCleanupPeriod(n int) Option {
	return func(s *Sweeper) { s.cleanupPeriod = n }
}

// New constructs a Sweeper. wake is invoked for every task ID the sweep
// finds newly dispatchable, normally dispatch.Dispatcher.Enqueue.
func New(store kv.Store, locks *lock.Coordinator, mon monitor.Monitor, wake lock.WakeFunc, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:         store,
		locks:         locks,
		mon:           mon,
		wake:          wake,
		log:           hclog.NewNullLogger(),
		interval:      DefaultSweepInterval,
		cleanupPeriod: CleanupEveryNSweeps,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks the sweeper until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one light sweep, plus the deep cleanup pass on the first
// call and every cleanupPeriod calls after it. Exported so callers (tests, or a manual trigger) can
// drive it without waiting on the ticker.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var errs *multierror.Error

	if err := s.recoverMissedWakeups(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	if s.tick%s.cleanupPeriod == 0 {
		if err := s.deepCleanup(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.tick++

	return errs.ErrorOrNil()
}

// recoverMissedWakeups scans every task still sitting at QUEUED_SENTINEL:
// in the overwhelming majority of cases the dispatcher already has it
// queued, so re-enqueuing is a harmless duplicate (Dispatcher.Enqueue
// dedupes); the value is for the rare task whose in-process wakeup never
// happened (e.g. it was queued before this monitor session started).
func (s *Sweeper) recoverMissedWakeups(ctx context.Context) error {
	var page kv.Page
	for {
		rows, next, err := s.store.QueryByIndex(ctx, codec.TasksTable, codec.TasksByMonitor, task.QueuedSentinel, page, 0)
		if err != nil {
			return err
		}
		for _, rec := range rows {
			t, err := codec.FromRecord(rec)
			if err != nil {
				s.log.Warn("decoding queued task during sweep", "error", err)
				continue
			}
			if s.wake != nil {
				s.wake(t.TaskID)
			}
		}
		if next == "" {
			return nil
		}
		page = next
	}
}

// deepCleanup implements §4.7's heavier pass: reclaim everything a dead
// monitor left behind (its held locks, via reapAbandonedLocks, and any task
// still stamped with its monitor ID, via reclaimTasksForDeadMonitor), and
// promote every WAITING_SENTINEL task whose prerequisites and locks are now
// actually satisfiable (covering a wakeup that was lost entirely, not just
// delayed).
func (s *Sweeper) deepCleanup(ctx context.Context) error {
	var errs *multierror.Error

	if err := s.reapAbandonedLocks(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.promoteStaleWaiters(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

func (s *Sweeper) reapAbandonedLocks(ctx context.Context) error {
	var errs *multierror.Error
	seenDeadMonitors := make(map[string]bool)
	var page kv.Page
	for {
		// A waiter-entry row has no `mid` attribute (only a held-lock row
		// does, see lockcodec.go), so this filter keeps exactly the held
		// locks, across every lock ID, in one scan.
		rows, next, err := s.store.ScanByIndex(ctx, codec.LocksTable, "primary", kv.Exists(codec.AttrMonitorID), page, 0)
		if err != nil {
			return err
		}
		for _, rec := range rows {
			lockID, _ := rec["lid"].(string)
			if lockID == "" {
				continue
			}
			held := codec.FromHeldLockRecord(lockID, rec)
			if held.MonitorID == "" || seenDeadMonitors[held.MonitorID] {
				continue
			}

			active, err := s.mon.IsActive(ctx, held.MonitorID)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			if active {
				continue
			}

			// The owning monitor is dead: reclaim every lock it holds in
			// one pass (not just this one), since ReleaseForMonitor wakes
			// waiters correctly rather than blindly deleting the row, then
			// revive whatever task this monitor left RUNNING (§4.7's
			// monitor-death recovery paragraph: "RUNNING ⇒ monitorId = live
			// M" must be restored, not just the locks it held).
			seenDeadMonitors[held.MonitorID] = true
			if err := s.locks.ReleaseForMonitor(ctx, held.MonitorID, s.wake); err != nil {
				errs = multierror.Append(errs, err)
			}
			if err := s.reclaimTasksForDeadMonitor(ctx, held.MonitorID); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if next == "" {
			break
		}
		page = next
	}
	return errs.ErrorOrNil()
}

// reclaimTasksForDeadMonitor pages tasksByMonitor(deadMonitorID) and flips
// every non-terminal task still stamped with that monitor ID (a RUNNING
// task orphaned by the crash — the only state that carries a live monitor
// ID as `mid` rather than one of the two sentinels) back to QUEUED, waking
// each one so it gets a fresh claim attempt under a live session.
func (s *Sweeper) reclaimTasksForDeadMonitor(ctx context.Context, deadMonitorID string) error {
	var errs *multierror.Error
	var page kv.Page
	for {
		rows, next, err := s.store.QueryByIndex(ctx, codec.TasksTable, codec.TasksByMonitor, deadMonitorID, page, 0)
		if err != nil {
			return err
		}
		for _, rec := range rows {
			t, err := codec.FromRecord(rec)
			if err != nil {
				s.log.Warn("decoding orphaned task during sweep", "error", err)
				continue
			}
			if t.State.Terminal() {
				continue
			}

			_, err = s.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(t.TaskID), kv.Update{
				Set: map[string]any{codec.AttrState: string(task.Queued), codec.AttrMonitorID: task.QueuedSentinel},
			}, kv.Eq(codec.AttrMonitorID, deadMonitorID))
			if err != nil {
				if !kv.IsPrecondition(err) {
					errs = multierror.Append(errs, fmt.Errorf("sweep: reclaim task %d from dead monitor %s: %w", t.TaskID, deadMonitorID, err))
				}
				continue
			}
			if s.wake != nil {
				s.wake(t.TaskID)
			}
		}
		if next == "" {
			break
		}
		page = next
	}
	return errs.ErrorOrNil()
}

// promoteStaleWaiters is the belt-and-braces rescue for a waiter whose
// wakeup was lost entirely (not merely delayed): for every task still
// parked at WAITING_SENTINEL, it re-runs the same prerequisite/lock-free
// check lock.Coordinator would use to grant the claim, and only promotes
// the task back to QUEUED when that check actually passes. A wake with no
// accompanying state flip is a no-op (dispatch.attempt requires
// mid == QueuedSentinel), so the ConditionalUpdate below is what makes
// this rescue real.
func (s *Sweeper) promoteStaleWaiters(ctx context.Context) error {
	var errs *multierror.Error
	var page kv.Page
	for {
		rows, next, err := s.store.QueryByIndex(ctx, codec.TasksTable, codec.TasksByMonitor, task.WaitingSentinel, page, 0)
		if err != nil {
			return err
		}
		for _, rec := range rows {
			t, err := codec.FromRecord(rec)
			if err != nil {
				s.log.Warn("decoding waiting task during sweep", "error", err)
				continue
			}
			if !t.State.Waiting() {
				continue
			}

			ready, err := s.waiterCanProceed(ctx, t)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			if !ready {
				continue
			}

			_, err = s.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(t.TaskID), kv.Update{
				Set: map[string]any{codec.AttrState: string(task.Queued), codec.AttrMonitorID: task.QueuedSentinel},
			}, kv.Eq(codec.AttrMonitorID, task.WaitingSentinel))
			if err != nil {
				if !kv.IsPrecondition(err) {
					errs = multierror.Append(errs, fmt.Errorf("sweep: promote stale waiter %d: %w", t.TaskID, err))
				}
				continue
			}
			if s.wake != nil {
				s.wake(t.TaskID)
			}
		}
		if next == "" {
			break
		}
		page = next
	}
	return errs.ErrorOrNil()
}

// waiterCanProceed reports whether t (a WAITING_FOR_PREREQUISITE or
// WAITING_FOR_LOCK task) would be granted its claim right now: its
// prerequisite condition, and every lock it needs, must both be free.
func (s *Sweeper) waiterCanProceed(ctx context.Context, t *task.Task) (bool, error) {
	satisfied, err := s.locks.PrerequisitesSatisfied(ctx, t.PrerequisiteTaskIDs, t.AnyPrerequisite)
	if err != nil {
		return false, fmt.Errorf("sweep: check prerequisites for task %d: %w", t.TaskID, err)
	}
	if !satisfied {
		return false, nil
	}

	free, err := s.locks.LocksFree(ctx, t.TaskID, t.LockIDs)
	if err != nil {
		return false, fmt.Errorf("sweep: check locks free for task %d: %w", t.TaskID, err)
	}
	return free, nil
}
