package sweep

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/nomadic-run/scheduler/codec"
	"github.com/nomadic-run/scheduler/kv/memstore"
	"github.com/nomadic-run/scheduler/lock"
	"github.com/nomadic-run/scheduler/monitor"
	"github.com/nomadic-run/scheduler/monitor/localmonitor"
	"github.com/nomadic-run/scheduler/task"
)

func newStore() *memstore.Store {
	return memstore.New(
		memstore.TableSpec{Name: codec.TasksTable, Indexes: []memstore.IndexSpec{
			{Name: codec.TasksByMonitor, HashAttr: codec.AttrMonitorID},
		}},
		memstore.TableSpec{Name: codec.LocksTable, Indexes: []memstore.IndexSpec{
			{Name: codec.LocksByMonitor, HashAttr: codec.AttrMonitorID},
		}},
	)
}

func putTask(t *testing.T, store *memstore.Store, tk *task.Task) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), codec.TasksTable, codec.TaskKey(tk.TaskID), codec.ToRecord(tk)))
}

// runKillableMonitor starts a monitor session that blocks until ctx is
// canceled, returning its monitor ID. The caller then calls mon.Kill on
// that ID to simulate the external liveness registry declaring it dead,
// independently of whether the session goroutine has actually unwound.
func runKillableMonitor(t *testing.T, mon *localmonitor.Monitor) string {
	t.Helper()
	ids := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = mon.Run(ctx, func(_ context.Context, info monitor.Info) error {
			ids <- info.MonitorID()
			<-ctx.Done()
			return nil
		})
	}()
	return <-ids
}

func TestSweep_ReclaimsLocksAndTasksFromDeadMonitor(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	mon := localmonitor.New("node-1")
	locks := lock.New(store, nil)

	deadID := runKillableMonitor(t, mon)

	running := &task.Task{
		TaskID: 1, EntityType: "demo", EntityID: "e1",
		State: task.Running, MonitorID: deadID, LockIDs: []string{"printer"}, RunCount: 1,
	}
	res, err := locks.Acquire(ctx, running, deadID)
	must.NoError(t, err)
	must.Eq(t, lock.Acquired, res.Status)
	running.LockIDs = res.Held
	putTask(t, store, running)

	waiter := &task.Task{TaskID: 2, EntityType: "demo", EntityID: "e2", LockIDs: []string{"printer"}}
	putTask(t, store, &task.Task{TaskID: 2, State: task.Running, MonitorID: "node-2"})
	res2, err := locks.Acquire(ctx, waiter, "node-2")
	must.NoError(t, err)
	must.Eq(t, lock.WaitingForLock, res2.Status)
	putTask(t, store, &task.Task{TaskID: 2, EntityType: "demo", EntityID: "e2",
		State: task.WaitingForLock, MonitorID: task.WaitingSentinel, LockIDs: []string{"printer"}})

	var woken []int64
	wake := func(taskID int64) { woken = append(woken, taskID) }
	sw := New(store, locks, mon, wake, WithCleanupPeriod(1))

	mon.Kill(deadID)

	require.NoError(t, sw.RunOnce(ctx))

	got, found, err := store.Get(ctx, codec.TasksTable, codec.TaskKey(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(task.Queued), got[codec.AttrState], "RUNNING task orphaned by a dead monitor must be revived to QUEUED")
	require.Equal(t, task.QueuedSentinel, got[codec.AttrMonitorID])
	require.Contains(t, woken, int64(1))

	_, found, err = store.Get(ctx, codec.LocksTable, codec.LockKey("printer"))
	require.NoError(t, err)
	require.False(t, found, "the dead monitor's held lock must be released")
}

func TestSweep_PromotesStaleWaiterWhenConditionNowSatisfied(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	mon := localmonitor.New("node-1")
	locks := lock.New(store, nil)

	putTask(t, store, &task.Task{TaskID: 10, EntityType: "demo", EntityID: "e10", State: task.Success})

	stale := &task.Task{
		TaskID: 11, EntityType: "demo", EntityID: "e11",
		State: task.WaitingForPrerequisite, MonitorID: task.WaitingSentinel,
		PrerequisiteTaskIDs: []int64{10},
	}
	putTask(t, store, stale)

	var woken []int64
	wake := func(taskID int64) { woken = append(woken, taskID) }
	sw := New(store, locks, mon, wake, WithCleanupPeriod(1))

	require.NoError(t, sw.RunOnce(ctx))

	got, found, err := store.Get(ctx, codec.TasksTable, codec.TaskKey(11))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(task.Queued), got[codec.AttrState], "a satisfied stale waiter must be promoted, not just woken")
	require.Equal(t, task.QueuedSentinel, got[codec.AttrMonitorID])
	require.Contains(t, woken, int64(11))
}

func TestSweep_LeavesStaleWaiterAloneWhenStillBlocked(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	mon := localmonitor.New("node-1")
	locks := lock.New(store, nil)

	putTask(t, store, &task.Task{TaskID: 20, EntityType: "demo", EntityID: "e20", State: task.Running, MonitorID: "node-2"})

	stillBlocked := &task.Task{
		TaskID: 21, EntityType: "demo", EntityID: "e21",
		State: task.WaitingForPrerequisite, MonitorID: task.WaitingSentinel,
		PrerequisiteTaskIDs: []int64{20},
	}
	putTask(t, store, stillBlocked)

	var woken []int64
	wake := func(taskID int64) { woken = append(woken, taskID) }
	sw := New(store, locks, mon, wake, WithCleanupPeriod(1))

	require.NoError(t, sw.RunOnce(ctx))

	got, found, err := store.Get(ctx, codec.TasksTable, codec.TaskKey(21))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(task.WaitingForPrerequisite), got[codec.AttrState])
	require.Equal(t, task.WaitingSentinel, got[codec.AttrMonitorID])
	require.NotContains(t, woken, int64(21))
}
