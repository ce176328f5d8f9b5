package lock

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/nomadic-run/scheduler/codec"
	"github.com/nomadic-run/scheduler/kv/memstore"
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

func TestAcquire_NoContention(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	c := New(store, nil)

	tk := &task.Task{TaskID: 1, LockIDs: []string{"printer"}}
	res, err := c.Acquire(ctx, tk, "mon-a")
	must.NoError(t, err)
	must.Eq(t, Acquired, res.Status)
	require.Len(t, res.Held, 2) // "printer" + this task's own barrier
}

func TestAcquire_ContentionThenRelease_PromotesWaiter(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	c := New(store, nil)

	first := &task.Task{TaskID: 1, LockIDs: []string{"printer"}}
	res, err := c.Acquire(ctx, first, "mon-a")
	must.NoError(t, err)
	must.Eq(t, Acquired, res.Status)

	second := &task.Task{TaskID: 2, LockIDs: []string{"printer"}}
	putTask(t, store, &task.Task{TaskID: 2, State: task.WaitingForLock, MonitorID: task.WaitingSentinel})
	res2, err := c.Acquire(ctx, second, "mon-b")
	must.NoError(t, err)
	must.Eq(t, WaitingForLock, res2.Status)
	must.Eq(t, []string{codec.PrerequisiteBarrier(2)}, res2.Held)

	var woken []int64
	wake := func(taskID int64) { woken = append(woken, taskID) }

	require.NoError(t, c.Release(ctx, first.TaskID, res.Held, "mon-a", true, wake))

	require.Contains(t, woken, int64(2))
	rec, found, err := store.Get(ctx, codec.TasksTable, codec.TaskKey(2))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(task.Queued), rec[codec.AttrState])
	require.Equal(t, task.QueuedSentinel, rec[codec.AttrMonitorID])
}

func TestAcquirePrerequisites_AllWaitsOnFirstNonTerminal(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	c := New(store, nil)

	putTask(t, store, &task.Task{TaskID: 10, State: task.Success})
	putTask(t, store, &task.Task{TaskID: 11, State: task.Running, MonitorID: "mon-x"})
	_, err := c.Acquire(ctx, &task.Task{TaskID: 11}, "mon-x")
	must.NoError(t, err)

	blocked, err := c.AcquirePrerequisites(ctx, 99, []int64{10, 11}, false)
	must.NoError(t, err)
	must.True(t, blocked)
}

func TestAcquirePrerequisites_AnyShortCircuitsOnTerminal(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	c := New(store, nil)

	putTask(t, store, &task.Task{TaskID: 20, State: task.Running, MonitorID: "mon-x"})
	putTask(t, store, &task.Task{TaskID: 21, State: task.Success})

	blocked, err := c.AcquirePrerequisites(ctx, 99, []int64{20, 21}, true)
	must.NoError(t, err)
	must.False(t, blocked)
}

func TestAcquirePrerequisites_EmptyNeverBlocks(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	c := New(store, nil)

	blocked, err := c.AcquirePrerequisites(ctx, 1, nil, false)
	must.NoError(t, err)
	must.False(t, blocked)
}

func TestReleaseForMonitor_ReleasesLocksAndWakesWaiters(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	c := New(store, nil)

	holder := &task.Task{TaskID: 1, LockIDs: []string{"printer"}}
	res, err := c.Acquire(ctx, holder, "dead-mon")
	must.NoError(t, err)
	must.Eq(t, Acquired, res.Status)

	waiter := &task.Task{TaskID: 2, LockIDs: []string{"printer"}}
	putTask(t, store, &task.Task{TaskID: 2, State: task.WaitingForLock, MonitorID: task.WaitingSentinel})
	res2, err := c.Acquire(ctx, waiter, "mon-b")
	must.NoError(t, err)
	must.Eq(t, WaitingForLock, res2.Status)

	var woken []int64
	wake := func(taskID int64) { woken = append(woken, taskID) }

	require.NoError(t, c.ReleaseForMonitor(ctx, "dead-mon", wake))

	require.Contains(t, woken, int64(2))

	_, found, err := store.Get(ctx, codec.LocksTable, codec.LockKey("printer"))
	require.NoError(t, err)
	require.False(t, found, "abandoned lock row should be deleted")

	rec, found, err := store.Get(ctx, codec.TasksTable, codec.TaskKey(2))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(task.Queued), rec[codec.AttrState])
	require.Equal(t, task.QueuedSentinel, rec[codec.AttrMonitorID])
}

func TestReleaseForMonitor_NoLocksHeldIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	c := New(store, nil)

	require.NoError(t, c.ReleaseForMonitor(ctx, "never-held-anything", nil))
}

func TestPrerequisitesSatisfied(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	c := New(store, nil)

	putTask(t, store, &task.Task{TaskID: 10, State: task.Success})
	putTask(t, store, &task.Task{TaskID: 11, State: task.Running, MonitorID: "mon-x"})

	ok, err := c.PrerequisitesSatisfied(ctx, nil, false)
	must.NoError(t, err)
	must.True(t, ok)

	ok, err = c.PrerequisitesSatisfied(ctx, []int64{10, 11}, false)
	must.NoError(t, err)
	must.False(t, ok, "one non-terminal prerequisite blocks ALL semantics")

	ok, err = c.PrerequisitesSatisfied(ctx, []int64{10, 11}, true)
	must.NoError(t, err)
	must.True(t, ok, "one terminal prerequisite satisfies ANY semantics")

	ok, err = c.PrerequisitesSatisfied(ctx, []int64{11}, true)
	must.NoError(t, err)
	must.False(t, ok)
}

func TestLocksFree(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	c := New(store, nil)

	free, err := c.LocksFree(ctx, 99, []string{"printer"})
	must.NoError(t, err)
	must.True(t, free, "an unheld lock is free")

	holder := &task.Task{TaskID: 1, LockIDs: []string{"printer"}}
	res, err := c.Acquire(ctx, holder, "mon-a")
	must.NoError(t, err)
	must.Eq(t, Acquired, res.Status)

	free, err = c.LocksFree(ctx, 1, []string{"printer"})
	must.NoError(t, err)
	must.True(t, free, "held by the same task counts as free")

	free, err = c.LocksFree(ctx, 2, []string{"printer"})
	must.NoError(t, err)
	must.False(t, free, "held by a different task is not free")
}
