package taskstate

import (
	"context"
	"errors"
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

func addTask(t *testing.T, store *memstore.Store, tk *task.Task) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), codec.TasksTable, codec.TaskKey(tk.TaskID), codec.ToRecord(tk)))
}

func getTask(t *testing.T, store *memstore.Store, id int64) *task.Task {
	t.Helper()
	rec, found, err := store.Get(context.Background(), codec.TasksTable, codec.TaskKey(id))
	require.NoError(t, err)
	require.True(t, found)
	tk, err := codec.FromRecord(rec)
	require.NoError(t, err)
	return tk
}

func attempt(t *testing.T, mon *localmonitor.Monitor, m *Machine, taskID int64, wake lock.WakeFunc) {
	t.Helper()
	require.NoError(t, mon.Run(context.Background(), func(ctx context.Context, info monitor.Info) error {
		return m.Attempt(ctx, taskID, info, wake)
	}))
}

func TestAttempt_RunsHandlerToSuccess(t *testing.T) {
	store := newStore()
	locks := lock.New(store, nil)
	mon := localmonitor.New("node-1")

	var invoked bool
	handlers := func(entityType string) (Handler, bool) {
		return func(ctx context.Context, tc *TaskContext) error {
			invoked = true
			return nil
		}, true
	}

	m := New(store, locks, handlers, func(context.Context) (int64, error) { return 0, nil })
	addTask(t, store, &task.Task{TaskID: 1, EntityType: "demo", EntityID: "e1", State: task.Queued, MonitorID: task.QueuedSentinel})

	attempt(t, mon, m, 1, nil)

	must.True(t, invoked)
	got := getTask(t, store, 1)
	must.Eq(t, task.Success, got.State)
	must.Eq(t, "", got.MonitorID)
}

func TestAttempt_HandlerErrorFails(t *testing.T) {
	store := newStore()
	locks := lock.New(store, nil)
	mon := localmonitor.New("node-1")

	handlers := func(entityType string) (Handler, bool) {
		return func(ctx context.Context, tc *TaskContext) error {
			return errors.New("boom")
		}, true
	}

	m := New(store, locks, handlers, func(context.Context) (int64, error) { return 0, nil })
	addTask(t, store, &task.Task{TaskID: 2, EntityType: "demo", EntityID: "e2", State: task.Queued, MonitorID: task.QueuedSentinel})

	attempt(t, mon, m, 2, nil)

	got := getTask(t, store, 2)
	must.Eq(t, task.Failed, got.State)
	must.NotEq(t, "", got.ErrorID)
}

func TestAttempt_NoHandlerParksTask(t *testing.T) {
	store := newStore()
	locks := lock.New(store, nil)
	mon := localmonitor.New("node-1")

	handlers := func(entityType string) (Handler, bool) { return nil, false }
	m := New(store, locks, handlers, func(context.Context) (int64, error) { return 0, nil })
	addTask(t, store, &task.Task{TaskID: 3, EntityType: "unknown", EntityID: "e3", State: task.Queued, MonitorID: task.QueuedSentinel})

	attempt(t, mon, m, 3, nil)

	got := getTask(t, store, 3)
	must.Eq(t, task.WaitingForInterval, got.State)
	require.NotNil(t, got.MillisecondsRemaining)
	must.Eq(t, int64(NoHandlerParkMillis), *got.MillisecondsRemaining)
}

func TestAttempt_CanceledSkipsHandlerButReleasesLocks(t *testing.T) {
	store := newStore()
	locks := lock.New(store, nil)
	mon := localmonitor.New("node-1")

	var invoked bool
	handlers := func(entityType string) (Handler, bool) {
		return func(ctx context.Context, tc *TaskContext) error {
			invoked = true
			return nil
		}, true
	}

	m := New(store, locks, handlers, func(context.Context) (int64, error) { return 0, nil })
	addTask(t, store, &task.Task{
		TaskID: 4, EntityType: "demo", EntityID: "e4", State: task.Queued,
		MonitorID: task.QueuedSentinel, LockIDs: []string{"printer"}, CanceledBy: "operator",
	})

	attempt(t, mon, m, 4, nil)

	must.False(t, invoked)
	got := getTask(t, store, 4)
	must.Eq(t, task.Canceled, got.State)

	_, found, err := store.Get(context.Background(), codec.LocksTable, codec.LockKey("printer"))
	require.NoError(t, err)
	must.False(t, found)
}

func TestAttempt_AutoRequeueOnUpdateData(t *testing.T) {
	store := newStore()
	locks := lock.New(store, nil)
	mon := localmonitor.New("node-1")

	calls := 0
	handlers := func(entityType string) (Handler, bool) {
		return func(ctx context.Context, tc *TaskContext) error {
			calls++
			if calls == 1 {
				tc.SetUpdateData([]byte("more work"))
			} else {
				tc.SetUpdateData(nil)
			}
			return nil
		}, true
	}

	m := New(store, locks, handlers, func(context.Context) (int64, error) { return 0, nil })
	addTask(t, store, &task.Task{TaskID: 5, EntityType: "demo", EntityID: "e5", State: task.Queued, MonitorID: task.QueuedSentinel})

	var woken []int64
	wake := func(id int64) { woken = append(woken, id) }

	attempt(t, mon, m, 5, wake)
	afterFirst := getTask(t, store, 5)
	must.Eq(t, task.Queued, afterFirst.State)
	must.Eq(t, task.QueuedSentinel, afterFirst.MonitorID)
	must.SliceContains(t, woken, int64(5))

	attempt(t, mon, m, 5, wake)
	afterSecond := getTask(t, store, 5)
	must.Eq(t, task.Success, afterSecond.State)
	must.Eq(t, 2, calls)
}

func TestAttempt_WaitsOnUnmetPrerequisite(t *testing.T) {
	store := newStore()
	locks := lock.New(store, nil)
	mon := localmonitor.New("node-1")

	var invoked bool
	handlers := func(entityType string) (Handler, bool) {
		return func(ctx context.Context, tc *TaskContext) error {
			invoked = true
			return nil
		}, true
	}

	m := New(store, locks, handlers, func(context.Context) (int64, error) { return 0, nil })
	addTask(t, store, &task.Task{TaskID: 10, EntityType: "demo", EntityID: "e10", State: task.Running, MonitorID: "mon-other"})
	_, err := locks.Acquire(context.Background(), &task.Task{TaskID: 10}, "mon-other")
	require.NoError(t, err)
	addTask(t, store, &task.Task{
		TaskID: 11, EntityType: "demo", EntityID: "e11", State: task.Queued,
		MonitorID: task.QueuedSentinel, PrerequisiteTaskIDs: []int64{10},
	})

	attempt(t, mon, m, 11, nil)

	must.False(t, invoked)
	got := getTask(t, store, 11)
	must.Eq(t, task.WaitingForPrerequisite, got.State)
	must.Eq(t, task.WaitingSentinel, got.MonitorID)
}

func TestAttempt_NonQueuedTaskIsANoOp(t *testing.T) {
	store := newStore()
	locks := lock.New(store, nil)
	mon := localmonitor.New("node-1")

	handlers := func(entityType string) (Handler, bool) {
		return func(ctx context.Context, tc *TaskContext) error { return nil }, true
	}
	m := New(store, locks, handlers, func(context.Context) (int64, error) { return 0, nil })
	addTask(t, store, &task.Task{TaskID: 20, EntityType: "demo", EntityID: "e20", State: task.Running, MonitorID: "someone-else"})

	attempt(t, mon, m, 20, nil)

	got := getTask(t, store, 20)
	must.Eq(t, task.Running, got.State)
	must.Eq(t, "someone-else", got.MonitorID)
}
