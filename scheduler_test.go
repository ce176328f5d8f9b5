package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/nomadic-run/scheduler/codec"
	"github.com/nomadic-run/scheduler/kv/memstore"
	"github.com/nomadic-run/scheduler/monitor"
	"github.com/nomadic-run/scheduler/monitor/localmonitor"
	"github.com/nomadic-run/scheduler/task"
	"github.com/nomadic-run/scheduler/taskstate"
)

func newTestScheduler(opts ...Option) (*Scheduler, *localmonitor.Monitor) {
	store := memstore.New(DefaultTableSpecs()...)
	mon := localmonitor.New("node-1")
	return New(store, mon, opts...), mon
}

func putRawTask(t *testing.T, s *Scheduler, tk *task.Task) {
	t.Helper()
	require.NoError(t, s.store.Put(context.Background(), codec.TasksTable, codec.TaskKey(tk.TaskID), codec.ToRecord(tk)))
}

func TestAddTask_RequiresEntityTypeAndID(t *testing.T) {
	s, _ := newTestScheduler()
	ctx := context.Background()

	_, err := s.AddTask(ctx, s.CreateTask().EntityID("e1"))
	require.Error(t, err)

	_, err = s.AddTask(ctx, s.CreateTask().EntityType("demo"))
	require.Error(t, err)

	tk, err := s.AddTask(ctx, s.CreateTask().EntityType("demo").EntityID("e1"))
	must.NoError(t, err)
	must.Eq(t, task.Queued, tk.State)
	must.Eq(t, task.QueuedSentinel, tk.MonitorID)
}

func TestGetTask_NotFound(t *testing.T) {
	s, _ := newTestScheduler()
	_, found, err := s.GetTask(context.Background(), 999)
	must.NoError(t, err)
	must.False(t, found)
}

func TestDeleteTask_RequiresTerminalState(t *testing.T) {
	s, _ := newTestScheduler()
	ctx := context.Background()
	tk, err := s.AddTask(ctx, s.CreateTask().EntityType("demo").EntityID("e1"))
	must.NoError(t, err)

	err = s.DeleteTask(ctx, tk.TaskID)
	require.Error(t, err)

	putRawTask(t, s, &task.Task{TaskID: tk.TaskID, EntityType: "demo", EntityID: "e1", State: task.Success})
	must.NoError(t, s.DeleteTask(ctx, tk.TaskID))

	_, found, err := s.GetTask(ctx, tk.TaskID)
	must.NoError(t, err)
	must.False(t, found)
}

func TestUpdateTask_NoOpAfterTerminal(t *testing.T) {
	s, _ := newTestScheduler()
	ctx := context.Background()

	tk, err := s.AddTask(ctx, s.CreateTask().EntityType("demo").EntityID("e1"))
	must.NoError(t, err)

	must.NoError(t, s.UpdateTask(ctx, tk.TaskID, []byte("progress")))
	got, _, err := s.GetTask(ctx, tk.TaskID)
	must.NoError(t, err)
	must.Eq(t, "progress", string(got.UpdateData))

	putRawTask(t, s, &task.Task{TaskID: tk.TaskID, EntityType: "demo", EntityID: "e1", State: task.Success})
	err = s.UpdateTask(ctx, tk.TaskID, []byte("too late"))
	require.Error(t, err)
}

func TestCancelTask_PromotesWaitingToQueued(t *testing.T) {
	s, _ := newTestScheduler()
	ctx := context.Background()

	waiting := &task.Task{
		TaskID: 42, EntityType: "demo", EntityID: "e42",
		State: task.WaitingForPrerequisite, MonitorID: task.WaitingSentinel,
	}
	putRawTask(t, s, waiting)

	must.NoError(t, s.CancelTask(ctx, waiting.TaskID, "operator"))

	got, found, err := s.GetTask(ctx, waiting.TaskID)
	must.NoError(t, err)
	must.True(t, found)
	must.Eq(t, task.Queued, got.State)
	must.Eq(t, task.QueuedSentinel, got.MonitorID)
	must.Eq(t, "operator", got.CanceledBy)
}

func TestCancelTask_TerminalIsNoOp(t *testing.T) {
	s, _ := newTestScheduler()
	ctx := context.Background()

	done := &task.Task{TaskID: 7, EntityType: "demo", EntityID: "e7", State: task.Success}
	putRawTask(t, s, done)

	must.NoError(t, s.CancelTask(ctx, done.TaskID, "operator"))

	got, _, err := s.GetTask(ctx, done.TaskID)
	must.NoError(t, err)
	must.Eq(t, task.Success, got.State)
	must.Eq(t, "", got.CanceledBy)
}

func TestMonitorTaskQueue_RunsSeededTaskToSuccess(t *testing.T) {
	s, _ := newTestScheduler()
	ctx := context.Background()

	var okCalled bool
	var errSubCalled, panicSubCalled bool
	s.AddOnTerminalState(func(tk *task.Task) error {
		errSubCalled = true
		return errors.New("subscriber failure")
	})
	removeID := s.AddOnTerminalState(func(tk *task.Task) error {
		panicSubCalled = true
		panic("subscriber panic")
	})
	s.RemoveOnTerminalState(removeID + 1000) // unknown id is a no-op
	s.AddOnTerminalState(func(tk *task.Task) error {
		okCalled = true
		return nil
	})

	s.RegisterHandler("demo", func(ctx context.Context, tc *taskstate.TaskContext) error {
		return nil
	})

	tk, err := s.AddTask(ctx, s.CreateTask().EntityType("demo").EntityID("e1"))
	must.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go func() { _ = s.MonitorTaskQueue(runCtx) }()

	require.Eventually(t, func() bool {
		got, found, err := s.GetTask(ctx, tk.TaskID)
		return err == nil && found && got.State.Terminal()
	}, time.Second, 10*time.Millisecond)
	s.StopTaskQueueMonitor()

	got, _, err := s.GetTask(ctx, tk.TaskID)
	must.NoError(t, err)
	must.Eq(t, task.Success, got.State)
	must.True(t, okCalled)
	must.True(t, errSubCalled)
	must.True(t, panicSubCalled)
}

func TestQueries_ByEntityAndNonTerminal(t *testing.T) {
	s, _ := newTestScheduler()
	ctx := context.Background()

	_, err := s.AddTask(ctx, s.CreateTask().EntityType("demo").EntityID("widget-1"))
	must.NoError(t, err)
	_, err = s.AddTask(ctx, s.CreateTask().EntityType("demo").EntityID("widget-1"))
	must.NoError(t, err)
	_, err = s.AddTask(ctx, s.CreateTask().EntityType("demo").EntityID("widget-2"))
	must.NoError(t, err)
	_, err = s.AddTask(ctx, s.CreateTask().EntityType("other").EntityID("widget-1"))
	must.NoError(t, err)

	byType, _, err := s.TasksByEntityType(ctx, "demo", "", 0)
	must.NoError(t, err)
	must.Len(t, 3, byType)

	byEntity, _, err := s.TasksByEntity(ctx, "demo", "widget-1", "", 0)
	must.NoError(t, err)
	must.Len(t, 2, byEntity)

	ntByType, _, err := s.NonTerminalTasksByEntityType(ctx, "demo", "", 0)
	must.NoError(t, err)
	must.Len(t, 3, ntByType)

	ntByEntity, _, err := s.NonTerminalTasksByEntity(ctx, "demo", "widget-1", "", 0)
	must.NoError(t, err)
	must.Len(t, 2, ntByEntity)

	allNT, _, err := s.AllNonTerminalTasks(ctx, "", 0)
	must.NoError(t, err)
	must.Len(t, 4, allNT)

	all, _, err := s.AllTasks(ctx, "", 0)
	must.NoError(t, err)
	must.Len(t, 4, all)
}

// TestCrashRecovery_SweepRevivesOrphanedRunningTask simulates a worker
// process dying mid-RUNNING task: its monitor session is killed out from
// under it, leaving the task and its prerequisite barrier stamped with a
// now-dead monitor ID. A sweep
// must flip it back to QUEUED so a second worker's MonitorTaskQueue session
// can claim and finish it, bumping RunCount to 2.
func TestCrashRecovery_SweepRevivesOrphanedRunningTask(t *testing.T) {
	s, mon := newTestScheduler()
	ctx := context.Background()

	s.RegisterHandler("demo", func(ctx context.Context, tc *taskstate.TaskContext) error {
		return nil
	})

	tk, err := s.AddTask(ctx, s.CreateTask().EntityType("demo").EntityID("e1"))
	must.NoError(t, err)

	deadIDs := make(chan string, 1)
	crashedCtx, cancelCrashed := context.WithCancel(context.Background())
	defer cancelCrashed()
	go func() {
		_ = mon.Run(crashedCtx, func(_ context.Context, info monitor.Info) error {
			deadIDs <- info.MonitorID()
			<-crashedCtx.Done()
			return nil
		})
	}()
	deadMonitorID := <-deadIDs

	putRawTask(t, s, &task.Task{
		TaskID: tk.TaskID, EntityType: "demo", EntityID: "e1",
		State: task.Running, MonitorID: deadMonitorID, RunCount: 1,
	})
	_, err = s.locks.Acquire(ctx, &task.Task{TaskID: tk.TaskID}, deadMonitorID)
	must.NoError(t, err)

	mon.Kill(deadMonitorID)

	require.NoError(t, s.sweeper.RunOnce(ctx))

	got, found, err := s.GetTask(ctx, tk.TaskID)
	must.NoError(t, err)
	must.True(t, found)
	must.Eq(t, task.Queued, got.State)
	must.Eq(t, task.QueuedSentinel, got.MonitorID)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go func() { _ = s.MonitorTaskQueue(runCtx) }()

	require.Eventually(t, func() bool {
		got, found, err := s.GetTask(ctx, tk.TaskID)
		return err == nil && found && got.State.Terminal()
	}, time.Second, 10*time.Millisecond)
	s.StopTaskQueueMonitor()

	got, _, err = s.GetTask(ctx, tk.TaskID)
	must.NoError(t, err)
	must.Eq(t, task.Success, got.State)
	must.Eq(t, int64(2), got.RunCount)
}

func TestMonitorTaskQueue_RejectsConcurrentRun(t *testing.T) {
	s, _ := newTestScheduler()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go func() { _ = s.MonitorTaskQueue(ctx) }()
	require.Eventually(t, func() bool {
		s.runMu.Lock()
		defer s.runMu.Unlock()
		return s.cancelRun != nil
	}, time.Second, 5*time.Millisecond)

	err := s.MonitorTaskQueue(context.Background())
	require.Error(t, err)

	s.StopTaskQueueMonitor()
}
