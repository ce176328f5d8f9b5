package codec

import (
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/nomadic-run/scheduler/task"
)

func TestSortKey_PreservesOrder(t *testing.T) {
	vals := []int64{-1 << 62, -100, -1, 0, 1, 100, 1 << 62}
	for i := 0; i < len(vals)-1; i++ {
		a, b := SortKey(vals[i]), SortKey(vals[i+1])
		require.Less(t, a, b, "sortKey(%d)=%q should sort before sortKey(%d)=%q", vals[i], a, vals[i+1], b)
	}
}

func TestSortKey_RoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 42, -42, 1 << 40, -(1 << 40)} {
		got, err := FromSortKey(SortKey(v))
		must.NoError(t, err)
		must.Eq(t, v, got)
	}
}

func TestToRecord_FromRecord_RoundTrip(t *testing.T) {
	millis := int64(5000)
	orig := &task.Task{
		TaskID:                7,
		EntityType:            "demo.job",
		EntityID:              "widget-1",
		State:                 task.WaitingForInterval,
		MonitorID:             task.WaitingSentinel,
		LockIDs:               []string{"lock-a", "lock-b"},
		PrerequisiteTaskIDs:   []int64{1, 2, 3},
		AnyPrerequisite:       true,
		CheckpointData:        []byte("progress"),
		StartTime:             1000,
		EndTime:               0,
		RunCount:              3,
		Requeues:              1,
		MillisecondsRemaining: &millis,
		CronSchedule:          "0 * * * * * *",
	}

	rec := ToRecord(orig)
	got, err := FromRecord(rec)
	must.NoError(t, err)

	require.Equal(t, orig.TaskID, got.TaskID)
	require.Equal(t, orig.EntityType, got.EntityType)
	require.Equal(t, orig.EntityID, got.EntityID)
	require.Equal(t, orig.State, got.State)
	require.Equal(t, orig.MonitorID, got.MonitorID)
	require.Equal(t, orig.LockIDs, got.LockIDs)
	require.Equal(t, orig.PrerequisiteTaskIDs, got.PrerequisiteTaskIDs)
	require.Equal(t, orig.AnyPrerequisite, got.AnyPrerequisite)
	require.Equal(t, orig.CheckpointData, got.CheckpointData)
	require.Equal(t, orig.RunCount, got.RunCount)
	require.Equal(t, orig.Requeues, got.Requeues)
	require.NotNil(t, got.MillisecondsRemaining)
	require.Equal(t, *orig.MillisecondsRemaining, *got.MillisecondsRemaining)
	require.Equal(t, orig.CronSchedule, got.CronSchedule)

	// Non-terminal mirror attributes are present.
	must.Eq(t, orig.EntityType, rec[attrNTEntity])
	must.Eq(t, EntityRangeKey(orig.EntityID, orig.TaskID), rec[attrNTID])
	must.Eq(t, EntityRangeKey(orig.EntityID, orig.TaskID), rec[attrEntityRange])
}

func TestToRecord_TerminalHasNoNonTerminalMirror(t *testing.T) {
	done := &task.Task{
		TaskID:     9,
		EntityType: "demo.job",
		EntityID:   "widget-9",
		State:      task.Success,
	}
	rec := ToRecord(done)
	_, ok := rec[attrNTEntity]
	must.False(t, ok)
	_, ok = rec[attrNTID]
	must.False(t, ok)
	// The always-on entity-range mirror is still present for a terminal task.
	must.Eq(t, EntityRangeKey(done.EntityID, done.TaskID), rec[attrEntityRange])
}

func TestNonTerminalUpdate(t *testing.T) {
	nonTerminal := &task.Task{TaskID: 1, EntityType: "t", EntityID: "e", State: task.Queued}
	set, remove := NonTerminalUpdate(nonTerminal)
	must.NotNil(t, set)
	must.Nil(t, remove)
	must.Eq(t, "t", set[attrNTEntity])

	terminal := &task.Task{TaskID: 1, EntityType: "t", EntityID: "e", State: task.Failed}
	set, remove = NonTerminalUpdate(terminal)
	must.Nil(t, set)
	require.ElementsMatch(t, []string{attrNTEntity, attrNTID}, remove)
}

func TestPrerequisiteBarrier_IsReservedAndDeterministic(t *testing.T) {
	require.Equal(t, PrerequisiteBarrier(5), PrerequisiteBarrier(5))
	require.NotEqual(t, PrerequisiteBarrier(5), PrerequisiteBarrier(6))
}
