package codec

import (
	"fmt"

	"github.com/nomadic-run/scheduler/kv"
)

// HeldLock is the decoded form of a lock table's `(lockId, TASK_ID_NONE)` row.
type HeldLock struct {
	LockID        string
	MonitorID     string
	RunningTaskID int64
	TasksQueued   int64
}

// WaiterEntry is the decoded form of a lock table's `(lockId, sortKey(taskId))` row.
type WaiterEntry struct {
	LockID        string
	WaitingTaskID int64
}

// ToHeldLockRecord builds the attribute record for a held-lock row.
func ToHeldLockRecord(l HeldLock) kv.Record {
	return kv.Record{
		attrLockID:        l.LockID,
		attrMonitorID:     l.MonitorID,
		attrRunningTaskID: l.RunningTaskID,
		attrTasksQueued:   l.TasksQueued,
	}
}

// FromHeldLockRecord parses a held-lock row. It tolerates a missing
// `mid`/`rtid` (an abandoned lock mid-acquire) by returning zero values for
// them, since callers distinguish "held" from "absent" by Get's own ok flag.
func FromHeldLockRecord(lockID string, rec kv.Record) HeldLock {
	l := HeldLock{LockID: lockID}
	if v, ok := rec[attrMonitorID].(string); ok {
		l.MonitorID = v
	}
	if v, ok := asInt64(rec[attrRunningTaskID]); ok {
		l.RunningTaskID = v
	}
	if v, ok := asInt64(rec[attrTasksQueued]); ok {
		l.TasksQueued = v
	}
	return l
}

// ToWaiterRecord builds the attribute record for a waiter-entry row.
func ToWaiterRecord(lockID string, waitingTaskID int64) kv.Record {
	return kv.Record{
		attrLockID:       lockID,
		attrWaiterTaskID: waitingTaskID,
	}
}

// FromWaiterRecord parses a waiter-entry row.
func FromWaiterRecord(rec kv.Record) (WaiterEntry, error) {
	lockID, ok := rec[attrLockID].(string)
	if !ok {
		return WaiterEntry{}, fmt.Errorf("codec: waiter record missing %q", attrLockID)
	}
	taskID, ok := asInt64(rec[attrWaiterTaskID])
	if !ok {
		return WaiterEntry{}, fmt.Errorf("codec: waiter record missing %q", attrWaiterTaskID)
	}
	return WaiterEntry{LockID: lockID, WaitingTaskID: taskID}, nil
}
