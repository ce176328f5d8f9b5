// Package codec implements §4.3: the mapping between task.Task / lock
// records and the attribute records the kv façade stores, including the
// derived secondary-index mirror attributes and the fixed-width sortable
// encoding of task IDs.
package codec

import (
	"fmt"
	"math"
	"strconv"

	"github.com/nomadic-run/scheduler/kv"
	"github.com/nomadic-run/scheduler/task"
)

// Table names matching the persisted layout (§6).
const (
	TasksTable = "monitor-tasks"
	LocksTable = "monitor-locks"
)

// Index names matching the persisted layout (§6).
const (
	TasksByMonitor            = "by_monitor"
	TasksByEntity             = "by_entity"
	TasksByNonTerminalEntity  = "by_nonterminal_entity"
	LocksByMonitor            = "by_monitor"
)

// TaskKey is the primary key of a task row.
func TaskKey(taskID int64) kv.Key {
	return kv.Key{PK: "task", RK: SortKey(taskID)}
}

// LockKey is the primary key of a held-lock row.
func LockKey(lockID string) kv.Key {
	return kv.Key{PK: lockID, RK: task.TaskIDNone}
}

// WaiterKey is the primary key of a waiter-entry row for lockID/waitingTaskID.
func WaiterKey(lockID string, waitingTaskID int64) kv.Key {
	return kv.Key{PK: lockID, RK: SortKey(waitingTaskID)}
}

// signBit flips the sign bit of a two's-complement int64 so that unsigned
// comparison of the flipped bit pattern agrees with signed comparison of the
// original value.
const signBit = uint64(1) << 63

// SortKey returns a fixed-width, lexicographically sortable encoding of a
// signed 64-bit integer: `fromSortKey(sortKey(i)) == i` for all i, and for
// all i < j, sortKey(i) < sortKey(j) as plain strings.
func SortKey(i int64) string {
	u := uint64(i) ^ signBit
	return fmt.Sprintf("%020d", u)
}

// FromSortKey inverts SortKey.
func FromSortKey(s string) (int64, error) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("codec: invalid sort key %q: %w", s, err)
	}
	return int64(u ^ signBit), nil
}

// EntityRangeKey is the compound entity-range key `entityId + "@" +
// sortKey(taskId)` (§4.3), sorted by task ID within one entityId.
func EntityRangeKey(entityID string, taskID int64) string {
	return entityID + "@" + SortKey(taskID)
}

// PrerequisiteBarrier is the reserved lock ID doubling as task T's
// prerequisite barrier.
func PrerequisiteBarrier(taskID int64) string {
	return "_TASK:" + SortKey(taskID)
}

// attribute short names, matching §6's persisted layout.
const (
	attrID          = "id"
	attrEntityType  = "ety"
	attrEntityID    = "eid"
	attrEntityRange = "erng" // always present: entityId + "@" + sortKey(taskId)
	attrNTEntity    = "ntty"
	attrNTID        = "ntid"
	attrState      = "stat"
	attrLockIDs    = "lids"
	attrPrereqs    = "preq"
	attrAnyPrereq  = "any"
	attrMonitorID  = "mid"
	attrUpdateData = "upd"
	attrCheckpoint = "ckpt"
	attrErrMsg     = "err"
	attrErrStack   = "errT"
	attrErrID      = "errId"
	attrStartTime  = "ts"
	attrEndTime    = "tf"
	attrRunCount   = "cnt"
	attrRequeues   = "agn"
	attrTicRemain  = "tic"
	attrCanceledBy = "cancel"
	attrCron       = "cron"

	attrRunningTaskID = "rtid"
	attrTasksQueued   = "agn" // lock table reuses the `agn` fence name
	attrLockID        = "lid"
	attrWaiterTaskID  = "tid"
)

// Exported attribute names, for packages outside codec that build their own
// ConditionalUpdate calls against the task row directly (dispatch's
// delayed-task timer wheel, sweep's recovery passes) instead of going
// through ToRecord/FromRecord.
const (
	AttrMonitorID   = attrMonitorID
	AttrState       = attrState
	AttrTicRemain   = attrTicRemain
	AttrRequeues    = attrRequeues
	AttrEntityType  = attrEntityType
	AttrEntityRange = attrEntityRange
	AttrNTEntity    = attrNTEntity
	AttrNTID        = attrNTID
	AttrUpdateData  = attrUpdateData
	AttrCanceledBy  = attrCanceledBy
)

// stateByLetter inverts task.State's wire encoding.
var stateByLetter = map[string]task.State{
	string(task.Queued):                task.Queued,
	string(task.Running):               task.Running,
	string(task.WaitingForInterval):     task.WaitingForInterval,
	string(task.WaitingForPrerequisite): task.WaitingForPrerequisite,
	string(task.WaitingForLock):         task.WaitingForLock,
	string(task.Failed):                task.Failed,
	string(task.Success):                task.Success,
	string(task.Canceled):               task.Canceled,
}

// ToRecord derives the full stored attribute record for t, including the
// non-terminal mirror attributes.
func ToRecord(t *task.Task) kv.Record {
	rec := kv.Record{
		attrID:          t.TaskID,
		attrEntityType:  t.EntityType,
		attrEntityID:    t.EntityID,
		attrEntityRange: EntityRangeKey(t.EntityID, t.TaskID),
		attrState:       string(t.State),
		attrAnyPrereq:  t.AnyPrerequisite,
		attrRunCount:   t.RunCount,
		attrRequeues:   t.Requeues,
		attrStartTime:  t.StartTime,
		attrEndTime:    t.EndTime,
	}
	if len(t.LockIDs) > 0 {
		rec[attrLockIDs] = append([]string(nil), t.LockIDs...)
	}
	if len(t.PrerequisiteTaskIDs) > 0 {
		rec[attrPrereqs] = append([]int64(nil), t.PrerequisiteTaskIDs...)
	}
	if t.MonitorID != "" {
		rec[attrMonitorID] = t.MonitorID
	}
	if t.UpdateData != nil {
		rec[attrUpdateData] = t.UpdateData
	}
	if t.CheckpointData != nil {
		rec[attrCheckpoint] = t.CheckpointData
	}
	if t.ErrorMessage != "" {
		rec[attrErrMsg] = t.ErrorMessage
	}
	if t.ErrorStackTrace != "" {
		rec[attrErrStack] = t.ErrorStackTrace
	}
	if t.ErrorID != "" {
		rec[attrErrID] = t.ErrorID
	}
	if t.MillisecondsRemaining != nil {
		rec[attrTicRemain] = *t.MillisecondsRemaining
	}
	if t.CanceledBy != "" {
		rec[attrCanceledBy] = t.CanceledBy
	}
	if t.CronSchedule != "" {
		rec[attrCron] = t.CronSchedule
	}
	if !t.State.Terminal() {
		rec[attrNTEntity] = t.EntityType
		rec[attrNTID] = EntityRangeKey(t.EntityID, t.TaskID)
	}
	return rec
}

// FromRecord parses a stored attribute record back into a Task.
// fromRecord(toRecord(t)) == t for every Task t (§8 round-trip property).
func FromRecord(rec kv.Record) (*task.Task, error) {
	t := &task.Task{}

	id, ok := rec[attrID]
	if !ok {
		return nil, fmt.Errorf("codec: record missing %q", attrID)
	}
	t.TaskID, ok = asInt64(id)
	if !ok {
		return nil, fmt.Errorf("codec: %q not an int64", attrID)
	}

	if v, ok := rec[attrEntityType].(string); ok {
		t.EntityType = v
	}
	if v, ok := rec[attrEntityID].(string); ok {
		t.EntityID = v
	}

	letter, _ := rec[attrState].(string)
	st, ok := stateByLetter[letter]
	if !ok {
		return nil, fmt.Errorf("codec: unknown state %q", letter)
	}
	t.State = st

	if v, ok := rec[attrMonitorID].(string); ok {
		t.MonitorID = v
	}
	if v, ok := rec[attrLockIDs].([]string); ok {
		t.LockIDs = append([]string(nil), v...)
	}
	if v, ok := rec[attrPrereqs].([]int64); ok {
		t.PrerequisiteTaskIDs = append([]int64(nil), v...)
	}
	if v, ok := rec[attrAnyPrereq].(bool); ok {
		t.AnyPrerequisite = v
	}
	if v, ok := rec[attrCheckpoint].([]byte); ok {
		t.CheckpointData = v
	}
	if v, ok := rec[attrUpdateData].([]byte); ok {
		t.UpdateData = v
	}
	if v, ok := asInt64(rec[attrStartTime]); ok {
		t.StartTime = v
	}
	if v, ok := asInt64(rec[attrEndTime]); ok {
		t.EndTime = v
	}
	if v, ok := asInt64(rec[attrRunCount]); ok {
		t.RunCount = v
	}
	if v, ok := asInt64(rec[attrRequeues]); ok {
		t.Requeues = v
	}
	if v, ok := asInt64(rec[attrTicRemain]); ok {
		t.MillisecondsRemaining = &v
	}
	if v, ok := rec[attrCanceledBy].(string); ok {
		t.CanceledBy = v
	}
	if v, ok := rec[attrErrMsg].(string); ok {
		t.ErrorMessage = v
	}
	if v, ok := rec[attrErrStack].(string); ok {
		t.ErrorStackTrace = v
	}
	if v, ok := rec[attrErrID].(string); ok {
		t.ErrorID = v
	}
	if v, ok := rec[attrCron].(string); ok {
		t.CronSchedule = v
	}

	return t, nil
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}

// NonTerminalUpdate returns the Set/Remove pair that keeps the `ntty`/`ntid`
// mirror attributes in lock-step with a task write: present while t is
// non-terminal, removed once it becomes terminal.
func NonTerminalUpdate(t *task.Task) (set map[string]any, remove []string) {
	if t.State.Terminal() {
		return nil, []string{attrNTEntity, attrNTID}
	}
	return map[string]any{
		attrNTEntity: t.EntityType,
		attrNTID:     EntityRangeKey(t.EntityID, t.TaskID),
	}, nil
}

// MaxSortKey is the largest value SortKey can produce, useful as an
// inclusive upper bound when range-scanning.
var MaxSortKey = SortKey(math.MaxInt64)
