package taskstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/nomadic-run/scheduler/codec"
	"github.com/nomadic-run/scheduler/kv"
	"github.com/nomadic-run/scheduler/monitor"
	"github.com/nomadic-run/scheduler/task"
)

// Handler is the user-supplied body for one entityType, invoked once per
// successful claim (§4.5, §6). A nil return commits the run as SUCCESS
// (subject to the auto-requeue rules below); a non-nil return commits FAILED.
type Handler func(ctx context.Context, tc *TaskContext) error

// HandlerLookup resolves a Handler for a task's entityType. A task whose
// entityType has no registered handler is parked for NoHandlerParkMillis and
// retried (§6), never treated as an error.
type HandlerLookup func(entityType string) (Handler, bool)

// TaskContext is the handle a Handler uses to read the task it was invoked
// for, durably commit checkpoint progress mid-run, and request a requeue
// instead of a terminal outcome by mutating the fields finalize inspects
// (§4.5's auto-requeue rules: a changed lockIds or prerequisiteTaskIds, any
// millisecondsRemaining, or an updateData that differs from the one this run
// was invoked with; a change to anyPrerequisite alone does not requeue).
type TaskContext struct {
	claimed   *task.Task
	info      monitor.Info
	store     kv.Store
	monitorID string

	mu   sync.Mutex
	next *task.Task
}

func newTaskContext(claimed *task.Task, info monitor.Info, store kv.Store) *TaskContext {
	return &TaskContext{
		claimed:   claimed,
		info:      info,
		store:     store,
		monitorID: info.MonitorID(),
		next:      claimed.Clone(),
	}
}

// Task returns a snapshot of the task as it was at claim time.
func (tc *TaskContext) Task() *task.Task { return tc.claimed.Clone() }

// Monitor returns the heartbeat session this run is executing under.
func (tc *TaskContext) Monitor() monitor.Info { return tc.info }

// SetLockIDs requests that the next run (if this run is requeued rather than
// finalized as SUCCESS) acquire a different lock set.
func (tc *TaskContext) SetLockIDs(ids ...string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.next.LockIDs = append([]string(nil), ids...)
}

// SetPrerequisiteTaskIDs requests a different prerequisite set for the next run.
func (tc *TaskContext) SetPrerequisiteTaskIDs(anyPrerequisite bool, ids ...int64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.next.PrerequisiteTaskIDs = append([]int64(nil), ids...)
	tc.next.AnyPrerequisite = anyPrerequisite
}

// SetAfter requests the next run happen no sooner than delayMillis from now,
// as a WAITING_FOR_INTERVAL sleep.
func (tc *TaskContext) SetAfter(delayMillis int64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	v := delayMillis
	tc.next.MillisecondsRemaining = &v
}

// SetUpdateData requests the next run be invoked with data available via
// Task().UpdateData, forcing a requeue even if no other field changed when
// data is non-nil and differs from the updateData this run was invoked with.
func (tc *TaskContext) SetUpdateData(data []byte) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.next.UpdateData = append([]byte(nil), data...)
}

// CommitCheckpoint durably persists data as the task's checkpoint before the
// run completes, guarded on this run still owning the task. A failed guard
// means the run's monitor session has lost the task (§5, §7) and returns
// ErrLostLock; the handler should stop promptly.
func (tc *TaskContext) CommitCheckpoint(ctx context.Context, data []byte) error {
	_, err := tc.store.ConditionalUpdate(ctx, codec.TasksTable, codec.TaskKey(tc.claimed.TaskID), kv.Update{
		Set: map[string]any{"ckpt": data},
	}, kv.Eq("mid", tc.monitorID))
	if err != nil {
		if kv.IsPrecondition(err) {
			return ErrLostLock
		}
		return fmt.Errorf("taskstate: commit checkpoint for task %d: %w", tc.claimed.TaskID, err)
	}

	tc.mu.Lock()
	tc.next.CheckpointData = append([]byte(nil), data...)
	tc.mu.Unlock()
	return nil
}

// DecodeUpdateData parses the task's current updateData as JSON into a
// generic map and decodes it into target via mapstructure, so a handler can
// declare a concrete Go struct for its payload instead of unmarshaling JSON
// directly. WeaklyTypedInput is enabled, matching how loosely-typed external
// input (here, caller-supplied JSON) is normally coerced into typed config.
// Returns an error if updateData is absent.
func (tc *TaskContext) DecodeUpdateData(target any) error {
	return decodeJSONPayload(tc.claimed.UpdateData, target)
}

// DecodeCheckpointData is DecodeUpdateData for the task's checkpointData.
func (tc *TaskContext) DecodeCheckpointData(target any) error {
	return decodeJSONPayload(tc.claimed.CheckpointData, target)
}

func decodeJSONPayload(raw []byte, target any) error {
	if raw == nil {
		return fmt.Errorf("taskstate: no payload to decode")
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("taskstate: unmarshal payload: %w", err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return fmt.Errorf("taskstate: building decoder: %w", err)
	}
	if err := dec.Decode(generic); err != nil {
		return fmt.Errorf("taskstate: decode payload: %w", err)
	}
	return nil
}

func (tc *TaskContext) snapshot() *task.Task {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.next.Clone()
}
