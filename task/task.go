// Package task defines the durable job record the scheduler core operates
// on: its lifecycle states, the sentinel monitor-ID values that stand in
// for "dispatchable" and "blocked", and a builder used by callers to
// construct new tasks.
package task

import "fmt"

// State is the lifecycle state of a Task. Terminal states (Success,
// Failed, Canceled) are sticky: no further transition is ever observed
// from them.
type State byte

const (
	Queued                State = 'Q'
	Running                State = 'R'
	WaitingForInterval     State = 'T'
	WaitingForPrerequisite State = 'N'
	WaitingForLock         State = 'L'
	Failed                 State = 'F'
	Success                State = 'S'
	Canceled               State = 'C'
)

// String renders the state's name (e.g. "QUEUED"); the single-letter wire
// encoding is the State value itself.
func (s State) String() string {
	switch s {
	case Queued:
		return "QUEUED"
	case Running:
		return "RUNNING"
	case WaitingForInterval:
		return "WAITING_FOR_INTERVAL"
	case WaitingForPrerequisite:
		return "WAITING_FOR_PREREQUISITE"
	case WaitingForLock:
		return "WAITING_FOR_LOCK"
	case Failed:
		return "FAILED"
	case Success:
		return "SUCCESS"
	case Canceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("State(%q)", byte(s))
	}
}

// Terminal reports whether s is one of the sticky end states.
func (s State) Terminal() bool {
	switch s {
	case Failed, Success, Canceled:
		return true
	default:
		return false
	}
}

// Waiting reports whether s is one of the two blocked-on-coordinator states.
func (s State) Waiting() bool {
	return s == WaitingForPrerequisite || s == WaitingForLock
}

// Sentinel monitorId values, in lieu of a real monitor ID. See §3/§6.
const (
	QueuedSentinel  = "#"
	WaitingSentinel = "$"
	// TaskIDNone is the lock-table range-key value used for a held-lock row
	// (as opposed to a waiter-entry row, keyed by the waiting task's sort key).
	TaskIDNone = "#"
)

// Task is a durable job. Field names and semantics match §3 of the
// specification; the `attr` tags are the short names used by the codec
// package when mapping to/from stored attribute records (§6).
type Task struct {
	TaskID     int64  `attr:"id"`
	EntityType string `attr:"ety"`
	EntityID   string `attr:"eid"`
	State      State  `attr:"stat"`

	// MonitorID is exactly one of: a live monitor ID, QueuedSentinel,
	// WaitingSentinel, or "" (absent) when terminal.
	MonitorID string `attr:"mid"`

	LockIDs             []string `attr:"lids"`
	PrerequisiteTaskIDs []int64  `attr:"preq"`
	AnyPrerequisite     bool     `attr:"any"`

	CheckpointData []byte `attr:"ckpt"`
	UpdateData     []byte `attr:"upd"`

	StartTime int64 `attr:"ts"`
	EndTime   int64 `attr:"tf"`

	RunCount int64 `attr:"cnt"`
	Requeues int64 `attr:"agn"`

	// MillisecondsRemaining, when non-nil, marks the task as a sleep timer.
	MillisecondsRemaining *int64 `attr:"tic"`

	CanceledBy      string `attr:"cancel"`
	ErrorMessage    string `attr:"err"`
	ErrorStackTrace string `attr:"errT"`
	ErrorID         string `attr:"errId"`

	// CronSchedule is an additive field (SPEC_FULL §3 ADD): when set and the
	// task reaches Success, the finalizer schedules the next occurrence.
	CronSchedule string `attr:"cron"`
}

// Clone returns a deep copy so callers may freely mutate the result without
// aliasing slices/pointers with the original.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.LockIDs != nil {
		c.LockIDs = append([]string(nil), t.LockIDs...)
	}
	if t.PrerequisiteTaskIDs != nil {
		c.PrerequisiteTaskIDs = append([]int64(nil), t.PrerequisiteTaskIDs...)
	}
	if t.CheckpointData != nil {
		c.CheckpointData = append([]byte(nil), t.CheckpointData...)
	}
	if t.UpdateData != nil {
		c.UpdateData = append([]byte(nil), t.UpdateData...)
	}
	if t.MillisecondsRemaining != nil {
		v := *t.MillisecondsRemaining
		c.MillisecondsRemaining = &v
	}
	return &c
}

// Builder constructs a new Task. Obtain one via scheduler.Scheduler.CreateTask;
// Build assigns a task ID from the sequence generator.
type Builder struct {
	t *Task
}

// NewBuilder starts a Task builder with its run-time fields zeroed.
func NewBuilder() *Builder {
	return &Builder{t: &Task{}}
}

func (b *Builder) EntityType(v string) *Builder { b.t.EntityType = v; return b }
func (b *Builder) EntityID(v string) *Builder   { b.t.EntityID = v; return b }

func (b *Builder) LockIDs(v ...string) *Builder {
	b.t.LockIDs = append([]string(nil), v...)
	return b
}

func (b *Builder) PrerequisiteTaskIDs(v ...int64) *Builder {
	b.t.PrerequisiteTaskIDs = append([]int64(nil), v...)
	return b
}

func (b *Builder) AnyPrerequisite(v bool) *Builder { b.t.AnyPrerequisite = v; return b }

func (b *Builder) UpdateData(v []byte) *Builder { b.t.UpdateData = v; return b }

func (b *Builder) After(d int64) *Builder {
	v := d
	b.t.MillisecondsRemaining = &v
	return b
}

func (b *Builder) CronSchedule(v string) *Builder { b.t.CronSchedule = v; return b }

// Build assigns the task its ID and returns the constructed Task. next is
// normally scheduler.Scheduler's sequence generator.
func (b *Builder) Build(next func() (int64, error)) (*Task, error) {
	id, err := next()
	if err != nil {
		return nil, fmt.Errorf("task: assigning task id: %w", err)
	}
	b.t.TaskID = id
	b.t.State = Queued
	b.t.MonitorID = QueuedSentinel
	return b.t, nil
}
