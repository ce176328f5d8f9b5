package taskstate

import "errors"

// ErrLostLock is raised when a `mid=me` guard fails mid-run: fatal to the
// current monitor session (§5, §7). The caller must call
// Info.ForceHeartbeatFailure and unwind.
var ErrLostLock = errors.New("taskstate: lost lock")

// NoHandlerParkMillis is how long a task with no registered handler for its
// entityType is parked before being retried (§6).
const NoHandlerParkMillis = 60_000
