// Package monitor declares the heartbeat capability the scheduler core
// depends on (§6) without implementing it: a real deployment's liveness
// registry lives outside this module. monitor/localmonitor ships an
// in-memory implementation used by tests and the bundled demo.
package monitor

import (
	"context"
	"errors"
)

// ErrShuttingDown is raised by a Monitor when no further work may be
// dispatched (§6, §7).
var ErrShuttingDown = errors.New("monitor: shutting down")

// Info is the heartbeat context handed to a running monitor session (§6).
type Info interface {
	// MonitorID identifies this session; it is written into every task and
	// lock row this session claims or holds.
	MonitorID() string
	// NodeName is a human-readable identifier for the process/host running
	// this session, used only for logging.
	NodeName() string
	// HasFailedHeartbeat reports whether this session's heartbeat has
	// already lapsed; once true, the session must stop making further
	// progress and unwind.
	HasFailedHeartbeat() bool
	// ForceHeartbeatFailure marks this session's heartbeat as failed,
	// fatal to the current session (§5, §7 "lost-lock"): peer recovery
	// (§4.7) is responsible for reclaiming every lock/task this session
	// held.
	ForceHeartbeatFailure()
}

// Monitor is the capability interface the scheduler core depends on (§6).
type Monitor interface {
	// Run starts a heartbeat session and invokes fn with it. Run returns
	// when fn returns, when the session's heartbeat fails, or when ctx is
	// canceled, whichever comes first.
	Run(ctx context.Context, fn func(context.Context, Info) error) error

	// IsActive reports whether monitorID currently has a live heartbeat,
	// used by the sweeper (§4.7) to classify an abandoned lock without
	// itself owning that monitor's session.
	IsActive(ctx context.Context, monitorID string) (bool, error)
}
