// Package localmonitor is an in-memory monitor.Monitor implementation (§6
// ADD), used by the scheduler's own test suite and cmd/scheduler-demo. It
// has no network component: "heartbeat failure" is simulated entirely by
// Info.ForceHeartbeatFailure and an optional test hook.
package localmonitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-uuid"

	"github.com/nomadic-run/scheduler/monitor"
)

// Monitor is an in-memory monitor.Monitor. The zero value is ready to use.
type Monitor struct {
	nodeName string

	mu     sync.Mutex
	active map[string]struct{}
}

// New constructs a Monitor whose sessions report nodeName.
func New(nodeName string) *Monitor {
	return &Monitor{nodeName: nodeName, active: make(map[string]struct{})}
}

type info struct {
	id       string
	nodeName string

	mu     sync.Mutex
	failed bool
}

func (i *info) MonitorID() string { return i.id }
func (i *info) NodeName() string  { return i.nodeName }

func (i *info) HasFailedHeartbeat() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.failed
}

func (i *info) ForceHeartbeatFailure() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failed = true
}

// Run implements monitor.Monitor. An fn error coincident with ctx being
// done is an orderly shutdown, not a session failure, so it is reported as
// monitor.ErrShuttingDown rather than fn's own error value. Run returns only
// when fn returns: canceling ctx or calling Info.ForceHeartbeatFailure does
// not end the session by itself.
func (m *Monitor) Run(ctx context.Context, fn func(context.Context, monitor.Info) error) error {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return fmt.Errorf("localmonitor: generating monitor id: %w", err)
	}

	i := &info{id: id, nodeName: m.nodeName}

	m.mu.Lock()
	if m.active == nil {
		m.active = make(map[string]struct{})
	}
	m.active[id] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
	}()

	err = fn(ctx, i)
	if err != nil && ctx.Err() != nil {
		return monitor.ErrShuttingDown
	}
	return err
}

// IsActive implements monitor.Monitor.
func (m *Monitor) IsActive(_ context.Context, monitorID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[monitorID]
	return ok, nil
}

// Kill simulates the external liveness registry declaring monitorID dead:
// it is immediately removed from the active set (so IsActive reports
// false), modeling the window the real system's sweeper exploits. It does
// not itself call ReleaseForMonitor; tests/demo code drives that the same
// way a real deployment's external recovery hook would.
func (m *Monitor) Kill(monitorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, monitorID)
}

var _ monitor.Monitor = (*Monitor)(nil)
