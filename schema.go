package scheduler

import (
	"github.com/nomadic-run/scheduler/codec"
	"github.com/nomadic-run/scheduler/kv/memstore"
)

// DefaultTableSpecs returns the memstore layout matching §6's persisted
// schema: the two tables (`monitor-tasks`, `monitor-locks`) with exactly
// the secondary indices the codec and lock packages query by name. Passing
// this (or an equivalent layout over a real store) to New reproduces the
// index set the core depends on.
func DefaultTableSpecs() []memstore.TableSpec {
	return []memstore.TableSpec{
		{
			Name: codec.TasksTable,
			Indexes: []memstore.IndexSpec{
				{Name: codec.TasksByMonitor, HashAttr: codec.AttrMonitorID},
				{Name: codec.TasksByEntity, HashAttr: codec.AttrEntityType, RangeAttr: codec.AttrEntityRange},
				{Name: codec.TasksByNonTerminalEntity, HashAttr: codec.AttrNTEntity, RangeAttr: codec.AttrNTID},
			},
		},
		{
			Name: codec.LocksTable,
			Indexes: []memstore.IndexSpec{
				{Name: codec.LocksByMonitor, HashAttr: codec.AttrMonitorID},
			},
		},
	}
}
