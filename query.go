package scheduler

import (
	"context"
	"fmt"

	"github.com/nomadic-run/scheduler/codec"
	"github.com/nomadic-run/scheduler/kv"
	"github.com/nomadic-run/scheduler/task"
)

func decodeAll(rows []kv.Record) ([]*task.Task, error) {
	out := make([]*task.Task, 0, len(rows))
	for _, rec := range rows {
		t, err := codec.FromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("scheduler: decoding query result: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// TasksByEntityType pages through every task (terminal or not) of the given
// entityType, ordered by entityId then task ID (§4.2's by-entity-type query).
func (s *Scheduler) TasksByEntityType(ctx context.Context, entityType string, page kv.Page, limit int) ([]*task.Task, kv.Page, error) {
	rows, next, err := s.store.QueryByIndex(ctx, codec.TasksTable, codec.TasksByEntity, entityType, page, limit)
	if err != nil {
		return nil, "", fmt.Errorf("scheduler: tasks by entity type %q: %w", entityType, err)
	}
	tasks, err := decodeAll(rows)
	return tasks, next, err
}

// TasksByEntity pages through every task (terminal or not) for one specific
// entityType/entityId pair, ordered by task ID.
func (s *Scheduler) TasksByEntity(ctx context.Context, entityType, entityID string, page kv.Page, limit int) ([]*task.Task, kv.Page, error) {
	filter := kv.And(
		kv.Eq(codec.AttrEntityType, entityType),
		kv.BeginsWith(codec.AttrEntityRange, entityID+"@"),
	)
	rows, next, err := s.store.ScanByIndex(ctx, codec.TasksTable, codec.TasksByEntity, filter, page, limit)
	if err != nil {
		return nil, "", fmt.Errorf("scheduler: tasks by entity %q/%q: %w", entityType, entityID, err)
	}
	tasks, err := decodeAll(rows)
	return tasks, next, err
}

// NonTerminalTasksByEntityType pages through every non-terminal task of the
// given entityType.
func (s *Scheduler) NonTerminalTasksByEntityType(ctx context.Context, entityType string, page kv.Page, limit int) ([]*task.Task, kv.Page, error) {
	rows, next, err := s.store.QueryByIndex(ctx, codec.TasksTable, codec.TasksByNonTerminalEntity, entityType, page, limit)
	if err != nil {
		return nil, "", fmt.Errorf("scheduler: non-terminal tasks by entity type %q: %w", entityType, err)
	}
	tasks, err := decodeAll(rows)
	return tasks, next, err
}

// NonTerminalTasksByEntity pages through every non-terminal task for one
// specific entityType/entityId pair.
func (s *Scheduler) NonTerminalTasksByEntity(ctx context.Context, entityType, entityID string, page kv.Page, limit int) ([]*task.Task, kv.Page, error) {
	filter := kv.And(
		kv.Eq(codec.AttrNTEntity, entityType),
		kv.BeginsWith(codec.AttrNTID, entityID+"@"),
	)
	rows, next, err := s.store.ScanByIndex(ctx, codec.TasksTable, codec.TasksByNonTerminalEntity, filter, page, limit)
	if err != nil {
		return nil, "", fmt.Errorf("scheduler: non-terminal tasks by entity %q/%q: %w", entityType, entityID, err)
	}
	tasks, err := decodeAll(rows)
	return tasks, next, err
}

// AllNonTerminalTasks pages through every non-terminal task regardless of
// entity, for operational dashboards/diagnostics.
func (s *Scheduler) AllNonTerminalTasks(ctx context.Context, page kv.Page, limit int) ([]*task.Task, kv.Page, error) {
	rows, next, err := s.store.ScanByIndex(ctx, codec.TasksTable, codec.TasksByNonTerminalEntity, nil, page, limit)
	if err != nil {
		return nil, "", fmt.Errorf("scheduler: all non-terminal tasks: %w", err)
	}
	tasks, err := decodeAll(rows)
	return tasks, next, err
}

// AllTasks pages through every task row, terminal or not.
func (s *Scheduler) AllTasks(ctx context.Context, page kv.Page, limit int) ([]*task.Task, kv.Page, error) {
	rows, next, err := s.store.ScanByIndex(ctx, codec.TasksTable, "primary", nil, page, limit)
	if err != nil {
		return nil, "", fmt.Errorf("scheduler: all tasks: %w", err)
	}
	tasks, err := decodeAll(rows)
	return tasks, next, err
}
