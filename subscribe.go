package scheduler

import (
	"fmt"
	"sort"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/nomadic-run/scheduler/task"
)

// TerminalHandler observes a task's final persisted state (SUCCESS, FAILED,
// or CANCELED). A returned error is logged, never propagated back into the
// run that produced it (§4.8): a broken subscriber must not be able to wedge
// task dispatch.
type TerminalHandler func(t *task.Task) error

// AddOnTerminalState registers fn to be invoked, synchronously and in
// registration order, every time any task reaches a terminal state. It
// returns a subscription ID for RemoveOnTerminalState.
func (s *Scheduler) AddOnTerminalState(fn TerminalHandler) int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	return id
}

// RemoveOnTerminalState unregisters a subscription. It is a no-op if id is
// unknown (already removed).
func (s *Scheduler) RemoveOnTerminalState(id int) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, id)
}

func (s *Scheduler) fanOutTerminal(t *task.Task) {
	s.subsMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]TerminalHandler, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.Unlock()

	var errs *multierror.Error
	for _, fn := range fns {
		if err := s.invokeSubscriber(fn, t); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs.ErrorOrNil() != nil {
		s.log.Warn("terminal-state subscriber error", "task_id", t.TaskID, "error", errs)
	}
}

func (s *Scheduler) invokeSubscriber(fn TerminalHandler, t *task.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("terminal subscriber panicked: %v", r)
		}
	}()
	return fn(t.Clone())
}
