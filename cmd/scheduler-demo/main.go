// Command scheduler-demo is a small, self-contained runnable wiring the
// in-memory store (kv/memstore) and the in-memory monitor
// (monitor/localmonitor) together, to exercise the full task lifecycle end
// to end without any external dependency: a plain job, a pair of tasks
// joined by a prerequisite, two tasks contending for the same named lock,
// and a recurring job scheduled by a cron expression.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nomadic-run/scheduler"
	"github.com/nomadic-run/scheduler/kv/memstore"
	"github.com/nomadic-run/scheduler/monitor/localmonitor"
	"github.com/nomadic-run/scheduler/task"
	"github.com/nomadic-run/scheduler/taskstate"
)

func main() {
	var nodeName string
	var runFor time.Duration
	flag.StringVar(&nodeName, "node-name", "demo-node", "name reported by this process's monitor session")
	flag.DurationVar(&runFor, "run-for", 20*time.Second, "how long to dispatch before shutting down")
	flag.Parse()

	log := hclog.New(&hclog.LoggerOptions{Name: "scheduler-demo", Level: hclog.Info})

	store := memstore.New(scheduler.DefaultTableSpecs()...)
	mon := localmonitor.New(nodeName)
	sched := scheduler.New(store, mon, scheduler.WithLogger(log))

	var terminalCount atomic.Int64
	sched.AddOnTerminalState(func(t *task.Task) error {
		log.Info("task finished", "task_id", t.TaskID, "entity_type", t.EntityType, "state", t.State.String())
		terminalCount.Add(1)
		return nil
	})

	registerHandlers(sched, log)
	seedTasks(context.Background(), sched, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, runFor)
	defer cancelTimeout()

	log.Info("dispatching", "run_for", runFor)
	if err := sched.MonitorTaskQueue(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("monitor session ended with error", "error", err)
		os.Exit(1)
	}
	log.Info("done", "terminal_tasks", terminalCount.Load())
}

// registerHandlers binds the demo's two entity types.
func registerHandlers(sched *scheduler.Scheduler, log hclog.Logger) {
	sched.RegisterHandler("demo.greeting", func(ctx context.Context, tc *taskstate.TaskContext) error {
		t := tc.Task()
		log.Info("greeting job running", "task_id", t.TaskID, "entity_id", t.EntityID)
		return tc.CommitCheckpoint(ctx, []byte("greeted"))
	})

	sched.RegisterHandler("demo.heartbeat", func(ctx context.Context, tc *taskstate.TaskContext) error {
		t := tc.Task()
		log.Info("heartbeat job running", "task_id", t.TaskID, "run_count", t.RunCount)
		return nil
	})
}

// seedTasks creates one of each demo shape: a plain job, a prerequisite
// pair, a pair contending for a shared lock, and a recurring job.
func seedTasks(ctx context.Context, sched *scheduler.Scheduler, log hclog.Logger) {
	plain, err := sched.AddTask(ctx, sched.CreateTask().EntityType("demo.greeting").EntityID("hello-world"))
	must(err, "add plain task")
	log.Info("seeded plain task", "task_id", plain.TaskID)

	upstream, err := sched.AddTask(ctx, sched.CreateTask().EntityType("demo.greeting").EntityID("upstream"))
	must(err, "add upstream task")
	downstream, err := sched.AddTask(ctx, sched.CreateTask().
		EntityType("demo.greeting").
		EntityID("downstream").
		PrerequisiteTaskIDs(upstream.TaskID))
	must(err, "add downstream task")
	log.Info("seeded prerequisite pair", "upstream", upstream.TaskID, "downstream", downstream.TaskID)

	first, err := sched.AddTask(ctx, sched.CreateTask().EntityType("demo.greeting").EntityID("lock-a").LockIDs("demo-shared-lock"))
	must(err, "add lock task a")
	second, err := sched.AddTask(ctx, sched.CreateTask().EntityType("demo.greeting").EntityID("lock-b").LockIDs("demo-shared-lock"))
	must(err, "add lock task b")
	log.Info("seeded contending pair", "first", first.TaskID, "second", second.TaskID)

	recurring, err := sched.AddTask(ctx, sched.CreateTask().
		EntityType("demo.heartbeat").
		EntityID("every-few-seconds").
		CronSchedule("*/5 * * * * * *"))
	must(err, "add recurring task")
	log.Info("seeded recurring task", "task_id", recurring.TaskID)
}

func must(err error, what string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "scheduler-demo: %s: %v\n", what, err)
		os.Exit(1)
	}
}
