package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// Exit codes recorded for runs that never produced one.
const (
	ExitCodeConnectionLost = -1
	ExitCodeTimeout        = 124
)

var frequencySpecs = map[string]string{
	"minutely": "* * * * *",
	"hourly":   "0 * * * *",
	"daily":    "0 0 * * *",
	"weekly":   "0 0 * * 0",
	"monthly":  "0 0 1 * *",
}

// ParseSchedule validates a 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	if len(strings.Fields(expr)) != 5 {
		return nil, invalid("cron expression %q must have 5 fields", expr)
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, NewValidationFault(fmt.Sprintf("invalid cron expression %q", expr), err)
	}
	return schedule, nil
}

// TaskRunner fires active recurring tasks on their schedule and records every
// run. A failing run never changes the task's status.
type TaskRunner struct {
	deps   *Deps
	pool   *WorkerPool
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewTaskRunner creates a runner. Schedules are evaluated in UTC.
func NewTaskRunner(deps *Deps, pool *WorkerPool) *TaskRunner {
	return &TaskRunner{
		deps:    deps,
		pool:    pool,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		logger:  deps.logger("tasks"),
		entries: make(map[string]cron.EntryID),
	}
}

// Start schedules every active task and starts the clock.
func (t *TaskRunner) Start(ctx context.Context) error {
	tasks, err := t.deps.Store.ListResources(ctx, ResourceFilter{Kind: KindRecurringTask, Status: StatusActive})
	if err != nil {
		return fmt.Errorf("failed to list recurring tasks: %w", err)
	}
	for _, task := range tasks {
		if err := t.Schedule(task); err != nil {
			t.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to schedule task")
		}
	}
	t.cron.Start()
	t.logger.Info().Int("tasks", len(tasks)).Msg("task runner started")
	return nil
}

// Stop halts the clock and waits for in-progress firings to hand off.
func (t *TaskRunner) Stop() {
	<-t.cron.Stop().Done()
}

// Schedule registers res with the clock, replacing an existing entry.
func (t *TaskRunner) Schedule(res *Resource) error {
	var cfg RecurringTaskConfig
	if err := res.DecodeConfig(&cfg); err != nil {
		return err
	}
	cfg.applyDefaults()
	spec, err := cfg.Spec()
	if err != nil {
		return err
	}
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return err
	}

	taskID := res.ID
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.entries[taskID]; ok {
		t.cron.Remove(id)
	}
	t.entries[taskID] = t.cron.Schedule(schedule, cron.FuncJob(func() { t.fire(taskID) }))
	t.logger.Debug().Str("task_id", taskID).Str("schedule", spec).Msg("task scheduled")
	return nil
}

// Unschedule removes the task from the clock.
func (t *TaskRunner) Unschedule(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.entries[taskID]; ok {
		t.cron.Remove(id)
		delete(t.entries, taskID)
		t.logger.Debug().Str("task_id", taskID).Msg("task unscheduled")
	}
}

// Scheduled reports whether the task is on the clock.
func (t *TaskRunner) Scheduled(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[taskID]
	return ok
}

// NextRun returns the next firing time of a scheduled task.
func (t *TaskRunner) NextRun(taskID string) (time.Time, bool) {
	t.mu.Lock()
	id, ok := t.entries[taskID]
	t.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return t.cron.Entry(id).Next, true
}

// Sync keeps the clock in step with a task's status. It is registered as an
// installer settle hook and called on pause and resume.
func (t *TaskRunner) Sync(_ context.Context, res *Resource) {
	if res.Kind != KindRecurringTask {
		return
	}
	if res.Status == StatusActive {
		if err := t.Schedule(res); err != nil {
			t.logger.Error().Err(err).Str("task_id", res.ID).Msg("failed to schedule task")
		}
		return
	}
	t.Unschedule(res.ID)
}

func (t *TaskRunner) runLease(cfg *RecurringTaskConfig) time.Duration {
	return time.Duration(cfg.TimeoutSeconds)*time.Second + time.Minute
}

// fire is called by the clock. An overlapping run of the same task is skipped.
func (t *TaskRunner) fire(taskID string) {
	ctx := context.Background()
	res, cfg, err := t.loadTask(ctx, taskID, StatusActive)
	if err != nil {
		t.logger.Warn().Err(err).Str("task_id", taskID).Msg("skipping task firing")
		return
	}

	guard, err := t.deps.Locker.Acquire(ctx, ResourceLockKey(res, LockRun), t.runLease(cfg))
	if err != nil {
		t.deps.Metrics.RecordLockContention(string(LockRun))
		t.logger.Warn().Err(err).Str("task_id", taskID).Msg("previous run still in progress")
		return
	}

	job := Job{
		Name:   "task:" + taskID,
		HostID: res.HostID,
		Run: func(ctx context.Context) error {
			defer guard.Release(context.WithoutCancel(ctx))
			_, err := t.execute(ctx, res, cfg)
			return err
		},
	}
	if t.pool == nil {
		_ = job.Run(ctx)
		return
	}
	if err := t.pool.Submit(job); err != nil {
		_ = guard.Release(ctx)
		t.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to queue task run")
	}
}

// RunNow executes the task immediately and returns the finished run. An
// overlapping run of the same task fails with lock contention.
func (t *TaskRunner) RunNow(ctx context.Context, taskID string) (*TaskRun, error) {
	res, cfg, err := t.loadTask(ctx, taskID, StatusActive, StatusPaused)
	if err != nil {
		return nil, err
	}

	guard, err := t.deps.Locker.Acquire(ctx, ResourceLockKey(res, LockRun), t.runLease(cfg))
	if err != nil {
		t.deps.Metrics.RecordLockContention(string(LockRun))
		return nil, err
	}
	defer guard.Release(context.WithoutCancel(ctx))

	return t.execute(ctx, res, cfg)
}

func (t *TaskRunner) loadTask(ctx context.Context, taskID string, allowed ...ResourceStatus) (*Resource, *RecurringTaskConfig, error) {
	res, err := t.deps.Store.GetResource(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if res.Kind != KindRecurringTask {
		return nil, nil, NewValidationFault(fmt.Sprintf("resource %s is a %s, not a recurring task", res.ID, res.Kind), nil)
	}
	ok := false
	for _, s := range allowed {
		if res.Status == s {
			ok = true
		}
	}
	if !ok {
		return nil, nil, NewValidationFault(fmt.Sprintf("task is %s", res.Status), nil).
			WithCode(ErrCodeIllegalState).WithResource(res.ID)
	}

	var cfg RecurringTaskConfig
	if err := res.DecodeConfig(&cfg); err != nil {
		return nil, nil, err
	}
	cfg.applyDefaults()
	return res, &cfg, nil
}

// execute performs one run and records it in the ledger.
func (t *TaskRunner) execute(ctx context.Context, res *Resource, cfg *RecurringTaskConfig) (*TaskRun, error) {
	host, err := t.deps.Store.GetHost(ctx, res.HostID)
	if err != nil {
		return nil, fmt.Errorf("failed to load host: %w", err)
	}

	run := &TaskRun{
		ID:        uuid.New().String(),
		TaskID:    res.ID,
		HostID:    res.HostID,
		StartedAt: t.deps.now(),
	}
	if err := t.deps.Store.CreateTaskRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record task run: %w", err)
	}

	logger := t.logger.With().Str("task_id", res.ID).Str("run_id", run.ID).Logger()
	logger.Debug().Msg("task run started")

	command := fmt.Sprintf("runuser -u %s -- %s", cfg.User, TaskScriptPath(res.ID))
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	result, execErr := t.deps.Runner.Execute(runCtx, host, command, timeout)
	cancel()

	exitCode, output, errorOutput := 0, "", ""
	switch {
	case execErr != nil:
		errorOutput = execErr.Error()
		exitCode = ExitCodeConnectionLost
		if fault := asFault(execErr); fault.Code == ErrCodeTimeout || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			exitCode = ExitCodeTimeout
		}
	default:
		exitCode = result.ExitCode
		output = result.Stdout
		errorOutput = result.Stderr
	}

	run.Complete(t.deps.now(), exitCode, output, errorOutput)
	if err := t.deps.Store.CompleteTaskRun(context.WithoutCancel(ctx), run); err != nil {
		return run, fmt.Errorf("failed to complete task run: %w", err)
	}

	outcome := "success"
	if !run.Successful() {
		outcome = "failed"
	}
	t.deps.Metrics.RecordTaskRun(outcome, time.Duration(run.DurationMs)*time.Millisecond)
	t.deps.publish(res.HostID, telemetry.EventTypeTaskRun, run)

	logger.Info().Int("exit_code", exitCode).Int64("duration_ms", run.DurationMs).Msg("task run finished")
	return run, nil
}
