package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// DefaultInstallerTimeout bounds one installer job.
const DefaultInstallerTimeout = 600 * time.Second

// leaseGrace covers the final status writes after a job's deadline.
const leaseGrace = time.Minute

// JobRequest asks the installer to run one operation on one resource.
type JobRequest struct {
	HostID     string
	ResourceID string
	Operation  Operation

	// Guard is the resource lock taken at enqueue. When nil the installer
	// acquires it itself. Either way it is released when the job returns.
	Guard Guard
}

// SettleFunc observes a resource after its job has written the final status.
type SettleFunc func(ctx context.Context, res *Resource)

// Installer drives resources through install and uninstall.
type Installer struct {
	deps    *Deps
	emitter *Emitter
	timeout time.Duration
	logger  zerolog.Logger

	mu        sync.RWMutex
	observers []SettleFunc
}

// NewInstaller creates an installer. A non-positive timeout selects
// DefaultInstallerTimeout.
func NewInstaller(deps *Deps, emitter *Emitter, timeout time.Duration) *Installer {
	if timeout <= 0 {
		timeout = DefaultInstallerTimeout
	}
	return &Installer{
		deps:    deps,
		emitter: emitter,
		timeout: timeout,
		logger:  deps.logger("installer"),
	}
}

// Timeout returns the job timeout.
func (i *Installer) Timeout() time.Duration { return i.timeout }

// Lease is how long a job's resource lock is held. A lock taken at enqueue
// is extended by this much again when a worker starts the job.
func (i *Installer) Lease() time.Duration { return i.timeout + leaseGrace }

// OnSettled registers fn to run after every job that changed a status.
func (i *Installer) OnSettled(fn SettleFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.observers = append(i.observers, fn)
}

func (i *Installer) settled(ctx context.Context, res *Resource) {
	i.mu.RLock()
	observers := append([]SettleFunc(nil), i.observers...)
	i.mu.RUnlock()
	for _, fn := range observers {
		fn(ctx, res)
	}
}

// installRun is the mutable state of one job.
type installRun struct {
	res      *Resource
	host     *Host
	op       Operation
	progress *ProgressRun

	// working is set once the resource holds the operation's working status.
	working bool
	step    int
	label   string
}

// Run executes one job. Precondition failures return a validation fault and
// change nothing. Once the resource has entered its working status every
// exit path, panics included, ends in a final status and a final event.
func (i *Installer) Run(ctx context.Context, req JobRequest) (err error) {
	guard := req.Guard
	defer func() {
		if guard == nil {
			return
		}
		if relErr := guard.Release(context.WithoutCancel(ctx)); relErr != nil {
			i.logger.Warn().Err(relErr).Str("key", guard.Key()).Msg("failed to release lock")
		}
	}()

	if err := req.Operation.Validate(); err != nil {
		return err
	}

	res, err := i.deps.Store.GetResource(ctx, req.ResourceID)
	if err != nil {
		return fmt.Errorf("failed to load resource: %w", err)
	}
	if res.HostID != req.HostID {
		return NewValidationFault("resource does not belong to host", nil).
			WithResource(res.ID).WithHost(req.HostID)
	}
	if !req.Operation.Accepts(res.Status) {
		return NewValidationFault(
			fmt.Sprintf("cannot %s a resource that is %s", req.Operation, res.Status), nil).
			WithCode(ErrCodeIllegalState).WithResource(res.ID)
	}
	host, err := i.deps.Store.GetHost(ctx, res.HostID)
	if err != nil {
		return fmt.Errorf("failed to load host: %w", err)
	}

	if guard == nil {
		acquired, err := i.deps.Locker.Acquire(ctx, ResourceLockKey(res, LockLifecycle), i.Lease())
		if err != nil {
			i.deps.Metrics.RecordLockContention(string(LockLifecycle))
			return err
		}
		guard = acquired
	} else if err := guard.Extend(ctx, i.Lease()); err != nil {
		if IsLockContention(err) {
			i.deps.Metrics.RecordLockContention(string(LockLifecycle))
		}
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	ctx, span := i.deps.Tracer.StartJobSpan(ctx, res.ID, string(res.Kind), string(req.Operation))
	defer span.End()

	logger := i.logger.With().
		Str("host_id", host.ID).
		Str("resource_id", res.ID).
		Str("kind", string(res.Kind)).
		Str("operation", string(req.Operation)).
		Logger()

	run := &installRun{res: res, host: host, op: req.Operation}
	start := time.Now()
	i.deps.Metrics.RecordJobStarted(string(res.Kind), string(req.Operation))
	logger.Info().Msg("job started")

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
			fault := NewFatalJobFault(fmt.Sprintf("job panicked: %v", r), nil).
				WithResource(res.ID).WithOperation(string(req.Operation))
			err = fault
			if run.working {
				i.fail(ctx, run, fault)
			}
		}

		status := "success"
		if err != nil {
			status = "failed"
			i.deps.Metrics.RecordFault(string(ClassOf(err)))
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		i.deps.Metrics.RecordJobCompleted(string(res.Kind), string(req.Operation), status, time.Since(start))
		logger.Info().Str("status", status).Dur("duration", time.Since(start)).Err(err).Msg("job finished")

		if run.working || run.progress != nil {
			i.settled(context.WithoutCancel(ctx), run.res)
		}
	}()

	return i.execute(ctx, run, logger)
}

func (i *Installer) execute(ctx context.Context, run *installRun, logger zerolog.Logger) error {
	updated, err := i.deps.Store.TransitionResource(ctx, run.res.ID, Transition{
		From: run.op.AcceptedFrom(),
		To:   run.op.WorkingStatus(),
		At:   i.deps.now(),
	})
	if err != nil {
		return err
	}
	run.res = updated
	run.working = true
	logger.Debug().Str("status", string(updated.Status)).Msg("resource transitioned")

	// Host facts feeding the recipe are read under the package lock, so two
	// runtimes installing at once cannot both claim the defaults.
	if run.res.Kind.TouchesPackages() {
		run.label = "waiting_for_package_manager"
		pkgGuard, err := AcquireWait(ctx, i.deps.Locker, HostPackagesKey(run.host.ID), i.timeout, 0)
		if err != nil {
			fault := classifyRunnerError(err, Step{Milestone: "waiting_for_package_manager", Command: "package lock"})
			i.fail(ctx, run, fault)
			return fault
		}
		defer func() {
			if relErr := pkgGuard.Release(context.WithoutCancel(ctx)); relErr != nil {
				logger.Warn().Err(relErr).Msg("failed to release package lock")
			}
		}()
	}

	env, err := i.recipeEnv(ctx, run.res)
	if err != nil {
		fault := NewFatalJobFault("failed to read host facts", err).WithResource(run.res.ID)
		i.fail(ctx, run, fault)
		return fault
	}

	recipe, err := BuildRecipe(run.res, run.op, env)
	if err != nil {
		fault := NewFatalJobFault("failed to build command list", err).WithResource(run.res.ID)
		i.fail(ctx, run, fault)
		return fault
	}

	run.progress, err = i.emitter.Begin(run.res, run.op, len(recipe.Steps))
	if err != nil {
		fault := NewFatalJobFault("failed to start progress", err).WithResource(run.res.ID)
		i.fail(ctx, run, fault)
		return fault
	}
	run.label = "queued"
	if err := run.progress.Emit(ctx, "queued", 0, EventPending, fmt.Sprintf("%s %s", run.op, run.res.Kind)); err != nil {
		logger.Warn().Err(err).Msg("failed to emit milestone")
	}

	for n, step := range recipe.Steps {
		run.step = n + 1
		run.label = step.Milestone

		result, err := i.deps.runStep(ctx, run.host, step, i.timeout)
		if err != nil {
			fault := asFault(err).WithResource(run.res.ID).WithOperation(string(run.op))
			logger.Error().Err(fault).Str("milestone", step.Milestone).Msg("step failed")
			i.fail(ctx, run, fault)
			return fault
		}

		logger.Debug().Str("milestone", step.Milestone).Dur("duration", result.Duration).Msg("step completed")
		if err := run.progress.Emit(ctx, step.Milestone, run.step, EventPending, lastLine(result.Stdout)); err != nil {
			logger.Warn().Err(err).Msg("failed to emit milestone")
		}
	}

	done, err := i.deps.Store.TransitionResource(context.WithoutCancel(ctx), run.res.ID, Transition{
		From:        []ResourceStatus{run.op.WorkingStatus()},
		To:          run.op.DoneStatus(),
		ConfigPatch: recipe.Patch,
		At:          i.deps.now(),
	})
	if err != nil {
		fault := NewFatalJobFault("failed to record final status", err).WithResource(run.res.ID)
		i.fail(ctx, run, fault)
		return fault
	}
	run.res = done
	run.working = false

	if err := run.progress.Succeed(context.WithoutCancel(ctx), "completed", string(done.Status)); err != nil {
		logger.Warn().Err(err).Msg("failed to emit final milestone")
	}
	return nil
}

// fail moves a working resource to Failed and closes its progress run.
// It writes with a detached context so a timed-out job still settles.
func (i *Installer) fail(ctx context.Context, run *installRun, fault *Fault) {
	ctx = context.WithoutCancel(ctx)
	errorLog := fault.Error()

	failed, err := i.deps.Store.TransitionResource(ctx, run.res.ID, Transition{
		From:     []ResourceStatus{run.op.WorkingStatus()},
		To:       StatusFailed,
		ErrorLog: errorLog,
		At:       i.deps.now(),
	})
	if err != nil {
		i.logger.Error().Err(err).Str("resource_id", run.res.ID).Msg("failed to record failure")
	} else {
		run.res = failed
		run.working = false
	}

	if run.progress == nil {
		run.progress, err = i.emitter.Begin(run.res, run.op, 1)
		if err != nil {
			return
		}
	}
	if run.progress.Closed() {
		return
	}
	milestone := run.label
	if milestone == "" {
		milestone = "failed"
	}
	if err := run.progress.Fail(ctx, milestone, min(run.step, run.progress.Total()), errorLog); err != nil {
		i.logger.Error().Err(err).Str("resource_id", run.res.ID).Msg("failed to emit failure milestone")
	}
}

// recipeEnv gathers the host facts recipes depend on.
func (i *Installer) recipeEnv(ctx context.Context, res *Resource) (RecipeEnv, error) {
	var env RecipeEnv
	if res.Kind != KindRuntime {
		return env, nil
	}

	active, err := i.deps.Store.ListResources(ctx, ResourceFilter{
		HostID: res.HostID,
		Kind:   KindRuntime,
		Status: StatusActive,
	})
	if err != nil {
		return env, fmt.Errorf("failed to list runtimes: %w", err)
	}
	env.FirstRuntime = true
	for _, other := range active {
		if other.ID != res.ID {
			env.FirstRuntime = false
			break
		}
	}
	return env, nil
}

func lastLine(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	start := end
	for start > 0 && s[start-1] != '\n' {
		start--
	}
	line := s[start:end]
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}
