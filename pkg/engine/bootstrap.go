package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// BootstrapStep is one of the fixed steps a new host goes through.
type BootstrapStep struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
	Title  string `json:"title"`

	// Packages marks steps that run the package manager.
	Packages bool `json:"-"`
}

// BootstrapSteps is the ordered bootstrap sequence.
var BootstrapSteps = []BootstrapStep{
	{Number: 1, Name: "waiting_for_connection", Title: "Waiting for connection"},
	{Number: 2, Name: "preparing_system", Title: "Preparing system", Packages: true},
	{Number: 3, Name: "creating_user", Title: "Creating pilot user"},
	{Number: 4, Name: "configuring_firewall", Title: "Configuring firewall"},
	{Number: 5, Name: "installing_webserver", Title: "Installing web server", Packages: true},
	{Number: 6, Name: "installing_toolchain", Title: "Installing toolchain", Packages: true},
	{Number: 7, Name: "installing_monitoring_agent", Title: "Installing monitoring agent"},
	{Number: 8, Name: "ready", Title: "Ready"},
}

// BootstrapUpdate is published on the progress hub after every step change.
type BootstrapUpdate struct {
	HostID   string         `json:"host_id"`
	Step     int            `json:"step"`
	Name     string         `json:"name"`
	State    StepState      `json:"state"`
	Phase    BootstrapPhase `json:"phase"`
	ErrorLog string         `json:"error_log,omitempty"`
}

// TokenIssuer mints the credential the monitoring agent pushes samples with.
type TokenIssuer interface {
	IssueHostToken(hostID string) (string, error)
}

// BootstrapConfig tunes the sequencer.
type BootstrapConfig struct {
	// AuthorizedKey is installed for the pilot user.
	AuthorizedKey string

	// IngestURL is the base URL the monitoring agent posts samples to.
	IngestURL string

	// ConnectAttempts and ConnectBackoff govern the step 1 probe.
	ConnectAttempts int
	ConnectBackoff  time.Duration

	StepTimeout time.Duration
}

func (c *BootstrapConfig) applyDefaults() {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = 5 * time.Second
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultInstallerTimeout
	}
}

// Bootstrapper runs the bootstrap sequence one step per job. Each finished
// step submits the next; a failed step stops the chain.
type Bootstrapper struct {
	deps   *Deps
	pool   *WorkerPool
	cfg    BootstrapConfig
	tokens TokenIssuer
	logger zerolog.Logger
}

// NewBootstrapper creates a sequencer. With a nil pool steps run inline.
func NewBootstrapper(deps *Deps, pool *WorkerPool, cfg BootstrapConfig, tokens TokenIssuer) *Bootstrapper {
	cfg.applyDefaults()
	return &Bootstrapper{
		deps:   deps,
		pool:   pool,
		cfg:    cfg,
		tokens: tokens,
		logger: deps.logger("bootstrap"),
	}
}

func (b *Bootstrapper) lease() time.Duration {
	return b.cfg.StepTimeout * time.Duration(len(BootstrapSteps))
}

// Start takes the host's bootstrap lock and queues the first step that has
// not completed. A failure at step 1 restarts the sequence from scratch.
func (b *Bootstrapper) Start(ctx context.Context, hostID string) (*BootstrapState, error) {
	host, err := b.deps.Store.GetHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to load host: %w", err)
	}

	guard, err := b.deps.Locker.Acquire(ctx, BootstrapLockKey(host.ID), b.lease())
	if err != nil {
		b.deps.Metrics.RecordLockContention(string(LockBootstrap))
		return nil, err
	}

	state, err := b.prepare(ctx, host)
	if err != nil {
		_ = guard.Release(ctx)
		return nil, err
	}

	step := state.ResumeStep()
	if b.pool == nil {
		b.advance(ctx, host.ID, step, guard)
		final, err := b.deps.Store.GetBootstrapState(ctx, host.ID)
		if err != nil {
			return nil, err
		}
		return final, nil
	}

	if err := b.schedule(host.ID, step, guard); err != nil {
		b.abort(ctx, state, step, err)
		_ = guard.Release(ctx)
		return nil, err
	}
	return state, nil
}

func (b *Bootstrapper) prepare(ctx context.Context, host *Host) (*BootstrapState, error) {
	state, err := b.deps.Store.GetBootstrapState(ctx, host.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bootstrap state: %w", err)
	}
	if state.Phase == PhaseReady {
		return nil, NewValidationFault("host is already bootstrapped", nil).
			WithCode(ErrCodeAlreadyActive).WithHost(host.ID)
	}

	if state.ResumeStep() == 1 {
		state = NewBootstrapState(host.ID)
	}
	state.Phase = PhaseInstalling
	state.ErrorLog = ""
	state.UpdatedAt = b.deps.now()

	if err := b.deps.Store.SaveBootstrapState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to save bootstrap state: %w", err)
	}
	b.logger.Info().Str("host_id", host.ID).Int("step", state.ResumeStep()).Msg("bootstrap started")
	return state, nil
}

func (b *Bootstrapper) schedule(hostID string, step int, guard Guard) error {
	return b.pool.Submit(Job{
		Name:   fmt.Sprintf("bootstrap:%s:%d", hostID, step),
		HostID: hostID,
		Run: func(ctx context.Context) error {
			b.advance(ctx, hostID, step, guard)
			return nil
		},
	})
}

// advance runs step n and queues n+1 on success. The guard is released
// when the chain ends, whichever way it ends.
func (b *Bootstrapper) advance(ctx context.Context, hostID string, n int, guard Guard) {
	release := true
	defer func() {
		if release {
			if err := guard.Release(context.WithoutCancel(ctx)); err != nil {
				b.logger.Warn().Err(err).Str("host_id", hostID).Msg("failed to release bootstrap lock")
			}
		}
	}()

	if err := guard.Extend(ctx, b.lease()); err != nil {
		b.logger.Error().Err(err).Str("host_id", hostID).Int("step", n).Msg("bootstrap lock lost before step")
		return
	}

	for {
		ok := b.RunStep(ctx, hostID, n)
		if !ok || n == len(BootstrapSteps) {
			return
		}
		n++
		if b.pool == nil {
			continue
		}
		if err := b.schedule(hostID, n, guard); err != nil {
			state, loadErr := b.deps.Store.GetBootstrapState(context.WithoutCancel(ctx), hostID)
			if loadErr == nil {
				b.abort(ctx, state, n, err)
			}
			return
		}
		release = false
		return
	}
}

// abort marks the sequence failed without attempting step n.
func (b *Bootstrapper) abort(ctx context.Context, state *BootstrapState, n int, cause error) {
	state.Phase = PhaseFailed
	state.ErrorLog = fmt.Sprintf("could not queue step %d: %v", n, cause)
	state.UpdatedAt = b.deps.now()
	if err := b.deps.Store.SaveBootstrapState(context.WithoutCancel(ctx), state); err != nil {
		b.logger.Error().Err(err).Str("host_id", state.HostID).Msg("failed to save bootstrap state")
	}
}

// RunStep executes step n for the host and records the outcome. It reports
// whether the step completed.
func (b *Bootstrapper) RunStep(ctx context.Context, hostID string, n int) (ok bool) {
	if n < 1 || n > len(BootstrapSteps) {
		return false
	}
	step := BootstrapSteps[n-1]
	logger := b.logger.With().Str("host_id", hostID).Int("step", n).Str("name", step.Name).Logger()
	detached := context.WithoutCancel(ctx)

	state, err := b.deps.Store.GetBootstrapState(ctx, hostID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load bootstrap state")
		return false
	}
	host, err := b.deps.Store.GetHost(ctx, hostID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load host")
		return false
	}

	for prev := 1; prev < n; prev++ {
		if state.Step(prev) != StepCompleted {
			b.recordStep(detached, state, n, StepFailed,
				fmt.Sprintf("step %d has not completed", prev))
			return false
		}
	}

	b.recordStep(ctx, state, n, StepInstalling, "")
	b.deps.Metrics.RecordBootstrapStep(step.Name, string(StepInstalling))

	ctx, cancel := context.WithTimeout(ctx, b.cfg.StepTimeout)
	defer cancel()
	ctx, span := b.deps.Tracer.StartSpan(ctx, "bootstrap."+step.Name, telemetry.AttrHostID.String(hostID))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			fault := NewFatalJobFault(fmt.Sprintf("bootstrap step panicked: %v", r), nil).WithHost(hostID)
			b.recordStep(detached, state, n, StepFailed, fault.Error())
			b.deps.Metrics.RecordBootstrapStep(step.Name, string(StepFailed))
			ok = false
		}
	}()

	if step.Packages {
		pkgGuard, err := AcquireWait(ctx, b.deps.Locker, HostPackagesKey(hostID), b.cfg.StepTimeout, 0)
		if err != nil {
			b.fail(detached, state, step, span, classifyRunnerError(err, Step{Milestone: step.Name, Command: "package lock"}))
			return false
		}
		defer pkgGuard.Release(detached)
	}

	start := time.Now()
	if err := b.perform(ctx, host, step); err != nil {
		b.fail(detached, state, step, span, asFault(err).WithHost(hostID))
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("bootstrap step failed")
		return false
	}

	if n == len(BootstrapSteps) {
		state.Phase = PhaseReady
	}
	b.recordStep(detached, state, n, StepCompleted, "")
	b.deps.Metrics.RecordBootstrapStep(step.Name, string(StepCompleted))
	telemetry.RecordSuccess(span)
	logger.Info().Dur("duration", time.Since(start)).Msg("bootstrap step completed")
	return true
}

func (b *Bootstrapper) fail(ctx context.Context, state *BootstrapState, step BootstrapStep, span trace.Span, fault *Fault) {
	b.recordStep(ctx, state, step.Number, StepFailed, fault.Error())
	b.deps.Metrics.RecordBootstrapStep(step.Name, string(StepFailed))
	b.deps.Metrics.RecordFault(string(fault.Class))
	telemetry.RecordError(span, fault)
}

// recordStep persists the step state and publishes it.
func (b *Bootstrapper) recordStep(ctx context.Context, state *BootstrapState, n int, s StepState, errorLog string) {
	state.Steps[n] = s
	if s == StepFailed {
		state.Phase = PhaseFailed
		state.ErrorLog = errorLog
	}
	state.UpdatedAt = b.deps.now()

	if err := b.deps.Store.SaveBootstrapState(ctx, state); err != nil {
		b.logger.Error().Err(err).Str("host_id", state.HostID).Int("step", n).Msg("failed to save bootstrap state")
	}

	b.deps.publish(state.HostID, telemetry.EventTypeBootstrap, &BootstrapUpdate{
		HostID:   state.HostID,
		Step:     n,
		Name:     BootstrapSteps[n-1].Name,
		State:    s,
		Phase:    state.Phase,
		ErrorLog: errorLog,
	})
}
