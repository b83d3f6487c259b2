package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PayloadValidator checks a kind payload against its schema before any
// defaults are applied.
type PayloadValidator interface {
	ValidatePayload(kind Kind, config map[string]any) error
}

// Dispatcher is the enqueue surface. Every request is checked and locked
// synchronously; only accepted work reaches the worker pool.
type Dispatcher struct {
	deps *Deps
	pool *WorkerPool

	installer    *Installer
	bootstrapper *Bootstrapper
	tasks        *TaskRunner
	deployer     *Deployer

	schemas   PayloadValidator
	admission Admission

	logger zerolog.Logger
}

// DispatcherOptions wires a Dispatcher. Pool may be nil, in which case work
// runs inline. Schemas and Admission are optional.
type DispatcherOptions struct {
	Pool         *WorkerPool
	Installer    *Installer
	Bootstrapper *Bootstrapper
	Tasks        *TaskRunner
	Deployer     *Deployer
	Schemas      PayloadValidator
	Admission    Admission
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps *Deps, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		deps:         deps,
		pool:         opts.Pool,
		installer:    opts.Installer,
		bootstrapper: opts.Bootstrapper,
		tasks:        opts.Tasks,
		deployer:     opts.Deployer,
		schemas:      opts.Schemas,
		admission:    opts.Admission,
		logger:       deps.logger("dispatcher"),
	}
}

// CreateResource validates config and records a pending resource.
func (d *Dispatcher) CreateResource(ctx context.Context, actor, hostID string, kind Kind, config map[string]any) (*Resource, error) {
	res, err := d.newResource(ctx, hostID, kind, config)
	if err != nil {
		return nil, err
	}
	if err := d.admit(ctx, actor, "create", res, true); err != nil {
		return nil, err
	}
	if err := d.deps.Store.CreateResource(ctx, res); err != nil {
		return nil, err
	}
	d.audit(ctx, actor, "resource.create", "resource", res.ID, res.Config)
	return res, nil
}

// CreateAndInstall records a resource and queues its install under one lock.
// The lock is keyed on the identifying key so a concurrent identical request
// is rejected before a second record exists.
func (d *Dispatcher) CreateAndInstall(ctx context.Context, actor, hostID string, kind Kind, config map[string]any) (*Resource, error) {
	res, err := d.newResource(ctx, hostID, kind, config)
	if err != nil {
		return nil, err
	}
	if err := d.admit(ctx, actor, string(OperationInstall), res, true); err != nil {
		return nil, err
	}

	guard, err := d.lock(ctx, res)
	if err != nil {
		return nil, err
	}
	if err := d.deps.Store.CreateResource(ctx, res); err != nil {
		_ = guard.Release(ctx)
		return nil, err
	}
	d.audit(ctx, actor, "resource.create", "resource", res.ID, res.Config)

	err = d.submit(ctx, res, OperationInstall, guard)
	if err == nil {
		d.audit(ctx, actor, "resource.install", "resource", res.ID, nil)
	}
	return d.current(ctx, res), err
}

// EnqueueInstall queues an install of an existing resource.
func (d *Dispatcher) EnqueueInstall(ctx context.Context, actor, hostID, resourceID string) (*Resource, error) {
	return d.enqueue(ctx, actor, hostID, resourceID, OperationInstall)
}

// EnqueueUninstall queues the removal of a resource.
func (d *Dispatcher) EnqueueUninstall(ctx context.Context, actor, hostID, resourceID string) (*Resource, error) {
	return d.enqueue(ctx, actor, hostID, resourceID, OperationUninstall)
}

func (d *Dispatcher) enqueue(ctx context.Context, actor, hostID, resourceID string, op Operation) (*Resource, error) {
	res, err := d.deps.Store.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if res.HostID != hostID {
		return nil, fmt.Errorf("resource %s on host %s: %w", resourceID, hostID, ErrNotFound)
	}
	if op == OperationInstall && res.Status == StatusActive {
		return nil, NewValidationFault("resource is already active", nil).
			WithCode(ErrCodeAlreadyActive).WithResource(res.ID)
	}
	if !op.Accepts(res.Status) {
		return nil, NewValidationFault(fmt.Sprintf("cannot %s a resource that is %s", op, res.Status), nil).
			WithCode(ErrCodeIllegalState).WithResource(res.ID)
	}
	if err := d.admit(ctx, actor, string(op), res, false); err != nil {
		return nil, err
	}

	guard, err := d.lock(ctx, res)
	if err != nil {
		return nil, err
	}
	if err := d.submit(ctx, res, op, guard); err != nil {
		if d.pool != nil {
			return nil, err
		}
		return d.current(ctx, res), err
	}
	d.audit(ctx, actor, "resource."+string(op), "resource", res.ID, nil)
	return d.current(ctx, res), nil
}

// current reloads res after an inline job has changed it.
func (d *Dispatcher) current(ctx context.Context, res *Resource) *Resource {
	if d.pool != nil {
		return res
	}
	fresh, err := d.deps.Store.GetResource(context.WithoutCancel(ctx), res.ID)
	if err != nil {
		return res
	}
	return fresh
}

// EnqueueBootstrap starts or resumes the bootstrap sequence of a host.
func (d *Dispatcher) EnqueueBootstrap(ctx context.Context, actor, hostID string) (*BootstrapState, error) {
	host, err := d.deps.Store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if d.admission != nil {
		state, err := d.deps.Store.GetBootstrapState(ctx, hostID)
		if err != nil {
			return nil, err
		}
		req := AdmissionRequest{Actor: actor, Action: "bootstrap", Host: host, Phase: state.Phase}
		if err := d.admission.Admit(ctx, req); err != nil {
			return nil, err
		}
	}

	state, err := d.bootstrapper.Start(ctx, hostID)
	if err != nil {
		return nil, err
	}
	d.audit(ctx, actor, "host.bootstrap", "host", hostID, nil)
	return state, nil
}

// EnqueueDeployment queues a deployment of a site.
func (d *Dispatcher) EnqueueDeployment(ctx context.Context, actor string, req DeployRequest) (*Deployment, error) {
	site, err := d.deps.Store.GetResource(ctx, req.SiteID)
	if err != nil {
		return nil, err
	}
	if err := d.admit(ctx, actor, "deploy", site, false); err != nil {
		return nil, err
	}

	deployment, err := d.deployer.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	d.audit(ctx, actor, "site.deploy", "deployment", deployment.ID, map[string]any{
		"site_id": req.SiteID,
		"trigger": req.Trigger,
	})
	return deployment, nil
}

// HandleWebhook verifies a push notification for a site and queues a
// deployment when it targets the site's branch. It returns nil and no error
// for pushes it ignores.
func (d *Dispatcher) HandleWebhook(ctx context.Context, siteID string, body []byte, signature string) (*Deployment, error) {
	site, err := d.deps.Store.GetResource(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if site.Kind != KindSite {
		return nil, fmt.Errorf("site %s: %w", siteID, ErrNotFound)
	}
	var cfg SiteConfig
	if err := site.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if !VerifySignature(cfg.WebhookSecret, body, signature) {
		return nil, ErrBadSignature
	}
	if !cfg.AutoDeploy {
		return nil, NewValidationFault("auto deploy is disabled", nil).
			WithCode(ErrCodeAutoDeployOff).WithResource(site.ID)
	}

	event, err := ParsePushEvent(body)
	if err != nil {
		return nil, err
	}
	if event.Branch() != cfg.Branch {
		d.logger.Debug().Str("site_id", site.ID).Str("ref", event.Ref).Msg("ignoring push to another ref")
		return nil, nil
	}

	return d.EnqueueDeployment(ctx, "webhook", DeployRequest{
		SiteID:  site.ID,
		Trigger: TriggerWebhook,
		Branch:  cfg.Branch,
		Commit:  event.Commit(),
	})
}

// ErrBadSignature rejects a webhook whose signature does not match.
var ErrBadSignature = errors.New("webhook signature mismatch")

// PauseTask stops an active recurring task from firing.
func (d *Dispatcher) PauseTask(ctx context.Context, actor, taskID string) (*Resource, error) {
	return d.toggleTask(ctx, actor, taskID, StatusActive, StatusPaused)
}

// ResumeTask lets a paused recurring task fire again.
func (d *Dispatcher) ResumeTask(ctx context.Context, actor, taskID string) (*Resource, error) {
	return d.toggleTask(ctx, actor, taskID, StatusPaused, StatusActive)
}

func (d *Dispatcher) toggleTask(ctx context.Context, actor, taskID string, from, to ResourceStatus) (*Resource, error) {
	res, err := d.deps.Store.GetResource(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if res.Kind != KindRecurringTask {
		return nil, NewValidationFault(fmt.Sprintf("resource %s is a %s, not a recurring task", res.ID, res.Kind), nil).
			WithCode(ErrCodeIllegalState)
	}

	guard, err := d.lock(ctx, res)
	if err != nil {
		return nil, err
	}
	defer guard.Release(context.WithoutCancel(ctx))

	updated, err := d.deps.Store.TransitionResource(ctx, res.ID, Transition{
		From: []ResourceStatus{from},
		To:   to,
		At:   d.deps.now(),
	})
	if err != nil {
		return nil, err
	}
	if d.tasks != nil {
		d.tasks.Sync(ctx, updated)
	}
	d.audit(ctx, actor, "task."+string(to), "resource", res.ID, nil)
	return updated, nil
}

// RunTask executes a recurring task now and returns the finished run.
func (d *Dispatcher) RunTask(ctx context.Context, actor, taskID string) (*TaskRun, error) {
	d.audit(ctx, actor, "task.run", "resource", taskID, nil)
	return d.tasks.RunNow(ctx, taskID)
}

func (d *Dispatcher) newResource(ctx context.Context, hostID string, kind Kind, config map[string]any) (*Resource, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if _, err := d.deps.Store.GetHost(ctx, hostID); err != nil {
		return nil, err
	}
	if d.schemas != nil {
		if err := d.schemas.ValidatePayload(kind, config); err != nil {
			return nil, err
		}
	}
	normalized, key, err := NormalizeConfig(kind, config)
	if err != nil {
		return nil, err
	}

	now := d.deps.now()
	return &Resource{
		ID:        uuid.New().String(),
		HostID:    hostID,
		Kind:      kind,
		Key:       key,
		Status:    StatusPending,
		Config:    normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (d *Dispatcher) admit(ctx context.Context, actor, action string, res *Resource, isNew bool) error {
	if d.admission == nil {
		return nil
	}
	host, err := d.deps.Store.GetHost(ctx, res.HostID)
	if err != nil {
		return err
	}
	state, err := d.deps.Store.GetBootstrapState(ctx, res.HostID)
	if err != nil {
		return err
	}
	counts, err := d.deps.Store.CountResources(ctx, res.HostID)
	if err != nil {
		return err
	}
	return d.admission.Admit(ctx, AdmissionRequest{
		Actor:    actor,
		Action:   action,
		Host:     host,
		Phase:    state.Phase,
		Resource: res,
		New:      isNew,
		Counts:   counts,
	})
}

func (d *Dispatcher) lock(ctx context.Context, res *Resource) (Guard, error) {
	guard, err := d.deps.Locker.Acquire(ctx, ResourceLockKey(res, LockLifecycle), d.installer.Lease())
	if err != nil {
		if IsLockContention(err) {
			d.deps.Metrics.RecordLockContention(string(LockLifecycle))
		}
		return nil, err
	}
	return guard, nil
}

func (d *Dispatcher) submit(ctx context.Context, res *Resource, op Operation, guard Guard) error {
	req := JobRequest{HostID: res.HostID, ResourceID: res.ID, Operation: op, Guard: guard}
	if d.pool == nil {
		return d.installer.Run(ctx, req)
	}

	job := Job{
		Name:   fmt.Sprintf("%s:%s:%s", op, res.Kind, res.ID),
		HostID: res.HostID,
		Run: func(ctx context.Context) error {
			return d.installer.Run(ctx, req)
		},
	}
	if err := d.pool.Submit(job); err != nil {
		_ = guard.Release(ctx)
		return err
	}
	return nil
}

func (d *Dispatcher) audit(ctx context.Context, actor, action, targetType, targetID string, details any) {
	entry := &AuditEntry{
		ID:         uuid.New().String(),
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  d.deps.now(),
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			entry.Details = string(raw)
		}
	}
	if err := d.deps.Store.RecordAudit(ctx, entry); err != nil {
		d.logger.Warn().Err(err).Str("action", action).Msg("failed to record audit entry")
	}
}
