package engine

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// DefaultDeployTimeout bounds one deployment.
const DefaultDeployTimeout = 900 * time.Second

// Activation is recorded after the symlink swap, so a failed write is retried
// before the swap is rolled back.
var (
	activateAttempts = 3
	activateBackoff  = 200 * time.Millisecond
)

// DeployRequest asks for a new deployment of a site.
type DeployRequest struct {
	SiteID  string
	Trigger DeploymentTrigger

	// Branch defaults to the site's branch. Commit pins a revision.
	Branch string
	Commit string
}

// Deployer fetches, builds and activates site releases. The live release only
// changes through the final symlink swap, and the active deployment pointer
// only moves to a successful deployment.
type Deployer struct {
	deps    *Deps
	pool    *WorkerPool
	timeout time.Duration
	logger  zerolog.Logger
}

// NewDeployer creates a deployer. With a nil pool Enqueue runs inline.
func NewDeployer(deps *Deps, pool *WorkerPool, timeout time.Duration) *Deployer {
	if timeout <= 0 {
		timeout = DefaultDeployTimeout
	}
	return &Deployer{deps: deps, pool: pool, timeout: timeout, logger: deps.logger("deployer")}
}

func (d *Deployer) loadSite(ctx context.Context, siteID string) (*Resource, *SiteConfig, error) {
	site, err := d.deps.Store.GetResource(ctx, siteID)
	if err != nil {
		return nil, nil, err
	}
	if site.Kind != KindSite {
		return nil, nil, NewValidationFault(fmt.Sprintf("resource %s is a %s, not a site", site.ID, site.Kind), nil)
	}
	var cfg SiteConfig
	if err := site.DecodeConfig(&cfg); err != nil {
		return nil, nil, err
	}
	cfg.applyDefaults()
	return site, &cfg, nil
}

// Enqueue validates req, records a pending deployment and queues it.
func (d *Deployer) Enqueue(ctx context.Context, req DeployRequest) (*Deployment, error) {
	site, cfg, err := d.loadSite(ctx, req.SiteID)
	if err != nil {
		return nil, err
	}
	if site.Status != StatusActive {
		return nil, NewValidationFault(fmt.Sprintf("site is %s", site.Status), nil).
			WithCode(ErrCodeIllegalState).WithResource(site.ID)
	}
	if cfg.Repository == "" {
		return nil, NewValidationFault("site has no repository", nil).WithResource(site.ID)
	}
	if req.Trigger == TriggerWebhook && !cfg.AutoDeploy {
		return nil, NewValidationFault("auto deploy is disabled", nil).
			WithCode(ErrCodeAutoDeployOff).WithResource(site.ID)
	}
	if req.Trigger != TriggerManual && req.Trigger != TriggerWebhook {
		return nil, invalid("invalid trigger %q", req.Trigger)
	}

	branch := req.Branch
	if branch == "" {
		branch = cfg.Branch
	}
	if !branchPattern.MatchString(branch) || strings.Contains(branch, "..") {
		return nil, invalid("invalid branch %q", branch)
	}
	if req.Commit != "" && !commitPattern.MatchString(req.Commit) {
		return nil, invalid("invalid commit %q", req.Commit)
	}

	guard, err := d.deps.Locker.Acquire(ctx, ResourceLockKey(site, LockDeploy), d.timeout+leaseGrace)
	if err != nil {
		d.deps.Metrics.RecordLockContention(string(LockDeploy))
		return nil, err
	}

	deployment := &Deployment{
		ID:        uuid.New().String(),
		SiteID:    site.ID,
		HostID:    site.HostID,
		Status:    DeploymentPending,
		Trigger:   req.Trigger,
		Branch:    branch,
		CommitSHA: req.Commit,
		CreatedAt: d.deps.now(),
	}
	if err := d.deps.Store.CreateDeployment(ctx, deployment); err != nil {
		_ = guard.Release(ctx)
		return nil, fmt.Errorf("failed to record deployment: %w", err)
	}
	d.deps.publish(site.HostID, telemetry.EventTypeDeployment, deployment)

	job := Job{
		Name:   "deploy:" + deployment.ID,
		HostID: site.HostID,
		Run: func(ctx context.Context) error {
			defer guard.Release(context.WithoutCancel(ctx))
			if err := guard.Extend(ctx, d.timeout+leaseGrace); err != nil {
				d.deps.Metrics.RecordLockContention(string(LockDeploy))
				d.abandon(context.WithoutCancel(ctx), deployment, err)
				return err
			}
			return d.Run(ctx, deployment.ID)
		},
	}
	if d.pool == nil {
		err := job.Run(ctx)
		final, getErr := d.deps.Store.GetDeployment(context.WithoutCancel(ctx), deployment.ID)
		if getErr != nil {
			return deployment, err
		}
		return final, err
	}
	if err := d.pool.Submit(job); err != nil {
		_ = guard.Release(ctx)
		d.abandon(ctx, deployment, err)
		return nil, err
	}
	return deployment, nil
}

// Run executes a pending deployment.
func (d *Deployer) Run(ctx context.Context, deploymentID string) (err error) {
	deployment, err := d.deps.Store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	if deployment.Status != DeploymentPending {
		return NewValidationFault(fmt.Sprintf("deployment is %s", deployment.Status), nil).
			WithCode(ErrCodeIllegalState)
	}
	site, cfg, err := d.loadSite(ctx, deployment.SiteID)
	if err != nil {
		return err
	}
	host, err := d.deps.Store.GetHost(ctx, site.HostID)
	if err != nil {
		return fmt.Errorf("failed to load host: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ctx, span := d.deps.Tracer.StartDeploymentSpan(ctx, site.ID, deployment.ID)
	defer span.End()

	logger := d.logger.With().Str("site_id", site.ID).Str("deployment_id", deployment.ID).Logger()
	detached := context.WithoutCancel(ctx)

	started := d.deps.now()
	deployment.Status = DeploymentUpdating
	deployment.StartedAt = &started
	if err := d.deps.Store.UpdateDeployment(ctx, deployment); err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	d.deps.publish(site.HostID, telemetry.EventTypeDeployment, deployment)
	logger.Info().Str("branch", deployment.Branch).Msg("deployment started")

	release := path.Join(SiteReleasesDir(cfg.Domain), deployment.ID)
	var output strings.Builder

	defer func() {
		if r := recover(); r != nil {
			err = NewFatalJobFault(fmt.Sprintf("deployment panicked: %v", r), nil).WithResource(site.ID)
			d.fail(detached, host, deployment, release, asFault(err))
		}
		status := string(deployment.Status)
		if stored, getErr := d.deps.Store.GetDeployment(detached, deployment.ID); getErr == nil {
			status = string(stored.Status)
		}
		d.deps.Metrics.RecordDeployment(status, string(deployment.Trigger), time.Duration(deployment.DurationMs)*time.Millisecond)
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		logger.Info().Str("status", status).Str("commit", deployment.CommitSHA).Err(err).Msg("deployment finished")
	}()

	for _, step := range d.buildSteps(cfg, deployment, release) {
		result, stepErr := d.deps.runStep(ctx, host, step, d.timeout)
		if stepErr != nil {
			fault := asFault(stepErr).WithResource(site.ID)
			deployment.Output = output.String()
			d.fail(detached, host, deployment, release, fault)
			return fault
		}
		output.WriteString(result.Stdout)

		if step.Milestone == "resolving_commit" {
			if sha := strings.TrimSpace(result.Stdout); sha != "" {
				deployment.CommitSHA = sha
			}
		}
	}

	deployment.Output = trimOutput(output.String())
	zero := 0
	deployment.ExitCode = &zero
	deployment.Finish(DeploymentSuccess, d.deps.now())
	if actErr := d.activate(detached, deployment); actErr != nil {
		logger.Error().Err(actErr).Msg("failed to record activation, restoring previous release")
		fault := NewFatalJobFault("failed to activate deployment", actErr).WithResource(site.ID)
		if restoreErr := d.restore(detached, host, cfg, site.ActiveDeploymentID); restoreErr != nil {
			logger.Error().Err(restoreErr).Msg("failed to restore previous release")
			release = ""
		}
		d.fail(detached, host, deployment, release, fault)
		return fault
	}
	d.deps.publish(site.HostID, telemetry.EventTypeDeployment, deployment)

	d.prune(detached, host, cfg)
	return nil
}

// buildSteps lists the remote actions of a deployment. Activation is last.
func (d *Deployer) buildSteps(cfg *SiteConfig, deployment *Deployment, release string) []Step {
	siteDir := SiteDir(cfg.Domain)
	steps := []Step{
		command("fetching_source", "git clone --depth 1 --branch %s %s %s",
			shellQuote(deployment.Branch), shellQuote(cfg.Repository), release),
	}
	if deployment.CommitSHA != "" {
		steps = append(steps, command("checking_out_commit",
			"git -C %[1]s fetch --depth 1 origin %[2]s && git -C %[1]s checkout --detach %[2]s",
			release, deployment.CommitSHA))
	}
	steps = append(steps,
		command("resolving_commit", "git -C %s rev-parse HEAD", release),
		command("linking_shared", "if [ -f %[1]s/shared/.env ]; then ln -sfn %[1]s/shared/.env %[2]s/.env; fi", siteDir, release),
	)
	if cfg.BuildScript != "" {
		script := path.Join(release, ".pilot-build.sh")
		steps = append(steps,
			upload("uploading_build_script", script, 0755, "#!/bin/sh\nset -e\n"+cfg.BuildScript+"\n"),
			command("building", "cd %s && ./.pilot-build.sh", release),
		)
	}

	tmpLink := path.Join(siteDir, "current.tmp-"+deployment.ID)
	steps = append(steps,
		command("activating", "ln -sfn %s %s && mv -Tf %s %s", release, tmpLink, tmpLink, SiteCurrentLink(cfg.Domain)),
	)
	return steps
}

// abandon fails a deployment that never started.
func (d *Deployer) abandon(ctx context.Context, deployment *Deployment, cause error) {
	deployment.ErrorOutput = cause.Error()
	deployment.Finish(DeploymentFailed, d.deps.now())
	if err := d.deps.Store.UpdateDeployment(ctx, deployment); err != nil {
		d.logger.Error().Err(err).Str("deployment_id", deployment.ID).Msg("failed to record deployment")
		return
	}
	d.deps.publish(deployment.HostID, telemetry.EventTypeDeployment, deployment)
}

// activate records deployment as the live release of its site, retrying
// transient store errors.
func (d *Deployer) activate(ctx context.Context, deployment *Deployment) error {
	var err error
	for attempt := 1; attempt <= activateAttempts; attempt++ {
		if err = d.deps.Store.ActivateDeployment(ctx, deployment); err == nil {
			return nil
		}
		if IsValidationFault(err) {
			return err
		}
		d.logger.Warn().Err(err).Str("deployment_id", deployment.ID).Int("attempt", attempt).Msg("activation write failed")
		if attempt == activateAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * activateBackoff):
		}
	}
	return err
}

// restore points the current symlink back at the previously active release,
// or removes it when the site never had one.
func (d *Deployer) restore(ctx context.Context, host *Host, cfg *SiteConfig, previousID string) error {
	current := SiteCurrentLink(cfg.Domain)
	step := command("restoring_release", "rm -f %s", current)
	if previousID != "" {
		previous := path.Join(SiteReleasesDir(cfg.Domain), previousID)
		tmpLink := path.Join(SiteDir(cfg.Domain), "current.tmp-"+previousID)
		step = command("restoring_release", "ln -sfn %s %s && mv -Tf %s %s", previous, tmpLink, tmpLink, current)
	}
	_, err := d.deps.runStep(ctx, host, step, time.Minute)
	return err
}

// fail records the fault on the deployment and removes the partial release
// unless release is empty. The active pointer is left alone.
func (d *Deployer) fail(ctx context.Context, host *Host, deployment *Deployment, release string, fault *Fault) {
	deployment.ErrorOutput = trimOutput(fault.Error())
	deployment.ExitCode = fault.ExitCode
	if deployment.ExitCode == nil {
		code := ExitCodeConnectionLost
		if fault.Code == ErrCodeTimeout {
			code = ExitCodeTimeout
		}
		deployment.ExitCode = &code
	}
	deployment.Finish(DeploymentFailed, d.deps.now())

	if err := d.deps.Store.UpdateDeployment(ctx, deployment); err != nil {
		d.logger.Error().Err(err).Str("deployment_id", deployment.ID).Msg("failed to record deployment failure")
	}
	d.deps.publish(deployment.HostID, telemetry.EventTypeDeployment, deployment)
	d.deps.Metrics.RecordFault(string(fault.Class))

	if release == "" {
		return
	}
	if _, err := d.deps.runStep(ctx, host, command("cleaning_up", "rm -rf %s", release), time.Minute); err != nil {
		d.logger.Warn().Err(err).Str("release", release).Msg("failed to remove partial release")
	}
}

// prune removes releases beyond the site's retention.
func (d *Deployer) prune(ctx context.Context, host *Host, cfg *SiteConfig) {
	cmd := command("pruning_releases", "cd %s && ls -1t | tail -n +%d | xargs -r rm -rf --",
		SiteReleasesDir(cfg.Domain), cfg.KeepReleases+1)
	if _, err := d.deps.runStep(ctx, host, cmd, time.Minute); err != nil {
		d.logger.Warn().Err(err).Str("site", cfg.Domain).Msg("failed to prune releases")
	}
}
