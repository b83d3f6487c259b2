package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Host is a remote machine reachable over SSH.
type Host struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`

	// User is the unprivileged login created by bootstrap. Empty until then.
	User string `json:"user,omitempty"`

	// BootstrapUser is the login holding the server key before bootstrap,
	// usually root.
	BootstrapUser string `json:"bootstrap_user"`

	Architecture string            `json:"architecture,omitempty"`
	OS           string            `json:"os,omitempty"`
	Facts        *HostFacts        `json:"facts,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// LoginUser returns the SSH user to connect as.
func (h *Host) LoginUser() string {
	if h.User != "" {
		return h.User
	}
	if h.BootstrapUser != "" {
		return h.BootstrapUser
	}
	return "root"
}

// Resource is one installable unit tracked through the shared state machine.
type Resource struct {
	ID     string `json:"id"`
	HostID string `json:"host_id"`
	Kind   Kind   `json:"kind"`

	// Key is unique per host and kind among resources that are not uninstalled,
	// e.g. the runtime version or the firewall port range.
	Key string `json:"key"`

	Status   ResourceStatus `json:"status"`
	ErrorLog string         `json:"error_log,omitempty"`

	// Config is the kind-specific payload.
	Config map[string]any `json:"config"`

	// ActiveDeploymentID points at the live deployment of a site.
	ActiveDeploymentID string `json:"active_deployment_id,omitempty"`

	InstalledAt   *time.Time `json:"installed_at,omitempty"`
	UninstalledAt *time.Time `json:"uninstalled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DecodeConfig decodes the resource payload into v.
func (r *Resource) DecodeConfig(v any) error {
	raw, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return NewValidationFault(fmt.Sprintf("invalid %s config", r.Kind), err).WithResource(r.ID)
	}
	return nil
}

// Transition describes one guarded status change.
type Transition struct {
	// From lists the statuses the resource must currently hold.
	From []ResourceStatus
	To   ResourceStatus

	// ErrorLog is required when To is StatusFailed.
	ErrorLog string

	// ConfigPatch is merged into the payload on commit.
	ConfigPatch map[string]any

	At time.Time
}

// Apply performs t on r in memory. Stores call it inside their write path so
// the guard and the field rules are identical everywhere.
func (r *Resource) Apply(t Transition) error {
	matched := len(t.From) == 0
	for _, from := range t.From {
		if r.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return NewValidationFault(
			fmt.Sprintf("resource is %s, expected one of %v", r.Status, t.From), nil).
			WithCode(ErrCodeStatusChanged).WithResource(r.ID)
	}
	if !r.Status.CanTransition(r.Kind, t.To) {
		return NewValidationFault(
			fmt.Sprintf("illegal transition %s -> %s for %s", r.Status, t.To, r.Kind), nil).
			WithCode(ErrCodeIllegalState).WithResource(r.ID)
	}
	if t.To == StatusFailed && t.ErrorLog == "" {
		return NewValidationFault("failed transition requires an error log", nil).
			WithCode(ErrCodeMissingErrorLog).WithResource(r.ID)
	}

	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch t.To {
	case StatusInstalling:
		r.ErrorLog = ""
	case StatusActive:
		r.ErrorLog = ""
		if r.InstalledAt == nil || r.Status == StatusInstalling {
			r.InstalledAt = &at
		}
	case StatusFailed:
		r.ErrorLog = t.ErrorLog
	case StatusUninstalled:
		r.UninstalledAt = &at
	}

	if len(t.ConfigPatch) > 0 {
		if r.Config == nil {
			r.Config = make(map[string]any)
		}
		for k, v := range t.ConfigPatch {
			r.Config[k] = v
		}
	}

	r.Status = t.To
	r.UpdatedAt = at
	return nil
}

// ResourceFilter narrows ListResources.
type ResourceFilter struct {
	HostID string
	Kind   Kind
	Status ResourceStatus
}

// OperationEvent is one milestone emitted during a job run. Rows are append-only.
type OperationEvent struct {
	ID          string      `json:"id"`
	RunID       string      `json:"run_id"`
	HostID      string      `json:"host_id"`
	ResourceID  string      `json:"resource_id"`
	Kind        Kind        `json:"kind"`
	Operation   Operation   `json:"operation_type"`
	Milestone   string      `json:"milestone"`
	CurrentStep int         `json:"current_step"`
	TotalSteps  int         `json:"total_steps"`
	Status      EventStatus `json:"status"`
	Details     string      `json:"details,omitempty"`
	ErrorLog    string      `json:"error_log,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	HostID     string
	ResourceID string
	RunID      string
	Limit      int
}

// BootstrapState tracks the fixed bootstrap sequence of one host.
type BootstrapState struct {
	HostID string         `json:"host_id"`
	Phase  BootstrapPhase `json:"phase"`

	// Steps holds recorded step states keyed by step number. A step with no
	// entry is pending.
	Steps map[int]StepState `json:"steps"`

	ErrorLog  string    `json:"error_log,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBootstrapState returns the state of a host that has not started bootstrap.
func NewBootstrapState(hostID string) *BootstrapState {
	return &BootstrapState{
		HostID: hostID,
		Phase:  PhasePending,
		Steps:  make(map[int]StepState),
	}
}

// Step returns the state of step n.
func (b *BootstrapState) Step(n int) StepState {
	if s, ok := b.Steps[n]; ok {
		return s
	}
	return StepPending
}

// Validate checks that completed steps form a prefix of the sequence.
func (b *BootstrapState) Validate() error {
	seenIncomplete := false
	for n := 1; n <= len(BootstrapSteps); n++ {
		state := b.Step(n)
		if err := state.Validate(); err != nil {
			return err
		}
		if state == StepCompleted && seenIncomplete {
			return NewValidationFault(
				fmt.Sprintf("step %d completed after an incomplete step", n), nil).
				WithCode(ErrCodeStepOutOfOrder).WithHost(b.HostID)
		}
		if state != StepCompleted {
			seenIncomplete = true
		}
	}
	return nil
}

// ResumeStep returns the first step that has not completed, or one past the
// last step when the sequence is done.
func (b *BootstrapState) ResumeStep() int {
	for n := 1; n <= len(BootstrapSteps); n++ {
		if b.Step(n) != StepCompleted {
			return n
		}
	}
	return len(BootstrapSteps) + 1
}

// TaskRun is one execution of a recurring task.
type TaskRun struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	HostID      string     `json:"host_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Output      string     `json:"output"`
	ErrorOutput string     `json:"error_output"`
	DurationMs  int64      `json:"duration_ms"`
}

// Complete records the outcome and derives the duration from the timestamps.
func (r *TaskRun) Complete(at time.Time, exitCode int, output, errorOutput string) {
	if at.Before(r.StartedAt) {
		at = r.StartedAt
	}
	r.CompletedAt = &at
	r.ExitCode = &exitCode
	r.Output = output
	r.ErrorOutput = errorOutput
	r.DurationMs = at.Sub(r.StartedAt).Milliseconds()
}

// Successful reports whether the run finished with exit code 0.
func (r *TaskRun) Successful() bool {
	return r.ExitCode != nil && *r.ExitCode == 0
}

// Deployment is one fetch/build/activate attempt for a site.
type Deployment struct {
	ID          string            `json:"id"`
	SiteID      string            `json:"site_id"`
	HostID      string            `json:"host_id"`
	Status      DeploymentStatus  `json:"status"`
	Trigger     DeploymentTrigger `json:"trigger"`
	Branch      string            `json:"branch"`
	CommitSHA   string            `json:"commit_sha,omitempty"`
	Output      string            `json:"output,omitempty"`
	ErrorOutput string            `json:"error_output,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Finish stamps the terminal status and duration.
func (d *Deployment) Finish(status DeploymentStatus, at time.Time) {
	d.Status = status
	d.CompletedAt = &at
	if d.StartedAt != nil {
		d.DurationMs = at.Sub(*d.StartedAt).Milliseconds()
	}
}

// MetricSample is one usage sample pushed by a host collector.
type MetricSample struct {
	ID                string    `json:"id"`
	HostID            string    `json:"host_id"`
	CPUUsage          float64   `json:"cpu_usage"`
	MemoryTotalBytes  int64     `json:"memory_total_bytes"`
	MemoryUsedBytes   int64     `json:"memory_used_bytes"`
	MemoryUsage       float64   `json:"memory_usage"`
	StorageTotalBytes int64     `json:"storage_total_bytes"`
	StorageUsedBytes  int64     `json:"storage_used_bytes"`
	StorageUsage      float64   `json:"storage_usage"`
	CollectedAt       time.Time `json:"collected_at"`
	ReceivedAt        time.Time `json:"received_at"`
}

// AuditEntry records who asked for what.
type AuditEntry struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
