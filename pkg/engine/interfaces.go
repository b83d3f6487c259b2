package engine

import (
	"context"
	"os"
	"time"
)

// Store persists everything the orchestrator needs to survive a restart.
type Store interface {
	CreateHost(ctx context.Context, host *Host) error
	GetHost(ctx context.Context, id string) (*Host, error)
	UpdateHost(ctx context.Context, host *Host) error
	ListHosts(ctx context.Context) ([]*Host, error)

	// CreateResource inserts a resource in StatusPending. It fails with an
	// ALREADY_EXISTS validation fault when a live resource holds the same
	// (host, kind, key).
	CreateResource(ctx context.Context, res *Resource) error
	GetResource(ctx context.Context, id string) (*Resource, error)
	ListResources(ctx context.Context, filter ResourceFilter) ([]*Resource, error)
	CountResources(ctx context.Context, hostID string) (map[Kind]int, error)

	// TransitionResource atomically applies t to the resource and returns the
	// updated record. No row changes when the guard fails.
	TransitionResource(ctx context.Context, id string, t Transition) (*Resource, error)

	AppendEvent(ctx context.Context, event *OperationEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*OperationEvent, error)

	// GetBootstrapState returns a fresh pending state for hosts never bootstrapped.
	GetBootstrapState(ctx context.Context, hostID string) (*BootstrapState, error)
	SaveBootstrapState(ctx context.Context, state *BootstrapState) error

	CreateTaskRun(ctx context.Context, run *TaskRun) error
	CompleteTaskRun(ctx context.Context, run *TaskRun) error
	ListTaskRuns(ctx context.Context, taskID string, limit int) ([]*TaskRun, error)

	CreateDeployment(ctx context.Context, d *Deployment) error
	UpdateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	ListDeployments(ctx context.Context, siteID string, limit int) ([]*Deployment, error)

	// ActivateDeployment marks d successful and points its site at it in one
	// transaction.
	ActivateDeployment(ctx context.Context, d *Deployment) error

	SaveMetricSamples(ctx context.Context, samples []*MetricSample) error
	RecordAudit(ctx context.Context, entry *AuditEntry) error

	HealthCheck(ctx context.Context) error
}

// CommandResult is what a remote command produced.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes commands on hosts. A non-zero exit is reported through
// CommandResult, not as an error; errors are connection faults or timeouts.
type Runner interface {
	Execute(ctx context.Context, host *Host, command string, timeout time.Duration) (*CommandResult, error)
	Upload(ctx context.Context, host *Host, content []byte, remotePath string, mode os.FileMode) error
}

// Guard is a held lock. Release is idempotent. Extend resets the lease to
// start now and fails with a lock contention fault once the lease was lost.
type Guard interface {
	Key() string
	Extend(ctx context.Context, lease time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out leases on string keys. Acquire fails fast with a
// lock contention fault when the key is held.
type Locker interface {
	Acquire(ctx context.Context, key string, lease time.Duration) (Guard, error)
}

// Publisher broadcasts progress to live consumers of one host.
type Publisher interface {
	Publish(hostID, eventType string, data any)
}

// Admission decides whether a request may be enqueued.
type Admission interface {
	Admit(ctx context.Context, req AdmissionRequest) error
}

// AdmissionRequest is the input handed to the admission policy.
type AdmissionRequest struct {
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Host     *Host          `json:"host"`
	Phase    BootstrapPhase `json:"phase"`
	Resource *Resource      `json:"resource,omitempty"`

	// New is set when the resource has no stored record yet and is not
	// included in Counts.
	New    bool         `json:"new"`
	Counts map[Kind]int `json:"counts"`
}
