package engine

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the type of an installable resource.
type Kind string

const (
	KindRuntime       Kind = "runtime"
	KindDatabase      Kind = "database"
	KindFirewallRule  Kind = "firewall_rule"
	KindWorker        Kind = "worker"
	KindRecurringTask Kind = "recurring_task"
	KindProxy         Kind = "proxy"
	KindSite          Kind = "site"
)

// AllKinds lists every kind the engine knows how to install.
var AllKinds = []Kind{
	KindRuntime, KindDatabase, KindFirewallRule, KindWorker,
	KindRecurringTask, KindProxy, KindSite,
}

// Validate checks if the kind is known.
func (k Kind) Validate() error {
	for _, known := range AllKinds {
		if k == known {
			return nil
		}
	}
	return NewValidationFault(fmt.Sprintf("unknown resource kind: %s", k), nil).WithCode(ErrCodeUnknownKind)
}

// TouchesPackages reports whether installing the kind runs the host package
// manager. Such resources also serialize on the host package lock.
func (k Kind) TouchesPackages() bool {
	switch k {
	case KindRuntime, KindDatabase, KindProxy, KindSite:
		return true
	default:
		return false
	}
}

// ResourceStatus is the lifecycle state shared by every resource kind.
type ResourceStatus string

const (
	StatusPending     ResourceStatus = "pending"
	StatusInstalling  ResourceStatus = "installing"
	StatusActive      ResourceStatus = "active"
	StatusFailed      ResourceStatus = "failed"
	StatusRemoving    ResourceStatus = "removing"
	StatusUninstalled ResourceStatus = "uninstalled"

	// StatusPaused is only reachable by recurring tasks.
	StatusPaused ResourceStatus = "paused"
)

// transitions lists the legal next states for each status.
var transitions = map[ResourceStatus][]ResourceStatus{
	StatusPending:    {StatusInstalling},
	StatusInstalling: {StatusActive, StatusFailed},
	StatusActive:     {StatusRemoving, StatusPaused},
	StatusPaused:     {StatusActive, StatusRemoving},
	StatusRemoving:   {StatusUninstalled, StatusFailed},
	StatusFailed:     {StatusInstalling},
}

// Validate checks if the status is valid.
func (s ResourceStatus) Validate() error {
	switch s {
	case StatusPending, StatusInstalling, StatusActive, StatusFailed,
		StatusRemoving, StatusUninstalled, StatusPaused:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// IsTerminal returns true for states no job can leave.
func (s ResourceStatus) IsTerminal() bool {
	return s == StatusUninstalled
}

// InFlight returns true while a job owns the resource.
func (s ResourceStatus) InFlight() bool {
	return s == StatusInstalling || s == StatusRemoving
}

// CanTransition reports whether a resource of kind may move from s to next.
func (s ResourceStatus) CanTransition(kind Kind, next ResourceStatus) bool {
	if (s == StatusPaused || next == StatusPaused) && kind != KindRecurringTask {
		return false
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MarshalJSON implements json.Marshaler.
func (s ResourceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *ResourceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := ResourceStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// Operation is the lifecycle operation an installer job performs.
type Operation string

const (
	OperationInstall   Operation = "install"
	OperationUninstall Operation = "uninstall"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationInstall, OperationUninstall:
		return nil
	default:
		return NewValidationFault(fmt.Sprintf("invalid operation: %s", o), nil)
	}
}

// AcceptedFrom lists the statuses from which the operation may start.
func (o Operation) AcceptedFrom() []ResourceStatus {
	switch o {
	case OperationInstall:
		return []ResourceStatus{StatusPending, StatusFailed}
	case OperationUninstall:
		return []ResourceStatus{StatusActive, StatusPaused}
	default:
		return nil
	}
}

// Accepts reports whether a resource in status s may start the operation.
func (o Operation) Accepts(s ResourceStatus) bool {
	for _, from := range o.AcceptedFrom() {
		if from == s {
			return true
		}
	}
	return false
}

// WorkingStatus is the status held while the operation runs.
func (o Operation) WorkingStatus() ResourceStatus {
	if o == OperationUninstall {
		return StatusRemoving
	}
	return StatusInstalling
}

// DoneStatus is the status reached when the operation succeeds.
func (o Operation) DoneStatus() ResourceStatus {
	if o == OperationUninstall {
		return StatusUninstalled
	}
	return StatusActive
}

// EventStatus is the status of a single milestone.
type EventStatus string

const (
	EventPending EventStatus = "pending"
	EventSuccess EventStatus = "success"
	EventFailed  EventStatus = "failed"
)

// IsFinal reports whether the status closes a run.
func (s EventStatus) IsFinal() bool {
	return s == EventSuccess || s == EventFailed
}

// BootstrapPhase is the overall bootstrap status of a host.
type BootstrapPhase string

const (
	PhasePending    BootstrapPhase = "pending"
	PhaseInstalling BootstrapPhase = "installing"
	PhaseFailed     BootstrapPhase = "failed"
	PhaseReady      BootstrapPhase = "ready"
)

// StepState is the state of one bootstrap step.
type StepState string

const (
	StepPending    StepState = "pending"
	StepInstalling StepState = "installing"
	StepCompleted  StepState = "completed"
	StepFailed     StepState = "failed"
)

// Validate checks if the step state is valid.
func (s StepState) Validate() error {
	switch s {
	case StepPending, StepInstalling, StepCompleted, StepFailed:
		return nil
	default:
		return fmt.Errorf("invalid step state: %s", s)
	}
}

// DeploymentStatus is the status of a site deployment.
type DeploymentStatus string

const (
	DeploymentPending  DeploymentStatus = "pending"
	DeploymentUpdating DeploymentStatus = "updating"
	DeploymentSuccess  DeploymentStatus = "success"
	DeploymentFailed   DeploymentStatus = "failed"
)

// IsTerminal returns true if the deployment has finished.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentSuccess || s == DeploymentFailed
}

// DeploymentTrigger records what started a deployment.
type DeploymentTrigger string

const (
	TriggerManual  DeploymentTrigger = "manual"
	TriggerWebhook DeploymentTrigger = "webhook"
)
