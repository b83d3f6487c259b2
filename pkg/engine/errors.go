package engine

import (
	"errors"
	"fmt"
)

// FaultClass classifies why an operation was rejected or failed.
type FaultClass string

const (
	// FaultValidation rejects a request before anything is enqueued.
	// Examples: malformed port, bad cron expression, illegal state.
	FaultValidation FaultClass = "validation"

	// FaultLockContention rejects a request whose lock is already held.
	FaultLockContention FaultClass = "lock_contention"

	// FaultConnection means the remote channel could not be opened or dropped mid-command.
	FaultConnection FaultClass = "connection"

	// FaultCommand means a remote command exited non-zero or timed out.
	FaultCommand FaultClass = "command"

	// FaultFatal is an unexpected panic or internal error inside a job.
	FaultFatal FaultClass = "fatal"
)

// Fault is a classified error with operation context. Nothing in the engine
// retries on a fault; every class is terminal for the dispatch that raised it.
type Fault struct {
	Class FaultClass `json:"class"`

	// Code is a stable machine-readable reason.
	Code string `json:"code,omitempty"`

	Message    string `json:"message"`
	HostID     string `json:"host_id,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	Operation  string `json:"operation,omitempty"`

	// ExitCode is set for command faults.
	ExitCode *int `json:"exit_code,omitempty"`

	Err error `json:"-"`

	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (f *Fault) Error() string {
	msg := fmt.Sprintf("[%s] %s", f.Class, f.Message)
	if f.ResourceID != "" {
		msg += fmt.Sprintf(" (resource=%s)", f.ResourceID)
	}
	if f.ExitCode != nil {
		msg += fmt.Sprintf(" (exit=%d)", *f.ExitCode)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Is matches another Fault with the same class and code. An empty code on the
// target matches any code of that class.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	if t.Code == "" {
		return f.Class == t.Class
	}
	return f.Class == t.Class && f.Code == t.Code
}

func NewValidationFault(message string, err error) *Fault {
	return &Fault{Class: FaultValidation, Code: ErrCodeValidation, Message: message, Err: err}
}

func NewLockContention(key string) *Fault {
	return &Fault{
		Class:   FaultLockContention,
		Code:    ErrCodeLockHeld,
		Message: "operation already in flight",
		Details: map[string]interface{}{"lock_key": key},
	}
}

func NewConnectionFault(message string, err error) *Fault {
	return &Fault{Class: FaultConnection, Code: ErrCodeConnection, Message: message, Err: err}
}

// NewCommandFault describes a remote command that exited non-zero.
// stderr is appended so error_log carries what the host printed.
func NewCommandFault(command string, exitCode int, stderr string) *Fault {
	msg := fmt.Sprintf("command %q failed", command)
	f := &Fault{Class: FaultCommand, Code: ErrCodeNonZeroExit, Message: msg, ExitCode: &exitCode}
	if stderr != "" {
		f.Err = errors.New(stderr)
	}
	return f
}

func NewFatalJobFault(message string, err error) *Fault {
	return &Fault{Class: FaultFatal, Code: ErrCodeInternal, Message: message, Err: err}
}

func (f *Fault) WithCode(code string) *Fault {
	f.Code = code
	return f
}

func (f *Fault) WithHost(hostID string) *Fault {
	f.HostID = hostID
	return f
}

func (f *Fault) WithResource(resourceID string) *Fault {
	f.ResourceID = resourceID
	return f
}

func (f *Fault) WithOperation(operation string) *Fault {
	f.Operation = operation
	return f
}

// WithDetail adds a detail field to the fault context.
func (f *Fault) WithDetail(key string, value interface{}) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]interface{})
	}
	f.Details[key] = value
	return f
}

// ClassOf returns the fault class of err, or FaultFatal for unclassified errors.
func ClassOf(err error) FaultClass {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	return FaultFatal
}

func IsValidationFault(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Class == FaultValidation
}

func IsLockContention(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Class == FaultLockContention
}

func IsConnectionFault(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Class == FaultConnection
}

func IsCommandFault(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Class == FaultCommand
}

func IsFatalJobFault(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Class == FaultFatal
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// Common fault codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeIllegalState    = "ILLEGAL_STATE"
	ErrCodeAlreadyActive   = "ALREADY_ACTIVE"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrCodeStatusChanged   = "STATUS_CHANGED"
	ErrCodePolicyDenied    = "POLICY_DENIED"
	ErrCodeQuotaExceeded   = "QUOTA_EXCEEDED"
	ErrCodeHostNotReady    = "HOST_NOT_READY"
	ErrCodeLockHeld        = "LOCK_HELD"
	ErrCodeConnection      = "CONNECTION_FAILED"
	ErrCodeNonZeroExit     = "NON_ZERO_EXIT"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeQueueFull       = "QUEUE_FULL"
	ErrCodeAutoDeployOff   = "AUTO_DEPLOY_DISABLED"
	ErrCodeInvalidSample   = "INVALID_SAMPLE"
	ErrCodeUnknownKind     = "UNKNOWN_KIND"
	ErrCodeStepOutOfOrder  = "STEP_OUT_OF_ORDER"
	ErrCodeMissingErrorLog = "MISSING_ERROR_LOG"
)
