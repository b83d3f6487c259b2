package policy

import (
	"time"
)

// Severity is how a violation affects admission.
type Severity string

const (
	// SeverityWarning is logged and admitted.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the request.
	SeverityError Severity = "error"
)

// Policy is one rego module whose deny set is consulted at enqueue.
type Policy struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Rego        string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`
	Enabled  bool     `json:"enabled"`
	Builtin  bool     `json:"builtin"`

	// Source is the file the policy was loaded from.
	Source    string    `json:"source,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one element of a policy's deny set.
//
// A deny rule may produce a plain string or an object with message, code and
// severity keys.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Code     string   `json:"code,omitempty"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate. They do not block.
	Errors      []string      `json:"errors,omitempty"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}
