package policy

import (
	"github.com/stackpilot/stackpilot/pkg/engine"
)

// DefaultLimits caps live resources per kind on one host.
var DefaultLimits = map[engine.Kind]int{
	engine.KindRuntime:       10,
	engine.KindDatabase:      10,
	engine.KindFirewallRule:  50,
	engine.KindWorker:        20,
	engine.KindRecurringTask: 50,
	engine.KindProxy:         1,
	engine.KindSite:          50,
}

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		hostReadyPolicy(),
		resourceQuotaPolicy(),
		hostOwnershipPolicy(),
	}
}

func hostReadyPolicy() Policy {
	return Policy{
		Name:        "host-ready",
		Description: "Installs and deployments require a host that finished bootstrap",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package pilot.admission.host_ready

import rego.v1

gated_actions := {"install", "deploy"}

deny contains violation if {
	gated_actions[input.action]
	input.phase != "ready"
	violation := {
		"message": sprintf("host %s is not ready (bootstrap %s)", [input.host.id, input.phase]),
		"code": "HOST_NOT_READY",
	}
}
`,
	}
}

func resourceQuotaPolicy() Policy {
	return Policy{
		Name:        "resource-quota",
		Description: "Caps live resources per kind on one host",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package pilot.admission.quota

import rego.v1

deny contains violation if {
	input.new
	kind := input.resource.kind
	limit := data.pilot.limits[kind]
	current := object.get(input.counts, kind, 0)
	current >= limit
	violation := {
		"message": sprintf("host %s already has %d %s resources (limit %d)", [input.host.id, current, kind, limit]),
		"code": "QUOTA_EXCEEDED",
	}
}
`,
	}
}

func hostOwnershipPolicy() Policy {
	return Policy{
		Name:        "host-ownership",
		Description: "Hosts labelled with an owner only accept work from that owner, admins and webhooks",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package pilot.admission.ownership

import rego.v1

allowed_actor(actor) if actor == input.host.labels.owner

allowed_actor(actor) if data.pilot.admins[_] == actor

allowed_actor("webhook") if input.action == "deploy"

deny contains violation if {
	owner := input.host.labels.owner
	not allowed_actor(input.actor)
	violation := {
		"message": sprintf("host %s is owned by %s", [input.host.id, owner]),
		"code": "POLICY_DENIED",
	}
}
`,
	}
}
