// Package policy evaluates rego admission policies before work is queued.
//
// The Engine implements engine.Admission. Every enabled policy exposes a
// deny set in its package; each element is a string or an object with
// message, code and severity keys. Any error-severity element rejects the
// request with a validation fault carrying the element's code, or
// POLICY_DENIED when it has none. Warnings are logged and admitted.
//
// Policies see the engine.AdmissionRequest as input:
//
//	{"actor": "cli", "action": "install", "phase": "ready", "new": true,
//	 "host": {...}, "resource": {...}, "counts": {"firewall_rule": 3}}
//
// and read data.pilot.limits (per-kind caps) and data.pilot.admins.
//
// # Built-in Policies
//
//   - host-ready: install and deploy need a host whose bootstrap is ready
//   - resource-quota: caps live resources per kind per host (QUOTA_EXCEEDED)
//   - host-ownership: hosts labelled owner=X only accept work from X and admins
//
// # Loading
//
// LoadPolicies reads .rego and .json files; Watch reloads them with fsnotify
// when the directory changes. A reload that fails to compile keeps the
// previous set.
package policy
