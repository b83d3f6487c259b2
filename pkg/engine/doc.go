// Package engine drives remote hosts through provisioning and package
// lifecycle operations.
//
// # Overview
//
// Every unit a host can carry is a Resource of one Kind: runtime, database,
// firewall_rule, worker, recurring_task, proxy or site. All kinds share one
// status machine:
//
//	pending -> installing -> active -> removing -> uninstalled
//	               |                      |
//	               +-------> failed <-----+
//
// Recurring tasks may additionally move between active and paused. A failed
// resource is retried with a new install.
//
// # Work Types
//
// The engine runs four kinds of queued work on a shared WorkerPool:
//
//   - Installer: install or uninstall one resource by running its Recipe
//   - Bootstrapper: the fixed eight step preparation of a new host
//   - TaskRunner: cron-driven runs of recurring tasks with a history ledger
//   - Deployer: fetch, build and activate a release of a site
//
// The Dispatcher is the only entry point for new work. It validates payloads,
// consults the Admission policy and takes the overlap lock before anything is
// queued, so a rejected request never leaves a trace besides its error.
//
// # Locking
//
// A Locker hands out leases on string keys. Resource locks are fail-fast and
// keyed by host, kind and identifying key so two requests for the same port
// range collide even before the second one has a record. Package manager
// work additionally waits on the host-wide packages key. MemoryLocker serves a
// single process; RedisLocker serves several.
//
// # Faults
//
// Errors crossing the package boundary are *Fault values classified as
// validation, lock_contention, connection, command or fatal. Nothing is
// retried automatically:
//
//	if engine.IsLockContention(err) {
//	    // the same operation is already in flight
//	}
//
// # Progress
//
// Each job run emits milestones through a ProgressRun. Steps never go
// backwards, never exceed the run's total and end with exactly one success or
// failure event. Events are stored and published to per-host subscribers.
package engine
