// Package stores persists orchestrator state. SQLiteStore implements
// engine.Store on SQLite in WAL mode with an embedded golang-migrate schema
// covering hosts, resources, operation events, bootstrap state, task run
// history, deployments, metric samples and the audit log.
package stores
