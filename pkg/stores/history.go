package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

const eventColumns = `id, run_id, host_id, resource_id, kind, operation, milestone, current_step, total_steps, status, details, error_log, created_at`

// AppendEvent appends a milestone. Insertion order is the replay order.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.OperationEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO operation_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.RunID,
		event.HostID,
		event.ResourceID,
		event.Kind,
		event.Operation,
		event.Milestone,
		event.CurrentStep,
		event.TotalSteps,
		event.Status,
		event.Details,
		event.ErrorLog,
		formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns matching events oldest first. With a limit only the
// newest Limit events are returned, still oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter engine.EventFilter) ([]*engine.OperationEvent, error) {
	var where []string
	var args []any
	if filter.HostID != "" {
		where = append(where, "host_id = ?")
		args = append(args, filter.HostID)
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}

	query := `SELECT seq, ` + eventColumns + ` FROM operation_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	query = `SELECT ` + eventColumns + ` FROM (` + query + `) ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.OperationEvent{}
	for rows.Next() {
		e := &engine.OperationEvent{}
		var createdAt string
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.HostID, &e.ResourceID, &e.Kind, &e.Operation, &e.Milestone,
			&e.CurrentStep, &e.TotalSteps, &e.Status, &e.Details, &e.ErrorLog, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// GetBootstrapState loads the bootstrap state of a host, or a fresh pending
// state when the host never started bootstrap.
func (s *SQLiteStore) GetBootstrapState(ctx context.Context, hostID string) (*engine.BootstrapState, error) {
	state := engine.NewBootstrapState(hostID)
	var steps, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT phase, steps, error_log, updated_at FROM bootstrap_states WHERE host_id = ?
	`, hostID).Scan(&state.Phase, &steps, &state.ErrorLog, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bootstrap state: %w", err)
	}

	if err := decodeJSON(steps, &state.Steps); err != nil {
		return nil, err
	}
	if state.Steps == nil {
		state.Steps = make(map[int]engine.StepState)
	}
	if state.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return state, nil
}

// SaveBootstrapState validates and upserts the bootstrap state of a host.
func (s *SQLiteStore) SaveBootstrapState(ctx context.Context, state *engine.BootstrapState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	steps, err := encodeJSON(state.Steps)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bootstrap_states (host_id, phase, steps, error_log, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (host_id) DO UPDATE SET
			phase = excluded.phase,
			steps = excluded.steps,
			error_log = excluded.error_log,
			updated_at = excluded.updated_at
	`, state.HostID, state.Phase, steps, state.ErrorLog, formatTime(state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save bootstrap state: %w", err)
	}
	return nil
}

const taskRunColumns = `id, task_id, host_id, started_at, completed_at, exit_code, output, error_output, duration_ms`

// CreateTaskRun inserts a started run.
func (s *SQLiteStore) CreateTaskRun(ctx context.Context, run *engine.TaskRun) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_runs (`+taskRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.TaskID,
		run.HostID,
		formatTime(run.StartedAt),
		formatNullTime(run.CompletedAt),
		nullInt(run.ExitCode),
		run.Output,
		run.ErrorOutput,
		run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to create task run: %w", err)
	}
	return nil
}

// CompleteTaskRun records the outcome of a run.
func (s *SQLiteStore) CompleteTaskRun(ctx context.Context, run *engine.TaskRun) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE task_runs
		SET completed_at = ?, exit_code = ?, output = ?, error_output = ?, duration_ms = ?
		WHERE id = ?
	`, formatNullTime(run.CompletedAt), nullInt(run.ExitCode), run.Output, run.ErrorOutput, run.DurationMs, run.ID)
	if err != nil {
		return fmt.Errorf("failed to complete task run: %w", err)
	}
	return requireRow(result, "task run", run.ID)
}

// ListTaskRuns returns the runs of a task newest first.
func (s *SQLiteStore) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]*engine.TaskRun, error) {
	query := `SELECT ` + taskRunColumns + ` FROM task_runs WHERE task_id = ? ORDER BY started_at DESC, rowid DESC`
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.TaskRun{}
	for rows.Next() {
		run := &engine.TaskRun{}
		var startedAt string
		var completedAt sql.NullString
		var exitCode sql.NullInt64
		if err := rows.Scan(
			&run.ID, &run.TaskID, &run.HostID, &startedAt, &completedAt, &exitCode,
			&run.Output, &run.ErrorOutput, &run.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		if run.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if run.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		run.ExitCode = intPtr(exitCode)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task runs: %w", err)
	}
	return runs, nil
}

const deploymentColumns = `id, site_id, host_id, status, trigger_type, branch, commit_sha, output, error_output, exit_code, started_at, completed_at, duration_ms, created_at`

// CreateDeployment inserts a deployment record.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *engine.Deployment) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO deployments (`+deploymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.SiteID,
		d.HostID,
		d.Status,
		d.Trigger,
		d.Branch,
		d.CommitSHA,
		d.Output,
		d.ErrorOutput,
		nullInt(d.ExitCode),
		formatNullTime(d.StartedAt),
		formatNullTime(d.CompletedAt),
		d.DurationMs,
		formatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateDeployment(ctx context.Context, db execer, d *engine.Deployment) error {
	result, err := db.ExecContext(ctx, `
		UPDATE deployments
		SET status = ?, commit_sha = ?, output = ?, error_output = ?, exit_code = ?,
			started_at = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
	`,
		d.Status, d.CommitSHA, d.Output, d.ErrorOutput, nullInt(d.ExitCode),
		formatNullTime(d.StartedAt), formatNullTime(d.CompletedAt), d.DurationMs,
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	return requireRow(result, "deployment", d.ID)
}

// UpdateDeployment writes the progress fields of a deployment.
func (s *SQLiteStore) UpdateDeployment(ctx context.Context, d *engine.Deployment) error {
	return updateDeployment(ctx, s.db, d)
}

func scanDeployment(row scanner) (*engine.Deployment, error) {
	d := &engine.Deployment{}
	var createdAt string
	var startedAt, completedAt sql.NullString
	var exitCode sql.NullInt64
	err := row.Scan(
		&d.ID, &d.SiteID, &d.HostID, &d.Status, &d.Trigger, &d.Branch, &d.CommitSHA,
		&d.Output, &d.ErrorOutput, &exitCode, &startedAt, &completedAt, &d.DurationMs, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	d.ExitCode = intPtr(exitCode)
	if d.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if d.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDeployment retrieves a deployment by ID.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	d, err := scanDeployment(s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// ListDeployments returns the deployments of a site newest first.
func (s *SQLiteStore) ListDeployments(ctx context.Context, siteID string, limit int) ([]*engine.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE site_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{siteID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*engine.Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}
	return deployments, nil
}

// ActivateDeployment stores the successful deployment and repoints its site
// in one transaction.
func (s *SQLiteStore) ActivateDeployment(ctx context.Context, d *engine.Deployment) error {
	if d.Status != engine.DeploymentSuccess {
		return engine.NewValidationFault("only successful deployments can be activated", nil).
			WithCode(engine.ErrCodeIllegalState).WithResource(d.SiteID)
	}

	at := d.CreatedAt
	if d.CompletedAt != nil {
		at = *d.CompletedAt
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateDeployment(ctx, tx, d); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE resources SET active_deployment_id = ?, updated_at = ? WHERE id = ?
		`, d.ID, formatTime(at), d.SiteID)
		if err != nil {
			return fmt.Errorf("failed to activate deployment: %w", err)
		}
		return requireRow(result, "site", d.SiteID)
	})
}

// SaveMetricSamples inserts a batch of samples atomically.
func (s *SQLiteStore) SaveMetricSamples(ctx context.Context, samples []*engine.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO metric_samples (
				id, host_id, cpu_usage, memory_total_bytes, memory_used_bytes, memory_usage,
				storage_total_bytes, storage_used_bytes, storage_usage, collected_at, received_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare sample insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range samples {
			if _, err := stmt.ExecContext(ctx,
				m.ID, m.HostID, m.CPUUsage, m.MemoryTotalBytes, m.MemoryUsedBytes, m.MemoryUsage,
				m.StorageTotalBytes, m.StorageUsedBytes, m.StorageUsage,
				formatTime(m.CollectedAt), formatTime(m.ReceivedAt),
			); err != nil {
				return fmt.Errorf("failed to save sample: %w", err)
			}
		}
		return nil
	})
}

// ListMetricSamples returns the newest samples of a host, newest first.
func (s *SQLiteStore) ListMetricSamples(ctx context.Context, hostID string, limit int) ([]*engine.MetricSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host_id, cpu_usage, memory_total_bytes, memory_used_bytes, memory_usage,
			storage_total_bytes, storage_used_bytes, storage_usage, collected_at, received_at
		FROM metric_samples WHERE host_id = ?
		ORDER BY collected_at DESC, rowid DESC
		LIMIT ?
	`, hostID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	defer rows.Close()

	samples := []*engine.MetricSample{}
	for rows.Next() {
		m := &engine.MetricSample{}
		var collectedAt, receivedAt string
		if err := rows.Scan(
			&m.ID, &m.HostID, &m.CPUUsage, &m.MemoryTotalBytes, &m.MemoryUsedBytes, &m.MemoryUsage,
			&m.StorageTotalBytes, &m.StorageUsedBytes, &m.StorageUsage, &collectedAt, &receivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		if m.CollectedAt, err = parseTime(collectedAt); err != nil {
			return nil, err
		}
		if m.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, err
		}
		samples = append(samples, m)
	}
	return samples, rows.Err()
}

// RecordAudit appends an audit entry.
func (s *SQLiteStore) RecordAudit(ctx context.Context, entry *engine.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (id, actor, action, target_type, target_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Actor, entry.Action, entry.TargetType, entry.TargetID, entry.Details, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record audit: %w", err)
	}
	return nil
}

// ListAudit returns audit entries for one target, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, targetType, targetID string) ([]*engine.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, target_type, target_id, details, created_at
		FROM audit WHERE target_type = ? AND target_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, targetType, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		e := &engine.AuditEntry{}
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.TargetType, &e.TargetID, &e.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
