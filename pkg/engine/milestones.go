package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// Emitter persists operation milestones and broadcasts them to the host's
// subscribers. It is the only path by which job progress becomes visible.
type Emitter struct {
	deps   *Deps
	logger zerolog.Logger
}

// NewEmitter creates an emitter writing to deps.Store and deps.Publisher.
func NewEmitter(deps *Deps) *Emitter {
	return &Emitter{deps: deps, logger: deps.logger("emitter")}
}

// ProgressRun is the milestone stream of one job run. Steps never regress,
// never exceed the total, and nothing is emitted after the final event.
type ProgressRun struct {
	emitter *Emitter

	id        string
	hostID    string
	resource  string
	kind      Kind
	operation Operation
	total     int

	mu     sync.Mutex
	last   int
	closed bool
}

// Begin opens a run for res. total is the number of steps the operation
// performs and is fixed for the run.
func (e *Emitter) Begin(res *Resource, op Operation, total int) (*ProgressRun, error) {
	if total < 1 {
		return nil, NewValidationFault(fmt.Sprintf("total steps must be positive, got %d", total), nil)
	}
	return &ProgressRun{
		emitter:   e,
		id:        uuid.New().String(),
		hostID:    res.HostID,
		resource:  res.ID,
		kind:      res.Kind,
		operation: op,
		total:     total,
	}, nil
}

// ID returns the run id shared by every event of the run.
func (r *ProgressRun) ID() string { return r.id }

// Total returns the fixed step count of the run.
func (r *ProgressRun) Total() int { return r.total }

// Closed reports whether a final event has been emitted.
func (r *ProgressRun) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Emit records one milestone. A success or failed status closes the run.
func (r *ProgressRun) Emit(ctx context.Context, milestone string, step int, status EventStatus, details string) error {
	return r.emit(ctx, milestone, step, status, details, "")
}

// Succeed closes the run at the last step.
func (r *ProgressRun) Succeed(ctx context.Context, milestone, details string) error {
	return r.emit(ctx, milestone, r.total, EventSuccess, details, "")
}

// Fail closes the run at step with errorLog. A step behind the last emitted
// one is clamped forward so the stream stays monotonic.
func (r *ProgressRun) Fail(ctx context.Context, milestone string, step int, errorLog string) error {
	if errorLog == "" {
		return NewValidationFault("failed milestone requires an error log", nil).WithCode(ErrCodeMissingErrorLog)
	}
	r.mu.Lock()
	if step < r.last {
		step = r.last
	}
	r.mu.Unlock()
	return r.emit(ctx, milestone, step, EventFailed, "", errorLog)
}

func (r *ProgressRun) emit(ctx context.Context, milestone string, step int, status EventStatus, details, errorLog string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.closed:
		return NewValidationFault("run already finished", nil).
			WithCode(ErrCodeStepOutOfOrder).WithResource(r.resource)
	case step < r.last:
		return NewValidationFault(fmt.Sprintf("step %d regresses from %d", step, r.last), nil).
			WithCode(ErrCodeStepOutOfOrder).WithResource(r.resource)
	case step > r.total:
		return NewValidationFault(fmt.Sprintf("step %d exceeds total %d", step, r.total), nil).
			WithCode(ErrCodeStepOutOfOrder).WithResource(r.resource)
	}

	e := r.emitter
	event := &OperationEvent{
		ID:          uuid.New().String(),
		RunID:       r.id,
		HostID:      r.hostID,
		ResourceID:  r.resource,
		Kind:        r.kind,
		Operation:   r.operation,
		Milestone:   milestone,
		CurrentStep: step,
		TotalSteps:  r.total,
		Status:      status,
		Details:     details,
		ErrorLog:    errorLog,
		CreatedAt:   e.deps.now(),
	}

	if err := e.deps.Store.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	r.last = step
	if status.IsFinal() {
		r.closed = true
	}

	e.deps.publish(r.hostID, telemetry.EventTypeOperation, event)

	e.logger.Debug().
		Str("resource_id", r.resource).
		Str("milestone", milestone).
		Int("step", step).
		Int("total", r.total).
		Str("status", string(status)).
		Msg("milestone emitted")

	return nil
}
