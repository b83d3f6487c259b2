package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// stepResult is the outcome of a successful step.
type stepResult struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// runStep performs one step on host. Every failure comes back as a Fault:
// runner errors are connection faults unless already classified, and a
// non-zero exit is a command fault carrying stderr.
func (d *Deps) runStep(ctx context.Context, host *Host, step Step, timeout time.Duration) (*stepResult, error) {
	if step.Timeout > 0 {
		timeout = step.Timeout
	}

	ctx, span := d.Tracer.StartCommandSpan(ctx, host.ID, step.Milestone)
	defer span.End()

	start := time.Now()
	if step.Upload != nil {
		err := d.Runner.Upload(ctx, host, step.Upload.Content, step.Upload.Path, step.Upload.Mode)
		duration := time.Since(start)
		if err != nil {
			fault := classifyRunnerError(err, step)
			d.Metrics.RecordCommand("error", duration)
			telemetry.RecordError(span, fault)
			return nil, fault.WithHost(host.ID)
		}
		d.Metrics.RecordCommand("ok", duration)
		telemetry.RecordSuccess(span)
		return &stepResult{Duration: duration}, nil
	}

	result, err := d.Runner.Execute(ctx, host, step.Command, timeout)
	duration := time.Since(start)
	if err != nil {
		fault := classifyRunnerError(err, step)
		d.Metrics.RecordCommand("error", duration)
		telemetry.RecordError(span, fault)
		return nil, fault.WithHost(host.ID)
	}

	span.SetAttributes(telemetry.AttrExitCode.Int(result.ExitCode))
	if result.ExitCode != 0 {
		fault := NewCommandFault(step.Describe(), result.ExitCode, trimOutput(result.Stderr)).WithHost(host.ID)
		d.Metrics.RecordCommand("nonzero", duration)
		telemetry.RecordError(span, fault)
		return nil, fault
	}

	d.Metrics.RecordCommand("ok", duration)
	telemetry.RecordSuccess(span)
	return &stepResult{Stdout: result.Stdout, Stderr: result.Stderr, Duration: duration}, nil
}

func classifyRunnerError(err error, step Step) *Fault {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{
			Class:   FaultCommand,
			Code:    ErrCodeTimeout,
			Message: fmt.Sprintf("%s timed out", step.Describe()),
			Err:     err,
		}
	}
	return NewConnectionFault(fmt.Sprintf("%s: channel failed", step.Describe()), err)
}

// trimOutput keeps the tail of long command output.
func trimOutput(s string) string {
	const limit = 8192
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}

// asFault returns err as a Fault, classifying unknown errors as fatal.
func asFault(err error) *Fault {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault
	}
	return NewFatalJobFault(err.Error(), err)
}
