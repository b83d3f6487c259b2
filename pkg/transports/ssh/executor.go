package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Execute runs a command on the remote host.
func (c *SSHClient) Execute(ctx context.Context, cmd string) (*ExecResult, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	startedAt := time.Now()
	log.Debug().Str("host", c.config.Host).Str("command", cmd).Msg("executing command")

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
			_ = session.Signal(ssh.SIGKILL)
		}
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result := &ExecResult{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	result.Duration = result.FinishedAt.Sub(startedAt)

	log.Debug().
		Str("host", c.config.Host).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}

	if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(execErr, context.Canceled) {
		return result, &TransportError{
			Op:        "execute",
			Err:       execErr,
			IsTimeout: errors.Is(execErr, context.DeadlineExceeded),
		}
	}

	// ExitMissingError and io errors both mean the channel dropped.
	return result, &TransportError{
		Op:          "execute",
		Err:         execErr,
		IsTemporary: true,
	}
}
