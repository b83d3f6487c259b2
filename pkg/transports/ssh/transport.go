// Package ssh runs commands and uploads files on remote hosts over SSH.
package ssh

import (
	"context"
	"errors"
	"os"
	"time"
)

// Transport is one authenticated connection to a host.
type Transport interface {
	// Connect establishes the SSH connection. Calling it on a live
	// connection is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases all resources.
	Disconnect() error

	IsConnected() bool

	// HealthCheck runs a trivial command to prove the channel still works.
	HealthCheck(ctx context.Context) error

	// Execute runs cmd and returns its exit code and output. A non-zero exit
	// is not an error; errors mean the channel failed or ctx expired.
	Execute(ctx context.Context, cmd string) (*ExecResult, error)

	// Upload writes content to remotePath via SFTP, creating parent directories.
	Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error

	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	Err error

	// IsTemporary indicates the channel may work on a later attempt.
	IsTemporary bool

	// IsAuthError indicates the server rejected our credentials.
	IsAuthError bool

	// IsTimeout indicates the context deadline expired before the operation finished.
	IsTimeout bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTimeout
}
