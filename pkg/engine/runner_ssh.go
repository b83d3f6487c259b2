package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"

	transport "github.com/stackpilot/stackpilot/pkg/transports/ssh"
)

// SSHRunnerConfig holds the credentials used for every host.
type SSHRunnerConfig struct {
	Signer xssh.Signer

	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
}

// SSHRunner is the Runner used in production. Hosts share one key pair; the
// login user switches from the bootstrap user to the pilot user once
// bootstrap has created it, and commands run through sudo when the login is
// not root.
type SSHRunner struct {
	pool   *transport.Pool
	cfg    SSHRunnerConfig
	logger zerolog.Logger
}

// NewSSHRunner creates a runner over pool.
func NewSSHRunner(pool *transport.Pool, cfg SSHRunnerConfig, logger zerolog.Logger) *SSHRunner {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &SSHRunner{pool: pool, cfg: cfg, logger: logger.With().Str("component", "ssh-runner").Logger()}
}

func (r *SSHRunner) config(host *Host) *transport.Config {
	cfg := transport.DefaultConfig(host.Address, host.LoginUser())
	if host.Port > 0 {
		cfg.Port = host.Port
	}
	cfg.Signer = r.cfg.Signer
	cfg.KnownHostsPath = r.cfg.KnownHostsPath
	cfg.StrictHostKeyChecking = r.cfg.StrictHostKeyChecking
	cfg.ConnectionTimeout = r.cfg.ConnectTimeout
	cfg.KeepAliveInterval = r.cfg.KeepAliveInterval
	return cfg
}

func privileged(host *Host) bool {
	return host.LoginUser() == "root"
}

// Execute runs command on host with timeout.
func (r *SSHRunner) Execute(ctx context.Context, host *Host, command string, timeout time.Duration) (*CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cfg := r.config(host)
	client, err := r.pool.Get(ctx, cfg)
	if err != nil {
		r.pool.Evict(cfg)
		return nil, r.mapError(host, err)
	}

	wrapped := command
	if !privileged(host) {
		wrapped = "sudo -n sh -c " + shellQuote(command)
	}

	r.logger.Debug().Str("host_id", host.ID).Str("user", cfg.User).Str("command", command).Msg("executing")
	result, err := client.Execute(ctx, wrapped)
	if err != nil {
		var terr *transport.TransportError
		if !errors.As(err, &terr) || !terr.IsTimeout {
			r.pool.Evict(cfg)
		}
		return nil, r.mapError(host, err)
	}

	return &CommandResult{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Duration: result.Duration,
	}, nil
}

// Upload writes content to remotePath. Unprivileged logins upload into /tmp and
// move the file into place with sudo.
func (r *SSHRunner) Upload(ctx context.Context, host *Host, content []byte, remotePath string, mode os.FileMode) error {
	cfg := r.config(host)
	client, err := r.pool.Get(ctx, cfg)
	if err != nil {
		r.pool.Evict(cfg)
		return r.mapError(host, err)
	}

	if privileged(host) {
		if err := client.Upload(ctx, content, remotePath, mode); err != nil {
			return r.mapError(host, err)
		}
		return nil
	}

	staging := "/tmp/pilot-upload-" + uuid.New().String()
	if err := client.Upload(ctx, content, staging, 0600); err != nil {
		return r.mapError(host, err)
	}

	install := fmt.Sprintf("sudo -n install -D -m %04o %s %s; rc=$?; rm -f %s; exit $rc",
		mode.Perm(), staging, shellQuote(remotePath), staging)
	result, err := client.Execute(ctx, install)
	if err != nil {
		return r.mapError(host, err)
	}
	if result.ExitCode != 0 {
		return NewCommandFault("install "+remotePath, result.ExitCode, trimOutput(result.Stderr)).WithHost(host.ID)
	}
	return nil
}

func (r *SSHRunner) mapError(host *Host, err error) *Fault {
	var terr *transport.TransportError
	if errors.As(err, &terr) && terr.IsTimeout && terr.Op != "connect" {
		return (&Fault{
			Class:   FaultCommand,
			Code:    ErrCodeTimeout,
			Message: "remote command timed out",
			Err:     err,
		}).WithHost(host.ID)
	}
	return NewConnectionFault(fmt.Sprintf("ssh to %s failed", host.Address), err).WithHost(host.ID)
}

// Close drops every cached connection.
func (r *SSHRunner) Close() error {
	return r.pool.Close()
}
