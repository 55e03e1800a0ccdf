// Package remote executes shell commands on provisioned VMs over SSH.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// dialTimeout bounds the TCP+handshake phase; the command itself is
// bounded by the caller's context.
const dialTimeout = 10 * time.Second

// Runner runs a command against a remote address and returns its
// stdout. Implementations must honor ctx for the full duration of the
// command.
type Runner interface {
	Run(ctx context.Context, addr, command string) (string, error)
}

// SSHRunner runs commands over SSH with public-key auth, one session
// per command.
type SSHRunner struct {
	user   string
	signer ssh.Signer
	port   int
	logger *slog.Logger
}

var _ Runner = (*SSHRunner)(nil)

// NewSSHRunner parses the PEM private key and returns a runner for the
// given user.
func NewSSHRunner(user string, privateKeyPEM []byte, logger *slog.Logger) (*SSHRunner, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh private key: %w", err)
	}
	return &SSHRunner{
		user:   user,
		signer: signer,
		port:   22,
		logger: logger,
	}, nil
}

// Run connects to addr, runs the command in a fresh session, and
// returns trimmed stdout. When ctx expires the session is signalled
// and ctx's error is returned; the caller decides whether that is
// fatal (for config retrieval it never is -- the next poll retries).
func (r *SSHRunner) Run(ctx context.Context, addr, command string) (string, error) {
	start := time.Now()

	// VMs are created on demand and their host keys are not known in
	// advance, so host key verification is skipped. The channel only
	// ever carries a freshly generated client config.
	clientCfg := &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(addr, fmt.Sprintf("%d", r.port)), clientCfg)
	if err != nil {
		return "", fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session %s: %w", addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		err = ctx.Err()
	case err = <-done:
	}

	r.logger.Debug("remote command finished",
		slog.String("addr", addr),
		slog.Int("stdout_len", stdout.Len()),
		slog.Duration("duration", time.Since(start)),
	)

	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return stdout.String(), fmt.Errorf("command exited with code %d: %s",
				exitErr.ExitStatus(), strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), fmt.Errorf("running command on %s: %w", addr, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
