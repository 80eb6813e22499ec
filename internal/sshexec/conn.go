// Package sshexec runs discrete commands over a single SSH connection.
//
// There is no long-lived remote shell: every command is its own exec
// invocation on a fresh ssh.Session, and the connection is held exclusively
// by the owning terminal session. The Conn interface exists so the
// coordinator can be exercised against in-memory fakes in tests.
package sshexec

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/stackmill/sshbridge/internal/logutil"
)

// DefaultConnectTimeout bounds the SSH dial.
const DefaultConnectTimeout = 10 * time.Second

// keepaliveInterval is how often an idle connection is probed.
const keepaliveInterval = 30 * time.Second

// Conn is one authenticated SSH connection capable of running commands.
type Conn interface {
	// Exec starts command on the remote host and returns the in-flight
	// execution. The caller consumes the stream and observes completion.
	Exec(ctx context.Context, command string) (Execution, error)
	Close() error
}

// Execution is a single in-flight remote command.
type Execution interface {
	// Stdout and Stderr deliver output chunks. Both channels are closed
	// once the command finishes.
	Stdout() <-chan []byte
	Stderr() <-chan []byte
	// Done is closed when the command has fully terminated.
	Done() <-chan struct{}
	// Interrupt asks the remote command to stop (SIGINT first, hard
	// teardown shortly after if it does not exit).
	Interrupt()
	// Kill tears the stream down immediately.
	Kill()
	// ExitCode is valid after Done is closed; -1 means unknown.
	ExitCode() int
	// Err reports a transport fault observed during the command, if any.
	Err() error
}

// Config describes how to reach and authenticate against a remote host.
type Config struct {
	Host     string
	Port     int
	Username string

	// Exactly one of Password or Signer must be set.
	Password string
	Signer   ssh.Signer

	// ConnectTimeout bounds the dial; zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// SSHConn wraps an *ssh.Client as a Conn.
type SSHConn struct {
	client *ssh.Client
}

// Dial opens an authenticated SSH connection. The dial is abandoned when ctx
// is cancelled or the connect timeout elapses.
func Dial(ctx context.Context, cfg Config) (*SSHConn, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("dial: host is empty")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("dial: username is empty")
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("dial: invalid port %d", port)
	}

	var auth []ssh.AuthMethod
	if cfg.Signer != nil {
		auth = append(auth, ssh.PublicKeys(cfg.Signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("dial: no authentication method")
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var client *ssh.Client
	var dialErr error
	dialDone := make(chan struct{})
	go func() {
		defer close(dialDone)
		client, dialErr = ssh.Dial("tcp", addr, clientConfig)
	}()

	select {
	case <-dialCtx.Done():
		return nil, fmt.Errorf("dial %s: %w", logutil.SanitizeForLog(addr), dialCtx.Err())
	case <-dialDone:
		if dialErr != nil {
			return nil, fmt.Errorf("dial %s: %w", logutil.SanitizeForLog(addr), dialErr)
		}
	}

	return &SSHConn{client: client}, nil
}

// IsAuthError reports whether err looks like an SSH authentication failure
// rather than a transport fault.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "handshake failed")
}

// Close tears down the underlying SSH connection.
func (c *SSHConn) Close() error {
	return c.client.Close()
}

// Keepalive runs periodic keepalive probes until ctx is cancelled. onFail is
// invoked once when a probe fails, after which the loop exits; the caller is
// expected to tear the session down.
func (c *SSHConn) Keepalive(ctx context.Context, onFail func(error)) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				if onFail != nil {
					onFail(err)
				}
				return
			}
		}
	}
}
