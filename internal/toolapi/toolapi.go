// Package toolapi is the assistant-facing tool-call surface. The stdio
// framing lives outside the process boundary; this package consumes decoded
// arguments and produces the decoded results and envelopes written back out.
package toolapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/stackmill/sshbridge/internal/logutil"
	"github.com/stackmill/sshbridge/internal/session"
	"github.com/stackmill/sshbridge/internal/sshexec"
	"github.com/stackmill/sshbridge/internal/sshkeys"
)

// DialFunc opens an SSH connection. Injectable so tests run against fakes.
type DialFunc func(ctx context.Context, cfg sshexec.Config) (sshexec.Conn, error)

// API implements the tool-call operations against the session registry.
type API struct {
	registry       *session.Registry
	dial           DialFunc
	listenPort     int
	sessionCfg     session.Config
	connectTimeout time.Duration
}

// New builds the API. A nil dial falls back to the real SSH dialer.
func New(registry *session.Registry, listenPort int, sessionCfg session.Config, connectTimeout time.Duration, dial DialFunc) *API {
	if dial == nil {
		dial = func(ctx context.Context, cfg sshexec.Config) (sshexec.Conn, error) {
			return sshexec.Dial(ctx, cfg)
		}
	}
	if connectTimeout <= 0 {
		connectTimeout = sshexec.DefaultConnectTimeout
	}
	return &API{
		registry:       registry,
		dial:           dial,
		listenPort:     listenPort,
		sessionCfg:     sessionCfg,
		connectTimeout: connectTimeout,
	}
}

// ConnectArgs are the decoded arguments for the connect operation. Exactly
// one of Password, PrivateKey, or KeyFilePath must be supplied.
type ConnectArgs struct {
	Name       string
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	KeyFile    string
	Passphrase string
}

// Connect opens a session and registers it under its name.
func (a *API) Connect(ctx context.Context, args ConnectArgs) (session.ConnMeta, error) {
	if err := session.ValidateName(args.Name); err != nil {
		return session.ConnMeta{}, err
	}
	if args.Host == "" || args.Username == "" {
		return session.ConnMeta{}, session.ErrMissingField
	}
	if a.registry.Has(args.Name) {
		return session.ConnMeta{}, session.ErrNameTaken
	}

	cfg := sshexec.Config{
		Host:           args.Host,
		Port:           args.Port,
		Username:       args.Username,
		ConnectTimeout: a.connectTimeout,
	}
	switch {
	case args.PrivateKey != "":
		signer, err := sshkeys.ParseSigner([]byte(args.PrivateKey), args.Passphrase)
		if err != nil {
			return session.ConnMeta{}, fmt.Errorf("%w: %v", session.ErrAuth, err)
		}
		cfg.Signer = signer
	case args.KeyFile != "":
		signer, err := sshkeys.LoadSignerFromFile(args.KeyFile, args.Passphrase)
		if err != nil {
			return session.ConnMeta{}, err
		}
		cfg.Signer = signer
	case args.Password != "":
		cfg.Password = args.Password
	default:
		return session.ConnMeta{}, session.ErrMissingField
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	conn, err := a.dial(dialCtx, cfg)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return session.ConnMeta{}, session.ErrConnectTimeout
		case sshexec.IsAuthError(err):
			return session.ConnMeta{}, session.ErrAuth
		}
		return session.ConnMeta{}, fmt.Errorf("%w: %v", session.ErrIO, err)
	}

	s := session.New(args.Name, args.Host, args.Username, conn, a.sessionCfg)
	if err := a.registry.Add(s); err != nil {
		s.Close("registration failed")
		return session.ConnMeta{}, err
	}

	log.Printf("[toolapi] connected session %s to %s@%s",
		logutil.SanitizeForLog(args.Name), logutil.SanitizeForLog(args.Username), logutil.SanitizeForLog(args.Host))
	return s.Meta(), nil
}

// ExecArgs are the decoded arguments for the exec operation.
type ExecArgs struct {
	SessionName string
	Command     string
	// Timeout overrides the session's default idle timeout; zero keeps it.
	Timeout time.Duration
}

// Exec submits an assistant command and waits for its outcome. A gating
// refusal comes back as a *session.GatingError; no SSH work occurs in that
// case.
func (a *API) Exec(ctx context.Context, args ExecArgs) (session.Result, error) {
	if args.Command == "" {
		return session.Result{ExitCode: -1}, session.ErrMissingField
	}
	s, err := a.registry.Get(args.SessionName)
	if err != nil {
		return session.Result{ExitCode: -1}, err
	}

	req := session.NewCommandRequest(args.Command, session.SourceAssistant, uuid.New().String(), args.Timeout)
	if err := s.Submit(req); err != nil {
		return session.Result{ExitCode: -1}, err
	}
	return req.Wait(ctx)
}

// ListSessions returns metadata for every registered session.
func (a *API) ListSessions() []session.ConnMeta {
	sessions := a.registry.List()
	out := make([]session.ConnMeta, len(sessions))
	for i, s := range sessions {
		out[i] = s.Meta()
	}
	return out
}

// Disconnect tears a session down and removes it from the registry.
func (a *API) Disconnect(name string) error {
	return a.registry.Teardown(name)
}

// Cancel aborts the in-flight assistant command on a session.
func (a *API) Cancel(name string) error {
	s, err := a.registry.Get(name)
	if err != nil {
		return err
	}
	return s.CancelAssistant()
}

/// Reset triggers the recovery reset on a session: in-flight work is
// cancelled, the queue flushed, and the gating ledger cleared.
func (a *API) Reset(name, reason string) error {
	s, err := a.registry.Get(name)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "manual reset"
	}
	s.Reset(reason)
	return nil
}

// MonitoringURL returns the browser terminal URL for a session.
func (a *API) MonitoringURL(name string) (string, error) {
	if _, err := a.registry.Get(name); err != nil {
		return "", err
	}
	return fmt.Sprintf("http://127.0.0.1:%d/session/%s", a.listenPort, url.PathEscape(name)), nil
}
