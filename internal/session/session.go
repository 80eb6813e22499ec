// Package session implements the per-session coordination core: the command
// queue, the browser command buffer (the gating ledger), the transcript
// buffer with replay, prompt synthesis, and the coordinator state machine
// that serializes command execution over one SSH connection shared by a
// human browser channel and an assistant tool channel.
package session

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/stackmill/sshbridge/internal/logutil"
	"github.com/stackmill/sshbridge/internal/sshexec"
)

// State is the coordinator's execution state.
type State string

const (
	StateWaiting   State = "waiting_for_command"
	StateExecuting State = "executing_command"
)

// DefaultCommandTimeout is the per-request idle timeout when none is given.
// The deadline resets on each stdout chunk, so long-running commands that
// keep producing output are not cut off.
const DefaultCommandTimeout = 15 * time.Second

// cwdRefreshTimeout bounds the silent pwd used to refresh the directory cache.
const cwdRefreshTimeout = 5 * time.Second

// Config tunes a session's buffers and deadlines. Zero values fall back to
// the package defaults.
type Config struct {
	DefaultTimeout  time.Duration
	QueueCapacity   int
	QueueStaleAfter time.Duration
	TranscriptSize  int
	LedgerSize      int

	// RecoveryTimeout bounds total command residency; when exceeded the
	// session is forcibly reset. Zero means resets are manual only.
	RecoveryTimeout time.Duration
}

// ConnMeta is the connection metadata exposed by listSessions.
type ConnMeta struct {
	Name         string    `json:"name"`
	Host         string    `json:"host"`
	Username     string    `json:"username"`
	Status       string    `json:"status"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// activeCommand is the single in-flight request with its cancellation token.
type activeCommand struct {
	req        *CommandRequest
	startedAt  time.Time
	cancel     chan struct{}
	cancelOnce sync.Once
}

func (ac *activeCommand) requestCancel() {
	ac.cancelOnce.Do(func() { close(ac.cancel) })
}

// Session owns one SSH connection and the four per-session buffers. All
// coordinator state transitions happen under mu; only the drain goroutine
// blocks on the SSH stream.
type Session struct {
	Name      string
	Host      string
	Username  string
	CreatedAt time.Time

	conn       sshexec.Conn
	cfg        Config
	queue      *commandQueue
	ledger     *browserBuffer
	transcript *transcriptBuffer
	events     *eventRing

	mu           sync.Mutex
	state        State
	active       *activeCommand
	cwd          string // cached working directory; "" means unknown
	lastActivity time.Time
	closed       bool

	done            chan struct{}
	loopDone        chan struct{}
	keepaliveCancel context.CancelFunc
}

// keepaliver is satisfied by sshexec.SSHConn; fakes in tests need not
// implement it.
type keepaliver interface {
	Keepalive(ctx context.Context, onFail func(error))
}

// New creates a session over an established connection and starts its drain
// loop.
func New(name, host, username string, conn sshexec.Conn, cfg Config) *Session {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultCommandTimeout
	}
	now := time.Now()
	s := &Session{
		Name:         name,
		Host:         host,
		Username:     username,
		CreatedAt:    now,
		conn:         conn,
		cfg:          cfg,
		queue:        newCommandQueue(cfg.QueueCapacity, cfg.QueueStaleAfter),
		ledger:       newBrowserBuffer(cfg.LedgerSize),
		transcript:   newTranscriptBuffer(cfg.TranscriptSize),
		events:       newEventRing(name),
		state:        StateWaiting,
		lastActivity: now,
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	s.events.Record(EventConnected, fmt.Sprintf("%s@%s", username, host))

	if ka, ok := conn.(keepaliver); ok {
		kctx, cancel := context.WithCancel(context.Background())
		s.keepaliveCancel = cancel
		go ka.Keepalive(kctx, func(err error) {
			s.events.Record(EventKeepaliveFailed, err.Error())
			s.Close("ssh keepalive failed")
		})
	}

	go s.drainLoop()
	return s
}

// Submit validates a request, applies the gate, and enqueues it. The whole
// sequence runs under the session mutex, so a gate decision and the ledger
// append it depends on are atomic with respect to concurrent submissions.
func (s *Session) Submit(req *CommandRequest) error {
	if !req.Source.Valid() {
		return ErrInvalidSource
	}
	if err := ValidateCommandID(req.CommandID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	// Gate: an assistant command is refused while human commands sit in the
	// ledger. The full human set travels with the error and the ledger is
	// cleared, so the next assistant attempt is admitted.
	if req.Source == SourceAssistant {
		if humans := s.ledger.HumanEntries(); len(humans) > 0 {
			s.ledger.Clear()
			return &GatingError{Commands: humans}
		}
	}

	// exit would destroy the shared connection's notion of the remote shell.
	trimmed := strings.TrimSpace(req.Command)
	if trimmed == "exit" || strings.HasPrefix(trimmed, "exit ") {
		return ErrShellTerminating
	}

	req.EnqueuedAt = time.Now()
	if err := s.queue.Enqueue(req); err != nil {
		return err
	}

	if req.Source != SourceSystem {
		s.ledger.Append(BrowserCommandEntry{
			Command:   req.Command,
			CommandID: req.CommandID,
			Timestamp: req.EnqueuedAt,
			Source:    req.Source,
			Result:    Result{ExitCode: -1},
		})
	}
	s.lastActivity = req.EnqueuedAt
	return nil
}

// drainLoop executes queued commands one at a time until the session closes.
func (s *Session) drainLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		case <-s.queue.Wake():
		}
		for {
			select {
			case <-s.done:
				return
			default:
			}
			req := s.queue.DrainOne()
			if req == nil {
				break
			}
			s.execute(req)
		}
	}
}

// execute runs one request end to end: installs the active slot, streams the
// command, updates the ledger, synthesizes the transcript turn, and releases
// the slot.
func (s *Session) execute(req *CommandRequest) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		req.complete(Outcome{Result: Result{ExitCode: -1}, Err: ErrSessionClosed})
		return
	}
	ac := &activeCommand{req: req, startedAt: time.Now(), cancel: make(chan struct{})}
	s.state = StateExecuting
	s.active = ac
	s.mu.Unlock()

	s.events.Record(EventExecStarted, fmt.Sprintf("%s: %s", req.Source, logutil.Truncate(req.Command, 80)))

	var resetTimer *time.Timer
	if s.cfg.RecoveryTimeout > 0 {
		resetTimer = time.AfterFunc(s.cfg.RecoveryTimeout, func() {
			s.Reset("command exceeded recovery timeout")
		})
	}

	result, err := s.runCommand(ac)

	if resetTimer != nil {
		resetTimer.Stop()
	}

	if req.Source != SourceSystem {
		s.ledger.UpdateResult(req.CommandID, result)
	}

	if IsDirChanging(req.Command) {
		s.mu.Lock()
		s.cwd = ""
		s.mu.Unlock()
	}

	s.appendTurn(req, result)

	// A failed command reaches every attached viewer, not just the channel
	// that submitted it. The fan-out runs before complete so the submitter's
	// Wait return also orders after it.
	if err != nil {
		s.transcript.NotifyFailure(req.CommandID, err)
	}

	req.complete(Outcome{Result: result, Err: err})

	s.mu.Lock()
	s.active = nil
	s.state = StateWaiting
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.events.Record(EventExecFinished, fmt.Sprintf("exit=%d", result.ExitCode))
}

// runCommand streams one command to completion, honoring the idle timeout
// (reset on each stdout chunk) and the cancellation token.
func (s *Session) runCommand(ac *activeCommand) (Result, error) {
	req := ac.req
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	ex, err := s.conn.Exec(context.Background(), req.Command)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: %v", ErrIO, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var stdout, stderr bytes.Buffer
	outCh, errCh := ex.Stdout(), ex.Stderr()
	cancelCh := ac.cancel
	var timedOut, cancelled bool

stream:
	for {
		select {
		case chunk, ok := <-outCh:
			if !ok {
				outCh = nil
				continue
			}
			stdout.Write(chunk)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		case chunk, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			stderr.Write(chunk)
		case <-timer.C:
			if cancelled {
				continue
			}
			timedOut = true
			ex.Kill()
		case <-cancelCh:
			cancelled = true
			cancelCh = nil
			ex.Interrupt()
		case <-ex.Done():
			for outCh != nil || errCh != nil {
				select {
				case chunk, ok := <-outCh:
					if !ok {
						outCh = nil
					} else {
						stdout.Write(chunk)
					}
				case chunk, ok := <-errCh:
					if !ok {
						errCh = nil
					} else {
						stderr.Write(chunk)
					}
				}
			}
			break stream
		}
	}

	switch {
	case cancelled:
		return Result{Stdout: "", Stderr: "^C", ExitCode: 130}, ErrCancelled
	case timedOut:
		code := ex.ExitCode()
		if code < 0 {
			code = 124
		}
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, ErrTimeout
	}
	if err := ex.Err(); err != nil {
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			fmt.Errorf("%w: %v", ErrIO, err)
	}
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: ex.ExitCode()}, nil
}

// appendTurn stores and broadcasts the transcript representation of a
// completed command. Human and assistant turns become a synthesized
// prompt+echo fragment stored raw; system output goes through the cooked
// path.
func (s *Session) appendTurn(req *CommandRequest, result Result) {
	if req.Source == SourceSystem {
		if out := Scrub(result.Stdout + result.Stderr); out != "" {
			s.transcript.Append(NormalizeCRLF(out), SourceSystem)
		}
		return
	}

	prompt := s.currentPrompt()
	output := result.Stdout
	if result.Stderr != "" {
		if output != "" && !strings.HasSuffix(output, "\n") {
			output += "\r\n"
		}
		output += result.Stderr
	}
	s.transcript.Append(AssembleEcho(prompt, req.Command, output), req.Source)
}

// currentPrompt synthesizes the prompt from cached metadata, refreshing the
// working directory with a silent pwd when the cache is invalid.
func (s *Session) currentPrompt() string {
	s.mu.Lock()
	dir := s.cwd
	s.mu.Unlock()
	if dir == "" {
		dir = s.refreshCwd()
	}
	return FormatPrompt(s.Username, s.Host, DisplayDir(dir, s.Username))
}

// refreshCwd runs pwd outside the queue. Only the drain goroutine calls it,
// so the single in-flight discipline holds. Falls back to ~ on any error
// without caching, so the next prompt retries.
func (s *Session) refreshCwd() string {
	ctx, cancel := context.WithTimeout(context.Background(), cwdRefreshTimeout)
	defer cancel()

	ex, err := s.conn.Exec(ctx, "pwd")
	if err != nil {
		return "~"
	}

	var out bytes.Buffer
	outCh, errCh := ex.Stdout(), ex.Stderr()
collect:
	for {
		select {
		case chunk, ok := <-outCh:
			if !ok {
				outCh = nil
				continue
			}
			out.Write(chunk)
		case _, ok := <-errCh:
			if !ok {
				errCh = nil
			}
		case <-ctx.Done():
			ex.Kill()
			return "~"
		case <-ex.Done():
			for outCh != nil {
				chunk, ok := <-outCh
				if !ok {
					outCh = nil
				} else {
					out.Write(chunk)
				}
			}
			break collect
		}
	}

	dir := strings.TrimSpace(out.String())
	if dir == "" || ex.ExitCode() != 0 {
		return "~"
	}
	s.mu.Lock()
	if !s.closed {
		s.cwd = dir
	}
	s.mu.Unlock()
	return dir
}

// Interrupt cancels whatever is running and rejects every queued request.
// This is the browser SIGINT path. Returns true when a command was in
// flight.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	ac := s.active
	s.mu.Unlock()

	s.queue.RejectAll(ErrCancelled)
	if ac == nil {
		return false
	}
	s.events.Record(EventCancelled, "interrupt")
	ac.requestCancel()
	return true
}

// CancelAssistant cancels the in-flight assistant command, rejects queued
// assistant requests, and drops assistant entries from the ledger. Human
// entries and human queue positions are untouched, so the gate survives.
func (s *Session) CancelAssistant() error {
	s.mu.Lock()
	ac := s.active
	activeAssistant := ac != nil && ac.req.Source == SourceAssistant
	s.mu.Unlock()

	s.queue.RejectWhere(func(r *CommandRequest) bool { return r.Source == SourceAssistant }, ErrCancelled)
	s.ledger.RemoveAssistant()

	if !activeAssistant {
		return ErrNoActiveAssistantCommand
	}
	s.events.Record(EventCancelled, "assistant cancel")
	ac.requestCancel()
	return nil
}

// Reset is the nuclear fallback: cancel in-flight work, reject the queue,
// clear the gate, and forget the cached directory. After a reset both
// sources may submit; the empty ledger means no gating occurs. Reset is
// idempotent.
func (s *Session) Reset(reason string) {
	s.mu.Lock()
	ac := s.active
	s.mu.Unlock()

	if ac != nil {
		ac.requestCancel()
	}
	s.queue.RejectAll(ErrCancelled)
	s.ledger.Clear()

	s.mu.Lock()
	s.cwd = ""
	s.mu.Unlock()

	s.events.Record(EventReset, reason)
	s.transcript.Append("session reset: "+reason+"\r\n", SourceSystem)
}

// Close tears the session down: cancels in-flight work, rejects the queue
// with the disconnect reason, broadcasts a system line, and closes the
// transport. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ac := s.active
	s.mu.Unlock()

	if s.keepaliveCancel != nil {
		s.keepaliveCancel()
	}
	if ac != nil {
		ac.requestCancel()
	}
	s.queue.RejectAll(ErrSessionClosed)

	if reason == "" {
		reason = "session disconnected"
	}
	s.transcript.Append(reason+"\r\n", SourceSystem)
	s.events.Record(EventDisconnected, reason)

	close(s.done)
	if err := s.conn.Close(); err != nil {
		log.Printf("[session] %s close transport: %v", logutil.SanitizeForLog(s.Name), err)
	}
}

// State returns the coordinator state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Meta returns the connection metadata for listings.
func (s *Session) Meta() ConnMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := "connected"
	switch {
	case s.closed:
		status = "disconnected"
	case s.state == StateExecuting:
		status = "executing"
	}
	return ConnMeta{
		Name:         s.Name,
		Host:         s.Host,
		Username:     s.Username,
		Status:       status,
		ConnectedAt:  s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

// Subscribe attaches a live sink and returns its id plus the replay
// snapshot.
func (s *Session) Subscribe(sink Sink) (string, []TranscriptEntry) {
	return s.transcript.Subscribe(sink)
}

// Unsubscribe detaches a sink.
func (s *Session) Unsubscribe(id string) {
	s.transcript.Unsubscribe(id)
}

// TranscriptSnapshot returns a copy of the transcript ring.
func (s *Session) TranscriptSnapshot() []TranscriptEntry {
	return s.transcript.Snapshot()
}

// BrowserEntries returns a copy of the gating ledger.
func (s *Session) BrowserEntries() []BrowserCommandEntry {
	return s.ledger.Snapshot()
}

// Events returns the recorded lifecycle events.
func (s *Session) Events() []Event {
	return s.events.Snapshot()
}

// QueueLen returns the number of queued requests.
func (s *Session) QueueLen() int {
	return s.queue.Len()
}

// SweepStale expires stale queued entries; returns the number expired.
func (s *Session) SweepStale() int {
	return s.queue.SweepStale()
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
