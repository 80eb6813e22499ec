package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stackmill/sshbridge/internal/sshexec"
)

// fakeExec is an in-memory Execution fed by the test or by fakeConn's script.
type fakeExec struct {
	stdoutCh chan []byte
	stderrCh chan []byte
	done     chan struct{}

	mu       sync.Mutex
	exitCode int
	err      error
	once     sync.Once
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		stdoutCh: make(chan []byte, 16),
		stderrCh: make(chan []byte, 16),
		done:     make(chan struct{}),
		exitCode: -1,
	}
}

func (e *fakeExec) emitStdout(s string) { e.stdoutCh <- []byte(s) }
func (e *fakeExec) emitStderr(s string) { e.stderrCh <- []byte(s) }

func (e *fakeExec) finish(code int) {
	e.once.Do(func() {
		e.mu.Lock()
		e.exitCode = code
		e.mu.Unlock()
		close(e.stdoutCh)
		close(e.stderrCh)
		close(e.done)
	})
}

func (e *fakeExec) Stdout() <-chan []byte { return e.stdoutCh }
func (e *fakeExec) Stderr() <-chan []byte { return e.stderrCh }
func (e *fakeExec) Done() <-chan struct{} { return e.done }
func (e *fakeExec) Interrupt()            { e.finish(130) }
func (e *fakeExec) Kill()                 { e.finish(-1) }

func (e *fakeExec) ExitCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitCode
}

func (e *fakeExec) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// fakeConn scripts command outcomes. Unknown commands succeed silently; "pwd"
// answers with the configured working directory; commands in block are handed
// back unfinished so the test controls their lifetime.
type fakeConn struct {
	mu       sync.Mutex
	closed   bool
	pwd      string
	outputs  map[string]Result
	block    map[string]*fakeExec
	executed []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		pwd:     "/home/alice",
		outputs: make(map[string]Result),
		block:   make(map[string]*fakeExec),
	}
}

func (c *fakeConn) Exec(ctx context.Context, command string) (sshexec.Execution, error) {
	c.mu.Lock()
	c.executed = append(c.executed, command)
	if ex, ok := c.block[command]; ok {
		c.mu.Unlock()
		return ex, nil
	}
	pwd := c.pwd
	scripted, ok := c.outputs[command]
	c.mu.Unlock()

	ex := newFakeExec()
	switch {
	case command == "pwd":
		ex.emitStdout(pwd + "\n")
		ex.finish(0)
	case ok:
		if scripted.Stdout != "" {
			ex.emitStdout(scripted.Stdout)
		}
		if scripted.Stderr != "" {
			ex.emitStderr(scripted.Stderr)
		}
		ex.finish(scripted.ExitCode)
	default:
		ex.finish(0)
	}
	return ex, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) setPwd(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pwd = dir
}

func (c *fakeConn) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.executed))
	for _, cmd := range c.executed {
		if cmd != "pwd" {
			out = append(out, cmd)
		}
	}
	return out
}

func newTestSession(t *testing.T, conn *fakeConn, cfg Config) *Session {
	t.Helper()
	s := New("dev", "web01", "alice", conn, cfg)
	t.Cleanup(func() { s.Close("") })
	return s
}

func submitAndWait(t *testing.T, s *Session, command string, source Source, id string) (Result, error) {
	t.Helper()
	req := NewCommandRequest(command, source, id, 0)
	if err := s.Submit(req); err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return req.Wait(ctx)
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached state %q", want)
}

func TestSessionExec(t *testing.T) {
	conn := newFakeConn()
	conn.outputs["echo hi"] = Result{Stdout: "hi\n", ExitCode: 0}
	s := newTestSession(t, conn, Config{})

	res, err := submitAndWait(t, s, "echo hi", SourceHuman, "c1")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Stdout != "hi\n" || res.ExitCode != 0 {
		t.Errorf("result = %+v, want stdout %q exit 0", res, "hi\n")
	}

	snap := s.TranscriptSnapshot()
	if len(snap) == 0 {
		t.Fatal("no transcript entries")
	}
	last := snap[len(snap)-1]
	want := "[alice@web01 ~]$ echo hi\r\nhi\r\n"
	if last.Data != want {
		t.Errorf("transcript = %q, want %q", last.Data, want)
	}
	if last.Source != SourceHuman {
		t.Errorf("transcript source = %q, want human", last.Source)
	}

	entries := s.BrowserEntries()
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Result.ExitCode != 0 || entries[0].Result.Stdout != "hi\n" {
		t.Errorf("ledger result = %+v, want completed result", entries[0].Result)
	}
}

func TestSessionStderrAfterStdout(t *testing.T) {
	conn := newFakeConn()
	conn.outputs["make"] = Result{Stdout: "building\n", Stderr: "warning: old\n", ExitCode: 0}
	s := newTestSession(t, conn, Config{})

	if _, err := submitAndWait(t, s, "make", SourceHuman, "c1"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	snap := s.TranscriptSnapshot()
	last := snap[len(snap)-1].Data
	if !strings.Contains(last, "building\r\nwarning: old\r\n") {
		t.Errorf("transcript = %q, want stdout then stderr in CRLF form", last)
	}
}

func TestSessionGating(t *testing.T) {
	conn := newFakeConn()
	conn.outputs["ls"] = Result{Stdout: "file\n", ExitCode: 0}
	conn.outputs["whoami"] = Result{Stdout: "alice\n", ExitCode: 0}
	s := newTestSession(t, conn, Config{})

	if _, err := submitAndWait(t, s, "ls", SourceHuman, "h1"); err != nil {
		t.Fatalf("human exec: %v", err)
	}

	req := NewCommandRequest("whoami", SourceAssistant, "a1", 0)
	err := s.Submit(req)
	var gate *GatingError
	if !errors.As(err, &gate) {
		t.Fatalf("got %v, want GatingError", err)
	}
	if len(gate.Commands) != 1 {
		t.Fatalf("gating commands = %d, want 1", len(gate.Commands))
	}
	got := gate.Commands[0]
	if got.Command != "ls" || got.Source != SourceHuman {
		t.Errorf("gated command = %+v, want the human ls entry", got)
	}
	if got.Result.ExitCode != 0 {
		t.Errorf("gated result exit = %d, want the completed result", got.Result.ExitCode)
	}

	// The ledger was cleared by the refusal; the retry goes through and no
	// SSH work happened for the refused attempt.
	res, err := submitAndWait(t, s, "whoami", SourceAssistant, "a2")
	if err != nil {
		t.Fatalf("retry exec: %v", err)
	}
	if res.Stdout != "alice\n" || res.ExitCode != 0 {
		t.Errorf("retry result = %+v, want alice/0", res)
	}
	for _, cmd := range conn.commands() {
		if cmd == "whoami" {
			return
		}
	}
	t.Error("retry never reached the connection")
}

func TestSessionAssistantUngatedWhenLedgerEmpty(t *testing.T) {
	conn := newFakeConn()
	conn.outputs["uptime"] = Result{Stdout: "up\n", ExitCode: 0}
	s := newTestSession(t, conn, Config{})

	res, err := submitAndWait(t, s, "uptime", SourceAssistant, "a1")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit = %d, want 0", res.ExitCode)
	}
}

func TestSessionInterrupt(t *testing.T) {
	conn := newFakeConn()
	blocked := newFakeExec()
	conn.block["sleep 100"] = blocked
	s := newTestSession(t, conn, Config{})

	req := NewCommandRequest("sleep 100", SourceHuman, "c1", 0)
	if err := s.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, s, StateExecuting)

	queued := NewCommandRequest("echo later", SourceHuman, "c2", 0)
	if err := s.Submit(queued); err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	if !s.Interrupt() {
		t.Error("Interrupt() = false, want true while a command runs")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := req.Wait(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if res.ExitCode != 130 || res.Stderr != "^C" || res.Stdout != "" {
		t.Errorf("cancelled result = %+v, want {\"\", \"^C\", 130}", res)
	}

	if _, err := queued.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Errorf("queued err = %v, want ErrCancelled", err)
	}
}

func TestSessionInterruptIdle(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, Config{})
	if s.Interrupt() {
		t.Error("Interrupt() = true with nothing running")
	}
}

func TestSessionCancelAssistant(t *testing.T) {
	conn := newFakeConn()
	blocked := newFakeExec()
	conn.block["train model"] = blocked
	conn.outputs["ls"] = Result{Stdout: "f\n", ExitCode: 0}
	s := newTestSession(t, conn, Config{})

	if err := s.CancelAssistant(); !errors.Is(err, ErrNoActiveAssistantCommand) {
		t.Errorf("idle cancel err = %v, want ErrNoActiveAssistantCommand", err)
	}

	asst := NewCommandRequest("train model", SourceAssistant, "a1", 0)
	if err := s.Submit(asst); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, s, StateExecuting)

	human := NewCommandRequest("ls", SourceHuman, "h1", 0)
	if err := s.Submit(human); err != nil {
		t.Fatalf("submit human: %v", err)
	}

	if err := s.CancelAssistant(); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := asst.Wait(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("assistant err = %v, want ErrCancelled", err)
	}
	if res.ExitCode != 130 {
		t.Errorf("assistant exit = %d, want 130", res.ExitCode)
	}

	// The queued human command is untouched and still runs.
	if res, err := human.Wait(ctx); err != nil || res.ExitCode != 0 {
		t.Errorf("human result = %+v err = %v, want success", res, err)
	}

	// The surviving human entry keeps gating the assistant.
	gatedReq := NewCommandRequest("ls", SourceAssistant, "a2", 0)
	var gate *GatingError
	if err := s.Submit(gatedReq); !errors.As(err, &gate) {
		t.Errorf("post-cancel submit err = %v, want GatingError", err)
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	conn := newFakeConn()
	conn.block["slow"] = newFakeExec()
	s := newTestSession(t, conn, Config{DefaultTimeout: 50 * time.Millisecond})

	res, err := submitAndWait(t, s, "slow", SourceHuman, "c1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if res.ExitCode != 124 {
		t.Errorf("exit = %d, want 124", res.ExitCode)
	}
}

func TestSessionTimeoutResetsOnOutput(t *testing.T) {
	conn := newFakeConn()
	blocked := newFakeExec()
	conn.block["drip"] = blocked
	s := newTestSession(t, conn, Config{DefaultTimeout: 300 * time.Millisecond})

	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(100 * time.Millisecond)
			blocked.emitStdout("tick\n")
		}
		time.Sleep(100 * time.Millisecond)
		blocked.finish(0)
	}()

	res, err := submitAndWait(t, s, "drip", SourceHuman, "c1")
	if err != nil {
		t.Fatalf("err = %v, want success despite running past the idle bound", err)
	}
	if res.ExitCode != 0 || strings.Count(res.Stdout, "tick") != 3 {
		t.Errorf("result = %+v, want three ticks and exit 0", res)
	}
}

func TestSessionRejectsExit(t *testing.T) {
	conn := newFakeConn()
	conn.outputs["exiting"] = Result{ExitCode: 0}
	s := newTestSession(t, conn, Config{})

	for _, cmd := range []string{"exit", "exit 1", "  exit  "} {
		req := NewCommandRequest(cmd, SourceHuman, "c1", 0)
		if err := s.Submit(req); !errors.Is(err, ErrShellTerminating) {
			t.Errorf("Submit(%q) err = %v, want ErrShellTerminating", cmd, err)
		}
	}
	if _, err := submitAndWait(t, s, "exiting", SourceHuman, "c2"); err != nil {
		t.Errorf("Submit(\"exiting\") err = %v, want success", err)
	}
}

func TestSessionSubmitValidation(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, Config{})

	req := NewCommandRequest("ls", Source("robot"), "c1", 0)
	if err := s.Submit(req); !errors.Is(err, ErrInvalidSource) {
		t.Errorf("bad source err = %v, want ErrInvalidSource", err)
	}
	req = NewCommandRequest("ls", SourceHuman, "bad id!", 0)
	if err := s.Submit(req); !errors.Is(err, ErrInvalidCommandID) {
		t.Errorf("bad id err = %v, want ErrInvalidCommandID", err)
	}
}

func TestSessionReset(t *testing.T) {
	conn := newFakeConn()
	conn.outputs["ls"] = Result{Stdout: "f\n", ExitCode: 0}
	conn.outputs["whoami"] = Result{Stdout: "alice\n", ExitCode: 0}
	s := newTestSession(t, conn, Config{})

	if _, err := submitAndWait(t, s, "ls", SourceHuman, "h1"); err != nil {
		t.Fatalf("human exec: %v", err)
	}
	s.Reset("operator request")

	// The cleared ledger means the assistant is no longer gated.
	res, err := submitAndWait(t, s, "whoami", SourceAssistant, "a1")
	if err != nil {
		t.Fatalf("post-reset exec: %v", err)
	}
	if res.Stdout != "alice\n" || res.ExitCode != 0 {
		t.Errorf("post-reset result = %+v, want alice/0", res)
	}

	found := false
	for _, e := range s.TranscriptSnapshot() {
		if e.Source == SourceSystem && strings.Contains(e.Data, "session reset: operator request") {
			found = true
		}
	}
	if !found {
		t.Error("reset left no system transcript line")
	}
}

func TestSessionRecoveryTimeout(t *testing.T) {
	conn := newFakeConn()
	conn.block["stuck"] = newFakeExec()
	s := newTestSession(t, conn, Config{
		DefaultTimeout:  time.Minute,
		RecoveryTimeout: 80 * time.Millisecond,
	})

	res, err := submitAndWait(t, s, "stuck", SourceHuman, "c1")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled via recovery reset", err)
	}
	if res.ExitCode != 130 {
		t.Errorf("exit = %d, want 130", res.ExitCode)
	}
	if s.Closed() {
		t.Error("recovery reset must not close the session")
	}
}

func TestSessionDirCacheInvalidation(t *testing.T) {
	conn := newFakeConn()
	conn.outputs["cd /tmp"] = Result{ExitCode: 0}
	conn.setPwd("/tmp")
	s := newTestSession(t, conn, Config{})

	if _, err := submitAndWait(t, s, "cd /tmp", SourceHuman, "c1"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	snap := s.TranscriptSnapshot()
	last := snap[len(snap)-1].Data
	want := "[alice@web01 /tmp]$ cd /tmp\r\n"
	if last != want {
		t.Errorf("transcript = %q, want %q", last, want)
	}
}

func TestSessionFIFOOrder(t *testing.T) {
	conn := newFakeConn()
	blocked := newFakeExec()
	conn.block["first"] = blocked
	s := newTestSession(t, conn, Config{})

	r1 := NewCommandRequest("first", SourceHuman, "c1", 0)
	if err := s.Submit(r1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, s, StateExecuting)

	r2 := NewCommandRequest("second", SourceHuman, "c2", 0)
	r3 := NewCommandRequest("third", SourceHuman, "c3", 0)
	if err := s.Submit(r2); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := s.Submit(r3); err != nil {
		t.Fatalf("submit: %v", err)
	}

	blocked.finish(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, r := range []*CommandRequest{r1, r2, r3} {
		if _, err := r.Wait(ctx); err != nil {
			t.Fatalf("wait %s: %v", r.CommandID, err)
		}
	}

	got := conn.commands()
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("executed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("executed[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSessionClose(t *testing.T) {
	conn := newFakeConn()
	s := New("dev", "web01", "alice", conn, Config{})

	s.Close("operator shutdown")
	if !s.Closed() {
		t.Error("Closed() = false after Close")
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("transport not closed")
	}

	req := NewCommandRequest("ls", SourceHuman, "c1", 0)
	if err := s.Submit(req); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("submit after close err = %v, want ErrSessionClosed", err)
	}

	// Idempotent.
	s.Close("again")
}

func TestSessionMetaStatus(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, Config{})
	if got := s.Meta().Status; got != "connected" {
		t.Errorf("status = %q, want connected", got)
	}

	blocked := newFakeExec()
	conn.block["busy"] = blocked
	req := NewCommandRequest("busy", SourceHuman, "c1", 0)
	if err := s.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, s, StateExecuting)
	if got := s.Meta().Status; got != "executing" {
		t.Errorf("status = %q, want executing", got)
	}
	blocked.finish(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.Wait(ctx)

	s.Close("")
	if got := s.Meta().Status; got != "disconnected" {
		t.Errorf("status = %q, want disconnected", got)
	}
}

func TestNormalizeSource(t *testing.T) {
	tests := []struct {
		raw  string
		want Source
		ok   bool
	}{
		{"human", SourceHuman, true},
		{"assistant", SourceAssistant, true},
		{"claude", SourceAssistant, true},
		{"system", SourceSystem, true},
		{"HUMAN", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeSource(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeSource(%q) = %q,%v, want %q,%v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestValidateCommandID(t *testing.T) {
	valid := []string{"a", "abc-123", "A_b.C-9", strings.Repeat("x", 128)}
	for _, id := range valid {
		if err := ValidateCommandID(id); err != nil {
			t.Errorf("ValidateCommandID(%q) = %v, want nil", id, err)
		}
	}
	invalid := []string{"", " lead", "trail ", "sp ace", "bang!", strings.Repeat("x", 129)}
	for _, id := range invalid {
		if err := ValidateCommandID(id); err == nil {
			t.Errorf("ValidateCommandID(%q) = nil, want error", id)
		}
	}
}

// failureRecordingSink records DeliverFailure calls and ignores output.
type failureRecordingSink struct {
	mu   sync.Mutex
	ids  []string
	errs []error
}

func (s *failureRecordingSink) Deliver(TranscriptEntry) error { return nil }
func (s *failureRecordingSink) IsAlive() bool                 { return true }
func (s *failureRecordingSink) DeliverFailure(commandID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, commandID)
	s.errs = append(s.errs, err)
}

func TestFailureFansOutToSubscribers(t *testing.T) {
	conn := newFakeConn()
	conn.block["sleep 99"] = newFakeExec()
	s := newTestSession(t, conn, Config{DefaultTimeout: 50 * time.Millisecond})

	sink := &failureRecordingSink{}
	id, _ := s.Subscribe(sink)
	defer s.Unsubscribe(id)

	if _, err := submitAndWait(t, s, "echo ok", SourceAssistant, "a0"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	sink.mu.Lock()
	clean := len(sink.ids)
	sink.mu.Unlock()
	if clean != 0 {
		t.Fatalf("successful command reported %d failure(s)", clean)
	}

	_, err := submitAndWait(t, s, "sleep 99", SourceAssistant, "a1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}

	// NotifyFailure runs before the request completes, so by the time Wait
	// returned the sink has seen the failure.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.ids) != 1 || sink.ids[0] != "a1" {
		t.Fatalf("failure ids = %v, want [a1]", sink.ids)
	}
	if !errors.Is(sink.errs[0], ErrTimeout) {
		t.Errorf("failure err = %v, want timeout", sink.errs[0])
	}
}
