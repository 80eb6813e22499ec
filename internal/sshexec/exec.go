package sshexec

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// interruptGrace is how long Interrupt waits for the remote command to exit
// after SIGINT before forcing a teardown.
const interruptGrace = 300 * time.Millisecond

// execution is the real SSH-backed Execution.
type execution struct {
	session *ssh.Session

	stdout chan []byte
	stderr chan []byte
	done   chan struct{}

	killOnce sync.Once

	mu       sync.Mutex
	exitCode int
	err      error
}

// Exec starts command on a fresh ssh.Session and streams its output.
func (c *SSHConn) Exec(ctx context.Context, command string) (Execution, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("exec: create ssh session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("exec: stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("exec: stderr pipe: %w", err)
	}

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("exec: start command: %w", err)
	}

	ex := &execution{
		session:  session,
		stdout:   make(chan []byte, 32),
		stderr:   make(chan []byte, 32),
		done:     make(chan struct{}),
		exitCode: -1,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go ex.relay(stdout, ex.stdout, &readers)
	go ex.relay(stderr, ex.stderr, &readers)

	go func() {
		readers.Wait()
		waitErr := session.Wait()

		ex.mu.Lock()
		switch e := waitErr.(type) {
		case nil:
			ex.exitCode = 0
		case *ssh.ExitError:
			ex.exitCode = e.ExitStatus()
		default:
			ex.err = waitErr
		}
		ex.mu.Unlock()

		session.Close()
		close(ex.done)
	}()

	// Honor caller cancellation for the lifetime of the command.
	go func() {
		select {
		case <-ctx.Done():
			ex.Kill()
		case <-ex.done:
		}
	}()

	return ex, nil
}

// relay copies pipe output into ch in 32 KB chunks and closes ch at EOF.
func (ex *execution) relay(r io.Reader, ch chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(ch)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ch <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (ex *execution) Stdout() <-chan []byte { return ex.stdout }
func (ex *execution) Stderr() <-chan []byte { return ex.stderr }
func (ex *execution) Done() <-chan struct{} { return ex.done }

// Interrupt sends SIGINT to the remote command. If the command does not exit
// within a short grace period, the session is torn down hard. The remote exec
// protocol has no controlling terminal, so a plain signal may be ignored by
// shells that only honor it on a tty; the forced teardown covers that case.
func (ex *execution) Interrupt() {
	_ = ex.session.Signal(ssh.SIGINT)
	timer := time.AfterFunc(interruptGrace, ex.Kill)
	go func() {
		<-ex.done
		timer.Stop()
	}()
}

// Kill closes the session, terminating the stream immediately.
func (ex *execution) Kill() {
	ex.killOnce.Do(func() {
		_ = ex.session.Close()
	})
}

// ExitCode returns the command's exit status, or -1 when it is unknown
// (killed, transport fault, or still running).
func (ex *execution) ExitCode() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.exitCode
}

// Err returns the transport-level error observed while waiting for the
// command, if any. An *ssh.ExitError is not reported here; it is reflected
// in ExitCode instead.
func (ex *execution) Err() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.err
}
