package session

import (
	"context"
	"regexp"
	"sync"
	"time"
)

// Source identifies the originator of a command.
type Source string

const (
	SourceHuman     Source = "human"
	SourceAssistant Source = "assistant"
	SourceSystem    Source = "system"
)

// Valid reports whether s is one of the three canonical sources.
func (s Source) Valid() bool {
	switch s {
	case SourceHuman, SourceAssistant, SourceSystem:
		return true
	}
	return false
}

// NormalizeSource maps raw source tags from the wire onto the canonical
// three-value set. Historical clients tagged assistant turns with a literal
// "claude"; that token is accepted on ingress but never emitted.
func NormalizeSource(raw string) (Source, bool) {
	switch raw {
	case "human":
		return SourceHuman, true
	case "assistant", "claude":
		return SourceAssistant, true
	case "system":
		return SourceSystem, true
	}
	return "", false
}

// commandIDPattern is the grammar for correlation ids: 1-128 chars from
// [A-Za-z0-9_.-], no surrounding whitespace.
var commandIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidateCommandID checks a correlation id against the id grammar.
func ValidateCommandID(id string) error {
	if !commandIDPattern.MatchString(id) {
		return ErrInvalidCommandID
	}
	return nil
}

// Result is the outcome of one remote command execution. An ExitCode of -1
// means the command has not completed (or its status is unknown).
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Outcome pairs a Result with the request's terminal error, if any. Exactly
// one Outcome is delivered per enqueued request.
type Outcome struct {
	Result Result
	Err    error
}

// CommandRequest is one command submitted for execution on a session.
type CommandRequest struct {
	Command   string
	Source    Source
	CommandID string
	// Timeout is the per-request idle timeout; zero means the session default.
	Timeout    time.Duration
	EnqueuedAt time.Time

	once sync.Once
	done chan Outcome
}

// NewCommandRequest builds a request ready for Submit.
func NewCommandRequest(command string, source Source, commandID string, timeout time.Duration) *CommandRequest {
	return &CommandRequest{
		Command:   command,
		Source:    source,
		CommandID: commandID,
		Timeout:   timeout,
		done:      make(chan Outcome, 1),
	}
}

// complete delivers the request's single outcome. Later calls are ignored,
// which makes the resolve/reject/cancel paths safe to race.
func (r *CommandRequest) complete(out Outcome) {
	r.once.Do(func() {
		r.done <- out
	})
}

// Wait blocks until the request completes or ctx is cancelled.
func (r *CommandRequest) Wait(ctx context.Context) (Result, error) {
	select {
	case out := <-r.done:
		return out.Result, out.Err
	case <-ctx.Done():
		return Result{ExitCode: -1}, ctx.Err()
	}
}

// Done exposes the completion channel for callers that select over it.
func (r *CommandRequest) Done() <-chan Outcome {
	return r.done
}
