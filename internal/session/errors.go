package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for the command lifecycle. Surfaces map these onto their
// wire envelopes; the coordinator recovers locally from all of them except
// ErrSessionClosed, which tears the session down.
var (
	ErrInvalidName      = errors.New("invalid session name")
	ErrInvalidSource    = errors.New("invalid command source")
	ErrInvalidCommandID = errors.New("invalid command id")
	ErrMissingField     = errors.New("missing required field")
	ErrAuth             = errors.New("ssh authentication failed")
	ErrConnectTimeout   = errors.New("ssh connect timed out")
	ErrQueueFull        = errors.New("command queue full")
	ErrExpired          = errors.New("command expired in queue")
	ErrTimeout          = errors.New("command timed out")
	ErrCancelled        = errors.New("command cancelled")
	ErrIO               = errors.New("command stream error")
	ErrShellTerminating = errors.New("exit would terminate the remote shell; disconnect the session instead")
	ErrSessionNotFound  = errors.New("session not found")
	ErrNameTaken        = errors.New("session name already in use")
	ErrSessionClosed    = errors.New("session disconnected")

	// ErrNoActiveAssistantCommand is returned by CancelAssistant when no
	// assistant-initiated command is in flight.
	ErrNoActiveAssistantCommand = errors.New("no active assistant command")
)

// Wire-stable identifiers for the gating contract.
const (
	GatingErrorCode    = "BROWSER_COMMANDS_EXECUTED"
	GatingErrorMessage = "User executed commands directly in browser"
)

// GatingError signals that an assistant command was refused because the human
// executed commands since the assistant's last turn. It carries the complete
// human ledger at gate time so the assistant can reason about what happened
// before retrying. Gating is a contract signal, not a fault: the command was
// never enqueued and no SSH work occurred.
type GatingError struct {
	Commands []BrowserCommandEntry
}

func (e *GatingError) Error() string {
	return fmt.Sprintf("%s: %d browser command(s) executed since last turn", GatingErrorCode, len(e.Commands))
}
