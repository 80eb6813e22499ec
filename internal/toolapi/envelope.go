package toolapi

import (
	"errors"

	"github.com/stackmill/sshbridge/internal/session"
	"github.com/stackmill/sshbridge/internal/sshkeys"
)

// Result envelopes follow `{ success: true, ... }` on success and
// `{ success: false, error, message, ... }` on failure. The gating envelope
// is bit-stable: its error code, message, and browserCommands shape are part
// of the assistant contract.

// ExecResponse is the success envelope for exec.
type ExecResponse struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// ExecResponseFrom wraps a command result.
func ExecResponseFrom(res session.Result) ExecResponse {
	return ExecResponse{Success: true, Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
}

// ConnectResponse is the success envelope for connect.
type ConnectResponse struct {
	Success bool             `json:"success"`
	Session session.ConnMeta `json:"session"`
}

// ListResponse is the success envelope for listSessions.
type ListResponse struct {
	Success  bool               `json:"success"`
	Sessions []session.ConnMeta `json:"sessions"`
}

// StatusResponse is the success envelope for operations without a payload.
type StatusResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

// URLResponse is the success envelope for getMonitoringUrl.
type URLResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
}

// ErrorResponse is the generic failure envelope.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// GatingResponse is the bit-stable gating envelope. browserCommands is
// always present, an empty array when no human entry survived to gate time.
type GatingResponse struct {
	Success         bool                          `json:"success"`
	Error           string                        `json:"error"`
	Message         string                        `json:"message"`
	BrowserCommands []session.BrowserCommandEntry `json:"browserCommands"`
	RetryAllowed    bool                          `json:"retryAllowed"`
}

// ErrorResponseFor maps an operation error onto its wire envelope.
func ErrorResponseFor(err error) interface{} {
	var gate *session.GatingError
	if errors.As(err, &gate) {
		commands := gate.Commands
		if commands == nil {
			commands = []session.BrowserCommandEntry{}
		}
		return GatingResponse{
			Success:         false,
			Error:           session.GatingErrorCode,
			Message:         session.GatingErrorMessage,
			BrowserCommands: commands,
			RetryAllowed:    true,
		}
	}
	return ErrorResponse{
		Success: false,
		Error:   ErrorCode(err),
		Message: err.Error(),
	}
}

// ErrorCode names an error kind for the wire. Only the gating code is
// contract-bound; the rest are stable identifiers for callers that switch on
// them.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidName):
		return "INVALID_NAME"
	case errors.Is(err, session.ErrInvalidSource):
		return "INVALID_SOURCE"
	case errors.Is(err, session.ErrInvalidCommandID):
		return "INVALID_COMMAND_ID"
	case errors.Is(err, session.ErrMissingField):
		return "MISSING_FIELD"
	case errors.Is(err, sshkeys.ErrInvalidPath):
		return "INVALID_PATH"
	case errors.Is(err, sshkeys.ErrKeyNotAccessible), errors.Is(err, sshkeys.ErrKeyPermission):
		return "KEY_FILE_ERROR"
	case errors.Is(err, session.ErrQueueFull):
		return "QUEUE_FULL"
	case errors.Is(err, session.ErrExpired):
		return "EXPIRED"
	case errors.Is(err, session.ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, session.ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, session.ErrShellTerminating):
		return "SHELL_TERMINATING"
	case errors.Is(err, session.ErrSessionNotFound):
		return "SESSION_NOT_FOUND"
	case errors.Is(err, session.ErrNameTaken):
		return "NAME_TAKEN"
	case errors.Is(err, session.ErrAuth):
		return "AUTH_ERROR"
	case errors.Is(err, session.ErrConnectTimeout):
		return "CONNECT_TIMEOUT"
	case errors.Is(err, session.ErrSessionClosed):
		return "SESSION_DISCONNECTED"
	case errors.Is(err, session.ErrNoActiveAssistantCommand):
		return "NO_ACTIVE_ASSISTANT_COMMAND"
	case errors.Is(err, session.ErrIO):
		return "IO_ERROR"
	}
	return "INTERNAL_ERROR"
}
