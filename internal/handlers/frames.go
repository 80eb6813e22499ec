package handlers

import "time"

// Incoming frame vocabulary. Anything else is answered with
// malformed_message_handled; a malformed frame never disconnects the viewer.
const (
	msgTerminalInput    = "terminal_input"
	msgTerminalInputRaw = "terminal_input_raw"
	msgTerminalSignal   = "terminal_signal"
	msgStateRecovery    = "request_state_recovery"
)

// Outgoing frame vocabulary. Every frame is a single JSON object tagged with
// one of these types; unknown variants are never emitted.
const (
	frameConnected       = "connected"
	frameTerminalOutput  = "terminal_output"
	frameProcessingState = "processing_state"
	frameVisualState     = "visual_state_indicator"
	frameCommandError    = "command_error"
	frameTerminalReady   = "terminal_ready"
	frameSignalSent      = "terminal_signal_sent"
	frameMalformed       = "malformed_message_handled"
	frameRecovery        = "graceful_recovery"
)

type inboundFrame struct {
	Type      string `json:"type"`
	Command   string `json:"command,omitempty"`
	CommandID string `json:"commandId,omitempty"`
	Signal    string `json:"signal,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type connectedFrame struct {
	Type string `json:"type"`
}

type outputFrame struct {
	Type        string    `json:"type"`
	SessionName string    `json:"sessionName"`
	Timestamp   time.Time `json:"timestamp"`
	Data        string    `json:"data"`
	Source      string    `json:"source"`
}

type processingFrame struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	State       string `json:"state"` // executing | completed | error
	CommandID   string `json:"commandId,omitempty"`
}

type visualStateFrame struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	Source      string `json:"source"`
	State       string `json:"state"`
}

type commandErrorFrame struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	CommandID   string `json:"commandId,omitempty"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

type readyFrame struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
}

type signalSentFrame struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	Signal      string `json:"signal"`
	Interrupted bool   `json:"interrupted"`
}

type malformedFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type recoveryFrame struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	Replayed    int    `json:"replayed"`
}
