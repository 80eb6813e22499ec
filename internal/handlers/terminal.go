// Package handlers contains the HTTP and WebSocket surface: the browser
// terminal endpoint, the monitoring probe, and the REST listing routes.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/stackmill/sshbridge/internal/logutil"
	"github.com/stackmill/sshbridge/internal/session"
	"github.com/stackmill/sshbridge/internal/toolapi"
)

// Registry is the shared session registry, set once at startup.
var Registry *session.Registry

// maxFrameBytes caps a single WebSocket message.
const maxFrameBytes = 1024 * 1024

// maxInputBytes caps the command payload inside a terminal_input frame.
const maxInputBytes = 64 * 1024

// Close codes for terminal WebSocket connections.
const (
	closeSessionNotFound websocket.StatusCode = 4004
)

// SessionWS serves the browser terminal for one session: replays the
// transcript, streams live output, and accepts terminal_input /
// terminal_signal / request_state_recovery frames.
func SessionWS(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, "invalid session name", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local-only listener
	})
	if err != nil {
		log.Printf("[terminal] websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	sess, err := Registry.Get(name)
	if err != nil {
		conn.Close(closeSessionNotFound, "Session not found")
		return
	}

	ctx := r.Context()
	writer := newWSWriter(ctx, conn)

	// Subscribe delivers the replay snapshot and registers the live sink in
	// one step, so no frame is lost or duplicated between the two. The sink
	// holds back live entries until the replay has been written, so the
	// snapshot stays a chronological prefix of the stream.
	sink := newTranscriptSink(writer, name)
	subID, replay := sess.Subscribe(sink)
	defer sess.Unsubscribe(subID)

	log.Printf("[terminal] viewer attached to %s (replaying %d entries)",
		logutil.SanitizeForLog(name), len(replay))
	for _, e := range replay {
		writer.send(sink.frame(e))
	}
	sink.release()

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if !limiter.allow() {
			continue
		}
		if len(data) > maxInputBytes {
			writer.send(malformedFrame{Type: frameMalformed, Message: "frame exceeds input limit"})
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			writer.send(malformedFrame{Type: frameMalformed, Message: "invalid JSON frame"})
			continue
		}

		switch frame.Type {
		case msgTerminalInput, msgTerminalInputRaw:
			handleTerminalInput(ctx, writer, sess, name, frame)
		case msgTerminalSignal:
			handleTerminalSignal(writer, sess, name, frame)
		case msgStateRecovery:
			handleStateRecovery(writer, sess, name)
		default:
			writer.send(malformedFrame{
				Type:    frameMalformed,
				Message: fmt.Sprintf("unknown frame type %q", logutil.SanitizeForLog(frame.Type)),
			})
		}
	}

	log.Printf("[terminal] viewer detached from %s", logutil.SanitizeForLog(name))
	conn.Close(websocket.StatusNormalClosure, "")
}

// transcriptSink adapts a wsWriter to the transcript fan-out interface. It
// starts in buffering mode: entries delivered while the attach replay is
// still being written are held back and flushed by release.
type transcriptSink struct {
	writer      *wsWriter
	sessionName string

	mu        sync.Mutex
	buffering bool
	held      []session.TranscriptEntry
}

func newTranscriptSink(writer *wsWriter, sessionName string) *transcriptSink {
	return &transcriptSink{writer: writer, sessionName: sessionName, buffering: true}
}

func (t *transcriptSink) frame(e session.TranscriptEntry) outputFrame {
	return outputFrame{
		Type:        frameTerminalOutput,
		SessionName: t.sessionName,
		Timestamp:   e.Timestamp,
		Data:        e.Data,
		Source:      string(e.Source),
	}
}

func (t *transcriptSink) Deliver(e session.TranscriptEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buffering {
		t.held = append(t.held, e)
		return nil
	}
	return t.writer.send(t.frame(e))
}

// release flushes entries held during the replay and switches the sink to
// direct delivery. The mutex stays held across the flush so a concurrent
// Deliver cannot slip a newer entry in between held ones.
func (t *transcriptSink) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.held {
		t.writer.send(t.frame(e))
	}
	t.held = nil
	t.buffering = false
}

func (t *transcriptSink) IsAlive() bool {
	return t.writer.alive()
}

// DeliverFailure surfaces a failed command to this viewer as the
// command_error plus terminal_ready pair, whichever channel submitted it.
func (t *transcriptSink) DeliverFailure(commandID string, err error) {
	t.writer.send(commandErrorFrame{
		Type:        frameCommandError,
		SessionName: t.sessionName,
		CommandID:   commandID,
		Error:       toolapi.ErrorCode(err),
		Message:     err.Error(),
	})
	t.writer.send(readyFrame{Type: frameTerminalReady, SessionName: t.sessionName})
}

// handleTerminalInput submits a human command. Output reaches the viewer via
// the transcript broadcast; this function only emits the lifecycle frames
// around it.
func handleTerminalInput(ctx context.Context, writer *wsWriter, sess *session.Session, name string, frame inboundFrame) {
	if frame.Command == "" || frame.CommandID == "" {
		writer.send(commandErrorFrame{
			Type:        frameCommandError,
			SessionName: name,
			CommandID:   frame.CommandID,
			Error:       "MISSING_FIELD",
			Message:     "command and commandId are required",
		})
		writer.send(readyFrame{Type: frameTerminalReady, SessionName: name})
		return
	}

	writer.send(visualStateFrame{
		Type:        frameVisualState,
		SessionName: name,
		Source:      string(session.SourceHuman),
		State:       "active",
	})
	writer.send(processingFrame{
		Type:        frameProcessingState,
		SessionName: name,
		State:       "executing",
		CommandID:   frame.CommandID,
	})

	req := session.NewCommandRequest(frame.Command, session.SourceHuman, frame.CommandID,
		time.Duration(frame.TimeoutMs)*time.Millisecond)
	if err := sess.Submit(req); err != nil {
		writer.send(processingFrame{Type: frameProcessingState, SessionName: name, State: "error", CommandID: frame.CommandID})
		writer.send(commandErrorFrame{
			Type:        frameCommandError,
			SessionName: name,
			CommandID:   frame.CommandID,
			Error:       toolapi.ErrorCode(err),
			Message:     err.Error(),
		})
		writer.send(readyFrame{Type: frameTerminalReady, SessionName: name})
		return
	}

	// Completion is reported asynchronously so the read loop keeps consuming
	// frames; a SIGINT for this very command has to get through mid-flight.
	// On failure the session fans command_error and terminal_ready out to
	// every attached viewer, so only the state transition is sent here.
	go func() {
		_, err := req.Wait(ctx)
		if !writer.alive() {
			return
		}
		if err != nil {
			writer.send(processingFrame{Type: frameProcessingState, SessionName: name, State: "error", CommandID: frame.CommandID})
			return
		}
		writer.send(processingFrame{Type: frameProcessingState, SessionName: name, State: "completed", CommandID: frame.CommandID})
		writer.send(readyFrame{Type: frameTerminalReady, SessionName: name})
	}()
}

// handleTerminalSignal delivers a browser signal. Only SIGINT has an effect;
// it cancels the in-flight command and flushes the queue. Other signals are
// acknowledged and logged but the exec channel has nowhere to deliver them.
func handleTerminalSignal(writer *wsWriter, sess *session.Session, name string, frame inboundFrame) {
	if frame.Signal != "SIGINT" {
		log.Printf("[terminal] %s: signal %s acknowledged, no effect",
			logutil.SanitizeForLog(name), logutil.SanitizeForLog(frame.Signal))
		writer.send(signalSentFrame{
			Type:        frameSignalSent,
			SessionName: name,
			Signal:      frame.Signal,
			Interrupted: false,
		})
		return
	}
	interrupted := sess.Interrupt()
	writer.send(signalSentFrame{
		Type:        frameSignalSent,
		SessionName: name,
		Signal:      "SIGINT",
		Interrupted: interrupted,
	})
}

// handleStateRecovery re-sends the full transcript snapshot. The client asks
// for this after it detects a rendering desync; the server side needs no
// repair beyond replaying.
func handleStateRecovery(writer *wsWriter, sess *session.Session, name string) {
	snapshot := sess.TranscriptSnapshot()
	for _, e := range snapshot {
		writer.send(outputFrame{
			Type:        frameTerminalOutput,
			SessionName: name,
			Timestamp:   e.Timestamp,
			Data:        e.Data,
			Source:      string(e.Source),
		})
	}
	writer.send(recoveryFrame{Type: frameRecovery, SessionName: name, Replayed: len(snapshot)})
}

// MonitoringWS is the liveness probe endpoint: it acknowledges the connection
// and then holds it open, discarding anything the client sends.
func MonitoringWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[monitoring] websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	ctx := r.Context()
	payload, _ := json.Marshal(connectedFrame{Type: frameConnected})
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return
	}

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
