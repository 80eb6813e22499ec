package session

import (
	"log"
	"sync"
	"time"

	"github.com/stackmill/sshbridge/internal/logutil"
)

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventExecStarted     EventType = "exec_started"
	EventExecFinished    EventType = "exec_finished"
	EventCancelled       EventType = "cancelled"
	EventReset           EventType = "reset"
	EventKeepaliveFailed EventType = "keepalive_failed"
)

// Event is one recorded session lifecycle change.
type Event struct {
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// maxEvents limits the stored events per session.
const maxEvents = 100

// eventRing stores the last maxEvents lifecycle events for one session and
// mirrors them to the standard logger.
type eventRing struct {
	mu     sync.Mutex
	name   string
	events []Event
}

func newEventRing(sessionName string) *eventRing {
	return &eventRing{name: sessionName}
}

// Record appends an event and logs it.
func (r *eventRing) Record(eventType EventType, details string) {
	event := Event{
		Type:      eventType,
		Details:   details,
		Timestamp: time.Now(),
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	if len(r.events) > maxEvents {
		r.events = r.events[len(r.events)-maxEvents:]
	}
	r.mu.Unlock()

	log.Printf("[session] %s event %s: %s",
		logutil.SanitizeForLog(r.name), eventType, logutil.SanitizeForLog(details))
}

// Snapshot returns a copy of the stored events.
func (r *eventRing) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
