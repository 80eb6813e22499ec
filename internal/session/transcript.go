package session

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTranscriptCapacity bounds the transcript ring.
const DefaultTranscriptCapacity = 1000

// TranscriptEntry is one fragment of terminal output. Chronological order is
// insertion order.
type TranscriptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
	Source    Source    `json:"source"`
}

// Sink delivers live transcript entries to an attached viewer. A sink whose
// Deliver returns an error is removed and never retried; delivery is
// best-effort and must not stall the coordinator.
type Sink interface {
	Deliver(entry TranscriptEntry) error
	IsAlive() bool
}

// FailureSink is an optional Sink extension for viewers that surface command
// failures alongside the output stream.
type FailureSink interface {
	DeliverFailure(commandID string, err error)
}

// transcriptBuffer is the bounded ring of recent terminal output plus the
// set of live subscriber sinks. Single writer (the coordinator), many
// readers.
type transcriptBuffer struct {
	mu       sync.Mutex
	entries  []TranscriptEntry
	capacity int
	sinks    map[string]Sink
}

func newTranscriptBuffer(capacity int) *transcriptBuffer {
	if capacity <= 0 {
		capacity = DefaultTranscriptCapacity
	}
	return &transcriptBuffer{
		capacity: capacity,
		sinks:    make(map[string]Sink),
	}
}

// Append stores an entry and fans it out to live sinks. The store and the
// subscriber list walk share one critical section so a concurrent Subscribe
// observes the entry either in its replay or via delivery, never both and
// never neither.
func (t *transcriptBuffer) Append(data string, source Source) TranscriptEntry {
	entry := TranscriptEntry{
		Timestamp: time.Now(),
		Data:      data,
		Source:    source,
	}

	t.mu.Lock()
	t.entries = append(t.entries, entry)
	if len(t.entries) > t.capacity {
		t.entries = t.entries[len(t.entries)-t.capacity:]
	}

	var dead []string
	for id, sink := range t.sinks {
		if !sink.IsAlive() {
			dead = append(dead, id)
			continue
		}
		if err := sink.Deliver(entry); err != nil {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(t.sinks, id)
	}
	t.mu.Unlock()

	if len(dead) > 0 {
		log.Printf("[transcript] dropped %d dead subscriber(s)", len(dead))
	}
	return entry
}

// NotifyFailure fans a failed command out to every sink that can surface it.
func (t *transcriptBuffer) NotifyFailure(commandID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sink := range t.sinks {
		if fs, ok := sink.(FailureSink); ok {
			fs.DeliverFailure(commandID, err)
		}
	}
}

// Subscribe registers a sink and returns its id along with a snapshot of the
// current entries. The snapshot is a strict chronological prefix of what the
// sink will subsequently receive live.
func (t *transcriptBuffer) Subscribe(sink Sink) (string, []TranscriptEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.New().String()
	t.sinks[id] = sink
	replay := make([]TranscriptEntry, len(t.entries))
	copy(replay, t.entries)
	return id, replay
}

// Unsubscribe removes a sink.
func (t *transcriptBuffer) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sinks, id)
}

// Snapshot returns a copy of the current entries.
func (t *transcriptBuffer) Snapshot() []TranscriptEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// SubscriberCount returns the number of attached sinks.
func (t *transcriptBuffer) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sinks)
}
