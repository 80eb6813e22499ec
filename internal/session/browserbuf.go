package session

import (
	"log"
	"sync"
	"time"

	"github.com/stackmill/sshbridge/internal/logutil"
)

// DefaultLedgerCapacity bounds the browser command buffer.
const DefaultLedgerCapacity = 500

// BrowserCommandEntry is one command visible to the gating ledger. Result is
// mutated once, by the coordinator, at command completion; ExitCode -1 means
// the command has not completed.
type BrowserCommandEntry struct {
	Command   string    `json:"command"`
	CommandID string    `json:"commandId"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Result    Result    `json:"result"`
}

// browserBuffer is the append-only ring of commands behind the gate. Oldest
// entries are dropped on overflow.
type browserBuffer struct {
	mu       sync.Mutex
	entries  []BrowserCommandEntry
	capacity int
}

func newBrowserBuffer(capacity int) *browserBuffer {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &browserBuffer{capacity: capacity}
}

// Append records a command before its execution.
func (b *browserBuffer) Append(entry BrowserCommandEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
}

// UpdateResult sets the result for the entry with the given correlation id.
// A missing id is logged but not an error: the entry may have been dropped
// by ring overflow or cleared by a reset while the command ran.
func (b *browserBuffer) UpdateResult(commandID string, result Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.entries) - 1; i >= 0; i-- {
		if b.entries[i].CommandID == commandID {
			b.entries[i].Result = result
			return
		}
	}
	log.Printf("[ledger] no entry for command %s; result dropped", logutil.SanitizeForLog(commandID))
}

// Snapshot returns a copy of all current entries.
func (b *browserBuffer) Snapshot() []BrowserCommandEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BrowserCommandEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// HumanEntries returns only the entries with source human. This is the set
// the gate consults.
func (b *browserBuffer) HumanEntries() []BrowserCommandEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []BrowserCommandEntry
	for _, e := range b.entries {
		if e.Source == SourceHuman {
			out = append(out, e)
		}
	}
	return out
}

// RemoveAssistant drops assistant-sourced entries, keeping human ones. Used
// by the tool-call cancel, which must not disturb the gate.
func (b *browserBuffer) RemoveAssistant() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.entries[:0]
	removed := 0
	for _, e := range b.entries {
		if e.Source == SourceAssistant {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	b.entries = kept
	return removed
}

// Clear empties the buffer. Used by the recovery reset and after a gating
// error has been emitted.
func (b *browserBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// Len returns the number of buffered entries.
func (b *browserBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
