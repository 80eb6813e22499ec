package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// recordingSink captures delivered entries for assertions.
type recordingSink struct {
	mu      sync.Mutex
	entries []TranscriptEntry
	failing bool
	alive   bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{alive: true}
}

func (s *recordingSink) Deliver(e TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink failed")
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *recordingSink) delivered() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func TestTranscriptAppendAndSnapshot(t *testing.T) {
	tb := newTranscriptBuffer(10)
	tb.Append("one", SourceHuman)
	tb.Append("two", SourceSystem)

	snap := tb.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap[0].Data != "one" || snap[1].Data != "two" {
		t.Errorf("snapshot order = %q,%q, want one,two", snap[0].Data, snap[1].Data)
	}
	if snap[1].Source != SourceSystem {
		t.Errorf("source = %q, want system", snap[1].Source)
	}
}

func TestTranscriptOverflowDropsOldest(t *testing.T) {
	tb := newTranscriptBuffer(3)
	for i := 0; i < 5; i++ {
		tb.Append(fmt.Sprintf("e%d", i), SourceHuman)
	}
	snap := tb.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	if snap[0].Data != "e2" || snap[2].Data != "e4" {
		t.Errorf("kept %q..%q, want e2..e4", snap[0].Data, snap[2].Data)
	}
}

func TestTranscriptSubscribeReplayThenLive(t *testing.T) {
	tb := newTranscriptBuffer(10)
	tb.Append("before", SourceHuman)

	sink := newRecordingSink()
	id, replay := tb.Subscribe(sink)
	if len(replay) != 1 || replay[0].Data != "before" {
		t.Fatalf("replay = %+v, want the pre-subscribe entry", replay)
	}

	tb.Append("after", SourceAssistant)
	got := sink.delivered()
	if len(got) != 1 || got[0].Data != "after" {
		t.Errorf("delivered = %+v, want only the live entry", got)
	}

	tb.Unsubscribe(id)
	tb.Append("ignored", SourceHuman)
	if len(sink.delivered()) != 1 {
		t.Errorf("sink received entries after unsubscribe")
	}
}

func TestTranscriptFailingSinkRemoved(t *testing.T) {
	tb := newTranscriptBuffer(10)
	sink := newRecordingSink()
	sink.failing = true
	tb.Subscribe(sink)

	tb.Append("x", SourceHuman)
	if n := tb.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count = %d, want 0 after failed delivery", n)
	}
}

func TestTranscriptDeadSinkRemoved(t *testing.T) {
	tb := newTranscriptBuffer(10)
	sink := newRecordingSink()
	tb.Subscribe(sink)
	sink.mu.Lock()
	sink.alive = false
	sink.mu.Unlock()

	tb.Append("x", SourceHuman)
	if n := tb.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count = %d, want 0 after sink died", n)
	}
	if len(sink.delivered()) != 0 {
		t.Errorf("dead sink still received entries")
	}
}
