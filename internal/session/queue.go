package session

import (
	"log"
	"sync"
	"time"

	"github.com/stackmill/sshbridge/internal/logutil"
)

// Default queue bounds.
const (
	DefaultQueueCapacity   = 100
	DefaultQueueStaleAfter = 15 * time.Second
)

// commandQueue is a bounded FIFO of pending command requests for one session.
// Entries older than staleAfter at drain time are failed with ErrExpired
// rather than executed.
type commandQueue struct {
	mu         sync.Mutex
	items      []*CommandRequest
	capacity   int
	staleAfter time.Duration
	wake       chan struct{}
}

func newCommandQueue(capacity int, staleAfter time.Duration) *commandQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if staleAfter <= 0 {
		staleAfter = DefaultQueueStaleAfter
	}
	return &commandQueue{
		capacity:   capacity,
		staleAfter: staleAfter,
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue appends req and signals the drain loop. Fails with ErrQueueFull
// at capacity.
func (q *commandQueue) Enqueue(req *CommandRequest) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	q.items = append(q.items, req)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// DrainOne removes and returns the queue head, skipping entries whose age
// exceeds the staleness threshold. Skipped entries are failed with
// ErrExpired. Returns nil when the queue is empty.
func (q *commandQueue) DrainOne() *CommandRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for len(q.items) > 0 {
		head := q.items[0]
		q.items = q.items[1:]
		if now.Sub(head.EnqueuedAt) > q.staleAfter {
			log.Printf("[queue] expiring stale command %s (queued %s ago)",
				logutil.SanitizeForLog(head.CommandID), now.Sub(head.EnqueuedAt).Round(time.Millisecond))
			head.complete(Outcome{Result: Result{ExitCode: -1}, Err: ErrExpired})
			continue
		}
		return head
	}
	return nil
}

// SweepStale fails expired entries without draining live ones. Called by the
// periodic sweep so stale entries do not linger while no drain is running.
func (q *commandQueue) SweepStale() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	kept := q.items[:0]
	expired := 0
	for _, req := range q.items {
		if now.Sub(req.EnqueuedAt) > q.staleAfter {
			req.complete(Outcome{Result: Result{ExitCode: -1}, Err: ErrExpired})
			expired++
			continue
		}
		kept = append(kept, req)
	}
	q.items = kept
	return expired
}

// RejectAll fails every pending request with reason and empties the queue.
func (q *commandQueue) RejectAll(reason error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, req := range items {
		req.complete(Outcome{Result: Result{ExitCode: -1}, Err: reason})
	}
}

// RejectWhere fails pending requests matching the predicate, keeping the rest.
func (q *commandQueue) RejectWhere(match func(*CommandRequest) bool, reason error) int {
	q.mu.Lock()
	kept := q.items[:0]
	var rejected []*CommandRequest
	for _, req := range q.items {
		if match(req) {
			rejected = append(rejected, req)
			continue
		}
		kept = append(kept, req)
	}
	q.items = kept
	q.mu.Unlock()

	for _, req := range rejected {
		req.complete(Outcome{Result: Result{ExitCode: -1}, Err: reason})
	}
	return len(rejected)
}

// Len returns the number of pending requests.
func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake returns the channel signaled on enqueue.
func (q *commandQueue) Wake() <-chan struct{} {
	return q.wake
}
