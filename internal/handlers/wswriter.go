package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/coder/websocket"
)

// outboundQueueSize bounds frames waiting for the socket. A viewer that
// cannot keep up is dropped rather than allowed to stall the coordinator's
// fan-out.
const outboundQueueSize = 512

var errWriterClosed = errors.New("websocket writer closed")

// wsWriter serializes JSON frame writes to one WebSocket connection. The
// transcript sink, the read loop, and per-command goroutines all send
// through it; ordering on the wire is the order of send calls.
type wsWriter struct {
	out  chan []byte
	done chan struct{}
	dead atomic.Bool
}

func newWSWriter(ctx context.Context, conn *websocket.Conn) *wsWriter {
	w := &wsWriter{
		out:  make(chan []byte, outboundQueueSize),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				w.dead.Store(true)
				return
			case data := <-w.out:
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					w.dead.Store(true)
					return
				}
			}
		}
	}()
	return w
}

// send marshals v and queues it for delivery. A full queue marks the
// connection dead: slow viewers are removed, never waited on.
func (w *wsWriter) send(v interface{}) error {
	if w.dead.Load() {
		return errWriterClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case w.out <- data:
		return nil
	case <-w.done:
		return errWriterClosed
	default:
		w.dead.Store(true)
		return errWriterClosed
	}
}

// alive reports whether the writer can still deliver.
func (w *wsWriter) alive() bool {
	return !w.dead.Load()
}
