package server

import (
	"sync"

	"github.com/coder/websocket"
)

// conn is one device websocket connection. Exactly one writer goroutine
// consumes send, so outbound frames leave in queue order.
//
// send is never closed; producers race with teardown and would panic on a
// closed channel. done is the teardown signal instead.
type conn struct {
	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, sendBufferSize int) *conn {
	if sendBufferSize <= 0 {
		sendBufferSize = 64
	}
	return &conn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send queues an outbound frame. Returns false when the connection is
// closing or its buffer is full; the frame is dropped either way.
func (c *conn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close signals teardown and closes the websocket (idempotent). The read
// loop observes the websocket close and unwinds.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(websocket.StatusGoingAway, "connection closed")
	})
}

// Done returns the teardown signal channel.
func (c *conn) Done() <-chan struct{} {
	return c.done
}
