package scheduler

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn wraps a worker connection with an outbound queue so the event
// loop never blocks on a slow peer. workerID is set by the event loop
// once the peer identifies itself and is read nowhere else.
type wsConn struct {
	conn     *websocket.Conn
	workerID string

	out      chan Message
	quit     chan struct{}
	closeOne sync.Once
}

const outboundQueueSize = 16

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn: conn,
		out:  make(chan Message, outboundQueueSize),
		quit: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// send queues a message for delivery. Messages to a peer that cannot
// drain its queue are dropped; the worker protocol is resynced by the
// next experts declaration, so a drop is never fatal.
func (c *wsConn) send(msg Message) {
	select {
	case c.out <- msg:
	case <-c.quit:
	default:
		log.Warnf("outbound queue full, dropping %v message", msg.Type)
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case msg := <-c.out:
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Debugf("worker write: %v", err)
				c.close()
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *wsConn) close() {
	c.closeOne.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
}
