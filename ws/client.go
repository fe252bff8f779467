// Package ws is the WebSocket transport in front of the notification hub:
// connection pumps, the inbound wire protocol and the idle heartbeat.
package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohans/legalpipe/hub"
)

const (
	outboxSize   = 32
	writeTimeout = 10 * time.Second
)

// client adapts one gorilla connection to hub.Conn. Send never blocks: data
// goes into a buffered outbox drained by writePump, and a full outbox or a
// closed connection reports false so the hub can clean up lazily.
type client struct {
	ws        *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// unix nanos of the last inbound frame, for the idle heartbeat
	lastInbound atomic.Int64
}

func newClient(ws *websocket.Conn) *client {
	c := &client{
		ws:     ws,
		send:   make(chan []byte, outboxSize),
		closed: make(chan struct{}),
	}
	c.lastInbound.Store(time.Now().UnixNano())
	return c
}

func (c *client) Send(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		// Outbox full: the consumer is too slow or gone. Signal failure so
		// the hub routes this connection through leave.
		return false
	}
}

func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *client) touch() {
	c.lastInbound.Store(time.Now().UnixNano())
}

func (c *client) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.lastInbound.Load())
}

// writePump owns all writes to the socket. It drains the outbox and sends a
// ping event once the connection has been silent for idlePing; delivery
// failures just end the pump, the hub notices on its next send.
func (c *client) writePump(idlePing time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(idlePing)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	ping := hub.Event{Type: hub.EventPing}
	for {
		select {
		case <-c.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("ws write failed", "err", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if c.idleFor() < idlePing {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(ping); err != nil {
				c.Close()
				return
			}
		}
	}
}
