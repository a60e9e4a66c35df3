package hub

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// Stream clients only receive. The read side exists to notice a closed
// browser tab and to answer pings, so incoming frames are kept small.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 * 1024
)

// Client is one subscriber of a message or status stream.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	logger *slog.Logger

	delivered atomic.Int64
}

// NewClient creates a subscriber for conn. The initial messages, usually
// the current history or status snapshot, are queued ahead of any
// broadcast so a new subscriber never sees an update before the state it
// applies to.
func NewClient(hub *Hub, conn *websocket.Conn, initial ...Message) *Client {
	c := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBuffer+len(initial)),
		logger: hub.logger.With("client", uuid.NewString()[:8]),
	}
	for _, m := range initial {
		c.send <- m
	}
	return c
}

// Run subscribes the client and streams until the browser goes away or the
// hub stops. It blocks; call it from the websocket handler.
func (c *Client) Run() {
	if !c.hub.add(c) {
		c.conn.Close()
		return
	}
	c.logger.Debug("stream subscribed", "queued", len(c.send))

	go c.deliver()
	reason := c.listen()

	c.hub.remove(c)
	c.conn.Close()
	c.logger.Debug("stream unsubscribed", "reason", reason, "delivered", c.delivered.Load())
}

// listen blocks until the connection fails and returns why.
func (c *Client) listen() string {
	extend := func() { c.conn.SetReadDeadline(time.Now().Add(pongWait)) }

	c.conn.SetReadLimit(maxMessageSize)
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "closed by client"
			}
			return err.Error()
		}
	}
}

// deliver owns every write to the connection: queued stream updates and
// the keep-alive pings. It ends when the hub closes send.
func (c *Client) deliver() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		var err error
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, nil)
				return
			}
			if err = c.write(frameType(msg), msg.Data); err == nil {
				c.delivered.Add(1)
			}
		case <-ping.C:
			err = c.write(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) write(frame int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(frame, data)
}

func frameType(msg Message) int {
	if msg.Type == BinaryMessage {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
