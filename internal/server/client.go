package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/studygroup-relay/internal/types"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
	sendBufferSize = 256
)

// Client is one authenticated websocket connection.
type Client struct {
	id           string
	conn         *websocket.Conn
	chatServer   *ChatServer
	log          *log.Logger
	identity     types.Identity
	send         chan *ServerMessage
	stop         chan struct{}
	stopOnce     sync.Once
	idleTimeout  time.Duration
	pingInterval time.Duration
}

func NewClient(identity types.Identity, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	c := &Client{
		id:       shortid.MustGenerate(),
		conn:     conn,
		log:      l,
		identity: identity,
		send:     make(chan *ServerMessage, sendBufferSize),
		stop:     make(chan struct{}),
	}

	if cs != nil {
		c.chatServer = cs
		c.idleTimeout = cs.idleTimeout
		c.pingInterval = cs.pingInterval
	}

	return c
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Identity() types.Identity {
	return c.identity
}

func (c *Client) Write() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("connection %s: write exiting", c.id)
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("connection %s: read exiting", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}

		c.chatServer.dispatch(c, &msg)
	}
}

// queueMessage hands msg to the write pump without blocking. A full buffer
// drops the frame.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("connection %s: send buffer full, dropping %s frame", c.id, msg.Type)
		if c.chatServer != nil {
			c.chatServer.stats.Incr("FramesDropped")
		}
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.chatServer.unregisterClient(c)
	c.stopClient()
}
