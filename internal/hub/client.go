package hub

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

// Request is one raw message read from a client.
type Request struct {
	Client *Client
	Raw    []byte
}

// Client is a single connected session.
type Client struct {
	id      string
	subject string
	conn    *websocket.Conn
	send    chan []byte
	master  bool
}

// NewClient wraps an upgraded connection. subject is the authenticated
// principal, or "" when auth is off.
func NewClient(conn *websocket.Conn, subject string) *Client {
	return &Client{
		id:      uuid.NewString(),
		subject: subject,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Subject() string {
	return c.subject
}

func (c *Client) IsMaster() bool {
	return c.master
}

// ReadPump forwards client messages to requests until the connection fails,
// then asks the loop to drop the client.
func (c *Client) ReadPump(ctx context.Context, requests chan<- Request, unregister chan<- *Client) {
	defer func() {
		select {
		case unregister <- c:
		case <-ctx.Done():
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Infof("[c]%s<- error = %s\n", c.id, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[c]other=%d %s<-\n", messageType, c.id)
			continue
		}
		glog.V(2).Infof("[c]%s<- %d bytes\n", c.id, len(message))
		select {
		case requests <- Request{Client: c, Raw: message}:
		case <-ctx.Done():
			return
		}
	}
}

// WritePump drains the send queue. It exits when the hub closes the queue.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				glog.Infof("[c]%s-> error = %s\n", c.id, err)
				return
			}
			glog.V(2).Infof("[c]%s-> %d bytes\n", c.id, len(message))
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
