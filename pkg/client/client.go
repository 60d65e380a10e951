// Package client is a Go client for the outline server's websocket protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const asyncQueueSize = 64

var ErrClosed = errors.New("connection closed")

// ServerError is a protocol error reported by the server.
type ServerError struct {
	Action  string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

type options struct {
	token      string
	maxElapsed time.Duration
}

type Option func(*options)

// WithToken sends a bearer token with the websocket upgrade.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}

// WithRetry bounds how long Dial keeps retrying.
func WithRetry(maxElapsed time.Duration) Option {
	return func(o *options) {
		o.maxElapsed = maxElapsed
	}
}

type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan map[string]any
	err     error

	async chan map[string]any
	done  chan struct{}
}

// Dial connects to url, retrying with exponential backoff.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := &options{maxElapsed: 10 * time.Second}
	for _, opt := range opts {
		opt(o)
	}
	header := http.Header{}
	if o.token != "" {
		header.Set("Authorization", "Bearer "+o.token)
	}

	var conn *websocket.Conn
	operation := func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			glog.V(1).Infof("[client]dial %s = %s\n", url, err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = o.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		pending: map[int64]chan map[string]any{},
		async:   make(chan map[string]any, asyncQueueSize),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Async delivers notifications that carry no id. Notifications are dropped
// while the channel is full.
func (c *Client) Async() <-chan map[string]any {
	return c.async
}

// Call sends one request and waits for its reply.
func (c *Client) Call(ctx context.Context, action string, param any) (map[string]any, error) {
	id := c.nextID.Add(1)
	replies := make(chan map[string]any, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = replies
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	request := map[string]any{"id": id, "action": action}
	if param != nil {
		request["param"] = param
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", action, err)
	}

	select {
	case reply := <-replies:
		if message, ok := reply["ServerError"].(string); ok {
			return reply, &ServerError{Action: action, Message: message}
		}
		return reply, nil
	case <-c.done:
		return nil, c.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %s", ErrClosed, err)
			c.mu.Unlock()
			return
		}
		var message map[string]any
		if err := json.Unmarshal(data, &message); err != nil {
			glog.Infof("[client]bad message = %s\n", err)
			continue
		}
		if id, ok := message["id"].(float64); ok {
			c.mu.Lock()
			replies, ok := c.pending[int64(id)]
			c.mu.Unlock()
			if ok {
				replies <- message
				continue
			}
		}
		if _, ok := message["async"]; ok {
			select {
			case c.async <- message:
			default:
				glog.V(1).Infof("[client]drop async %v\n", message["async"])
			}
			continue
		}
		glog.V(1).Infof("[client]unmatched message %s\n", data)
	}
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
