// Package hub tracks connected sessions and fans notifications out to them.
package hub

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/golang/glog"
)

// Async notification kinds.
const (
	AsyncRefresh = "refresh"
	AsyncLog     = "log"
	AsyncAsk     = "ask"
	AsyncWarn    = "warn"
	AsyncInfo    = "info"
)

// Refresh tells other sessions that an action changed server state.
type Refresh struct {
	Async  string `json:"async"`
	Action string `json:"action"`
	Opened bool   `json:"opened"`
}

// Relay carries broadcasts to hubs in other processes.
type Relay interface {
	Publish(payload []byte)
}

// Hub maintains the set of connected clients. Like the documents it serves,
// it is owned by the server loop and needs no locking.
type Hub struct {
	clients map[string]*Client
	order   []*Client
	relay   Relay

	unregistered func(id string)
}

type Option func(*Hub)

// OnUnregister is called with the id of every client that leaves the hub,
// including slow clients dropped by Send.
func OnUnregister(fn func(id string)) Option {
	return func(h *Hub) {
		h.unregistered = fn
	}
}

// New creates a hub. relay may be nil.
func New(relay Relay, opts ...Option) *Hub {
	h := &Hub{
		clients:      map[string]*Client{},
		relay:        relay,
		unregistered: func(string) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds c. The first client becomes master.
func (h *Hub) Register(c *Client) {
	h.clients[c.id] = c
	h.order = append(h.order, c)
	if len(h.order) == 1 {
		c.master = true
	}
	glog.Infof("[hub]register %s master=%t. total = %d\n", c.id, c.master, len(h.clients))
}

// Unregister removes c and closes its queue. It reports whether c was present.
func (h *Hub) Unregister(c *Client) bool {
	if _, ok := h.clients[c.id]; !ok {
		return false
	}
	delete(h.clients, c.id)
	close(c.send)
	for i, other := range h.order {
		if other == c {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	if c.master && 0 < len(h.order) {
		c.master = false
		h.order[0].master = true
	}
	glog.Infof("[hub]unregister %s. total = %d\n", c.id, len(h.clients))
	h.unregistered(c.id)
	return true
}

// CloseAll unregisters every client.
func (h *Hub) CloseAll() {
	for _, c := range append([]*Client(nil), h.order...) {
		h.Unregister(c)
	}
}

func (h *Hub) Len() int {
	return len(h.clients)
}

func (h *Hub) Has(id string) bool {
	_, ok := h.clients[id]
	return ok
}

// Master returns the id of the master client, or "".
func (h *Hub) Master() string {
	if len(h.order) == 0 {
		return ""
	}
	return h.order[0].id
}

// Sessions lists client ids in connection order.
func (h *Hub) Sessions() []string {
	out := make([]string, len(h.order))
	for i, c := range h.order {
		out[i] = c.id
	}
	return out
}

// Send queues message for one client. A client whose queue is full is dropped.
func (h *Hub) Send(id string, message []byte) bool {
	c, ok := h.clients[id]
	if !ok {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		glog.Infof("[hub]drop slow client %s\n", id)
		h.Unregister(c)
		return false
	}
}

func (h *Hub) sendAll(message []byte, except string) {
	for _, c := range append([]*Client(nil), h.order...) {
		if c.id != except {
			h.Send(c.id, message)
		}
	}
}

// Notify broadcasts a refresh for action to every client but the originator,
// unless the action only reads state. It reports whether a broadcast happened.
func (h *Hub) Notify(action string, originator string, opened bool) bool {
	if IsReader(action) {
		return false
	}
	message, err := json.Marshal(Refresh{Async: AsyncRefresh, Action: action, Opened: opened})
	if err != nil {
		glog.Errorf("[hub]refresh encode = %s\n", err)
		return false
	}
	h.sendAll(message, originator)
	if h.relay != nil {
		h.relay.Publish(message)
	}
	return true
}

// SendAsync pushes an out-of-band message to every client, or to target.
// When target is not connected the master client receives it instead. It
// returns the id of the single recipient, or "" when broadcasting or when
// nobody is connected.
func (h *Hub) SendAsync(message any, toAll bool, target string) (string, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return "", err
	}
	if toAll {
		h.sendAll(data, "")
		if h.relay != nil {
			h.relay.Publish(data)
		}
		return "", nil
	}
	if !h.Has(target) {
		target = h.Master()
	}
	if target == "" || !h.Send(target, data) {
		return "", nil
	}
	return target, nil
}

// Deliver hands a message relayed from another process to every local client.
func (h *Hub) Deliver(message []byte) {
	h.sendAll(message, "")
}

var readerPrefixes = []string{"get", "list", "query", "check_", "is_", "has_"}

var noOps = map[string]bool{
	"do_nothing": true,
	"doNothing":  true,
	"error":      true,
}

// IsReader reports whether action only reads state, by naming convention.
func IsReader(action string) bool {
	name := strings.TrimLeft(action, "!-")
	if noOps[name] {
		return true
	}
	for _, prefix := range readerPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return camelPrefix(name, "is") || camelPrefix(name, "has")
}

// camelPrefix matches names like isChanged or hasChildren.
func camelPrefix(name string, prefix string) bool {
	if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
		return false
	}
	return unicode.IsUpper(rune(name[len(prefix)]))
}
