// Package dispatch routes client requests to server operations, named
// commands and generic methods, and builds the replies.
//
// The first character of an action picks the handler class:
//
//	!name  server operation
//	-name  named command of the active outline
//	name   generic method of the active outline or one of its facilities
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/golang/glog"

	"outlineserver/internal/commander"
	"outlineserver/internal/location"
)

const (
	serverPrefix  = "!"
	commandPrefix = "-"
)

// names that only make sense with an interactive editor
var denied = map[string]bool{
	"quit-editor":    true,
	"restart-editor": true,
	"open-outline":   true,
	"find-quick":     true,
	"focus-to-body":  true,
	"help":           true,
}

// Broadcaster is the part of the hub the dispatcher drives.
type Broadcaster interface {
	Notify(action string, originator string, opened bool) bool
	Sessions() []string
	Master() string
}

// Answerer resolves the watcher's pending question.
type Answerer interface {
	Answer(answer string) error
}

// RecentFiles lists recently opened outline paths, newest first.
type RecentFiles interface {
	RecentFiles(ctx context.Context, limit int) ([]string, error)
}

// Env is the server state a request may touch. Watcher, Recent and
// Shutdown may be nil.
type Env struct {
	Registry *commander.Registry
	Hub      Broadcaster
	Watcher  Answerer
	Recent   RecentFiles
	Shutdown func()
	Version  string
}

// Request is one parsed client request.
type Request struct {
	ID     int64
	Action string
	Param  json.RawMessage
}

// Outcome is the tagged result of one dispatch. Reply is nil only for Fatal.
type Outcome struct {
	Kind  Kind
	Reply []byte
	Err   error
}

type Dispatcher struct {
	env Env
	ops map[string]serverOp
}

func New(env Env) *Dispatcher {
	return &Dispatcher{
		env: env,
		ops: serverOps(),
	}
}

// Dispatch runs one raw request for session.
func (d *Dispatcher) Dispatch(ctx context.Context, session string, raw []byte) Outcome {
	req, err := parseRequest(raw)
	if err != nil {
		return d.reject(raw, err)
	}
	glog.V(1).Infof("[d]%s %d %s\n", session, req.ID, req.Action)

	result, err := d.run(ctx, session, req)
	kind := classify(err)
	switch kind {
	case Fatal:
		glog.Errorf("[d]%s %d %s = %s\n", session, req.ID, req.Action, err)
		return Outcome{Kind: Fatal, Err: err}
	case Rejected:
		return d.reject(raw, err)
	case Recoverable:
		glog.Infof("[d]%s %d %s failed = %s\n", session, req.ID, req.Action, err)
		result = nil
	}

	reply, augmentErr := d.augment(req.ID, result)
	if augmentErr != nil {
		glog.Errorf("[d]%s %d %s reply = %s\n", session, req.ID, req.Action, augmentErr)
		return Outcome{Kind: Fatal, Err: augmentErr}
	}
	d.env.Hub.Notify(req.Action, session, 0 < d.env.Registry.Len())
	return Outcome{Kind: kind, Reply: reply, Err: err}
}

func parseRequest(raw []byte) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, protocolf(ErrMalformed, "malformed request: %s", err)
	}
	req := &Request{}
	id, ok := fields["id"]
	if !ok {
		return nil, protocolf(ErrMalformed, "missing id")
	}
	if err := json.Unmarshal(id, &req.ID); err != nil {
		return nil, protocolf(ErrMalformed, "id must be an integer")
	}
	action, ok := fields["action"]
	if !ok || json.Unmarshal(action, &req.Action) != nil || req.Action == "" {
		return nil, protocolf(ErrMalformed, "missing action")
	}
	if param, ok := fields["param"]; ok {
		trimmed := bytes.TrimSpace(param)
		if !bytes.Equal(trimmed, []byte("null")) && !bytes.HasPrefix(trimmed, []byte("{")) {
			return nil, protocolf(ErrMalformed, "param must be an object")
		}
		req.Param = param
	}
	return req, nil
}

// run executes the handler and turns panics into errors. A panic carrying an
// InconsistencyError stays fatal.
func (d *Dispatcher) run(ctx context.Context, session string, req *Request) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("Unexpected error: %s\n", errorJson(r, debug.Stack()))
			if recovered, ok := r.(error); ok {
				err = recovered
			} else {
				err = fmt.Errorf("%s", r)
			}
			result = nil
		}
	}()
	switch {
	case strings.HasPrefix(req.Action, serverPrefix):
		return d.runServerOp(ctx, session, req)
	case strings.HasPrefix(req.Action, commandPrefix):
		return d.runCommand(req)
	default:
		return d.runMethod(req)
	}
}

func (d *Dispatcher) runServerOp(ctx context.Context, session string, req *Request) (map[string]any, error) {
	name := strings.TrimPrefix(req.Action, serverPrefix)
	op, ok := d.ops[name]
	if !ok {
		return nil, protocolf(ErrNotFound, "action %q not found", req.Action)
	}
	return op(&call{
		Dispatcher: d,
		ctx:        ctx,
		session:    session,
		req:        req,
	})
}

func (d *Dispatcher) runCommand(req *Request) (map[string]any, error) {
	name := strings.TrimPrefix(req.Action, commandPrefix)
	if denied[name] {
		return nil, protocolf(ErrDenied, "command %q is %s", name, ErrDenied)
	}
	c := d.env.Registry.Active()
	if c == nil {
		return nil, protocolf(ErrNoCommander, "command %q not found: %s", name, ErrNoCommander)
	}
	fn, ok := c.Command(name)
	if !ok {
		return nil, protocolf(ErrNotFound, "command %q not found", name)
	}
	return atLocation(c, req.Param, fn)
}

func (d *Dispatcher) runMethod(req *Request) (map[string]any, error) {
	c := d.env.Registry.Active()
	if c == nil {
		return nil, protocolf(ErrNoCommander, "method %q not found: %s", req.Action, ErrNoCommander)
	}
	fn, where, ok := c.Method(req.Action)
	if !ok {
		return nil, protocolf(ErrNotFound, "method %q not found", req.Action)
	}
	glog.V(2).Infof("[d]%s found in %s\n", req.Action, where)
	return atLocation(c, req.Param, fn)
}

type locationParam struct {
	Location *location.Archived `json:"location"`
	Keep     bool               `json:"keep"`
}

// atLocation runs fn with the param's location selected. The previous
// selection comes back only when keep is set and it still resolves.
func atLocation(c *commander.Commander, param json.RawMessage, fn commander.MethodFunc) (map[string]any, error) {
	var lp locationParam
	if err := commander.DecodeParam(param, &lp); err != nil {
		return nil, protocolf(ErrMalformed, "%s", err)
	}
	if lp.Location == nil {
		return fn(c, param)
	}
	p, err := location.Decode(*lp.Location, c.Tree())
	if err != nil {
		return nil, protocolf(err, "%s", err)
	}
	old := c.Current()
	if p.Equal(old) {
		return fn(c, param)
	}
	previous := location.Encode(old)
	if err := c.Select(p); err != nil {
		return nil, err
	}
	result, err := fn(c, param)
	if lp.Keep {
		if restoreErr := c.SelectArchived(previous); restoreErr != nil {
			glog.V(1).Infof("[d]keep %s = %s\n", previous, restoreErr)
		}
	}
	return result, err
}

// augment adds the reply fields every response carries.
func (d *Dispatcher) augment(id int64, result map[string]any) ([]byte, error) {
	reply := map[string]any{}
	for k, v := range result {
		reply[k] = v
	}
	reply["id"] = id
	if c := d.env.Registry.Active(); c != nil {
		p := c.Current()
		if err := location.Require(p, c.Tree()); err != nil {
			return nil, err
		}
		var fileName any
		if c.Path() != "" {
			fileName = c.Path()
		}
		reply["commander"] = map[string]any{
			"changed":  c.Changed(),
			"fileName": fileName,
			"id":       c.ID(),
		}
		reply["node"] = location.Redraw(p, c.Tree(), true)
	}
	return json.Marshal(reply)
}

func (d *Dispatcher) reject(raw []byte, err error) Outcome {
	reply := map[string]any{
		"id":          nil,
		"action":      "",
		"ServerError": err.Error(),
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) == nil {
		if id, ok := fields["id"]; ok {
			reply["id"] = id
		}
		if action, ok := fields["action"]; ok {
			reply["action"] = action
		}
		reply["request"] = json.RawMessage(raw)
	} else {
		reply["request"] = string(raw)
	}
	glog.V(1).Infof("[d]reject %s\n", err)
	data, marshalErr := json.Marshal(reply)
	if marshalErr != nil {
		return Outcome{Kind: Fatal, Err: errors.Join(err, marshalErr)}
	}
	return Outcome{Kind: Rejected, Reply: data, Err: err}
}

func errorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}
