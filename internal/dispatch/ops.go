package dispatch

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"outlineserver/internal/commander"
	"outlineserver/internal/location"
	"outlineserver/internal/outline"
)

const recentFilesLimit = 20

type serverOp func(r *call) (map[string]any, error)

// call is one server operation in flight.
type call struct {
	*Dispatcher
	ctx     context.Context
	session string
	req     *Request
}

func (r *call) param(v any) error {
	if err := commander.DecodeParam(r.req.Param, v); err != nil {
		return protocolf(ErrMalformed, "%s: %s", r.req.Action, err)
	}
	return nil
}

func (r *call) commander() (*commander.Commander, error) {
	c := r.env.Registry.Active()
	if c == nil {
		return nil, protocolf(ErrNoCommander, "%s: %s", r.req.Action, ErrNoCommander)
	}
	return c, nil
}

// position resolves param.location, or the current position when absent.
func (r *call) position(c *commander.Commander) (outline.Position, error) {
	var lp locationParam
	if err := r.param(&lp); err != nil {
		return outline.Position{}, err
	}
	if lp.Location == nil {
		return c.Current(), nil
	}
	p, err := location.Decode(*lp.Location, c.Tree())
	if err != nil {
		return outline.Position{}, protocolf(err, "%s: %s", r.req.Action, err)
	}
	return p, nil
}

// requirePosition is position without the fallback to the current one.
func (r *call) requirePosition(c *commander.Commander) (outline.Position, error) {
	var lp locationParam
	if err := r.param(&lp); err != nil {
		return outline.Position{}, err
	}
	if lp.Location == nil {
		return outline.Position{}, protocolf(ErrMalformed, "%s: missing location", r.req.Action)
	}
	return r.position(c)
}

// onPosition runs edit with p selected. With keep the old selection is put
// back afterwards when it still resolves.
func (r *call) onPosition(keep bool, edit func(c *commander.Commander) error) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	p, err := r.position(c)
	if err != nil {
		return nil, err
	}
	previous := location.Encode(c.Current())
	if err := c.Select(p); err != nil {
		return nil, err
	}
	err = edit(c)
	if keep {
		if restoreErr := c.SelectArchived(previous); restoreErr != nil {
			glog.V(1).Infof("[d]keep %s = %s\n", previous, restoreErr)
		}
	}
	return nil, err
}

func (r *call) total() map[string]any {
	return map[string]any{"total": r.env.Registry.Len()}
}

func serverOps() map[string]serverOp {
	return map[string]serverOp{
		// outlines
		"open_file":                opOpenFile,
		"open_files":               opOpenFiles,
		"close_file":               opCloseFile,
		"get_open_files":           opGetOpenFiles,
		"set_opened_file":          opSetOpenedFile,
		"save_file":                opSaveFile,
		"get_recent_files":         opGetRecentFiles,
		"set_check_external_files": opSetCheckExternalFiles,

		// readers
		"get_children":    opGetChildren,
		"get_parent":      opGetParent,
		"get_body":        opGetBody,
		"get_body_length": opGetBodyLength,
		"get_all_gnx":     opGetAllGnx,
		"get_ua":          opGetUA,
		"get_structure":   opGetStructure,
		"get_commands":    opGetCommands,
		"is_valid":        opIsValid,

		// editing
		"set_current_position": opSetCurrentPosition,
		"set_headline":         opSetHeadline,
		"set_body":             opSetBody,
		"insert_node":          opInsertNode,
		"insert_child_node":    opInsertChildNode,
		"delete_node":          opDeleteNode,
		"clone_node":           opCloneNode,
		"mark_node":            opMarkNode,
		"unmark_node":          opUnmarkNode,
		"expand_node":          opExpandNode,
		"contract_node":        opContractNode,
		"undo":                 opUndo,
		"redo":                 opRedo,

		// housekeeping
		"set_ask_result":   opSetAskResult,
		"do_nothing":       opDoNothing,
		"shut_down":        opShutDown,
		"check_round_trip": opCheckRoundTrip,
		"get_sessions":     opGetSessions,
		"get_version":      opGetVersion,
	}
}

func opOpenFile(r *call) (map[string]any, error) {
	var p struct {
		Filename string `json:"filename"`
	}
	if err := r.param(&p); err != nil {
		return nil, err
	}
	c, err := r.env.Registry.Open(r.ctx, p.Filename)
	if err != nil {
		return nil, err
	}
	c.SetOwner(r.session)
	return r.total(), nil
}

func opOpenFiles(r *call) (map[string]any, error) {
	var p struct {
		Files []string `json:"files"`
	}
	if err := r.param(&p); err != nil {
		return nil, err
	}
	for _, path := range p.Files {
		c, err := r.env.Registry.Open(r.ctx, path)
		if err != nil {
			return r.total(), err
		}
		c.SetOwner(r.session)
	}
	return r.total(), nil
}

func opCloseFile(r *call) (map[string]any, error) {
	var p struct {
		Forced bool `json:"forced"`
	}
	if err := r.param(&p); err != nil {
		return nil, err
	}
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	closed, err := r.env.Registry.Close(r.ctx, c, p.Forced)
	if err != nil {
		return nil, err
	}
	result := r.total()
	result["closed"] = closed
	return result, nil
}

func opGetOpenFiles(r *call) (map[string]any, error) {
	index := -1
	if c := r.env.Registry.Active(); c != nil {
		index = r.env.Registry.Index(c)
	}
	return map[string]any{
		"files": r.env.Registry.List(),
		"index": index,
	}, nil
}

func opSetOpenedFile(r *call) (map[string]any, error) {
	var p struct {
		Index *int   `json:"index"`
		ID    string `json:"id"`
	}
	if err := r.param(&p); err != nil {
		return nil, err
	}
	var err error
	switch {
	case p.ID != "":
		err = r.env.Registry.SetActiveID(p.ID)
	case p.Index != nil:
		err = r.env.Registry.SetActiveIndex(*p.Index)
	default:
		err = protocolf(ErrMalformed, "%s: index or id required", r.req.Action)
	}
	if err != nil {
		return nil, err
	}
	return r.total(), nil
}

func opSaveFile(r *call) (map[string]any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := r.param(&p); err != nil {
		return nil, err
	}
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	if p.Name != "" {
		return nil, c.SaveAs(p.Name)
	}
	return nil, c.Save()
}

func opGetRecentFiles(r *call) (map[string]any, error) {
	files := []string{}
	if r.env.Recent != nil {
		recent, err := r.env.Recent.RecentFiles(r.ctx, recentFilesLimit)
		if err != nil {
			return nil, err
		}
		files = append(files, recent...)
	}
	return map[string]any{"files": files}, nil
}

func opSetCheckExternalFiles(r *call) (map[string]any, error) {
	var p struct {
		Enabled *bool `json:"enabled"`
	}
	if err := r.param(&p); err != nil {
		return nil, err
	}
	if p.Enabled == nil {
		return nil, protocolf(ErrMalformed, "%s: missing enabled", r.req.Action)
	}
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	c.SetCheckExternal(*p.Enabled)
	return map[string]any{"enabled": *p.Enabled}, nil
}

func opGetChildren(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	var lp locationParam
	if err := r.param(&lp); err != nil {
		return nil, err
	}
	var children []outline.Position
	if lp.Location == nil {
		children = c.Tree().TopLevel()
	} else {
		p, err := r.position(c)
		if err != nil {
			return nil, err
		}
		children = c.Tree().Children(p)
	}
	return map[string]any{
		"children": location.RedrawAll(children, c.Tree(), c.Current()),
	}, nil
}

func opGetParent(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	p, err := r.position(c)
	if err != nil {
		return nil, err
	}
	parent := p.Parent()
	if parent.IsZero() {
		return map[string]any{"parent": nil}, nil
	}
	return map[string]any{
		"parent": location.Redraw(parent, c.Tree(), parent.Equal(c.Current())),
	}, nil
}

func (r *call) node(c *commander.Commander) (*outline.VNode, error) {
	var p struct {
		Gnx string `json:"gnx"`
	}
	if err := r.param(&p); err != nil {
		return nil, err
	}
	if p.Gnx == "" {
		return c.Current().V, nil
	}
	v, ok := c.Tree().Lookup(p.Gnx)
	if !ok {
		return nil, fmt.Errorf("gnx %s: %w", p.Gnx, commander.ErrNotFound)
	}
	return v, nil
}

func opGetBody(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	v, err := r.node(c)
	if err != nil {
		return nil, err
	}
	return map[string]any{"body": v.Body}, nil
}

func opGetBodyLength(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	v, err := r.node(c)
	if err != nil {
		return nil, err
	}
	return map[string]any{"len": len([]rune(v.Body))}, nil
}

func opGetAllGnx(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	return map[string]any{"gnx": c.Tree().Gnxs()}, nil
}

func opGetUA(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	p, err := r.position(c)
	if err != nil {
		return nil, err
	}
	ua := p.V.UA
	if ua == nil {
		ua = map[string]any{}
	}
	return map[string]any{"ua": ua}, nil
}

type structureNode struct {
	Gnx      string          `json:"gnx"`
	Headline string          `json:"headline"`
	Children []structureNode `json:"children,omitempty"`
}

func structure(ps []outline.Position, t *outline.Tree) []structureNode {
	out := make([]structureNode, len(ps))
	for i, p := range ps {
		out[i] = structureNode{
			Gnx:      p.V.Gnx,
			Headline: p.V.Headline,
			Children: structure(t.Children(p), t),
		}
	}
	return out
}

func opGetStructure(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	return map[string]any{"structure": structure(c.Tree().TopLevel(), c.Tree())}, nil
}

func opGetCommands(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, name := range c.CommandNames() {
		if !denied[name] {
			names = append(names, name)
		}
	}
	return map[string]any{"commands": names}, nil
}

func opIsValid(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	var lp locationParam
	if err := r.param(&lp); err != nil {
		return nil, err
	}
	valid := false
	if lp.Location != nil {
		_, decodeErr := location.Decode(*lp.Location, c.Tree())
		valid = decodeErr == nil
	}
	return map[string]any{"valid": valid}, nil
}

func opSetCurrentPosition(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	p, err := r.requirePosition(c)
	if err != nil {
		return nil, err
	}
	return nil, c.Select(p)
}

func opSetHeadline(r *call) (map[string]any, error) {
	var p struct {
		Name *string `json:"name"`
	}
	if err := r.param(&p); err != nil {
		return nil, err
	}
	if p.Name == nil {
		return nil, protocolf(ErrMalformed, "%s: missing name", r.req.Action)
	}
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	pos, err := r.position(c)
	if err != nil {
		return nil, err
	}
	return nil, c.SetHeadline(pos, *p.Name)
}

func opSetBody(r *call) (map[string]any, error) {
	var p struct {
		Gnx  string  `json:"gnx"`
		Body *string `json:"body"`
	}
	if err := r.param(&p); err != nil {
		return nil, err
	}
	if p.Body == nil {
		return nil, protocolf(ErrMalformed, "%s: missing body", r.req.Action)
	}
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	gnx := p.Gnx
	if gnx == "" {
		gnx = c.Current().V.Gnx
	}
	return nil, c.SetBody(gnx, *p.Body)
}

func (r *call) headline() (string, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := r.param(&p); err != nil {
		return "", err
	}
	if p.Name == "" {
		return "NewHeadline", nil
	}
	return p.Name, nil
}

func opInsertNode(r *call) (map[string]any, error) {
	name, err := r.headline()
	if err != nil {
		return nil, err
	}
	return r.onPosition(false, func(c *commander.Commander) error {
		return c.InsertNode(name)
	})
}

func opInsertChildNode(r *call) (map[string]any, error) {
	name, err := r.headline()
	if err != nil {
		return nil, err
	}
	return r.onPosition(false, func(c *commander.Commander) error {
		return c.InsertChild(name)
	})
}

func opDeleteNode(r *call) (map[string]any, error) {
	return r.onPosition(false, (*commander.Commander).DeleteNode)
}

func opCloneNode(r *call) (map[string]any, error) {
	return r.onPosition(false, (*commander.Commander).CloneNode)
}

func opMarkNode(r *call) (map[string]any, error) {
	return r.onPosition(true, (*commander.Commander).Mark)
}

func opUnmarkNode(r *call) (map[string]any, error) {
	return r.onPosition(true, (*commander.Commander).Unmark)
}

func opExpandNode(r *call) (map[string]any, error) {
	return r.onPosition(true, func(c *commander.Commander) error {
		c.Expand()
		return nil
	})
}

func opContractNode(r *call) (map[string]any, error) {
	return r.onPosition(true, func(c *commander.Commander) error {
		c.Contract()
		return nil
	})
}

func opUndo(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	return nil, c.Undo()
}

func opRedo(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	return nil, c.Redo()
}

func opSetAskResult(r *call) (map[string]any, error) {
	var p struct {
		Result string `json:"result"`
	}
	if err := r.param(&p); err != nil {
		return nil, err
	}
	if r.env.Watcher == nil {
		return nil, protocolf(ErrNotFound, "%s: no question is pending", r.req.Action)
	}
	return nil, r.env.Watcher.Answer(p.Result)
}

func opDoNothing(r *call) (map[string]any, error) {
	return nil, nil
}

func opShutDown(r *call) (map[string]any, error) {
	if n := r.env.Registry.Len(); 0 < n {
		return nil, protocolf(ErrDocumentsOpen, "cannot shut down: %d %s", n, ErrDocumentsOpen)
	}
	glog.Infof("[d]shut down requested by %s\n", r.session)
	if r.env.Shutdown != nil {
		r.env.Shutdown()
	}
	return map[string]any{"shutdown": true}, nil
}

func opCheckRoundTrip(r *call) (map[string]any, error) {
	c, err := r.commander()
	if err != nil {
		return nil, err
	}
	if err := location.SelfCheck(c.Tree()); err != nil {
		return nil, err
	}
	return map[string]any{"checked": len(c.Tree().All())}, nil
}

func opGetSessions(r *call) (map[string]any, error) {
	return map[string]any{
		"sessions": r.env.Hub.Sessions(),
		"master":   r.env.Hub.Master(),
		"self":     r.session,
	}, nil
}

func opGetVersion(r *call) (map[string]any, error) {
	return map[string]any{"version": r.env.Version}, nil
}
