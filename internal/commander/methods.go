package commander

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"outlineserver/internal/outline"
)

// MethodFunc runs one named operation against a commander. param is the
// request's raw param object; the returned map is merged into the reply.
type MethodFunc func(c *Commander, param json.RawMessage) (map[string]any, error)

// Facility is a named capability area searched for generic methods.
type Facility struct {
	Name    string
	Methods map[string]MethodFunc
}

// DecodeParam unmarshals param into v. A missing param leaves v untouched.
func DecodeParam(param json.RawMessage, v any) error {
	if len(param) == 0 || string(param) == "null" {
		return nil
	}
	if err := json.Unmarshal(param, v); err != nil {
		return fmt.Errorf("decoding param: %w", err)
	}
	return nil
}

func simple(fn func(c *Commander) error) MethodFunc {
	return func(c *Commander, _ json.RawMessage) (map[string]any, error) {
		return nil, fn(c)
	}
}

func view(fn func(c *Commander)) MethodFunc {
	return func(c *Commander, _ json.RawMessage) (map[string]any, error) {
		fn(c)
		return nil, nil
	}
}

func move(nav func(t *outline.Tree, p outline.Position) outline.Position) MethodFunc {
	return simple(func(c *Commander) error {
		return c.Goto(func(p outline.Position) outline.Position {
			return nav(c.tree, p)
		})
	})
}

func unavailable(c *Commander, _ json.RawMessage) (map[string]any, error) {
	return nil, ErrNotAvailable
}

type headlineParam struct {
	Name string `json:"name"`
}

func headlineOrDefault(param json.RawMessage) (string, error) {
	var p headlineParam
	if err := DecodeParam(param, &p); err != nil {
		return "", err
	}
	if p.Name == "" {
		p.Name = "NewHeadline"
	}
	return p.Name, nil
}

// defaultCommands is the named-command table. Some entries only make sense
// with an interactive editor and are refused by the dispatcher's deny list.
func defaultCommands() map[string]MethodFunc {
	return map[string]MethodFunc{
		"insert-node":        simple(func(c *Commander) error { return c.InsertNode("NewHeadline") }),
		"insert-child":       simple(func(c *Commander) error { return c.InsertChild("NewHeadline") }),
		"delete-node":        simple((*Commander).DeleteNode),
		"clone-node":         simple((*Commander).CloneNode),
		"move-outline-up":    simple((*Commander).MoveUp),
		"move-outline-down":  simple((*Commander).MoveDown),
		"move-outline-left":  simple((*Commander).MoveLeft),
		"move-outline-right": simple((*Commander).MoveRight),
		"sort-children":      simple((*Commander).SortChildren),
		"sort-siblings":      simple((*Commander).SortSiblings),
		"mark":               simple((*Commander).ToggleMark),
		"mark-subtree":       simple((*Commander).MarkSubtree),
		"unmark-all":         simple((*Commander).ClearAllMarked),
		"expand-node":        view((*Commander).Expand),
		"contract-node":      view((*Commander).Contract),
		"expand-all":         view((*Commander).ExpandAll),
		"contract-all":       view((*Commander).ContractAll),
		"goto-next-node":     move((*outline.Tree).ThreadNext),
		"goto-prev-node":     move((*outline.Tree).ThreadBack),
		"goto-next-sibling":  move((*outline.Tree).Next),
		"goto-prev-sibling":  move((*outline.Tree).Back),
		"goto-parent":        move(func(_ *outline.Tree, p outline.Position) outline.Position { return p.Parent() }),
		"goto-first-child":   move(firstChild),
		"undo":               simple((*Commander).Undo),
		"redo":               simple((*Commander).Redo),
		"save-file":          simple((*Commander).Save),
		"revert":             simple((*Commander).Revert),

		"quit-editor":    unavailable,
		"restart-editor": unavailable,
		"open-outline":   unavailable,
		"find-quick":     unavailable,
		"focus-to-body":  unavailable,
		"help":           unavailable,
	}
}

func firstChild(_ *outline.Tree, p outline.Position) outline.Position {
	if !p.V.HasChildren() {
		return outline.Position{}
	}
	return p.Child(0)
}

// defaultMethods are the commander's own generic methods.
func defaultMethods() map[string]MethodFunc {
	return map[string]MethodFunc{
		"clearAllMarked":   simple((*Commander).ClearAllMarked),
		"expandAllNodes":   view((*Commander).ExpandAll),
		"contractAllNodes": view((*Commander).ContractAll),
		"selectPosition":   simple(func(*Commander) error { return nil }),
		"isChanged": func(c *Commander, _ json.RawMessage) (map[string]any, error) {
			return map[string]any{"changed": c.changed}, nil
		},
		"getHeadline": func(c *Commander, _ json.RawMessage) (map[string]any, error) {
			return map[string]any{"headline": c.current.V.Headline}, nil
		},
		"getBody": func(c *Commander, _ json.RawMessage) (map[string]any, error) {
			return map[string]any{"body": c.current.V.Body}, nil
		},
		"setHeadline": func(c *Commander, param json.RawMessage) (map[string]any, error) {
			var p headlineParam
			if err := DecodeParam(param, &p); err != nil {
				return nil, err
			}
			return nil, c.SetHeadline(c.current, p.Name)
		},
		"setBody": func(c *Commander, param json.RawMessage) (map[string]any, error) {
			var p struct {
				Body string `json:"body"`
			}
			if err := DecodeParam(param, &p); err != nil {
				return nil, err
			}
			return nil, c.SetBody(c.current.V.Gnx, p.Body)
		},
	}
}

func defaultFacilities() []Facility {
	return []Facility{
		{
			Name: "fileCommands",
			Methods: map[string]MethodFunc{
				"save":   simple((*Commander).Save),
				"revert": simple((*Commander).Revert),
				"saveAs": func(c *Commander, param json.RawMessage) (map[string]any, error) {
					var p struct {
						Name string `json:"name"`
					}
					if err := DecodeParam(param, &p); err != nil {
						return nil, err
					}
					return nil, c.SaveAs(p.Name)
				},
				"getFileName": func(c *Commander, _ json.RawMessage) (map[string]any, error) {
					return map[string]any{"fileName": c.path}, nil
				},
				"getOutlineText": func(c *Commander, _ json.RawMessage) (map[string]any, error) {
					data, err := outline.Marshal(c.tree)
					if err != nil {
						return nil, err
					}
					return map[string]any{"text": string(data)}, nil
				},
			},
		},
		{
			Name: "undoer",
			Methods: map[string]MethodFunc{
				"undo":      simple((*Commander).Undo),
				"redo":      simple((*Commander).Redo),
				"clearUndo": view(func(c *Commander) { c.undoer.clear() }),
				"getUndoState": func(c *Commander, _ json.RawMessage) (map[string]any, error) {
					return map[string]any{
						"canUndo":   c.undoer.CanUndo(),
						"canRedo":   c.undoer.CanRedo(),
						"undoLabel": c.undoer.UndoLabel(),
						"redoLabel": c.undoer.RedoLabel(),
					}, nil
				},
			},
		},
		{
			Name: "nodeOps",
			Methods: map[string]MethodFunc{
				"insertNode": func(c *Commander, param json.RawMessage) (map[string]any, error) {
					name, err := headlineOrDefault(param)
					if err != nil {
						return nil, err
					}
					return nil, c.InsertNode(name)
				},
				"insertChild": func(c *Commander, param json.RawMessage) (map[string]any, error) {
					name, err := headlineOrDefault(param)
					if err != nil {
						return nil, err
					}
					return nil, c.InsertChild(name)
				},
				"deleteNode":   simple((*Commander).DeleteNode),
				"cloneNode":    simple((*Commander).CloneNode),
				"sortChildren": simple((*Commander).SortChildren),
				"sortSiblings": simple((*Commander).SortSiblings),
				"markSubtree":  simple((*Commander).MarkSubtree),
				"setUA": func(c *Commander, param json.RawMessage) (map[string]any, error) {
					var p struct {
						Key   string `json:"key"`
						Value any    `json:"value"`
					}
					if err := DecodeParam(param, &p); err != nil {
						return nil, err
					}
					if p.Key == "" {
						return nil, fmt.Errorf("setUA: missing key")
					}
					return nil, c.SetUA(p.Key, p.Value)
				},
				"getUA": func(c *Commander, _ json.RawMessage) (map[string]any, error) {
					ua := c.current.V.UA
					if ua == nil {
						ua = map[string]any{}
					}
					return map[string]any{"ua": ua}, nil
				},
			},
		},
	}
}

// Command looks up a named command.
func (c *Commander) Command(name string) (MethodFunc, bool) {
	fn, ok := c.commands[name]
	return fn, ok
}

// RegisterCommand adds or replaces a named command for this commander.
func (c *Commander) RegisterCommand(name string, fn MethodFunc) {
	c.commands[name] = fn
}

// CommandNames lists the named commands in sorted order.
func (c *Commander) CommandNames() []string {
	names := maps.Keys(c.commands)
	slices.Sort(names)
	return names
}

// Method finds a generic method on the commander itself, then in each
// facility in order. It also reports where the method was found.
func (c *Commander) Method(name string) (MethodFunc, string, bool) {
	if fn, ok := c.methods[name]; ok {
		return fn, "commander", true
	}
	for _, f := range c.facilities {
		if fn, ok := f.Methods[name]; ok {
			return fn, f.Name, true
		}
	}
	return nil, "", false
}

// AddFacility appends a facility to the end of the search order.
func (c *Commander) AddFacility(f Facility) {
	c.facilities = append(c.facilities, f)
}

// Facilities lists facility names in search order.
func (c *Commander) Facilities() []string {
	names := []string{"commander"}
	for _, f := range c.facilities {
		names = append(names, f.Name)
	}
	return names
}
