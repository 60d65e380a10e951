// Package commander holds open outline documents and the operations a
// client may run against them.
package commander

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"outlineserver/internal/location"
	"outlineserver/internal/outline"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNoPath       = errors.New("outline has no file name")
	ErrNothingToDo  = errors.New("nothing to do")
	ErrNotAvailable = errors.New("not available in a headless session")
)

// Commander is one open outline.
type Commander struct {
	id      string
	path    string
	tree    *outline.Tree
	current outline.Position
	changed bool
	undoer  *Undoer

	owner         string
	checkExternal bool
	written       func(path string)

	commands   map[string]MethodFunc
	methods    map[string]MethodFunc
	facilities []Facility
}

// New creates an unsaved outline. path may be "" for an untitled outline.
func New(path string) *Commander {
	return newCommander(path, outline.NewTree())
}

func newCommander(path string, tree *outline.Tree) *Commander {
	c := &Commander{
		id:            uuid.NewString(),
		path:          path,
		tree:          tree,
		undoer:        NewUndoer(),
		checkExternal: true,
		written:       func(string) {},
		commands:      defaultCommands(),
		methods:       defaultMethods(),
		facilities:    defaultFacilities(),
	}
	c.current = tree.FirstPosition()
	return c
}

// Load reads path, or creates a new outline bound to path when the file does
// not exist yet.
func Load(path string) (*Commander, error) {
	if path == "" {
		return New(""), nil
	}
	tree, err := outline.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(path), nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return newCommander(path, tree), nil
}

func (c *Commander) ID() string {
	return c.id
}

func (c *Commander) Path() string {
	return c.path
}

// BaseDir resolves external file paths.
func (c *Commander) BaseDir() string {
	if c.path == "" {
		return "."
	}
	return filepath.Dir(c.path)
}

func (c *Commander) Tree() *outline.Tree {
	return c.tree
}

func (c *Commander) Current() outline.Position {
	return c.current
}

func (c *Commander) Changed() bool {
	return c.changed
}

func (c *Commander) Owner() string {
	return c.owner
}

func (c *Commander) SetOwner(session string) {
	c.owner = session
}

func (c *Commander) CheckExternal() bool {
	return c.checkExternal
}

func (c *Commander) SetCheckExternal(enabled bool) {
	c.checkExternal = enabled
}

func (c *Commander) Undoer() *Undoer {
	return c.undoer
}

// Select makes p current.
func (c *Commander) Select(p outline.Position) error {
	if !c.tree.IsValid(p) {
		return fmt.Errorf("select: %w", outline.ErrInvalidPosition)
	}
	c.current = p
	return nil
}

// SelectArchived decodes a and makes it current.
func (c *Commander) SelectArchived(a location.Archived) error {
	p, err := location.Decode(a, c.tree)
	if err != nil {
		return err
	}
	c.current = p
	return nil
}

// change runs one undoable edit. edit returns the position to select.
func (c *Commander) change(label string, edit func() (outline.Position, error)) error {
	before := c.snapshot()
	p, err := edit()
	if err != nil {
		return err
	}
	c.undoer.push(label, before)
	c.current = p
	c.changed = true
	return nil
}

func (c *Commander) InsertNode(headline string) error {
	return c.change("Insert Node", func() (outline.Position, error) {
		return c.tree.InsertAfter(c.current, headline)
	})
}

func (c *Commander) InsertChild(headline string) error {
	return c.change("Insert Child", func() (outline.Position, error) {
		return c.tree.InsertChild(c.current, headline)
	})
}

func (c *Commander) DeleteNode() error {
	return c.change("Delete Node", func() (outline.Position, error) {
		return c.tree.Delete(c.current)
	})
}

func (c *Commander) CloneNode() error {
	return c.change("Clone Node", func() (outline.Position, error) {
		return c.tree.Clone(c.current)
	})
}

func (c *Commander) MoveUp() error {
	return c.change("Move Up", func() (outline.Position, error) {
		return c.tree.MoveUp(c.current)
	})
}

func (c *Commander) MoveDown() error {
	return c.change("Move Down", func() (outline.Position, error) {
		return c.tree.MoveDown(c.current)
	})
}

func (c *Commander) MoveLeft() error {
	return c.change("Move Left", func() (outline.Position, error) {
		return c.tree.MoveLeft(c.current)
	})
}

func (c *Commander) MoveRight() error {
	return c.change("Move Right", func() (outline.Position, error) {
		return c.tree.MoveRight(c.current)
	})
}

func (c *Commander) SortChildren() error {
	return c.change("Sort Children", func() (outline.Position, error) {
		return c.current, c.tree.SortChildren(c.current)
	})
}

func (c *Commander) SortSiblings() error {
	return c.change("Sort Siblings", func() (outline.Position, error) {
		return c.tree.SortSiblings(c.current)
	})
}

// SetHeadline renames the node at p.
func (c *Commander) SetHeadline(p outline.Position, headline string) error {
	if !c.tree.IsValid(p) {
		return fmt.Errorf("set headline: %w", outline.ErrInvalidPosition)
	}
	if p.V.Headline == headline {
		return nil
	}
	gnx := p.V.Gnx
	return c.change("Change Headline", func() (outline.Position, error) {
		v, _ := c.tree.Lookup(gnx)
		v.SetHeadline(headline)
		return p, nil
	})
}

// SetBody replaces the body of the node with the given gnx.
func (c *Commander) SetBody(gnx string, body string) error {
	v, ok := c.tree.Lookup(gnx)
	if !ok {
		return fmt.Errorf("gnx %s: %w", gnx, ErrNotFound)
	}
	if v.Body == body {
		return nil
	}
	return c.change("Change Body", func() (outline.Position, error) {
		v.SetBody(body)
		return c.current, nil
	})
}

// SetUA stores a user attribute on the current node.
func (c *Commander) SetUA(key string, value any) error {
	return c.change("Set Attribute", func() (outline.Position, error) {
		v := c.current.V
		if v.UA == nil {
			v.UA = map[string]any{}
		}
		v.UA[key] = value
		v.Dirty = true
		return c.current, nil
	})
}

func (c *Commander) setMarks(ps []outline.Position, marked bool) error {
	return c.change("Mark", func() (outline.Position, error) {
		for _, p := range ps {
			if p.V.Marked != marked {
				p.V.Marked = marked
				p.V.Dirty = true
			}
		}
		return c.current, nil
	})
}

func (c *Commander) Mark() error {
	return c.setMarks([]outline.Position{c.current}, true)
}

func (c *Commander) Unmark() error {
	return c.setMarks([]outline.Position{c.current}, false)
}

func (c *Commander) ToggleMark() error {
	return c.setMarks([]outline.Position{c.current}, !c.current.V.Marked)
}

func (c *Commander) MarkSubtree() error {
	return c.setMarks(c.tree.Subtree(c.current), true)
}

func (c *Commander) ClearAllMarked() error {
	return c.setMarks(c.tree.All(), false)
}

// Expansion is view state; it does not dirty the outline.
func (c *Commander) Expand() {
	c.current.V.Expanded = true
}

func (c *Commander) Contract() {
	c.current.V.Expanded = false
}

func (c *Commander) ExpandAll() {
	for _, p := range c.tree.All() {
		if p.V.HasChildren() {
			p.V.Expanded = true
		}
	}
}

func (c *Commander) ContractAll() {
	for _, p := range c.tree.All() {
		p.V.Expanded = false
	}
}

// Goto moves the selection with a navigation function.
func (c *Commander) Goto(move func(outline.Position) outline.Position) error {
	p := move(c.current)
	if p.IsZero() {
		return ErrNothingToDo
	}
	return c.Select(p)
}

func (c *Commander) Undo() error {
	s, ok := c.undoer.undo(c.snapshot())
	if !ok {
		return fmt.Errorf("undo: %w", ErrNothingToDo)
	}
	c.restore(s)
	return nil
}

func (c *Commander) Redo() error {
	s, ok := c.undoer.redo(c.snapshot())
	if !ok {
		return fmt.Errorf("redo: %w", ErrNothingToDo)
	}
	c.restore(s)
	return nil
}

// Save writes the outline and its external files.
func (c *Commander) Save() error {
	if c.path == "" {
		return ErrNoPath
	}
	written, err := outline.Write(c.path, c.tree)
	for _, path := range written {
		c.written(path)
	}
	if err != nil {
		return fmt.Errorf("saving %s: %w", c.path, err)
	}
	c.changed = false
	return nil
}

// SaveAs binds the outline to a new path and saves it.
func (c *Commander) SaveAs(path string) error {
	if path == "" {
		return ErrNoPath
	}
	c.path = path
	return c.Save()
}

// Reload replaces the outline with the file on disk. The selection is kept
// when it still resolves.
func (c *Commander) Reload() error {
	if c.path == "" {
		return ErrNoPath
	}
	tree, err := outline.Read(c.path)
	if err != nil {
		return fmt.Errorf("reloading %s: %w", c.path, err)
	}
	selection := location.Encode(c.current)
	c.tree = tree
	c.undoer.clear()
	c.changed = false
	if err := c.SelectArchived(selection); err != nil {
		c.current = tree.FirstPosition()
	}
	return nil
}

// Revert discards unsaved changes.
func (c *Commander) Revert() error {
	if c.path != "" {
		if _, err := os.Stat(c.path); err == nil {
			return c.Reload()
		}
	}
	c.changed = false
	return nil
}

// ReloadNode reloads the body of an external file node from disk.
func (c *Commander) ReloadNode(p outline.Position) error {
	if !c.tree.IsValid(p) {
		return fmt.Errorf("reload node: %w", outline.ErrInvalidPosition)
	}
	before := p.V.Body
	if err := outline.LoadExternal(p.V, c.BaseDir()); err != nil {
		return err
	}
	if before != p.V.Body {
		c.changed = true
	}
	return nil
}

func (c *Commander) snapshot() snapshot {
	return snapshot{
		tree:      c.tree.Copy(),
		selection: location.Encode(c.current),
	}
}

func (c *Commander) restore(s snapshot) {
	c.tree = s.tree
	c.changed = true
	if err := c.SelectArchived(s.selection); err != nil {
		c.current = c.tree.FirstPosition()
	}
}
