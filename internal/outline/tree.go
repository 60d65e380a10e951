package outline

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

var (
	ErrInvalidPosition = errors.New("position does not resolve")
	ErrLastNode        = errors.New("cannot delete the last top-level node")
	ErrCannotMove      = errors.New("cannot move node")
)

// Tree is one outline. The hidden root is never addressed by a Position;
// its children are the top-level nodes.
//
// The gnx table and the per-node reference counts are rebuilt by walking from
// the root after every structural edit, so a node that no path reaches drops
// out of the table.
type Tree struct {
	root  *VNode
	table map[string]*VNode
	refs  map[*VNode]int
}

// NewTree returns an outline holding a single empty top-level node.
func NewTree() *Tree {
	t := &Tree{root: &VNode{Gnx: "hidden-root"}}
	t.root.Children = []*VNode{NewVNode("NewHeadline")}
	t.Rebuild()
	return t
}

func newTreeFromRoot(root *VNode) *Tree {
	t := &Tree{root: root}
	if len(root.Children) == 0 {
		root.Children = []*VNode{NewVNode("NewHeadline")}
	}
	t.Rebuild()
	return t
}

// Rebuild recomputes the gnx table and clone reference counts.
func (t *Tree) Rebuild() {
	t.table = map[string]*VNode{}
	t.refs = map[*VNode]int{}
	var walk func(v *VNode)
	walk = func(v *VNode) {
		for _, child := range v.Children {
			t.refs[child] += 1
			if _, seen := t.table[child.Gnx]; seen {
				continue
			}
			t.table[child.Gnx] = child
			walk(child)
		}
	}
	walk(t.root)
}

func (t *Tree) Root() *VNode {
	return t.root
}

// Lookup returns the reachable node with the given gnx.
func (t *Tree) Lookup(gnx string) (*VNode, bool) {
	v, ok := t.table[gnx]
	return v, ok
}

// Gnxs returns every reachable gnx.
func (t *Tree) Gnxs() []string {
	out := make([]string, 0, len(t.table))
	seen := map[*VNode]bool{}
	for _, p := range t.All() {
		if !seen[p.V] {
			seen[p.V] = true
			out = append(out, p.V.Gnx)
		}
	}
	return out
}

// IsCloned reports whether v is reachable through more than one edge.
func (t *Tree) IsCloned(v *VNode) bool {
	return 1 < t.refs[v]
}

// Size is the number of distinct reachable nodes.
func (t *Tree) Size() int {
	return len(t.table)
}

// FirstPosition returns the first top-level node.
func (t *Tree) FirstPosition() Position {
	return Position{V: t.root.Children[0], ChildIndex: 0, Stack: []StackEntry{}}
}

func (t *Tree) parentNode(p Position) *VNode {
	if len(p.Stack) == 0 {
		return t.root
	}
	return p.Stack[len(p.Stack)-1].V
}

// IsValid reports whether p still resolves against the current tree shape.
func (t *Tree) IsValid(p Position) bool {
	if p.V == nil {
		return false
	}
	parent := t.root
	for _, entry := range p.Stack {
		if entry.ChildIndex < 0 || entry.ChildIndex >= len(parent.Children) {
			return false
		}
		if parent.Children[entry.ChildIndex] != entry.V {
			return false
		}
		parent = entry.V
	}
	if p.ChildIndex < 0 || p.ChildIndex >= len(parent.Children) {
		return false
	}
	return parent.Children[p.ChildIndex] == p.V
}

// TopLevel returns the positions of the top-level nodes.
func (t *Tree) TopLevel() []Position {
	out := make([]Position, len(t.root.Children))
	for i, v := range t.root.Children {
		out[i] = Position{V: v, ChildIndex: i, Stack: []StackEntry{}}
	}
	return out
}

// Children returns the child positions of p.
func (t *Tree) Children(p Position) []Position {
	out := make([]Position, len(p.V.Children))
	for i := range p.V.Children {
		out[i] = p.Child(i)
	}
	return out
}

// Next returns the next sibling of p, or the zero position.
func (t *Tree) Next(p Position) Position {
	parent := t.parentNode(p)
	if p.ChildIndex+1 >= len(parent.Children) {
		return Position{}
	}
	return p.sibling(parent, p.ChildIndex+1)
}

// Back returns the previous sibling of p, or the zero position.
func (t *Tree) Back(p Position) Position {
	if p.ChildIndex == 0 {
		return Position{}
	}
	return p.sibling(t.parentNode(p), p.ChildIndex-1)
}

// ThreadNext returns the next position in outline order.
func (t *Tree) ThreadNext(p Position) Position {
	if p.V.HasChildren() {
		return p.Child(0)
	}
	for q := p; !q.IsZero(); q = q.Parent() {
		if next := t.Next(q); !next.IsZero() {
			return next
		}
	}
	return Position{}
}

// ThreadBack returns the previous position in outline order.
func (t *Tree) ThreadBack(p Position) Position {
	back := t.Back(p)
	if back.IsZero() {
		return p.Parent()
	}
	for back.V.HasChildren() {
		back = back.Child(len(back.V.Children) - 1)
	}
	return back
}

// All returns every position of the outline in outline order.
func (t *Tree) All() []Position {
	var out []Position
	for p := t.FirstPosition(); !p.IsZero(); p = t.ThreadNext(p) {
		out = append(out, p)
	}
	return out
}

// Subtree returns p and every position below it.
func (t *Tree) Subtree(p Position) []Position {
	out := []Position{p}
	for _, child := range t.Children(p) {
		out = append(out, t.Subtree(child)...)
	}
	return out
}

// FindByGnx returns the first position of the node with the given gnx.
func (t *Tree) FindByGnx(gnx string) (Position, bool) {
	for _, p := range t.All() {
		if p.V.Gnx == gnx {
			return p, true
		}
	}
	return Position{}, false
}

func (t *Tree) check(p Position) error {
	if !t.IsValid(p) {
		return fmt.Errorf("%w: %s", ErrInvalidPosition, describe(p))
	}
	return nil
}

func describe(p Position) string {
	if p.V == nil {
		return "<zero>"
	}
	return fmt.Sprintf("%s[%d]@%d", p.V.Gnx, p.ChildIndex, len(p.Stack))
}

// InsertAfter inserts a new node after p and returns its position.
func (t *Tree) InsertAfter(p Position, headline string) (Position, error) {
	if err := t.check(p); err != nil {
		return Position{}, err
	}
	parent := t.parentNode(p)
	parent.insertChild(p.ChildIndex+1, NewVNode(headline))
	t.Rebuild()
	return p.sibling(parent, p.ChildIndex+1), nil
}

// InsertChild inserts a new node as the last child of p.
func (t *Tree) InsertChild(p Position, headline string) (Position, error) {
	if err := t.check(p); err != nil {
		return Position{}, err
	}
	n := len(p.V.Children)
	p.V.insertChild(n, NewVNode(headline))
	p.V.Expanded = true
	t.Rebuild()
	return p.Child(n), nil
}

// Clone inserts another reference to p's node right after p.
func (t *Tree) Clone(p Position) (Position, error) {
	if err := t.check(p); err != nil {
		return Position{}, err
	}
	parent := t.parentNode(p)
	parent.insertChild(p.ChildIndex+1, p.V)
	t.Rebuild()
	return p.sibling(parent, p.ChildIndex+1), nil
}

// Delete unlinks p and returns the position that should be selected next.
func (t *Tree) Delete(p Position) (Position, error) {
	if err := t.check(p); err != nil {
		return Position{}, err
	}
	parent := t.parentNode(p)
	if parent == t.root && len(parent.Children) == 1 {
		return Position{}, ErrLastNode
	}
	parent.removeChild(p.ChildIndex)
	t.Rebuild()
	switch {
	case p.ChildIndex < len(parent.Children):
		return p.sibling(parent, p.ChildIndex), nil
	case 0 < p.ChildIndex:
		return p.sibling(parent, p.ChildIndex-1), nil
	default:
		return p.Parent(), nil
	}
}

// MoveUp swaps p with its previous sibling.
func (t *Tree) MoveUp(p Position) (Position, error) {
	if err := t.check(p); err != nil {
		return Position{}, err
	}
	if p.ChildIndex == 0 {
		return Position{}, fmt.Errorf("%w: already first", ErrCannotMove)
	}
	parent := t.parentNode(p)
	i := p.ChildIndex
	parent.Children[i-1], parent.Children[i] = parent.Children[i], parent.Children[i-1]
	t.Rebuild()
	return p.sibling(parent, i-1), nil
}

// MoveDown swaps p with its next sibling.
func (t *Tree) MoveDown(p Position) (Position, error) {
	if err := t.check(p); err != nil {
		return Position{}, err
	}
	parent := t.parentNode(p)
	i := p.ChildIndex
	if i+1 >= len(parent.Children) {
		return Position{}, fmt.Errorf("%w: already last", ErrCannotMove)
	}
	parent.Children[i+1], parent.Children[i] = parent.Children[i], parent.Children[i+1]
	t.Rebuild()
	return p.sibling(parent, i+1), nil
}

// MoveLeft makes p the next sibling of its parent.
func (t *Tree) MoveLeft(p Position) (Position, error) {
	if err := t.check(p); err != nil {
		return Position{}, err
	}
	if len(p.Stack) == 0 {
		return Position{}, fmt.Errorf("%w: already top level", ErrCannotMove)
	}
	parentPos := p.Parent()
	grand := t.parentNode(parentPos)
	parentPos.V.removeChild(p.ChildIndex)
	grand.insertChild(parentPos.ChildIndex+1, p.V)
	t.Rebuild()
	return parentPos.sibling(grand, parentPos.ChildIndex+1), nil
}

// MoveRight makes p the last child of its previous sibling.
func (t *Tree) MoveRight(p Position) (Position, error) {
	if err := t.check(p); err != nil {
		return Position{}, err
	}
	back := t.Back(p)
	if back.IsZero() {
		return Position{}, fmt.Errorf("%w: no previous sibling", ErrCannotMove)
	}
	if p.V.contains(back.V) {
		return Position{}, fmt.Errorf("%w: would create a cycle", ErrCannotMove)
	}
	parent := t.parentNode(p)
	parent.removeChild(p.ChildIndex)
	n := len(back.V.Children)
	back.V.insertChild(n, p.V)
	back.V.Expanded = true
	t.Rebuild()
	return back.Child(n), nil
}

// SortChildren orders p's children by headline.
func (t *Tree) SortChildren(p Position) error {
	if err := t.check(p); err != nil {
		return err
	}
	sortByHeadline(p.V.Children)
	t.Rebuild()
	return nil
}

// SortSiblings orders p and its siblings by headline and returns p's new position.
func (t *Tree) SortSiblings(p Position) (Position, error) {
	if err := t.check(p); err != nil {
		return Position{}, err
	}
	parent := t.parentNode(p)
	sortByHeadline(parent.Children)
	t.Rebuild()
	return p.sibling(parent, parent.childIndex(p.V)), nil
}

func sortByHeadline(nodes []*VNode) {
	slices.SortStableFunc(nodes, func(a, b *VNode) int {
		return strings.Compare(a.Headline, b.Headline)
	})
}

// Copy returns a deep copy of the tree preserving clone sharing.
func (t *Tree) Copy() *Tree {
	seen := map[*VNode]*VNode{}
	var dup func(v *VNode) *VNode
	dup = func(v *VNode) *VNode {
		if c, ok := seen[v]; ok {
			return c
		}
		c := &VNode{
			Gnx:      v.Gnx,
			Headline: v.Headline,
			Body:     v.Body,
			Marked:   v.Marked,
			Expanded: v.Expanded,
			Dirty:    v.Dirty,
		}
		if v.UA != nil {
			c.UA = make(map[string]any, len(v.UA))
			for k, val := range v.UA {
				c.UA[k] = val
			}
		}
		seen[v] = c
		c.Children = make([]*VNode, len(v.Children))
		for i, child := range v.Children {
			c.Children[i] = dup(child)
		}
		return c
	}
	copied := &Tree{root: dup(t.root)}
	copied.Rebuild()
	return copied
}

// ExternalNodes returns the first position of every node bound to an external file.
func (t *Tree) ExternalNodes() []Position {
	var out []Position
	seen := map[*VNode]bool{}
	for _, p := range t.All() {
		if seen[p.V] {
			continue
		}
		seen[p.V] = true
		if _, _, ok := p.V.External(); ok {
			out = append(out, p)
		}
	}
	return out
}

// ClearDirty resets the dirty bit of every node.
func (t *Tree) ClearDirty() {
	for _, v := range t.table {
		v.Dirty = false
	}
}
