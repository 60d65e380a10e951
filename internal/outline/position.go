package outline

// StackEntry is one ancestor step of a Position.
type StackEntry struct {
	V          *VNode
	ChildIndex int
}

// Position is a path to one node in the current tree shape. Positions are
// values and become stale when the tree changes; check Tree.IsValid before use.
type Position struct {
	V          *VNode
	ChildIndex int
	Stack      []StackEntry
}

func (p Position) IsZero() bool {
	return p.V == nil
}

// Equal compares every element of the path.
func (p Position) Equal(q Position) bool {
	if p.V != q.V || p.ChildIndex != q.ChildIndex || len(p.Stack) != len(q.Stack) {
		return false
	}
	for i := range p.Stack {
		if p.Stack[i] != q.Stack[i] {
			return false
		}
	}
	return true
}

// Copy returns a position that shares no stack storage with p.
func (p Position) Copy() Position {
	stack := make([]StackEntry, len(p.Stack))
	copy(stack, p.Stack)
	return Position{V: p.V, ChildIndex: p.ChildIndex, Stack: stack}
}

func (p Position) Level() int {
	return len(p.Stack)
}

// Parent returns the parent position, or the zero position at top level.
func (p Position) Parent() Position {
	if len(p.Stack) == 0 {
		return Position{}
	}
	top := p.Stack[len(p.Stack)-1]
	stack := make([]StackEntry, len(p.Stack)-1)
	copy(stack, p.Stack)
	return Position{V: top.V, ChildIndex: top.ChildIndex, Stack: stack}
}

// Child returns the position of the i-th child of p.
func (p Position) Child(i int) Position {
	stack := make([]StackEntry, len(p.Stack), len(p.Stack)+1)
	copy(stack, p.Stack)
	stack = append(stack, StackEntry{V: p.V, ChildIndex: p.ChildIndex})
	return Position{V: p.V.Children[i], ChildIndex: i, Stack: stack}
}

// sibling returns the position of the i-th child of p's parent.
func (p Position) sibling(parent *VNode, i int) Position {
	stack := make([]StackEntry, len(p.Stack))
	copy(stack, p.Stack)
	return Position{V: parent.Children[i], ChildIndex: i, Stack: stack}
}

// IsAncestorOf reports whether p lies on q's path above q.
func (p Position) IsAncestorOf(q Position) bool {
	if len(p.Stack) >= len(q.Stack) {
		return false
	}
	for i := range p.Stack {
		if p.Stack[i] != q.Stack[i] {
			return false
		}
	}
	at := q.Stack[len(p.Stack)]
	return at.V == p.V && at.ChildIndex == p.ChildIndex
}
