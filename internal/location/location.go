// Package location converts outline positions to and from their wire form.
//
// For every position p that resolves in a tree t,
// Decode(Encode(p), t) returns a position equal to p. Decode always
// re-validates against the current tree shape.
package location

import (
	"errors"
	"fmt"
	"strings"

	"outlineserver/internal/outline"
)

var ErrNotFound = errors.New("location not found")

// Entry is one ancestor step of an archived location.
type Entry struct {
	Gnx        string `json:"gnx"`
	ChildIndex int    `json:"childIndex"`
}

// Archived is the wire form of an outline.Position.
type Archived struct {
	Gnx        string  `json:"gnx"`
	ChildIndex int     `json:"childIndex"`
	Stack      []Entry `json:"stack"`
}

// String is a compact key for logs.
func (a Archived) String() string {
	parts := make([]string, 0, len(a.Stack)+1)
	for _, e := range a.Stack {
		parts = append(parts, fmt.Sprintf("%s:%d", e.Gnx, e.ChildIndex))
	}
	parts = append(parts, fmt.Sprintf("%s:%d", a.Gnx, a.ChildIndex))
	return strings.Join(parts, "/")
}

// Encode archives p. It only reads p's own fields.
func Encode(p outline.Position) Archived {
	a := Archived{
		Gnx:        p.V.Gnx,
		ChildIndex: p.ChildIndex,
		Stack:      make([]Entry, len(p.Stack)),
	}
	for i, entry := range p.Stack {
		a.Stack[i] = Entry{Gnx: entry.V.Gnx, ChildIndex: entry.ChildIndex}
	}
	return a
}

// Decode resolves a against the current shape of t.
func Decode(a Archived, t *outline.Tree) (outline.Position, error) {
	if a.Gnx == "" || a.ChildIndex < 0 {
		return outline.Position{}, fmt.Errorf("%w: malformed location %s", ErrNotFound, a)
	}
	v, ok := t.Lookup(a.Gnx)
	if !ok {
		return outline.Position{}, fmt.Errorf("%w: unknown gnx %s", ErrNotFound, a.Gnx)
	}
	p := outline.Position{
		V:          v,
		ChildIndex: a.ChildIndex,
		Stack:      make([]outline.StackEntry, len(a.Stack)),
	}
	for i, e := range a.Stack {
		if e.Gnx == "" || e.ChildIndex < 0 {
			return outline.Position{}, fmt.Errorf("%w: malformed stack in %s", ErrNotFound, a)
		}
		ancestor, ok := t.Lookup(e.Gnx)
		if !ok {
			return outline.Position{}, fmt.Errorf("%w: unknown gnx %s", ErrNotFound, e.Gnx)
		}
		p.Stack[i] = outline.StackEntry{V: ancestor, ChildIndex: e.ChildIndex}
	}
	if !t.IsValid(p) {
		return outline.Position{}, fmt.Errorf("%w: %s does not resolve", ErrNotFound, a)
	}
	return p, nil
}

// InconsistencyError reports a broken codec or tree invariant. It marks a
// defect in the server, never bad input.
type InconsistencyError struct {
	Location Archived
	Reason   string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("internal consistency failure at %s: %s", e.Location, e.Reason)
}

// SelfCheck round trips every reachable position of t.
func SelfCheck(t *outline.Tree) error {
	for _, p := range t.All() {
		a := Encode(p)
		q, err := Decode(a, t)
		if err != nil {
			return &InconsistencyError{Location: a, Reason: err.Error()}
		}
		if !q.Equal(p) {
			return &InconsistencyError{Location: a, Reason: "decoded position differs"}
		}
	}
	return nil
}

// Require returns an InconsistencyError when p does not resolve in t.
func Require(p outline.Position, t *outline.Tree) error {
	if p.IsZero() {
		return &InconsistencyError{Reason: "no current position"}
	}
	if !t.IsValid(p) {
		return &InconsistencyError{Location: Encode(p), Reason: "position does not resolve"}
	}
	return nil
}
