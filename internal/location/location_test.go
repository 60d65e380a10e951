package location

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"outlineserver/internal/outline"
)

func buildTree(t *testing.T) *outline.Tree {
	data := []byte(`{"version":1,"nodes":[
		{"gnx":"a","headline":"A","children":[
			{"gnx":"a1","headline":"A1"},
			{"gnx":"a2","headline":"A2","children":[{"gnx":"deep","headline":"Deep"}]}
		]},
		{"gnx":"b","headline":"B","children":[{"gnx":"a2"}]}
	]}`)
	tree, err := outline.Parse(data, "")
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

func assertRoundTrip(t *testing.T, tree *outline.Tree) {
	for _, p := range tree.All() {
		q, err := Decode(Encode(p), tree)
		assert.Equal(t, nil, err)
		assert.Equal(t, true, q.Equal(p))
	}
	assert.Equal(t, nil, SelfCheck(tree))
}

func TestRoundTrip(t *testing.T) {
	tree := buildTree(t)
	assertRoundTrip(t, tree)

	// the clone of A2 under B must decode to the B path, not the A path
	all := tree.All()
	last := all[len(all)-1]
	assert.Equal(t, "Deep", last.V.Headline)
	a := Encode(last)
	assert.Equal(t, []Entry{{Gnx: "b", ChildIndex: 1}, {Gnx: "a2", ChildIndex: 0}}, a.Stack)
	q, err := Decode(a, tree)
	assert.Equal(t, nil, err)
	assert.Equal(t, "b", q.Stack[0].V.Gnx)
}

func TestRoundTripAfterMutation(t *testing.T) {
	tree := buildTree(t)
	p := tree.FirstPosition()

	steps := []func(outline.Position) (outline.Position, error){
		func(p outline.Position) (outline.Position, error) {
			return tree.InsertAfter(p, "X")
		},
		func(p outline.Position) (outline.Position, error) {
			return tree.InsertChild(p, "X1")
		},
		tree.Clone,
		tree.MoveUp,
		tree.MoveLeft,
		tree.MoveDown,
		tree.MoveRight,
		tree.Delete,
	}
	for _, step := range steps {
		var err error
		p, err = step(p)
		assert.Equal(t, nil, err)
		assert.Equal(t, true, tree.IsValid(p))
		assertRoundTrip(t, tree)
	}
}

func TestDecodeNotFound(t *testing.T) {
	tree := buildTree(t)
	good := Encode(tree.All()[1])

	cases := map[string]Archived{
		"unknown leaf":   {Gnx: "nope", ChildIndex: 0, Stack: []Entry{}},
		"unknown stack":  {Gnx: "a1", ChildIndex: 0, Stack: []Entry{{Gnx: "nope", ChildIndex: 0}}},
		"bad index":      {Gnx: good.Gnx, ChildIndex: 5, Stack: good.Stack},
		"wrong parent":   {Gnx: "a1", ChildIndex: 0, Stack: []Entry{{Gnx: "b", ChildIndex: 1}}},
		"negative index": {Gnx: "a", ChildIndex: -1, Stack: []Entry{}},
		"empty":          {},
	}
	for name, a := range cases {
		_, err := Decode(a, tree)
		assert.Equal(t, true, errors.Is(err, ErrNotFound))
		if err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestDecodeStaleAfterDelete(t *testing.T) {
	tree := buildTree(t)
	p := tree.All()[1]
	a := Encode(p)

	_, err := tree.Delete(p)
	assert.Equal(t, nil, err)
	_, err = Decode(a, tree)
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}

func TestArchivedWireShape(t *testing.T) {
	tree := buildTree(t)
	data, err := json.Marshal(Encode(tree.FirstPosition()))
	assert.Equal(t, nil, err)
	assert.Equal(t, `{"gnx":"a","childIndex":0,"stack":[]}`, string(data))

	var a Archived
	err = json.Unmarshal([]byte(`{"gnx":"a1","childIndex":0,"stack":[{"gnx":"a","childIndex":0}]}`), &a)
	assert.Equal(t, nil, err)
	p, err := Decode(a, tree)
	assert.Equal(t, nil, err)
	assert.Equal(t, "A1", p.V.Headline)
}

func TestRequire(t *testing.T) {
	tree := buildTree(t)
	p := tree.All()[1]
	assert.Equal(t, nil, Require(p, tree))

	tree.Delete(p)
	err := Require(p, tree)
	var inconsistency *InconsistencyError
	assert.Equal(t, true, errors.As(err, &inconsistency))
	assert.Equal(t, "a1", inconsistency.Location.Gnx)
}

func TestRedraw(t *testing.T) {
	tree := buildTree(t)
	all := tree.All()
	snap := Redraw(all[2], tree, true)
	assert.Equal(t, "A2", snap.Headline)
	assert.Equal(t, true, snap.Selected)
	assert.Equal(t, true, snap.HasChildren)
	assert.Equal(t, true, snap.Cloned)
	assert.Equal(t, 1, snap.Level)

	snaps := RedrawAll(tree.Children(all[0]), tree, all[1])
	assert.Equal(t, 2, len(snaps))
	assert.Equal(t, true, snaps[0].Selected)
	assert.Equal(t, false, snaps[1].Selected)
}
