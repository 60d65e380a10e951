package outline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

// sampleTree builds
//
//	A
//	  A1
//	  A2
//	B
//	  B1 (clone of A1)
func sampleTree() *Tree {
	a1 := &VNode{Gnx: "a1", Headline: "A1"}
	a2 := &VNode{Gnx: "a2", Headline: "A2"}
	a := &VNode{Gnx: "a", Headline: "A", Children: []*VNode{a1, a2}}
	b := &VNode{Gnx: "b", Headline: "B", Children: []*VNode{a1}}
	root := &VNode{Gnx: "hidden-root", Children: []*VNode{a, b}}
	return newTreeFromRoot(root)
}

func headlines(ps []Position) []string {
	out := []string{}
	for _, p := range ps {
		out = append(out, p.V.Headline)
	}
	return out
}

func TestTreeNavigation(t *testing.T) {
	tree := sampleTree()

	assert.Equal(t, []string{"A", "A1", "A2", "B", "A1"}, headlines(tree.All()))
	assert.Equal(t, 4, tree.Size())
	assert.Equal(t, []string{"a", "a1", "a2", "b"}, tree.Gnxs())

	a1, _ := tree.Lookup("a1")
	assert.Equal(t, true, tree.IsCloned(a1))
	a2, _ := tree.Lookup("a2")
	assert.Equal(t, false, tree.IsCloned(a2))

	all := tree.All()
	assert.Equal(t, "A", tree.ThreadBack(all[1]).V.Headline)
	assert.Equal(t, "A2", tree.ThreadBack(all[3]).V.Headline)
	assert.Equal(t, true, tree.Back(all[0]).IsZero())
	assert.Equal(t, "B", tree.Next(all[0]).V.Headline)
	assert.Equal(t, true, all[0].IsAncestorOf(all[2]))
	assert.Equal(t, false, all[3].IsAncestorOf(all[2]))

	for _, p := range all {
		assert.Equal(t, true, tree.IsValid(p))
	}
}

func TestTreeStaleness(t *testing.T) {
	tree := sampleTree()
	all := tree.All()
	a2 := all[2]

	_, err := tree.MoveUp(a2)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, tree.IsValid(a2))

	_, err = tree.MoveUp(a2)
	assert.NotEqual(t, nil, err)
}

func TestTreeEdits(t *testing.T) {
	tree := sampleTree()
	first := tree.FirstPosition()

	p, err := tree.InsertAfter(first, "C")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, p.ChildIndex)
	assert.Equal(t, []string{"A", "C", "B"}, headlines(tree.TopLevel()))

	child, err := tree.InsertChild(p, "C1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, child.Level())
	assert.Equal(t, true, tree.IsValid(child))

	right, err := tree.MoveRight(p)
	assert.Equal(t, nil, err)
	assert.Equal(t, "A", right.Parent().V.Headline)
	assert.Equal(t, 2, right.ChildIndex)

	left, err := tree.MoveLeft(right)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, left.Level())
	assert.Equal(t, []string{"A", "C", "B"}, headlines(tree.TopLevel()))

	next, err := tree.Delete(left)
	assert.Equal(t, nil, err)
	assert.Equal(t, "B", next.V.Headline)
	_, ok := tree.Lookup(child.V.Gnx)
	assert.Equal(t, false, ok)
}

func TestTreeDeleteLastNode(t *testing.T) {
	tree := NewTree()
	_, err := tree.Delete(tree.FirstPosition())
	assert.Equal(t, ErrLastNode, err)
}

func TestTreeMoveRightCycle(t *testing.T) {
	// X already contains Y, so X cannot become a child of Y.
	y := &VNode{Gnx: "y", Headline: "Y"}
	x := &VNode{Gnx: "x", Headline: "X", Children: []*VNode{y}}
	root := &VNode{Gnx: "hidden-root", Children: []*VNode{y, x}}
	tree := newTreeFromRoot(root)

	_, err := tree.MoveRight(tree.TopLevel()[1])
	assert.NotEqual(t, nil, err)
}

func TestTreeCloneAndCopy(t *testing.T) {
	tree := sampleTree()
	p := tree.TopLevel()[1]
	clone, err := tree.Clone(p)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, tree.IsCloned(clone.V))
	assert.Equal(t, true, clone.V == p.V)

	copied := tree.Copy()
	assert.Equal(t, tree.Gnxs(), copied.Gnxs())
	top := copied.TopLevel()
	assert.Equal(t, true, top[1].V == top[2].V)
	assert.Equal(t, false, top[1].V == p.V)
}

func TestTreeSort(t *testing.T) {
	tree := NewTree()
	first := tree.FirstPosition()
	first.V.Headline = "m"
	tree.InsertAfter(first, "z")
	tree.InsertAfter(first, "a")

	p, err := tree.SortSiblings(first)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, p.ChildIndex)
	assert.Equal(t, []string{"a", "m", "z"}, headlines(tree.TopLevel()))
}

func TestTreeSortChildrenStable(t *testing.T) {
	parent := &VNode{Gnx: "p", Headline: "P", Children: []*VNode{
		{Gnx: "b1", Headline: "b"},
		{Gnx: "a", Headline: "a"},
		{Gnx: "b2", Headline: "b"},
	}}
	tree := newTreeFromRoot(&VNode{Gnx: "hidden-root", Children: []*VNode{parent}})

	assert.Equal(t, nil, tree.SortChildren(tree.FirstPosition()))
	gnxs := []string{}
	for _, child := range parent.Children {
		gnxs = append(gnxs, child.Gnx)
	}
	assert.Equal(t, []string{"a", "b1", "b2"}, gnxs)
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tree := sampleTree()
	ext := tree.TopLevel()[1]
	ext.V.Headline = "@edit notes.txt"
	ext.V.Children = nil
	ext.V.Body = "hello"
	tree.Rebuild()

	path := filepath.Join(dir, "a.leo")
	written, err := Write(path, tree)
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{path, filepath.Join(dir, "notes.txt")}, written)

	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	assert.Equal(t, nil, err)
	assert.Equal(t, "hello", string(data))

	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("changed"), 0o644)
	loaded, err := Read(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, tree.Gnxs(), loaded.Gnxs())
	v, _ := loaded.Lookup("b")
	assert.Equal(t, "changed", v.Body)
	assert.Equal(t, false, v.Dirty)
}

func TestFileClonesShareNode(t *testing.T) {
	data, err := Marshal(sampleTree())
	assert.Equal(t, nil, err)

	loaded, err := Parse(data, "")
	assert.Equal(t, nil, err)
	top := loaded.TopLevel()
	assert.Equal(t, true, top[0].V.Children[0] == top[1].V.Children[0])
}

func TestParseRejectsCycle(t *testing.T) {
	data := []byte(`{"version":1,"nodes":[{"gnx":"a","children":[{"gnx":"a"}]}]}`)
	_, err := Parse(data, "")
	assert.NotEqual(t, nil, err)
}

func TestReloadPolicy(t *testing.T) {
	edit := &VNode{Headline: "@edit x.txt"}
	assert.Equal(t, ReloadAsk, PolicyFor(edit))

	file := &VNode{Headline: "@file x.py"}
	assert.Equal(t, ReloadAsk, PolicyFor(file))
	file.Children = []*VNode{NewVNode("def f")}
	assert.Equal(t, ReloadWarn, PolicyFor(file))

	nosent := &VNode{Headline: "@nosent x.py"}
	assert.Equal(t, ReloadWarn, PolicyFor(nosent))

	_, _, ok := (&VNode{Headline: "@edit"}).External()
	assert.Equal(t, false, ok)
}
